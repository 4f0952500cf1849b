package ports

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyReadError(t *testing.T) {
	authErr := NewReadError(ErrorAuth, "a/b", errors.New("401"))
	if got := ClassifyReadError(fmt.Errorf("poll: %w", authErr)); got != ErrorAuth {
		t.Fatalf("expected wrapped AUTH, got %s", got)
	}
	if got := ClassifyReadError(fmt.Errorf("read: %w", context.DeadlineExceeded)); got != ErrorNetwork {
		t.Fatalf("expected deadline to be NETWORK, got %s", got)
	}
	if got := ClassifyReadError(errors.New("boom")); got != ErrorServer {
		t.Fatalf("expected unknown error to be SERVER, got %s", got)
	}
	if !errors.Is(authErr, authErr.Err) {
		t.Fatalf("ReadError must unwrap to its cause")
	}
}
