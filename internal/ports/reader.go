package ports

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/flightincorporated47/metasys-connector-backend/internal/domain"
)

// ErrorClass buckets reader failures.
type ErrorClass string

const (
	ErrorAuth    ErrorClass = "AUTH"
	ErrorNetwork ErrorClass = "NETWORK"
	ErrorServer  ErrorClass = "SERVER"
	ErrorRequest ErrorClass = "REQUEST"
	ErrorData    ErrorClass = "DATA"
)

// Reader fetches the current value of one remote point by its source reference.
type Reader interface {
	Read(ctx context.Context, ref string) (domain.Reading, error)
	Name() string
	Close() error
}

// ReadError is a classified reader failure.
type ReadError struct {
	Class ErrorClass
	Ref   string
	Err   error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("%s read %q: %v", e.Class, e.Ref, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

func NewReadError(class ErrorClass, ref string, err error) *ReadError {
	return &ReadError{Class: class, Ref: ref, Err: err}
}

// ClassifyReadError returns the class of err. Unclassified deadline and
// network errors are NETWORK, anything else SERVER.
func ClassifyReadError(err error) ErrorClass {
	var re *ReadError
	if errors.As(err, &re) {
		return re.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorNetwork
	}
	return ErrorServer
}
