package connector

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testBatch(id string) Batch {
	return Batch{
		ID:     id,
		SentAt: time.Unix(1700000000, 0),
		Events: []ChangeEvent{{
			AssetID:   "ahu-1",
			PointID:   "sat",
			Value:     21.5,
			Timestamp: time.Unix(1699999999, 0),
			Quality:   QualityGood,
			SourceRef: "NAE-1/AHU-1.SAT",
		}},
	}
}

func TestNewCallbackSink(t *testing.T) {
	var received []Batch
	sink := NewCallbackSink("cb", func(_ context.Context, b Batch) error {
		received = append(received, b)
		return nil
	})

	if err := sink.WriteBatch(context.Background(), testBatch("b-1")); err != nil {
		t.Fatalf("WriteBatch returned error: %v", err)
	}
	if err := sink.WriteBatch(context.Background(), Batch{ID: "empty"}); err != nil {
		t.Fatalf("empty batch returned error: %v", err)
	}
	if len(received) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(received))
	}
	if received[0].ID != "b-1" || received[0].Events[0].Value != 21.5 {
		t.Fatalf("mismatched batch payload: %+v", received[0])
	}
	if sink.Name() != "cb" {
		t.Fatalf("unexpected name %q", sink.Name())
	}
}

func TestNewCallbackSinkNilHandler(t *testing.T) {
	sink := NewCallbackSink("", nil)
	if err := sink.WriteBatch(context.Background(), testBatch("b-1")); err == nil {
		t.Fatalf("expected error when callback is nil")
	}
	if sink.Name() != "callback" {
		t.Fatalf("expected default name, got %q", sink.Name())
	}
}

func TestNewChannelSink(t *testing.T) {
	sink, ch := NewChannelSink("chan", 0)

	errCh := make(chan error, 1)
	go func() {
		errCh <- sink.WriteBatch(context.Background(), testBatch("b-2"))
	}()

	var batch Batch
	select {
	case batch = <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel batch")
	}

	if err := <-errCh; err != nil {
		t.Fatalf("WriteBatch returned error: %v", err)
	}
	if batch.ID != "b-2" || batch.Count() != 1 {
		t.Fatalf("unexpected batch data: %+v", batch)
	}

	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel to be closed")
	}
	if err := sink.WriteBatch(context.Background(), testBatch("b-3")); !errors.Is(err, ErrChannelSinkClosed) {
		t.Fatalf("expected ErrChannelSinkClosed, got %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestChannelSinkHonoursContext(t *testing.T) {
	sink, _ := NewChannelSink("chan", 0)
	defer sink.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := sink.WriteBatch(ctx, testBatch("b-4")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error with no receiver, got %v", err)
	}
}
