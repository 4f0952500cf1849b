package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrChannelSinkClosed is returned when a channel sink is written to after being closed.
var ErrChannelSinkClosed = errors.New("connector: channel sink closed")

// BatchHandler receives every batch the publisher emits.
type BatchHandler func(ctx context.Context, b Batch) error

// NewCallbackSink adapts a BatchHandler into a BatchSink so callers can plug
// arbitrary functions without defining structs. A handler error fails the
// batch and it is retried on the next flush.
func NewCallbackSink(name string, fn BatchHandler) BatchSink {
	if name == "" {
		name = "callback"
	}
	return &callbackSink{name: name, fn: fn}
}

// NewChannelSink exposes batches via a channel. The channel is closed when the
// sink is closed, which the runtime does during shutdown.
func NewChannelSink(name string, buffer int) (BatchSink, <-chan Batch) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Batch, buffer)
	s := &channelSink{
		name:   name,
		ch:     ch,
		closed: make(chan struct{}),
	}
	return s, ch
}

type callbackSink struct {
	name string
	fn   BatchHandler
}

func (s *callbackSink) WriteBatch(ctx context.Context, b Batch) error {
	if s.fn == nil {
		return fmt.Errorf("callback sink %q: nil handler", s.name)
	}
	if b.Count() == 0 {
		return nil
	}
	return s.fn(ctx, b)
}

func (s *callbackSink) Name() string { return s.name }

func (s *callbackSink) Close() error { return nil }

type channelSink struct {
	name   string
	ch     chan Batch
	closed chan struct{}
	mu     sync.RWMutex
	once   sync.Once
}

// WriteBatch blocks until the batch is received, the sink is closed or ctx ends.
func (s *channelSink) WriteBatch(ctx context.Context, b Batch) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	select {
	case <-s.closed:
		return ErrChannelSinkClosed
	default:
	}

	if b.Count() == 0 {
		return nil
	}

	select {
	case <-s.closed:
		return ErrChannelSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	case s.ch <- b:
		return nil
	}
}

func (s *channelSink) Name() string { return s.name }

func (s *channelSink) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	})
	return nil
}
