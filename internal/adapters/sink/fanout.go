package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/flightincorporated47/metasys-connector-backend/internal/domain"
	"github.com/flightincorporated47/metasys-connector-backend/internal/ports"
)

// FanoutSink writes every batch to each sink in order. When some members fail,
// the members that accepted the batch are remembered by batch id and skipped
// when the same batch is retried, so only the failed members see it again.
type FanoutSink struct {
	sinks []ports.BatchSink

	mu sync.Mutex
	// batch id -> indexes of members that already accepted it
	accepted map[string]map[int]struct{}
}

func NewFanoutSink(sinks ...ports.BatchSink) *FanoutSink {
	return &FanoutSink{sinks: sinks, accepted: map[string]map[int]struct{}{}}
}

func (f *FanoutSink) Name() string {
	names := make([]string, len(f.sinks))
	for i, s := range f.sinks {
		names[i] = s.Name()
	}
	return "fanout(" + strings.Join(names, ",") + ")"
}

func (f *FanoutSink) WriteBatch(ctx context.Context, b domain.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	done := f.accepted[b.ID]
	var errs []error
	for i, s := range f.sinks {
		if _, ok := done[i]; ok {
			continue
		}
		if err := s.WriteBatch(ctx, b); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		if done == nil {
			done = map[int]struct{}{}
		}
		done[i] = struct{}{}
	}

	if len(errs) == 0 {
		delete(f.accepted, b.ID)
		return nil
	}
	if len(done) > 0 {
		f.accepted[b.ID] = done
	}
	return errors.Join(errs...)
}

func (f *FanoutSink) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

var _ ports.BatchSink = (*FanoutSink)(nil)
