// Package publisher buffers accepted change events and emits them to a batch
// sink as size- and time-bounded batches.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flightincorporated47/metasys-connector-backend/internal/domain"
	"github.com/flightincorporated47/metasys-connector-backend/internal/ports"
)

var (
	ErrClosed          = errors.New("publisher closed")
	ErrBufferFull      = errors.New("publisher buffer full")
	ErrSinkUnavailable = errors.New("batch sink unavailable")
	ErrFlushFatal      = errors.New("batch sink failed beyond retry limit")
	ErrWAL             = errors.New("batch wal failure")
)

// IsFatal reports whether err should stop the poll loop.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFlushFatal) || errors.Is(err, ErrWAL)
}

type pendingBatch struct {
	walID ports.WALEntryID
	batch domain.Batch
}

// Publisher is safe for concurrent use. Flushes are serialized with Add so
// buffer order is batch order.
type Publisher struct {
	mu sync.Mutex

	sink   ports.BatchSink
	queue  ports.EventQueue
	wal    ports.BatchWAL
	pol    ports.Policy
	obs    ports.Observability
	health ports.Health
	tracer trace.Tracer
	now    func() time.Time

	pending   []pendingBatch
	failures  int
	failedAt  time.Time
	lastFlush time.Time
	closed    bool
}

type Option func(*Publisher)

// WithWAL persists every batch before it is handed to the sink.
func WithWAL(w ports.BatchWAL) Option {
	return func(p *Publisher) { p.wal = w }
}

func WithHealth(h ports.Health) Option {
	return func(p *Publisher) { p.health = h }
}

// WithClock overrides time.Now for batch stamps and the flush interval check.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

func New(sink ports.BatchSink, q ports.EventQueue, pol ports.Policy, obs ports.Observability, opts ...Option) (*Publisher, error) {
	if sink == nil {
		return nil, errors.New("batch sink is required")
	}
	if q == nil {
		return nil, errors.New("event queue is required")
	}
	if obs == nil {
		return nil, errors.New("observability is required")
	}
	if pol.MaxBatchSize <= 0 {
		pol.MaxBatchSize = 200
	}
	if pol.FlushInterval <= 0 {
		pol.FlushInterval = 5 * time.Second
	}
	if pol.OnSinkFailure == "" {
		pol.OnSinkFailure = "retry"
	}
	if pol.MaxFlushRetries <= 0 {
		pol.MaxFlushRetries = 3
	}

	p := &Publisher{
		sink:   sink,
		queue:  q,
		pol:    pol,
		obs:    obs,
		tracer: otel.Tracer("metasys-connector/publisher"),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.lastFlush = p.now()
	return p, nil
}

// Add buffers ev and flushes when the batch size or flush interval is reached.
// A flush error is returned after ev has been buffered.
func (p *Publisher) Add(ctx context.Context, ev domain.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if !p.queue.Enqueue(ev) {
		ferr := p.flushLocked(ctx)
		if !p.queue.Enqueue(ev) {
			p.obs.IncCounter("metasys_dropped_events_total", 1)
			return errors.Join(ErrBufferFull, ferr)
		}
		if ferr != nil {
			return ferr
		}
	}
	p.obs.SetGauge("metasys_publisher_buffer_length", float64(p.queue.Len()))

	if p.queue.Len() >= p.pol.MaxBatchSize || p.now().Sub(p.lastFlush) >= p.pol.FlushInterval {
		return p.flushLocked(ctx)
	}
	return nil
}

// Tick runs the once-per-tick flush that bounds how long an event waits.
func (p *Publisher) Tick(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return p.flushLocked(ctx)
}

func (p *Publisher) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return p.flushLocked(ctx)
}

// Close runs the final flush. Later calls return ErrClosed.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.closed = true
	err := p.flushLocked(ctx)
	if n := len(p.pending); n > 0 {
		p.obs.LogError("publisher_closed_with_pending", err, ports.Field{Key: "batches", Value: n})
	}
	return err
}

// Len is the number of buffered events not yet in a batch.
func (p *Publisher) Len() int { return p.queue.Len() }

// Pending is the number of batches awaiting a successful sink write.
func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Recover loads batches that were persisted but never acknowledged by the
// sink. They are retried ahead of new batches on the next flush.
func (p *Publisher) Recover(ctx context.Context) (int, error) {
	if p.wal == nil {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.wal.Stats()
	if stats.LatestAppended == 0 || stats.OldestUncommitted > stats.LatestAppended {
		return 0, nil
	}

	var recovered int
	err := p.wal.Iterate(stats.OldestUncommitted, func(id ports.WALEntryID, b domain.Batch) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.pending = append(p.pending, pendingBatch{walID: id, batch: b})
		recovered++
		return nil
	})
	if err != nil {
		return recovered, fmt.Errorf("%w: replay: %w", ErrWAL, err)
	}
	if recovered > 0 {
		p.obs.LogInfo("wal_replay_complete",
			ports.Field{Key: "batches", Value: recovered},
			ports.Field{Key: "from_id", Value: stats.OldestUncommitted})
		p.obs.SetGauge("metasys_pending_batches", float64(len(p.pending)))
	}
	return recovered, nil
}

func (p *Publisher) flushLocked(ctx context.Context) error {
	defer func() {
		p.obs.SetGauge("metasys_publisher_buffer_length", float64(p.queue.Len()))
		p.obs.SetGauge("metasys_pending_batches", float64(len(p.pending)))
	}()

	for len(p.pending) > 0 {
		if err := p.deliver(ctx, p.pending[0]); err != nil {
			return err
		}
		p.pending = p.pending[1:]
	}

	for p.queue.Len() > 0 {
		events := p.queue.DequeueBatch(p.pol.MaxBatchSize)
		if len(events) == 0 {
			break
		}
		pb := pendingBatch{batch: domain.Batch{
			ID:     uuid.NewString(),
			SentAt: p.now(),
			Events: events,
		}}
		if p.wal != nil {
			id, err := p.wal.Append(pb.batch)
			if err != nil {
				p.obs.LogCritical("wal_append_failed", err, ports.Field{Key: "batch_id", Value: pb.batch.ID})
				p.pending = append(p.pending, pb)
				return fmt.Errorf("%w: append: %w", ErrWAL, err)
			}
			pb.walID = id
		}
		if err := p.deliver(ctx, pb); err != nil {
			p.pending = append(p.pending, pb)
			return err
		}
	}

	p.lastFlush = p.now()
	return nil
}

func (p *Publisher) deliver(ctx context.Context, pb pendingBatch) error {
	ctx, span := p.tracer.Start(ctx, "publisher.flush", trace.WithAttributes(
		attribute.String("batch.id", pb.batch.ID),
		attribute.Int("batch.count", pb.batch.Count()),
		attribute.String("sink", p.sink.Name()),
	))
	defer span.End()

	start := time.Now()
	if err := p.sink.WriteBatch(ctx, pb.batch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sink write failed")
		return p.sinkFailed(pb, err)
	}
	p.obs.ObserveLatency("metasys_sink_latency_seconds", time.Since(start).Seconds())

	p.failures = 0
	p.obs.IncCounter("metasys_batches_published_total", 1)
	p.obs.IncCounter("metasys_points_published_total", float64(pb.batch.Count()))
	p.obs.LogInfo("batch_published",
		ports.Field{Key: "batch_id", Value: pb.batch.ID},
		ports.Field{Key: "count", Value: pb.batch.Count()},
		ports.Field{Key: "sink", Value: p.sink.Name()})
	if p.health != nil {
		p.health.RecordPublish(p.now())
	}

	if p.wal != nil && pb.walID != 0 {
		if err := p.wal.Commit(pb.walID); err != nil {
			p.obs.LogError("wal_commit_failed", err, ports.Field{Key: "batch_id", Value: pb.batch.ID})
		} else if err := p.wal.TruncateCommitted(); err != nil {
			p.obs.LogError("wal_truncate_failed", err)
		}
		p.obs.SetGauge("metasys_wal_size_bytes", float64(p.wal.Stats().SizeBytes))
	}
	return nil
}

func (p *Publisher) sinkFailed(pb pendingBatch, err error) error {
	now := p.now()
	if p.failures == 0 || now.Sub(p.failedAt) >= p.pol.FlushInterval {
		p.failures++
		p.failedAt = now
	}
	p.obs.IncCounter("metasys_flush_errors_total", 1)
	p.obs.IncCounter("metasys_errors_total", 1)
	if p.health != nil {
		p.health.RecordError(err, now)
	}
	fields := []ports.Field{
		{Key: "batch_id", Value: pb.batch.ID},
		{Key: "count", Value: pb.batch.Count()},
		{Key: "consecutive_failures", Value: p.failures},
	}

	if p.pol.OnSinkFailure == "fatal" && p.failures >= p.pol.MaxFlushRetries {
		p.obs.LogCritical("sink_write_failed", err, fields...)
		return fmt.Errorf("%w: %w", ErrFlushFatal, err)
	}
	p.obs.LogError("sink_write_failed", err, fields...)
	return fmt.Errorf("%w: %w", ErrSinkUnavailable, err)
}
