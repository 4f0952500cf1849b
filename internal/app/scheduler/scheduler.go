// Package scheduler drives tiered polling: it decides each tick which points
// are due, reads them, and routes accepted changes to the publisher.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flightincorporated47/metasys-connector-backend/internal/app/detector"
	"github.com/flightincorporated47/metasys-connector-backend/internal/app/publisher"
	"github.com/flightincorporated47/metasys-connector-backend/internal/domain"
	"github.com/flightincorporated47/metasys-connector-backend/internal/ports"
)

// Publisher is the part of *publisher.Publisher the scheduler drives.
type Publisher interface {
	Add(ctx context.Context, ev domain.ChangeEvent) error
	Tick(ctx context.Context) error
}

type Options struct {
	Tick        time.Duration
	Workers     int
	ReadTimeout time.Duration
	// FailureEscalationThreshold logs a critical event once a point has failed
	// this many consecutive times. Zero disables it.
	FailureEscalationThreshold int
	Now                        func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Tick <= 0 {
		o.Tick = 250 * time.Millisecond
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 10 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type pointState struct {
	point    domain.PlannedPoint
	nextDue  time.Time
	inFlight atomic.Bool
	failures int
}

type Scheduler struct {
	reader ports.Reader
	det    *detector.Detector
	pub    Publisher
	opts   Options
	obs    ports.Observability
	health ports.Health
	tracer trace.Tracer

	points []*pointState

	// accept serializes detector decision and buffer insertion so acceptance
	// order is publish order.
	accept sync.Mutex

	jobs     chan *pointState
	inflight sync.WaitGroup
	reloadCh chan []domain.PlannedPoint

	fatalMu sync.Mutex
	fatal   error
}

func New(plan []domain.PlannedPoint, reader ports.Reader, det *detector.Detector, pub Publisher, opts Options, obs ports.Observability, health ports.Health) (*Scheduler, error) {
	if reader == nil {
		return nil, errors.New("reader is required")
	}
	if det == nil {
		return nil, errors.New("detector is required")
	}
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if obs == nil {
		return nil, errors.New("observability is required")
	}
	opts.applyDefaults()

	s := &Scheduler{
		reader:   reader,
		det:      det,
		pub:      pub,
		opts:     opts,
		obs:      obs,
		health:   health,
		tracer:   otel.Tracer("metasys-connector/scheduler"),
		reloadCh: make(chan []domain.PlannedPoint, 1),
	}
	s.load(plan, opts.Now())
	return s, nil
}

// load rebuilds schedule state to exactly plan, every point due at now.
func (s *Scheduler) load(plan []domain.PlannedPoint, now time.Time) {
	points := make([]*pointState, len(plan))
	for i, p := range plan {
		points[i] = &pointState{point: p, nextDue: now}
	}
	s.points = points
	s.obs.SetGauge("metasys_plan_points", float64(len(points)))
}

// Len is the number of scheduled points.
func (s *Scheduler) Len() int { return len(s.points) }

// NextDue returns the next due time of the point with the given key.
func (s *Scheduler) NextDue(key string) (time.Time, bool) {
	for _, ps := range s.points {
		if ps.point.Key() == key {
			return ps.nextDue, true
		}
	}
	return time.Time{}, false
}

// Reload queues a new plan. Run applies it between ticks once in-flight reads
// have finished.
func (s *Scheduler) Reload(plan []domain.PlannedPoint) {
	select {
	case <-s.reloadCh:
	default:
	}
	s.reloadCh <- plan
}

// Run polls until ctx is cancelled or the publisher reports a fatal error. It
// waits for in-flight reads before returning but does not close the publisher.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.opts.Workers > 1 {
		s.jobs = make(chan *pointState)
		var workers sync.WaitGroup
		for i := 0; i < s.opts.Workers; i++ {
			workers.Add(1)
			go func() {
				defer workers.Done()
				for ps := range s.jobs {
					s.pollOne(ctx, ps, s.opts.Now())
				}
			}()
		}
		defer func() {
			close(s.jobs)
			workers.Wait()
			s.jobs = nil
		}()
	}

	s.obs.LogInfo("scheduler_started",
		ports.Field{Key: "points", Value: len(s.points)},
		ports.Field{Key: "workers", Value: s.opts.Workers},
		ports.Field{Key: "tick", Value: s.opts.Tick.String()})

	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	for {
		if err := s.TickOnce(ctx, s.opts.Now()); err != nil {
			s.inflight.Wait()
			return err
		}

		select {
		case <-ctx.Done():
			s.inflight.Wait()
			s.obs.LogInfo("scheduler_stopped")
			return nil
		case plan := <-s.reloadCh:
			s.inflight.Wait()
			s.load(plan, s.opts.Now())
			s.det.Reset(plan)
			s.obs.LogInfo("plan_reloaded", ports.Field{Key: "points", Value: len(plan)})
		case <-ticker.C:
		}
	}
}

// TickOnce polls every due point once, in plan order, then runs the
// publisher's tick flush. It returns only fatal errors.
func (s *Scheduler) TickOnce(ctx context.Context, now time.Time) error {
	for _, ps := range s.points {
		if ctx.Err() != nil {
			return nil
		}
		if now.Before(ps.nextDue) {
			continue
		}
		if !ps.inFlight.CompareAndSwap(false, true) {
			continue
		}
		ps.nextDue = now.Add(ps.point.PollInterval)

		s.inflight.Add(1)
		if s.jobs == nil {
			s.pollOne(ctx, ps, now)
			continue
		}
		select {
		case s.jobs <- ps:
		case <-ctx.Done():
			ps.inFlight.Store(false)
			s.inflight.Done()
			return nil
		}
	}

	if err := s.fatalErr(); err != nil {
		return err
	}
	if err := s.pub.Tick(ctx); err != nil {
		if publisher.IsFatal(err) {
			return err
		}
		if !errors.Is(err, publisher.ErrClosed) {
			s.obs.LogError("tick_flush_failed", err)
		}
	}
	return nil
}

func (s *Scheduler) pollOne(ctx context.Context, ps *pointState, now time.Time) {
	defer s.inflight.Done()
	defer ps.inFlight.Store(false)

	p := ps.point
	// Reads already started run to completion or timeout after cancellation.
	ctx, span := s.tracer.Start(context.WithoutCancel(ctx), "scheduler.poll", trace.WithAttributes(
		attribute.String("point.key", p.Key()),
		attribute.Int("point.tier", int(p.Tier)),
	))
	defer span.End()

	readCtx, cancel := context.WithTimeout(ctx, s.opts.ReadTimeout)
	start := time.Now()
	r, err := s.reader.Read(readCtx, p.SourceRef)
	cancel()
	s.obs.ObserveLatency("metasys_read_latency_seconds", time.Since(start).Seconds())
	s.obs.IncCounter("metasys_points_polled_total", 1)
	if s.health != nil {
		s.health.RecordPoll(now)
	}

	if err == nil {
		r.Value, err = domain.Coerce(p.DataType, r.Value)
		if err != nil {
			err = ports.NewReadError(ports.ErrorData, p.SourceRef, err)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		s.readFailed(ps, err, now)
		return
	}
	ps.failures = 0
	if r.Quality == "" {
		r.Quality = domain.QualityGood
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = now
	}

	s.accept.Lock()
	defer s.accept.Unlock()
	if !s.det.ShouldPublish(p, r, now) {
		return
	}
	ev := domain.ChangeEvent{
		AssetID:   p.AssetID,
		PointID:   p.PointID,
		Value:     r.Value,
		Timestamp: r.Timestamp,
		Quality:   r.Quality,
		SourceRef: p.SourceRef,
	}
	if err := s.pub.Add(ctx, ev); err != nil {
		if publisher.IsFatal(err) {
			s.setFatal(err)
			return
		}
		if !errors.Is(err, publisher.ErrClosed) {
			s.obs.LogError("publish_failed", err, ports.Field{Key: "point", Value: p.Key()})
		}
	}
}

func (s *Scheduler) readFailed(ps *pointState, err error, now time.Time) {
	class := ports.ClassifyReadError(err)
	ps.failures++

	s.obs.IncCounter("metasys_errors_total", 1)
	s.obs.IncCounter("metasys_read_errors_total", 1, string(class))
	if s.health != nil {
		s.health.RecordError(err, now)
	}
	fields := []ports.Field{
		{Key: "point", Value: ps.point.Key()},
		{Key: "source_ref", Value: ps.point.SourceRef},
		{Key: "class", Value: string(class)},
		{Key: "consecutive_failures", Value: ps.failures},
	}
	s.obs.LogError("point_read_failed", err, fields...)

	if t := s.opts.FailureEscalationThreshold; t > 0 && ps.failures == t {
		s.obs.LogCritical("point_failing_persistently", fmt.Errorf("%d consecutive failures: %w", t, err), fields...)
	}
}

func (s *Scheduler) setFatal(err error) {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	if s.fatal == nil {
		s.fatal = err
	}
}

func (s *Scheduler) fatalErr() error {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	return s.fatal
}
