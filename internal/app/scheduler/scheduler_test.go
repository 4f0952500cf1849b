package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flightincorporated47/metasys-connector-backend/internal/adapters/queue"
	"github.com/flightincorporated47/metasys-connector-backend/internal/app/detector"
	"github.com/flightincorporated47/metasys-connector-backend/internal/app/publisher"
	"github.com/flightincorporated47/metasys-connector-backend/internal/domain"
	"github.com/flightincorporated47/metasys-connector-backend/internal/ports"
)

type readFunc func(ctx context.Context, ref string) (domain.Reading, error)

type stubReader struct {
	fn    readFunc
	mu    sync.Mutex
	calls map[string]int
}

func newStubReader(fn readFunc) *stubReader {
	return &stubReader{fn: fn, calls: map[string]int{}}
}

func (r *stubReader) Read(ctx context.Context, ref string) (domain.Reading, error) {
	r.mu.Lock()
	r.calls[ref]++
	r.mu.Unlock()
	return r.fn(ctx, ref)
}

func (r *stubReader) Name() string { return "stub" }
func (r *stubReader) Close() error { return nil }

func (r *stubReader) count(ref string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[ref]
}

type stubPublisher struct {
	mu      sync.Mutex
	events  []domain.ChangeEvent
	ticks   int
	tickErr error
}

func (p *stubPublisher) Add(_ context.Context, ev domain.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *stubPublisher) Tick(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ticks++
	return p.tickErr
}

func (p *stubPublisher) snapshot() []domain.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ChangeEvent(nil), p.events...)
}

type stubObs struct {
	mu        sync.Mutex
	counters  map[string]float64
	criticals int
}

func newStubObs() *stubObs { return &stubObs{counters: map[string]float64{}} }

func (o *stubObs) LogInfo(string, ...ports.Field)         {}
func (o *stubObs) LogError(string, error, ...ports.Field) {}
func (o *stubObs) LogCritical(string, error, ...ports.Field) {
	o.mu.Lock()
	o.criticals++
	o.mu.Unlock()
}
func (o *stubObs) ObserveLatency(string, float64) {}
func (o *stubObs) SetGauge(string, float64)       {}
func (o *stubObs) IncCounter(name string, v float64, labels ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, l := range labels {
		name += "|" + l
	}
	o.counters[name] += v
}

func (o *stubObs) counter(name string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counters[name]
}

type stubHealth struct {
	mu      sync.Mutex
	polls   int
	lastErr error
}

func (h *stubHealth) RecordPoll(time.Time)    { h.mu.Lock(); h.polls++; h.mu.Unlock() }
func (h *stubHealth) RecordPublish(time.Time) {}
func (h *stubHealth) RecordError(err error, _ time.Time) {
	h.mu.Lock()
	h.lastErr = err
	h.mu.Unlock()
}

var t0 = time.Unix(1700000000, 0)

func point(id string, dt domain.DataType, poll time.Duration) domain.PlannedPoint {
	return domain.PlannedPoint{
		AssetID:      "ahu-1",
		PointID:      id,
		DataType:     dt,
		Tier:         domain.Tier2,
		PollInterval: poll,
		SourceRef:    "ref-" + id,
	}
}

func constReader(v any) *stubReader {
	return newStubReader(func(context.Context, string) (domain.Reading, error) {
		return domain.Reading{Value: v, Quality: domain.QualityGood}, nil
	})
}

func newScheduler(t *testing.T, plan []domain.PlannedPoint, r ports.Reader, pub Publisher, opts Options) (*Scheduler, *stubObs, *stubHealth) {
	t.Helper()
	obs := newStubObs()
	health := &stubHealth{}
	if opts.Now == nil {
		opts.Now = func() time.Time { return t0 }
	}
	s, err := New(plan, r, detector.New(plan, detector.Options{}), pub, opts, obs, health)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s, obs, health
}

func TestTickPollsDuePointsInPlanOrder(t *testing.T) {
	plan := []domain.PlannedPoint{
		point("fast", domain.DataTypeFloat, 15*time.Second),
		point("slow", domain.DataTypeFloat, 60*time.Second),
	}
	var order []string
	r := newStubReader(func(_ context.Context, ref string) (domain.Reading, error) {
		order = append(order, ref)
		return domain.Reading{Value: 1.0}, nil
	})
	pub := &stubPublisher{}
	s, obs, _ := newScheduler(t, plan, r, pub, Options{})

	ctx := context.Background()
	for sec := 0; sec <= 60; sec++ {
		if err := s.TickOnce(ctx, t0.Add(time.Duration(sec)*time.Second)); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}

	if order[0] != "ref-fast" || order[1] != "ref-slow" {
		t.Fatalf("first tick must follow plan order, got %v", order[:2])
	}
	if r.count("ref-fast") != 5 || r.count("ref-slow") != 2 {
		t.Fatalf("unexpected poll counts fast=%d slow=%d", r.count("ref-fast"), r.count("ref-slow"))
	}
	if obs.counter("metasys_points_polled_total") != 7 {
		t.Fatalf("expected 7 polls counted, got %v", obs.counter("metasys_points_polled_total"))
	}
	if pub.ticks != 61 {
		t.Fatalf("publisher tick must run every tick, got %d", pub.ticks)
	}
	events := pub.snapshot()
	if len(events) != 2 {
		t.Fatalf("unchanged values must publish once per point, got %d", len(events))
	}
	if events[0].Quality != domain.QualityGood || events[0].SourceRef != "ref-fast" {
		t.Fatalf("unexpected event %+v", events[0])
	}
}

func TestLateTickDelaysNextDue(t *testing.T) {
	p := point("sat", domain.DataTypeFloat, 10*time.Second)
	s, _, _ := newScheduler(t, []domain.PlannedPoint{p}, constReader(1.0), &stubPublisher{}, Options{})

	ctx := context.Background()
	_ = s.TickOnce(ctx, t0)
	late := t0.Add(13 * time.Second)
	_ = s.TickOnce(ctx, late)

	due, ok := s.NextDue(p.Key())
	if !ok || !due.Equal(late.Add(10*time.Second)) {
		t.Fatalf("next due must be relative to actual poll time, got %v", due)
	}
}

func TestReadFailureAdvancesScheduleAndCounts(t *testing.T) {
	p := point("r", domain.DataTypeFloat, 30*time.Second)
	r := newStubReader(func(_ context.Context, ref string) (domain.Reading, error) {
		return domain.Reading{}, ports.NewReadError(ports.ErrorNetwork, ref, errors.New("connection reset"))
	})
	pub := &stubPublisher{}
	s, obs, health := newScheduler(t, []domain.PlannedPoint{p}, r, pub, Options{})

	if err := s.TickOnce(context.Background(), t0); err != nil {
		t.Fatalf("read failures must not stop the loop: %v", err)
	}
	due, _ := s.NextDue(p.Key())
	if !due.Equal(t0.Add(30 * time.Second)) {
		t.Fatalf("failed point must be rescheduled, got %v", due)
	}
	if obs.counter("metasys_errors_total") != 1 || obs.counter("metasys_read_errors_total|NETWORK") != 1 {
		t.Fatalf("unexpected counters %v", obs.counters)
	}
	if health.lastErr == nil {
		t.Fatalf("health must record the error")
	}
	if len(pub.snapshot()) != 0 {
		t.Fatalf("failed read must not publish")
	}

	_ = s.TickOnce(context.Background(), t0.Add(time.Second))
	if r.count("ref-r") != 1 {
		t.Fatalf("no retry before next due time, got %d reads", r.count("ref-r"))
	}
}

func TestReadTimeoutIsNetworkError(t *testing.T) {
	p := point("slow", domain.DataTypeFloat, time.Minute)
	r := newStubReader(func(ctx context.Context, _ string) (domain.Reading, error) {
		<-ctx.Done()
		return domain.Reading{}, ctx.Err()
	})
	s, obs, _ := newScheduler(t, []domain.PlannedPoint{p}, r, &stubPublisher{}, Options{ReadTimeout: 20 * time.Millisecond})

	_ = s.TickOnce(context.Background(), t0)
	if obs.counter("metasys_read_errors_total|NETWORK") != 1 {
		t.Fatalf("timeout must count as NETWORK, got %v", obs.counters)
	}
}

func TestUncoercibleValueIsDataError(t *testing.T) {
	p := point("sat", domain.DataTypeFloat, time.Minute)
	s, obs, _ := newScheduler(t, []domain.PlannedPoint{p}, constReader("offline"), &stubPublisher{}, Options{})

	_ = s.TickOnce(context.Background(), t0)
	if obs.counter("metasys_read_errors_total|DATA") != 1 {
		t.Fatalf("expected DATA error, got %v", obs.counters)
	}
}

type jsonSink struct {
	mu    sync.Mutex
	lines [][]byte
}

func (s *jsonSink) WriteBatch(_ context.Context, b domain.Batch) error {
	line, err := json.Marshal(b)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lines = append(s.lines, line)
	s.mu.Unlock()
	return nil
}

func (s *jsonSink) Name() string { return "json" }
func (s *jsonSink) Close() error { return nil }

func TestNonFiniteReadingDoesNotBlockDelivery(t *testing.T) {
	p := point("sat", domain.DataTypeFloat, time.Second)
	values := []any{math.NaN(), "NaN", 20.0, "+Inf", 21.0, 22.0}
	var n atomic.Int32
	r := newStubReader(func(context.Context, string) (domain.Reading, error) {
		i := int(n.Add(1)) - 1
		if i >= len(values) {
			i = len(values) - 1
		}
		return domain.Reading{Value: values[i], Quality: domain.QualityGood}, nil
	})

	sink := &jsonSink{}
	obs := newStubObs()
	pub, err := publisher.New(sink, queue.NewMemQueue(100), ports.Policy{MaxBatchSize: 10}, obs)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	s, err := New([]domain.PlannedPoint{p}, r, detector.New([]domain.PlannedPoint{p}, detector.Options{}), pub,
		Options{Now: func() time.Time { return t0 }}, obs, &stubHealth{})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	for i := range values {
		if err := s.TickOnce(context.Background(), t0.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}

	if obs.counter("metasys_read_errors_total|DATA") != 3 {
		t.Fatalf("expected 3 DATA errors, got %v", obs.counters)
	}
	if pub.Pending() != 0 || pub.Len() != 0 {
		t.Fatalf("delivery stalled: pending=%d buffered=%d", pub.Pending(), pub.Len())
	}
	var got []float64
	for _, line := range sink.lines {
		var b domain.Batch
		if err := json.Unmarshal(line, &b); err != nil {
			t.Fatalf("decode batch: %v", err)
		}
		for _, ev := range b.Events {
			f, _ := domain.AsFloat(ev.Value)
			got = append(got, f)
		}
	}
	if len(got) != 3 || got[0] != 20 || got[1] != 21 || got[2] != 22 {
		t.Fatalf("expected 20, 21, 22 delivered, got %v", got)
	}
}

func TestFailureEscalationLogsOnce(t *testing.T) {
	p := point("r", domain.DataTypeFloat, time.Second)
	r := newStubReader(func(context.Context, string) (domain.Reading, error) {
		return domain.Reading{}, errors.New("500")
	})
	s, obs, _ := newScheduler(t, []domain.PlannedPoint{p}, r, &stubPublisher{}, Options{FailureEscalationThreshold: 2})

	for i := 0; i < 5; i++ {
		_ = s.TickOnce(context.Background(), t0.Add(time.Duration(i)*time.Second))
	}
	if r.count("ref-r") != 5 {
		t.Fatalf("escalation must not change cadence, got %d reads", r.count("ref-r"))
	}
	if obs.criticals != 1 {
		t.Fatalf("expected one escalation, got %d", obs.criticals)
	}
}

func TestFatalPublisherErrorStopsRun(t *testing.T) {
	p := point("sat", domain.DataTypeFloat, time.Second)
	pub := &stubPublisher{tickErr: fmt.Errorf("%w: disk full", publisher.ErrFlushFatal)}
	s, _, _ := newScheduler(t, []domain.PlannedPoint{p}, constReader(1.0), pub, Options{Tick: time.Millisecond, Now: time.Now})

	err := s.Run(context.Background())
	if !errors.Is(err, publisher.ErrFlushFatal) {
		t.Fatalf("expected fatal error from Run, got %v", err)
	}
}

func TestRunStopsPromptlyOnCancel(t *testing.T) {
	p := point("sat", domain.DataTypeFloat, time.Millisecond)
	r := constReader(1.0)
	s, _, _ := newScheduler(t, []domain.PlannedPoint{p}, r, &stubPublisher{}, Options{Tick: 5 * time.Millisecond, Now: time.Now})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not stop after cancel")
	}

	reads := r.count("ref-sat")
	if reads == 0 {
		t.Fatalf("expected reads before cancel")
	}
	time.Sleep(20 * time.Millisecond)
	if r.count("ref-sat") != reads {
		t.Fatalf("no reads may start after Run returns")
	}
}

func TestWorkerPoolNeverOverlapsReadsOfOnePoint(t *testing.T) {
	plan := []domain.PlannedPoint{
		point("a", domain.DataTypeFloat, time.Millisecond),
		point("b", domain.DataTypeFloat, time.Millisecond),
		point("c", domain.DataTypeFloat, time.Millisecond),
	}
	var (
		mu      sync.Mutex
		active  = map[string]int{}
		overlap atomic.Bool
	)
	r := newStubReader(func(_ context.Context, ref string) (domain.Reading, error) {
		mu.Lock()
		active[ref]++
		if active[ref] > 1 {
			overlap.Store(true)
		}
		mu.Unlock()
		time.Sleep(8 * time.Millisecond)
		mu.Lock()
		active[ref]--
		mu.Unlock()
		return domain.Reading{Value: 1.0}, nil
	})
	s, _, _ := newScheduler(t, plan, r, &stubPublisher{}, Options{Tick: time.Millisecond, Workers: 4, Now: time.Now})

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if overlap.Load() {
		t.Fatalf("two reads of the same point overlapped")
	}
	if r.count("ref-a") < 2 {
		t.Fatalf("expected repeated polls, got %d", r.count("ref-a"))
	}
}

func TestReloadReplacesPlan(t *testing.T) {
	oldPlan := []domain.PlannedPoint{
		point("a", domain.DataTypeFloat, time.Hour),
		point("b", domain.DataTypeFloat, time.Hour),
	}
	newPlan := []domain.PlannedPoint{point("c", domain.DataTypeFloat, time.Hour)}

	r := constReader(1.0)
	pub := &stubPublisher{}
	s, _, _ := newScheduler(t, oldPlan, r, pub, Options{Tick: 2 * time.Millisecond, Now: time.Now})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	s.Reload(newPlan)

	deadline := time.Now().Add(time.Second)
	for r.count("ref-c") == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	if r.count("ref-c") != 1 {
		t.Fatalf("new point must be polled immediately once, got %d", r.count("ref-c"))
	}
	if s.Len() != 1 {
		t.Fatalf("schedule must match new plan, got %d points", s.Len())
	}
	if _, ok := s.NextDue(domain.PointKey("ahu-1", "a")); ok {
		t.Fatalf("removed point must not keep schedule state")
	}
	if r.count("ref-a") != 1 {
		t.Fatalf("removed point must not be polled again, got %d", r.count("ref-a"))
	}
}
