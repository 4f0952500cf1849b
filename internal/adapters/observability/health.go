package observability

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/flightincorporated47/metasys-connector-backend/internal/ports"
)

// HealthSnapshot is the JSON body served on /health.
type HealthSnapshot struct {
	Status        string   `json:"status"`
	StartedAt     int64    `json:"started_at"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	LastPollAt    *float64 `json:"last_poll_at"`
	LastPublishAt *float64 `json:"last_publish_at"`
	LastError     *string  `json:"last_error"`
}

// HealthState tracks liveness signals. Status is degraded while the most
// recent signal is an error; last_error itself is kept for inspection.
type HealthState struct {
	mu          sync.RWMutex
	now         func() time.Time
	startedAt   time.Time
	lastPoll    time.Time
	lastPublish time.Time
	lastErr     error
	lastErrAt   time.Time
}

func NewHealthState(now func() time.Time) *HealthState {
	if now == nil {
		now = time.Now
	}
	return &HealthState{now: now, startedAt: now()}
}

func (h *HealthState) RecordPoll(at time.Time) {
	h.mu.Lock()
	h.lastPoll = at
	h.mu.Unlock()
}

func (h *HealthState) RecordPublish(at time.Time) {
	h.mu.Lock()
	h.lastPublish = at
	h.mu.Unlock()
}

func (h *HealthState) RecordError(err error, at time.Time) {
	if err == nil {
		return
	}
	h.mu.Lock()
	h.lastErr = err
	h.lastErrAt = at
	h.mu.Unlock()
}

func (h *HealthState) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := HealthSnapshot{
		Status:        "ok",
		StartedAt:     h.startedAt.Unix(),
		UptimeSeconds: int64(h.now().Sub(h.startedAt).Seconds()),
		LastPollAt:    epoch(h.lastPoll),
		LastPublishAt: epoch(h.lastPublish),
	}
	if h.lastErr != nil {
		msg := h.lastErr.Error()
		s.LastError = &msg
		if !h.lastErrAt.Before(h.lastPoll) {
			s.Status = "degraded"
		}
	}
	return s
}

// Handler serves the snapshot as JSON.
func (h *HealthState) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(h.Snapshot())
	})
}

func epoch(t time.Time) *float64 {
	if t.IsZero() {
		return nil
	}
	v := float64(t.UnixMicro()) / 1e6
	return &v
}

var _ ports.Health = (*HealthState)(nil)
