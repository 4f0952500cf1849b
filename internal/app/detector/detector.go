// Package detector decides, per point, whether a new reading is worth
// publishing. It owns the last-published state of every planned point.
package detector

import (
	"math"
	"reflect"
	"time"

	"github.com/flightincorporated47/metasys-connector-backend/internal/domain"
)

type Options struct {
	// QualityChangePublishes makes a quality transition publish once the
	// min-publish floor has elapsed, even when the value is unchanged.
	QualityChangePublishes bool
}

type state struct {
	seen          bool
	value         any
	ts            time.Time
	quality       domain.Quality
	lastPublishAt time.Time
}

// Detector holds one slot per plan key. The key set is fixed between resets so
// concurrent polls of different points never write the map itself; each slot
// is only touched by the single in-flight poll of its point.
type Detector struct {
	opts  Options
	state map[string]*state
}

func New(plan []domain.PlannedPoint, opts Options) *Detector {
	d := &Detector{opts: opts}
	d.Reset(plan)
	return d
}

// Reset drops all state and sizes the map to exactly the given plan. It must
// not run concurrently with ShouldPublish.
func (d *Detector) Reset(plan []domain.PlannedPoint) {
	st := make(map[string]*state, len(plan))
	for _, p := range plan {
		st[p.Key()] = &state{}
	}
	d.state = st
}

func (d *Detector) Len() int { return len(d.state) }

// ShouldPublish applies the publish rules for p and records r as the last
// published reading when it returns true. now is the poll time.
func (d *Detector) ShouldPublish(p domain.PlannedPoint, r domain.Reading, now time.Time) bool {
	key := p.Key()
	s, ok := d.state[key]
	if !ok {
		s = &state{}
		d.state[key] = s
	}

	if !s.seen {
		s.record(r, now)
		return true
	}

	if now.Sub(s.lastPublishAt) < p.MinPublishInterval {
		return false
	}

	changed := valueChanged(p, s.value, r.Value)
	if !changed && d.opts.QualityChangePublishes && r.Quality != s.quality {
		changed = true
	}
	if changed {
		s.record(r, now)
	}
	return changed
}

func (s *state) record(r domain.Reading, now time.Time) {
	s.seen = true
	s.value = r.Value
	s.ts = r.Timestamp
	s.quality = r.Quality
	s.lastPublishAt = now
}

func valueChanged(p domain.PlannedPoint, last, next any) bool {
	if p.DataType.IsNumeric() {
		lf, lok := domain.AsFloat(last)
		nf, nok := domain.AsFloat(next)
		if lok && nok {
			return math.Abs(nf-lf) > p.Deadband
		}
	}
	return !reflect.DeepEqual(last, next)
}
