package domain

import (
	"encoding/json"
	"math"
	"time"
)

// ChangeEvent is a reading the change detector decided to report.
type ChangeEvent struct {
	AssetID   string
	PointID   string
	Value     any
	Timestamp time.Time
	Quality   Quality
	SourceRef string
}

// Batch is the unit the publisher hands to a sink on every flush.
type Batch struct {
	ID     string
	SentAt time.Time
	Events []ChangeEvent
}

func (b Batch) Count() int { return len(b.Events) }

type eventRecord struct {
	AssetID   string  `json:"asset_id"`
	PointID   string  `json:"point_id"`
	Value     any     `json:"value"`
	TS        float64 `json:"ts"`
	Quality   Quality `json:"quality"`
	SourceRef string  `json:"source_ref"`
}

type batchRecord struct {
	BatchID string        `json:"batch_id"`
	SentAt  float64       `json:"sent_at"`
	Count   int           `json:"count"`
	Events  []eventRecord `json:"events"`
}

// MarshalJSON renders the batch in its newline-log wire form, timestamps as epoch seconds.
func (b Batch) MarshalJSON() ([]byte, error) {
	rec := batchRecord{
		BatchID: b.ID,
		SentAt:  EpochSeconds(b.SentAt),
		Count:   len(b.Events),
		Events:  make([]eventRecord, len(b.Events)),
	}
	for i, ev := range b.Events {
		rec.Events[i] = eventRecord{
			AssetID:   ev.AssetID,
			PointID:   ev.PointID,
			Value:     ev.Value,
			TS:        EpochSeconds(ev.Timestamp),
			Quality:   ev.Quality,
			SourceRef: ev.SourceRef,
		}
	}
	return json.Marshal(rec)
}

func (b *Batch) UnmarshalJSON(data []byte) error {
	var rec batchRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	b.ID = rec.BatchID
	b.SentAt = FromEpochSeconds(rec.SentAt)
	b.Events = make([]ChangeEvent, len(rec.Events))
	for i, ev := range rec.Events {
		b.Events[i] = ChangeEvent{
			AssetID:   ev.AssetID,
			PointID:   ev.PointID,
			Value:     ev.Value,
			Timestamp: FromEpochSeconds(ev.TS),
			Quality:   ev.Quality,
			SourceRef: ev.SourceRef,
		}
	}
	return nil
}

// EpochSeconds converts t to fractional unix seconds (microsecond precision).
func EpochSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixMicro()) / 1e6
}

func FromEpochSeconds(s float64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	return time.UnixMicro(int64(math.Round(s * 1e6)))
}
