package connector

import (
	"time"

	"github.com/flightincorporated47/metasys-connector-backend/internal/adapters/observability"
	"github.com/flightincorporated47/metasys-connector-backend/internal/domain"
	"github.com/flightincorporated47/metasys-connector-backend/internal/ports"
)

// PlannedPoint is one entry of the poll plan.
type PlannedPoint = domain.PlannedPoint

// Reading is what a Reader returns for one point.
type Reading = domain.Reading

// ChangeEvent is an accepted reading on its way to a sink.
type ChangeEvent = domain.ChangeEvent

// Batch is the unit handed to a BatchSink.
type Batch = domain.Batch

// Reader fetches point values from Metasys, OPC UA or anything else.
type Reader = ports.Reader

// ReadError is a classified Reader failure.
type ReadError = ports.ReadError

// BatchSink persists or forwards published batches.
type BatchSink = ports.BatchSink

// BatchWAL keeps batches on disk until a sink accepts them.
type BatchWAL = ports.BatchWAL

// EventQueue buffers accepted events between flushes.
type EventQueue = ports.EventQueue

// Observability receives logs, counters, gauges and latencies.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

// HealthState backs the /health endpoint.
type HealthState = observability.HealthState

const (
	QualityGood      = domain.QualityGood
	QualityBad       = domain.QualityBad
	QualityUncertain = domain.QualityUncertain
	QualityOffline   = domain.QualityOffline
)

// NewHealthState returns a health tracker started now.
func NewHealthState() *HealthState {
	return observability.NewHealthState(time.Now)
}
