package ports

import "time"

type Observability interface {
	LogInfo(msg string, fields ...Field)
	LogError(msg string, err error, fields ...Field)
	LogCritical(msg string, err error, fields ...Field)

	IncCounter(name string, v float64, labels ...string)
	ObserveLatency(name string, seconds float64)

	SetGauge(name string, v float64)
}

// Health receives liveness signals for external probing.
type Health interface {
	RecordPoll(at time.Time)
	RecordPublish(at time.Time)
	RecordError(err error, at time.Time)
}

type Field struct {
	Key   string
	Value any
}
