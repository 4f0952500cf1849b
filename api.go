package metasysconnector

import (
	base "github.com/flightincorporated47/metasys-connector-backend/pkg/connector"
)

// Re-exported errors for convenience.
var (
	ErrChannelSinkClosed = base.ErrChannelSinkClosed
)

// Type aliases so consumers can import the module root directly.
type (
	Config        = base.Config
	MetasysConfig = base.MetasysConfig
	OPCUAConfig   = base.OPCUAConfig
	AssetConfig   = base.AssetConfig
	PointConfig   = base.PointConfig
	PlanSummary   = base.PlanSummary
	Runtime       = base.Runtime
	RuntimeOption = base.RuntimeOption
	PlannedPoint  = base.PlannedPoint
	Reading       = base.Reading
	ReadError     = base.ReadError
	ChangeEvent   = base.ChangeEvent
	Batch         = base.Batch
	BatchHandler  = base.BatchHandler
	Reader        = base.Reader
	BatchSink     = base.BatchSink
	BatchWAL      = base.BatchWAL
	EventQueue    = base.EventQueue
	Observability = base.Observability
	Field         = base.Field
	HealthState   = base.HealthState
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func BuildPlan(cfg *Config) ([]PlannedPoint, error) {
	return base.BuildPlan(cfg)
}

// Runtime and options.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithReader(r Reader) RuntimeOption {
	return base.WithReader(r)
}

func WithSink(s BatchSink) RuntimeOption {
	return base.WithSink(s)
}

func WithWAL(w BatchWAL) RuntimeOption {
	return base.WithWAL(w)
}

func WithQueue(q EventQueue) RuntimeOption {
	return base.WithQueue(q)
}

func WithObservability(obs Observability) RuntimeOption {
	return base.WithObservability(obs)
}

func WithHealth(h *HealthState) RuntimeOption {
	return base.WithHealth(h)
}

// Sink adapters.
func NewCallbackSink(name string, fn BatchHandler) BatchSink {
	return base.NewCallbackSink(name, fn)
}

func NewChannelSink(name string, buffer int) (BatchSink, <-chan Batch) {
	return base.NewChannelSink(name, buffer)
}
