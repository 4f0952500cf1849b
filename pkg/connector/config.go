package connector

import (
	"github.com/flightincorporated47/metasys-connector-backend/internal/app/config"
	"github.com/flightincorporated47/metasys-connector-backend/internal/app/plan"
	"github.com/flightincorporated47/metasys-connector-backend/internal/domain"
)

// Config re-exports the root configuration struct so embedding programs can
// construct or modify it programmatically.
type Config = config.Config

type (
	// MetasysConfig holds the REST host and credentials.
	MetasysConfig = config.MetasysConfig
	// OPCUAConfig holds the endpoint used when reader.kind is opcua.
	OPCUAConfig = config.OPCUAConfig
	// AssetConfig groups points under one asset.
	AssetConfig = config.AssetConfig
	// PointConfig describes one polled point.
	PointConfig = config.PointConfig

	PollingConfig   = config.PollingConfig
	PublisherConfig = config.PublisherConfig
	SinksConfig     = config.SinksConfig
	WALConfig       = config.WALConfig
	MetricsConfig   = config.MetricsConfig
)

// LoadConfig loads YAML from disk, applies defaults and validates it.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// BuildPlan validates every configured point and returns the ordered poll plan.
func BuildPlan(cfg *Config) ([]domain.PlannedPoint, error) {
	return plan.Build(cfg)
}

// PlanSummary counts planned points per tier.
type PlanSummary = plan.Summary

func SummarizePlan(p []domain.PlannedPoint) PlanSummary {
	return plan.Summarize(p)
}
