package plan

import (
	"strings"
	"testing"
	"time"

	"github.com/flightincorporated47/metasys-connector-backend/internal/app/config"
	"github.com/flightincorporated47/metasys-connector-backend/internal/domain"
)

func baseConfig() *config.Config {
	return &config.Config{
		Polling: config.PollingConfig{
			Defaults: config.PollingDefault{
				Tiers: map[string]config.TierConfig{
					"1": {PollSeconds: 15, MinPublishSeconds: 15},
					"2": {PollSeconds: 60, MinPublishSeconds: 60},
					"3": {PollSeconds: 300, MinPublishSeconds: 900},
				},
				Analog:  config.DeadbandConfig{Deadband: 0.5},
				Digital: config.DeadbandConfig{Deadband: 0},
			},
		},
	}
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func TestBuildOrdersAndResolvesDefaults(t *testing.T) {
	cfg := baseConfig()
	cfg.Assets = []config.AssetConfig{
		{
			AssetID: "chiller-2",
			Points: []config.PointConfig{
				{PointID: "status", DataType: "bool", Tier: 2, SourceRef: "CH-2.STATUS"},
				{PointID: "lwt", DataType: "float", Tier: 1, SourceRef: "CH-2.LWT"},
			},
		},
		{
			AssetID: "ahu-1",
			Name:    "Air Handler 1",
			Points: []config.PointConfig{
				{PointID: "sat", Name: "Supply Air Temp", DataType: "float", Tier: 1, SourceRef: "AHU-1.SAT", Deadband: floatPtr(0.2)},
				{PointID: "mode", DataType: "enum", Tier: 3, SourceRef: "AHU-1.MODE", MinPublishSeconds: intPtr(30)},
			},
		},
	}

	got, err := Build(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	order := make([]string, len(got))
	for i, p := range got {
		order[i] = p.Key()
	}
	want := []string{"ahu-1::sat", "chiller-2::lwt", "chiller-2::status", "ahu-1::mode"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected plan order %v", order)
	}

	sat := got[0]
	if sat.Deadband != 0.2 || sat.PointName != "Supply Air Temp" || sat.AssetName != "Air Handler 1" {
		t.Fatalf("unexpected overrides on sat: %+v", sat)
	}
	if sat.PollInterval != 15*time.Second || sat.MinPublishInterval != 15*time.Second {
		t.Fatalf("unexpected tier 1 intervals: %+v", sat)
	}
	lwt := got[1]
	if lwt.Deadband != 0.5 || lwt.AssetName != "chiller-2" || lwt.PointName != "lwt" {
		t.Fatalf("expected analog default deadband and name fallbacks: %+v", lwt)
	}
	if got[2].Deadband != 0 {
		t.Fatalf("expected digital default deadband, got %v", got[2].Deadband)
	}
	mode := got[3]
	if mode.MinPublishInterval != 30*time.Second || mode.PollInterval != 300*time.Second {
		t.Fatalf("unexpected mode intervals: %+v", mode)
	}

	sum := Summarize(got)
	if sum.Total != 4 || sum.ByTier[domain.Tier1] != 2 || sum.ByTier[domain.Tier2] != 1 || sum.ByTier[domain.Tier3] != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if tiers := sum.Tiers(); len(tiers) != 3 || tiers[0] != domain.Tier1 || tiers[2] != domain.Tier3 {
		t.Fatalf("unexpected tier order %v", tiers)
	}
}

func TestBuildRejectsInvalidPoints(t *testing.T) {
	cfg := baseConfig()
	cfg.Assets = []config.AssetConfig{{
		AssetID: "ahu-1",
		Points: []config.PointConfig{
			{PointID: "sat", DataType: "float", Tier: 1, SourceRef: "a", Deadband: floatPtr(0)},
			{PointID: "x", DataType: "complex", Tier: 2, SourceRef: "b"},
			{PointID: "y", DataType: "bool", Tier: 4, SourceRef: "c"},
			{PointID: "z", DataType: "bool", Tier: 2},
			{PointID: "dup", DataType: "bool", Tier: 2, SourceRef: "d"},
			{PointID: "dup", DataType: "bool", Tier: 2, SourceRef: "e"},
		},
	}}

	_, err := Build(cfg)
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{
		"tier 1 analog point must have deadband > 0",
		"unknown data_type",
		"invalid tier 4",
		"source_ref is required",
		"duplicate point_id",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in error, got %v", want, err)
		}
	}
}

func TestBuildAllowsSamePointIDAcrossAssets(t *testing.T) {
	cfg := baseConfig()
	cfg.Assets = []config.AssetConfig{
		{AssetID: "ahu-1", Points: []config.PointConfig{{PointID: "fan", DataType: "bool", Tier: 2, SourceRef: "a"}}},
		{AssetID: "ahu-2", Points: []config.PointConfig{{PointID: "fan", DataType: "bool", Tier: 2, SourceRef: "b"}}},
	}
	got, err := Build(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 points, got %d", len(got))
	}
}

func TestBuildEmptyPlan(t *testing.T) {
	if _, err := Build(baseConfig()); err == nil {
		t.Fatalf("expected empty plan to be rejected")
	}
}
