// Package plan turns the asset/point configuration into the ordered list of
// points the scheduler polls.
package plan

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/flightincorporated47/metasys-connector-backend/internal/app/config"
	"github.com/flightincorporated47/metasys-connector-backend/internal/domain"
)

// Summary counts planned points per tier.
type Summary struct {
	ByTier map[domain.Tier]int
	Total  int
}

// Build resolves tier defaults and overrides for every configured point and
// returns the plan sorted by tier, asset id, then point id. Every rule violation
// is reported, not just the first.
func Build(cfg *config.Config) ([]domain.PlannedPoint, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	defaults := cfg.Polling.Defaults

	var (
		out  []domain.PlannedPoint
		errs []error
	)

	for _, asset := range cfg.Assets {
		if asset.AssetID == "" {
			errs = append(errs, errors.New("asset with empty asset_id"))
			continue
		}
		assetName := asset.Name
		if assetName == "" {
			assetName = asset.AssetID
		}

		seen := make(map[string]struct{}, len(asset.Points))
		for _, p := range asset.Points {
			pp, err := buildPoint(asset.AssetID, assetName, p, defaults)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if _, dup := seen[pp.PointID]; dup {
				errs = append(errs, fmt.Errorf("%s: duplicate point_id", pp.Key()))
				continue
			}
			seen[pp.PointID] = struct{}{}
			out = append(out, pp)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New("no points configured: add at least one point under assets[].points[]")
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		if out[i].AssetID != out[j].AssetID {
			return out[i].AssetID < out[j].AssetID
		}
		return out[i].PointID < out[j].PointID
	})
	return out, nil
}

func buildPoint(assetID, assetName string, p config.PointConfig, defaults config.PollingDefault) (domain.PlannedPoint, error) {
	key := domain.PointKey(assetID, p.PointID)
	if p.PointID == "" {
		return domain.PlannedPoint{}, fmt.Errorf("asset %s: point with empty point_id", assetID)
	}

	dataType := domain.DataType(p.DataType)
	if !dataType.Valid() {
		return domain.PlannedPoint{}, fmt.Errorf("%s: unknown data_type %q", key, p.DataType)
	}
	tier := domain.Tier(p.Tier)
	if !tier.Valid() {
		return domain.PlannedPoint{}, fmt.Errorf("%s: invalid tier %d", key, p.Tier)
	}
	tierCfg, ok := defaults.Tiers[strconv.Itoa(p.Tier)]
	if !ok {
		return domain.PlannedPoint{}, fmt.Errorf("%s: no defaults for tier %d", key, p.Tier)
	}
	if tierCfg.PollSeconds <= 0 {
		return domain.PlannedPoint{}, fmt.Errorf("%s: tier %d poll_seconds must be > 0", key, p.Tier)
	}
	if p.SourceRef == "" {
		return domain.PlannedPoint{}, fmt.Errorf("%s: source_ref is required", key)
	}

	minPublish := tierCfg.MinPublishSeconds
	if p.MinPublishSeconds != nil {
		minPublish = *p.MinPublishSeconds
	}
	if minPublish < 0 {
		return domain.PlannedPoint{}, fmt.Errorf("%s: min_publish_seconds must be >= 0", key)
	}

	deadband := defaults.Digital.Deadband
	if dataType.IsNumeric() {
		deadband = defaults.Analog.Deadband
	}
	if p.Deadband != nil {
		deadband = *p.Deadband
	}
	if deadband < 0 {
		return domain.PlannedPoint{}, fmt.Errorf("%s: deadband must be >= 0", key)
	}
	if tier == domain.Tier1 && dataType.IsNumeric() && deadband <= 0 {
		return domain.PlannedPoint{}, fmt.Errorf("%s: tier 1 analog point must have deadband > 0", key)
	}

	name := p.Name
	if name == "" {
		name = p.PointID
	}

	return domain.PlannedPoint{
		AssetID:            assetID,
		AssetName:          assetName,
		PointID:            p.PointID,
		PointName:          name,
		DataType:           dataType,
		Tier:               tier,
		PollInterval:       time.Duration(tierCfg.PollSeconds) * time.Second,
		MinPublishInterval: time.Duration(minPublish) * time.Second,
		Deadband:           deadband,
		SourceRef:          p.SourceRef,
	}, nil
}

func Summarize(plan []domain.PlannedPoint) Summary {
	s := Summary{ByTier: make(map[domain.Tier]int)}
	for _, p := range plan {
		s.ByTier[p.Tier]++
	}
	s.Total = len(plan)
	return s
}

// Tiers returns the tiers present in the summary in ascending order.
func (s Summary) Tiers() []domain.Tier {
	tiers := make([]domain.Tier, 0, len(s.ByTier))
	for t := range s.ByTier {
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })
	return tiers
}
