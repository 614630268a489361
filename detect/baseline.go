package detect

import (
	"context"
	"fmt"
	"time"

	"bastion/core"
)

// BaselineConfig tunes the periodic re-estimation.
type BaselineConfig struct {
	// Window is how far back re-estimation reads snapshot history.
	Window time.Duration
	// Alpha is the exponential-moving-average weight of the fresh
	// observation against the standing baseline.
	Alpha float64
}

// ReestimateBaselines recomputes each monitored category's baseline
// from recent snapshot history and folds it into the standing baseline
// as an exponential moving average. Baselines are replaced wholesale so
// a concurrent comparison never sees a half-updated value.
func (d *Detector) ReestimateBaselines(ctx context.Context, cfg BaselineConfig) error {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = 0.3
	}

	end := time.Now().UTC()
	snapshots, err := d.source.GetSnapshotsInRange(ctx, end.Add(-cfg.Window), end)
	if err != nil {
		return fmt.Errorf("failed to load snapshot history: %w", err)
	}
	if len(snapshots) == 0 {
		return nil
	}

	for category, eventKey := range categoryFailureKey {
		observed := observeCategory(snapshots, eventKey)

		current, ok := d.baselines.Get(category)
		if !ok || current.SampleCount == 0 {
			observed.Category = category
			observed.SampleCount = len(snapshots)
			observed.UpdatedAt = end
			d.baselines.Replace(observed)
			continue
		}

		d.baselines.Replace(core.BehavioralBaseline{
			Category:        category,
			AvgFailures:     ema(cfg.Alpha, observed.AvgFailures, current.AvgFailures),
			AvgFailureRatio: ema(cfg.Alpha, observed.AvgFailureRatio, current.AvgFailureRatio),
			AvgUnauthorized: ema(cfg.Alpha, observed.AvgUnauthorized, current.AvgUnauthorized),
			AvgVolume:       ema(cfg.Alpha, observed.AvgVolume, current.AvgVolume),
			SampleCount:     current.SampleCount + len(snapshots),
			UpdatedAt:       end,
		})
	}

	d.logger.Debugw("Baselines re-estimated",
		"snapshots", len(snapshots),
		"window", cfg.Window)
	return nil
}

// observeCategory averages one category's per-window counts across the
// history slice.
func observeCategory(snapshots []core.MetricsSnapshot, eventKey string) core.BehavioralBaseline {
	var failures, ratios, unauthorized, volume float64
	for _, snap := range snapshots {
		count := snap.EventCounts[eventKey]
		total := snap.TotalEvents()
		failures += float64(count)
		if total > 0 {
			ratios += float64(count) / float64(total)
		}
		unauthorized += float64(snap.EventCounts[core.EventKeyAccessDenied])
		volume += float64(total)
	}

	n := float64(len(snapshots))
	return core.BehavioralBaseline{
		AvgFailures:     failures / n,
		AvgFailureRatio: ratios / n,
		AvgUnauthorized: unauthorized / n,
		AvgVolume:       volume / n,
	}
}

func ema(alpha, observed, current float64) float64 {
	return alpha*observed + (1-alpha)*current
}
