// Package detect watches the snapshot stream for behavioral and
// distribution anomalies and scans critical artifacts for integrity
// drift. Findings are handed to the incident responder; the detector
// itself holds no incident state.
package detect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"bastion/core"
	"bastion/metrics"
	"bastion/storage"
)

// SnapshotSource supplies the latest snapshot, including one still
// awaiting a persistence retry.
type SnapshotSource interface {
	GetLatestSnapshot(ctx context.Context) (*core.MetricsSnapshot, error)
	GetSnapshotsInRange(ctx context.Context, start, end time.Time) ([]core.MetricsSnapshot, error)
}

// MemoryPressure answers whether scans should degrade to a subset.
type MemoryPressure interface {
	UnderPressure() bool
}

// BehavioralThreshold is the pair of conditions a category's current
// count must exceed before it is flagged. Both are required: a small
// multiple of a near-zero baseline is not an anomaly.
type BehavioralThreshold struct {
	Multiple float64 `mapstructure:"multiple"`
	Floor    int     `mapstructure:"floor"`
}

// DetectorConfig carries the detector tunables.
type DetectorConfig struct {
	// Default threshold, overridable per category.
	Threshold   BehavioralThreshold
	PerCategory map[core.Category]BehavioralThreshold

	// PatternShare flags one source address contributing more than this
	// share of a window's events; PatternMinVolume is the floor below
	// which concentration is meaningless.
	PatternShare     float64
	PatternMinVolume int

	// ScoreThreshold flags a snapshot whose aggregator-computed anomaly
	// score exceeds it. Zero disables the check.
	ScoreThreshold float64

	// Artifacts are the critical paths covered by integrity scans.
	Artifacts []string
	// PressureSampleFraction of artifacts is scanned under memory
	// pressure; full coverage resumes once pressure subsides.
	PressureSampleFraction float64
}

// Detector runs the behavioral, pattern and integrity checks.
type Detector struct {
	cfg       DetectorConfig
	source    SnapshotSource
	baselines *core.BaselineSet
	checksums storage.ChecksumStore
	memory    MemoryPressure
	logger    *zap.SugaredLogger
}

// NewDetector builds a detector. memory may be nil, in which case scans
// always cover the full artifact set.
func NewDetector(cfg DetectorConfig, source SnapshotSource, baselines *core.BaselineSet, checksums storage.ChecksumStore, memory MemoryPressure, logger *zap.SugaredLogger) *Detector {
	if cfg.Threshold.Multiple <= 0 {
		cfg.Threshold.Multiple = 2.0
	}
	if cfg.Threshold.Floor <= 0 {
		cfg.Threshold.Floor = 5
	}
	if cfg.PatternShare <= 0 {
		cfg.PatternShare = 0.5
	}
	if cfg.PatternMinVolume <= 0 {
		cfg.PatternMinVolume = 20
	}
	if cfg.PressureSampleFraction <= 0 || cfg.PressureSampleFraction > 1 {
		cfg.PressureSampleFraction = 0.25
	}
	return &Detector{
		cfg:       cfg,
		source:    source,
		baselines: baselines,
		checksums: checksums,
		memory:    memory,
		logger:    logger,
	}
}

// categoryFailureKey maps each monitored category to the event key its
// baseline comparison counts.
var categoryFailureKey = map[core.Category]string{
	core.CategoryAuthentication: core.EventKeyAuthFailure,
	core.CategoryPayment:        core.EventKeyPaymentFailure,
	core.CategoryAccessControl:  core.EventKeyAccessDenied,
	core.CategoryDataProtection: core.EventKeySensitiveChange,
}

// CheckForAnomalies compares the latest snapshot against the behavioral
// baselines and the concentration pattern check. No snapshot yet means
// no findings.
func (d *Detector) CheckForAnomalies(ctx context.Context) ([]core.Anomaly, error) {
	snapshot, err := d.source.GetLatestSnapshot(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load latest snapshot: %w", err)
	}

	var anomalies []core.Anomaly

	if !snapshot.VerifyIntegrity() {
		metrics.IntegrityViolations.WithLabelValues("snapshot").Inc()
		anomalies = append(anomalies, core.Anomaly{
			Kind:        core.AnomalyIntegrity,
			Category:    core.CategorySystem,
			Severity:    core.SeverityCritical,
			Description: fmt.Sprintf("snapshot %s failed integrity verification", snapshot.ID),
			Resource:    snapshot.ID,
			Timestamp:   time.Now().UTC(),
		})
	}

	anomalies = append(anomalies, d.behavioralAnomalies(snapshot)...)
	if pattern := d.patternAnomaly(snapshot); pattern != nil {
		anomalies = append(anomalies, *pattern)
	}
	if score := d.scoreAnomaly(snapshot); score != nil {
		anomalies = append(anomalies, *score)
	}

	for _, a := range anomalies {
		metrics.AnomaliesDetected.WithLabelValues(string(a.Kind), string(a.Severity)).Inc()
	}
	return anomalies, nil
}

// behavioralAnomalies flags categories whose current count exceeds the
// baseline by the configured multiple and clears the absolute floor.
func (d *Detector) behavioralAnomalies(snapshot *core.MetricsSnapshot) []core.Anomaly {
	var anomalies []core.Anomaly

	for category, eventKey := range categoryFailureKey {
		baseline, ok := d.baselines.Get(category)
		if !ok {
			continue
		}
		current := snapshot.EventCounts[eventKey]
		threshold := d.thresholdFor(category)

		if float64(current) <= baseline.AvgFailures*threshold.Multiple {
			continue
		}
		if current <= threshold.Floor {
			continue
		}

		anomalies = append(anomalies, core.Anomaly{
			Kind:     core.AnomalyBehavioral,
			Category: category,
			Severity: core.SeverityMedium,
			Description: fmt.Sprintf("%s count %d exceeds baseline %.1f by over %.1fx",
				eventKey, current, baseline.AvgFailures, threshold.Multiple),
			Resource: eventKey,
			Evidence: map[string]interface{}{
				"current":      current,
				"baseline":     baseline.AvgFailures,
				"multiple":     threshold.Multiple,
				"floor":        threshold.Floor,
				"window_start": snapshot.WindowStart,
				"window_end":   snapshot.WindowEnd,
			},
			Count:     current,
			Timestamp: time.Now().UTC(),
		})
	}
	return anomalies
}

func (d *Detector) thresholdFor(category core.Category) BehavioralThreshold {
	if t, ok := d.cfg.PerCategory[category]; ok {
		if t.Multiple <= 0 {
			t.Multiple = d.cfg.Threshold.Multiple
		}
		if t.Floor <= 0 {
			t.Floor = d.cfg.Threshold.Floor
		}
		return t
	}
	return d.cfg.Threshold
}

// patternAnomaly flags a single source address dominating the window's
// event volume.
func (d *Detector) patternAnomaly(snapshot *core.MetricsSnapshot) *core.Anomaly {
	total := 0
	topAddress := ""
	topCount := 0
	for address, count := range snapshot.AddressCounts {
		total += count
		if count > topCount {
			topAddress, topCount = address, count
		}
	}
	if total < d.cfg.PatternMinVolume {
		return nil
	}
	share := float64(topCount) / float64(total)
	if share <= d.cfg.PatternShare {
		return nil
	}

	return &core.Anomaly{
		Kind:     core.AnomalyPattern,
		Category: core.CategoryAccessControl,
		Severity: core.SeverityMedium,
		Description: fmt.Sprintf("source %s produced %.0f%% of %d events in one window",
			topAddress, share*100, total),
		Resource: topAddress,
		Evidence: map[string]interface{}{
			"share":        share,
			"count":        topCount,
			"total":        total,
			"window_start": snapshot.WindowStart,
			"window_end":   snapshot.WindowEnd,
		},
		Count:     topCount,
		Timestamp: time.Now().UTC(),
	}
}

// scoreAnomaly flags a window whose weighted anomaly score breached the
// configured threshold. The score comes from the aggregator; it is never
// re-derived here.
func (d *Detector) scoreAnomaly(snapshot *core.MetricsSnapshot) *core.Anomaly {
	if d.cfg.ScoreThreshold <= 0 || snapshot.AnomalyScore <= d.cfg.ScoreThreshold {
		return nil
	}
	return &core.Anomaly{
		Kind:     core.AnomalyScore,
		Category: core.CategorySystem,
		Severity: core.SeverityHigh,
		Description: fmt.Sprintf("window anomaly score %.1f exceeds threshold %.1f",
			snapshot.AnomalyScore, d.cfg.ScoreThreshold),
		Resource: "anomaly_score",
		Evidence: map[string]interface{}{
			"score":        snapshot.AnomalyScore,
			"threshold":    d.cfg.ScoreThreshold,
			"total_events": snapshot.TotalEvents(),
			"window_start": snapshot.WindowStart,
			"window_end":   snapshot.WindowEnd,
		},
		Count:     snapshot.TotalEvents(),
		Timestamp: time.Now().UTC(),
	}
}

// IntegrityAnomalies converts changed and missing scan results into
// findings for the responder. "new" is a baseline observation, not an
// anomaly.
func IntegrityAnomalies(checksums []core.ArtifactChecksum) []core.Anomaly {
	var anomalies []core.Anomaly
	for _, cs := range checksums {
		var severity core.Severity
		var description string
		switch cs.Status {
		case core.ChecksumChanged:
			severity = core.SeverityCritical
			description = fmt.Sprintf("critical artifact %s content changed", cs.Path)
		case core.ChecksumMissing:
			severity = core.SeverityHigh
			description = fmt.Sprintf("critical artifact %s no longer resolves", cs.Path)
		default:
			continue
		}
		anomalies = append(anomalies, core.Anomaly{
			Kind:        core.AnomalyIntegrity,
			Category:    core.CategoryDataProtection,
			Severity:    severity,
			Description: description,
			Resource:    cs.Path,
			Evidence: map[string]interface{}{
				"status": string(cs.Status),
				"hash":   cs.Hash,
			},
			Count:     1,
			Timestamp: time.Now().UTC(),
		})
	}
	return anomalies
}
