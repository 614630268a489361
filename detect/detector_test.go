package detect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bastion/core"
	"bastion/storage"
)

// stubSource serves a fixed snapshot history.
type stubSource struct {
	latest  *core.MetricsSnapshot
	history []core.MetricsSnapshot
}

func (s *stubSource) GetLatestSnapshot(ctx context.Context) (*core.MetricsSnapshot, error) {
	if s.latest == nil {
		return nil, storage.ErrNotFound
	}
	return s.latest, nil
}

func (s *stubSource) GetSnapshotsInRange(ctx context.Context, start, end time.Time) ([]core.MetricsSnapshot, error) {
	return s.history, nil
}

type stubPressure bool

func (p stubPressure) UnderPressure() bool { return bool(p) }

func sealedSnapshot(t *testing.T, eventCounts map[string]int, addressCounts map[string]int) *core.MetricsSnapshot {
	t.Helper()
	now := time.Now().UTC()
	snap := &core.MetricsSnapshot{
		ID:             "snap-1",
		Timestamp:      now,
		WindowStart:    now.Add(-time.Minute),
		WindowEnd:      now,
		EventCounts:    eventCounts,
		SeverityCounts: map[core.Severity]int{core.SeverityMedium: totalOf(eventCounts)},
		ActorCounts:    map[string]int{},
		AddressCounts:  addressCounts,
	}
	require.NoError(t, snap.Seal())
	return snap
}

func totalOf(counts map[string]int) int {
	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}

func newTestDetector(cfg DetectorConfig, source SnapshotSource, baselines *core.BaselineSet) *Detector {
	return NewDetector(cfg, source, baselines, storage.NewMemoryStore(), nil, zap.NewNop().Sugar())
}

func TestScoreThresholdCheck(t *testing.T) {
	tests := []struct {
		name      string
		score     float64
		threshold float64
		flagged   bool
	}{
		{"above threshold", 75, 50, true},
		{"below threshold", 30, 50, false},
		{"exactly at threshold", 50, 50, false},
		{"zero threshold disables", 75, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := sealedSnapshot(t, map[string]int{core.EventKeyAuthFailure: 2}, nil)
			snap.AnomalyScore = tt.score
			require.NoError(t, snap.Seal())

			detector := newTestDetector(DetectorConfig{
				Threshold:      BehavioralThreshold{Multiple: 2, Floor: 5},
				ScoreThreshold: tt.threshold,
			}, &stubSource{latest: snap}, core.NewBaselineSet(nil))

			anomalies, err := detector.CheckForAnomalies(context.Background())
			require.NoError(t, err)
			if tt.flagged {
				require.Len(t, anomalies, 1)
				assert.Equal(t, core.AnomalyScore, anomalies[0].Kind)
				assert.Equal(t, "anomaly_score", anomalies[0].Resource)
			} else {
				assert.Empty(t, anomalies)
			}
		})
	}
}

func TestBehavioralCheckRequiresMultipleAndFloor(t *testing.T) {
	baselines := core.NewBaselineSet([]core.BehavioralBaseline{
		{Category: core.CategoryAuthentication, AvgFailures: 3, AvgFailureRatio: 0.1, SampleCount: 10},
	})
	cfg := DetectorConfig{Threshold: BehavioralThreshold{Multiple: 2, Floor: 5}}

	tests := []struct {
		name     string
		failures int
		flagged  bool
	}{
		{"below both conditions", 4, false},
		{"above floor but not multiple", 6, false},
		{"well above both", 12, true},
		{"exactly at multiple boundary", 6, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := &stubSource{latest: sealedSnapshot(t,
				map[string]int{core.EventKeyAuthFailure: tt.failures}, nil)}
			detector := newTestDetector(cfg, source, baselines)

			anomalies, err := detector.CheckForAnomalies(context.Background())
			require.NoError(t, err)
			if tt.flagged {
				require.Len(t, anomalies, 1)
				assert.Equal(t, core.AnomalyBehavioral, anomalies[0].Kind)
				assert.Equal(t, core.CategoryAuthentication, anomalies[0].Category)
				assert.Equal(t, core.EventKeyAuthFailure, anomalies[0].Resource)
				assert.Equal(t, tt.failures, anomalies[0].Count)
			} else {
				assert.Empty(t, anomalies)
			}
		})
	}
}

func TestNearZeroBaselineDoesNotTriggerOnMultipleAlone(t *testing.T) {
	baselines := core.NewBaselineSet([]core.BehavioralBaseline{
		{Category: core.CategoryPayment, AvgFailures: 0.5, SampleCount: 10},
	})
	source := &stubSource{latest: sealedSnapshot(t,
		map[string]int{core.EventKeyPaymentFailure: 4}, nil)}
	detector := newTestDetector(DetectorConfig{Threshold: BehavioralThreshold{Multiple: 2, Floor: 5}}, source, baselines)

	anomalies, err := detector.CheckForAnomalies(context.Background())
	require.NoError(t, err)
	assert.Empty(t, anomalies, "8x a near-zero baseline must still clear the absolute floor")
}

func TestCategoryWithoutBaselineIsSkipped(t *testing.T) {
	source := &stubSource{latest: sealedSnapshot(t,
		map[string]int{core.EventKeyAuthFailure: 100}, nil)}
	detector := newTestDetector(DetectorConfig{}, source, core.NewBaselineSet(nil))

	anomalies, err := detector.CheckForAnomalies(context.Background())
	require.NoError(t, err)
	assert.Empty(t, anomalies)
}

func TestNoSnapshotMeansNoFindings(t *testing.T) {
	detector := newTestDetector(DetectorConfig{}, &stubSource{}, core.NewBaselineSet(nil))
	anomalies, err := detector.CheckForAnomalies(context.Background())
	require.NoError(t, err)
	assert.Nil(t, anomalies)
}

func TestPatternCheckFlagsDominantAddress(t *testing.T) {
	cfg := DetectorConfig{PatternShare: 0.5, PatternMinVolume: 20}
	baselines := core.NewBaselineSet(nil)

	t.Run("dominant address flagged", func(t *testing.T) {
		source := &stubSource{latest: sealedSnapshot(t, nil, map[string]int{
			"203.0.113.9":  18,
			"198.51.100.1": 4,
		})}
		detector := newTestDetector(cfg, source, baselines)

		anomalies, err := detector.CheckForAnomalies(context.Background())
		require.NoError(t, err)
		require.Len(t, anomalies, 1)
		assert.Equal(t, core.AnomalyPattern, anomalies[0].Kind)
		assert.Equal(t, "203.0.113.9", anomalies[0].Resource)
		assert.Equal(t, 18, anomalies[0].Count)
	})

	t.Run("below minimum volume ignored", func(t *testing.T) {
		source := &stubSource{latest: sealedSnapshot(t, nil, map[string]int{
			"203.0.113.9": 10,
		})}
		detector := newTestDetector(cfg, source, baselines)

		anomalies, err := detector.CheckForAnomalies(context.Background())
		require.NoError(t, err)
		assert.Empty(t, anomalies)
	})

	t.Run("even spread ignored", func(t *testing.T) {
		source := &stubSource{latest: sealedSnapshot(t, nil, map[string]int{
			"203.0.113.1": 10,
			"203.0.113.2": 10,
			"203.0.113.3": 10,
		})}
		detector := newTestDetector(cfg, source, baselines)

		anomalies, err := detector.CheckForAnomalies(context.Background())
		require.NoError(t, err)
		assert.Empty(t, anomalies)
	})
}

func TestTamperedSnapshotIsFlagged(t *testing.T) {
	snap := sealedSnapshot(t, map[string]int{core.EventKeyAuthFailure: 1}, nil)
	snap.EventCounts[core.EventKeyAuthFailure] = 999

	detector := newTestDetector(DetectorConfig{}, &stubSource{latest: snap}, core.NewBaselineSet(nil))
	anomalies, err := detector.CheckForAnomalies(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, anomalies)
	assert.Equal(t, core.AnomalyIntegrity, anomalies[0].Kind)
	assert.Equal(t, core.SeverityCritical, anomalies[0].Severity)
}

func TestPerCategoryThresholdOverride(t *testing.T) {
	baselines := core.NewBaselineSet([]core.BehavioralBaseline{
		{Category: core.CategoryPayment, AvgFailures: 2, SampleCount: 10},
	})
	source := &stubSource{latest: sealedSnapshot(t,
		map[string]int{core.EventKeyPaymentFailure: 5}, nil)}

	strict := DetectorConfig{
		Threshold: BehavioralThreshold{Multiple: 10, Floor: 100},
		PerCategory: map[core.Category]BehavioralThreshold{
			core.CategoryPayment: {Multiple: 2, Floor: 3},
		},
	}
	detector := newTestDetector(strict, source, baselines)

	anomalies, err := detector.CheckForAnomalies(context.Background())
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, core.CategoryPayment, anomalies[0].Category)
}

func TestIntegrityAnomalies(t *testing.T) {
	checksums := []core.ArtifactChecksum{
		{Path: "/etc/app/config.yaml", Hash: "aaa", Status: core.ChecksumUnchanged},
		{Path: "/etc/app/secrets.env", Hash: "bbb", Status: core.ChecksumChanged},
		{Path: "/etc/app/policy.json", Hash: "ccc", Status: core.ChecksumMissing},
		{Path: "/etc/app/new.txt", Hash: "ddd", Status: core.ChecksumNew},
	}

	anomalies := IntegrityAnomalies(checksums)
	require.Len(t, anomalies, 2)

	bySeverity := map[core.Severity]core.Anomaly{}
	for _, a := range anomalies {
		assert.Equal(t, core.AnomalyIntegrity, a.Kind)
		bySeverity[a.Severity] = a
	}
	assert.Equal(t, "/etc/app/secrets.env", bySeverity[core.SeverityCritical].Resource)
	assert.Equal(t, "/etc/app/policy.json", bySeverity[core.SeverityHigh].Resource)
}
