package detect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bastion/core"
)

func historySnapshot(authFailures, total int) core.MetricsSnapshot {
	now := time.Now().UTC()
	return core.MetricsSnapshot{
		Timestamp:   now,
		WindowStart: now.Add(-time.Minute),
		WindowEnd:   now,
		EventCounts: map[string]int{core.EventKeyAuthFailure: authFailures},
		SeverityCounts: map[core.Severity]int{
			core.SeverityMedium: total,
		},
	}
}

func TestReestimateSeedsMissingBaselines(t *testing.T) {
	source := &stubSource{history: []core.MetricsSnapshot{
		historySnapshot(2, 20),
		historySnapshot(4, 40),
	}}
	baselines := core.NewBaselineSet(nil)
	detector := newTestDetector(DetectorConfig{}, source, baselines)

	require.NoError(t, detector.ReestimateBaselines(context.Background(), BaselineConfig{Alpha: 0.3}))

	b, ok := baselines.Get(core.CategoryAuthentication)
	require.True(t, ok)
	assert.InDelta(t, 3.0, b.AvgFailures, 0.001)
	assert.InDelta(t, 0.1, b.AvgFailureRatio, 0.001)
	assert.InDelta(t, 30.0, b.AvgVolume, 0.001)
	assert.Equal(t, 2, b.SampleCount)
	assert.False(t, b.UpdatedAt.IsZero())
}

func TestReestimateFoldsObservationIntoEMA(t *testing.T) {
	source := &stubSource{history: []core.MetricsSnapshot{
		historySnapshot(10, 100),
	}}
	baselines := core.NewBaselineSet([]core.BehavioralBaseline{
		{Category: core.CategoryAuthentication, AvgFailures: 2, AvgVolume: 20, SampleCount: 5},
	})
	detector := newTestDetector(DetectorConfig{}, source, baselines)

	require.NoError(t, detector.ReestimateBaselines(context.Background(), BaselineConfig{Alpha: 0.3}))

	b, ok := baselines.Get(core.CategoryAuthentication)
	require.True(t, ok)
	// 0.3*10 + 0.7*2
	assert.InDelta(t, 4.4, b.AvgFailures, 0.001)
	// 0.3*100 + 0.7*20
	assert.InDelta(t, 44.0, b.AvgVolume, 0.001)
	assert.Equal(t, 6, b.SampleCount)
}

func TestReestimateWithNoHistoryIsANoOp(t *testing.T) {
	baselines := core.NewBaselineSet([]core.BehavioralBaseline{
		{Category: core.CategoryAuthentication, AvgFailures: 3, SampleCount: 5},
	})
	detector := newTestDetector(DetectorConfig{}, &stubSource{}, baselines)

	require.NoError(t, detector.ReestimateBaselines(context.Background(), BaselineConfig{}))

	b, _ := baselines.Get(core.CategoryAuthentication)
	assert.Equal(t, 3.0, b.AvgFailures, "empty history must not erode the baseline")
	assert.Equal(t, 5, b.SampleCount)
}
