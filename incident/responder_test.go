package incident

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bastion/core"
	"bastion/detect"
	"bastion/storage"
	"bastion/telemetry"
)

func newTestResponder(t *testing.T) (*Responder, *Manager, *storage.MemoryStore) {
	t.Helper()
	manager, store := newTestManager(t)
	responder := NewResponder(ResponderConfig{
		EscalationCount: 10,
		DedupWindow:     time.Hour,
	}, manager, zap.NewNop().Sugar())
	return responder, manager, store
}

func TestSeverityEscalationTable(t *testing.T) {
	responder, _, _ := newTestResponder(t)

	tests := []struct {
		name    string
		anomaly core.Anomaly
		want    core.Severity
	}{
		{"payment below threshold starts high",
			core.Anomaly{Category: core.CategoryPayment, Count: 5, Severity: core.SeverityMedium},
			core.SeverityHigh},
		{"payment above threshold escalates to critical",
			core.Anomaly{Category: core.CategoryPayment, Count: 11, Severity: core.SeverityMedium},
			core.SeverityCritical},
		{"sensitive data always critical",
			core.Anomaly{Category: core.CategoryDataProtection, Count: 1, Severity: core.SeverityLow},
			core.SeverityCritical},
		{"auth below threshold stays medium",
			core.Anomaly{Category: core.CategoryAuthentication, Count: 8, Severity: core.SeverityMedium},
			core.SeverityMedium},
		{"auth above threshold scales to high",
			core.Anomaly{Category: core.CategoryAuthentication, Count: 15, Severity: core.SeverityMedium},
			core.SeverityHigh},
		{"access control scales to high by count",
			core.Anomaly{Category: core.CategoryAccessControl, Count: 30, Severity: core.SeverityMedium},
			core.SeverityHigh},
		{"system keeps detector severity",
			core.Anomaly{Category: core.CategorySystem, Count: 1, Severity: core.SeverityCritical},
			core.SeverityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, responder.escalate(tt.anomaly))
		})
	}
}

func TestHandleAnomalyDeduplicatesOpenIncidents(t *testing.T) {
	responder, manager, _ := newTestResponder(t)
	ctx := context.Background()

	anomaly := core.Anomaly{
		Kind:        core.AnomalyBehavioral,
		Category:    core.CategoryAuthentication,
		Severity:    core.SeverityMedium,
		Description: "authentication.failure count 15 exceeds baseline",
		Resource:    core.EventKeyAuthFailure,
		Count:       15,
		Timestamp:   time.Now().UTC(),
	}

	first, err := responder.HandleAnomaly(ctx, anomaly)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Same category+resource within the window: no second incident.
	second, err := responder.HandleAnomaly(ctx, anomaly)
	require.NoError(t, err)
	assert.Nil(t, second)

	// A different resource in the same category is a distinct finding.
	other := anomaly
	other.Resource = "authentication.lockout"
	third, err := responder.HandleAnomaly(ctx, other)
	require.NoError(t, err)
	assert.NotNil(t, third)

	// Closing the incident reopens the slot.
	_, err = manager.UpdateIncident(ctx, first.ID, core.IncidentStatusFalsePositive, "analyst-1")
	require.NoError(t, err)
	fourth, err := responder.HandleAnomaly(ctx, anomaly)
	require.NoError(t, err)
	assert.NotNil(t, fourth)
}

// Fifteen authentication failures in one window against a baseline of
// three must come out the far end as exactly one HIGH authentication
// incident carrying the detection action and the template checklist.
func TestAuthFailureSpikeEndToEnd(t *testing.T) {
	store := storage.NewMemoryStore()
	logger := zap.NewNop().Sugar()

	aggregator := telemetry.NewAggregator(telemetry.AggregatorConfig{BufferCap: 1000}, store, nil, logger)
	baselines := core.NewBaselineSet([]core.BehavioralBaseline{
		{Category: core.CategoryAuthentication, AvgFailures: 3, AvgFailureRatio: 0.1, SampleCount: 10},
	})
	detector := detect.NewDetector(detect.DetectorConfig{
		Threshold: detect.BehavioralThreshold{Multiple: 2, Floor: 5},
	}, aggregator, baselines, store, nil, logger)

	templates := NewTemplateSet(logger)
	templates.Replace([]core.ResponseTemplate{{
		Category:             core.CategoryAuthentication,
		ApplicableSeverities: []core.Severity{core.SeverityHigh},
		ContainmentSteps:     []string{"Lock affected accounts"},
		EradicationSteps:     []string{"Force credential reset"},
		RecoverySteps:        []string{"Restore account access"},
	}})
	manager := NewManager(store, templates, NoOpAuditLogger{}, logger)
	responder := NewResponder(ResponderConfig{EscalationCount: 10, DedupWindow: time.Hour}, manager, logger)

	ctx := context.Background()
	for i := 0; i < 15; i++ {
		aggregator.AddEvent(core.SecurityEvent{
			Type: "authentication", Subtype: "failure",
			Severity: core.SeverityMedium,
			ActorID:  "alice", SourceAddress: "203.0.113.9",
		})
	}
	require.True(t, aggregator.Flush(ctx))

	snapshot, err := aggregator.GetLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 15, snapshot.EventCounts[core.EventKeyAuthFailure])

	anomalies, err := detector.CheckForAnomalies(ctx)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, core.AnomalyBehavioral, anomalies[0].Kind)
	assert.Equal(t, 15, anomalies[0].Count)

	incidents := responder.HandleAnomalies(ctx, anomalies)
	require.Len(t, incidents, 1)
	incident := incidents[0]
	assert.Equal(t, core.CategoryAuthentication, incident.Category)
	assert.Equal(t, core.SeverityHigh, incident.Severity)
	assert.Regexp(t, `^IR-\d{8}-AUTHENTICATION-HIGH-`, incident.ID)

	require.Len(t, incident.Actions, 4)
	assert.Equal(t, core.ActionDetection, incident.Actions[0].Kind)
	assert.True(t, incident.Actions[0].Automatic)
	for _, action := range incident.Actions[1:] {
		assert.False(t, action.Automatic)
		assert.Empty(t, action.Outcome)
	}

	// Running the whole pipeline again on the same snapshot produces no
	// duplicate incident.
	anomalies, err = detector.CheckForAnomalies(ctx)
	require.NoError(t, err)
	assert.Empty(t, responder.HandleAnomalies(ctx, anomalies))

	all, err := manager.GetIncidents(ctx, storage.IncidentFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
