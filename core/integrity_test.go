package core

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncident_IntegrityRoundTrip(t *testing.T) {
	incident := &Incident{
		ID:          "IR-20260826-AUTHENTICATION-HIGH-abc123",
		Title:       "Authentication failure burst",
		Description: "15 failed logins in one window",
		Severity:    SeverityHigh,
		Status:      IncidentStatusNew,
		Category:    CategoryAuthentication,
		Source:      "anomaly-detector",
		CreatedAt:   time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC),
		UpdatedAt:   time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC),
		Actions:     []IncidentAction{NewIncidentAction(ActionDetection, "detected", true)},
	}

	require.NoError(t, incident.Seal())
	require.NotEmpty(t, incident.IntegrityHash)
	assert.True(t, incident.VerifyIntegrity())

	// Sealing twice is stable for unchanged fields.
	first := incident.IntegrityHash
	require.NoError(t, incident.Seal())
	assert.Equal(t, first, incident.IntegrityHash)
}

func TestIncident_TamperDetection(t *testing.T) {
	incident := &Incident{
		ID:       "IR-1",
		Title:    "Payment failures",
		Severity: SeverityCritical,
		Status:   IncidentStatusNew,
		Category: CategoryPayment,
	}
	require.NoError(t, incident.Seal())

	incident.Description = "rewritten after the fact"
	assert.False(t, incident.VerifyIntegrity())

	incident.FlagTampered()
	assert.True(t, strings.HasPrefix(incident.Title, IntegrityWarningPrefix))

	// Flagging again must not stack prefixes.
	incident.FlagTampered()
	assert.Equal(t, 1, strings.Count(incident.Title, IntegrityWarningPrefix))
}

func TestMetricsSnapshot_IntegrityHashExcludesItself(t *testing.T) {
	snap := &MetricsSnapshot{
		ID:             "snap-1",
		Timestamp:      time.Now().UTC(),
		WindowStart:    time.Now().UTC().Add(-time.Minute),
		WindowEnd:      time.Now().UTC(),
		EventCounts:    map[string]int{EventKeyAuthFailure: 15},
		SeverityCounts: map[Severity]int{SeverityMedium: 15},
		AnomalyScore:   7.5,
	}

	require.NoError(t, snap.Seal())
	assert.True(t, snap.VerifyIntegrity())

	// The stored hash must not feed back into the computation.
	recomputed, err := snap.ComputeIntegrityHash()
	require.NoError(t, err)
	assert.Equal(t, snap.IntegrityHash, recomputed)

	snap.EventCounts[EventKeyAuthFailure] = 16
	assert.False(t, snap.VerifyIntegrity())
}

func TestNewIncidentID_Format(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	id := NewIncidentID(now, CategoryPayment, SeverityCritical)

	assert.True(t, strings.HasPrefix(id, "IR-20260826-PAYMENT-CRITICAL-"), id)

	// Random suffix keeps concurrent incidents of the same shape distinct.
	other := NewIncidentID(now, CategoryPayment, SeverityCritical)
	assert.NotEqual(t, id, other)
}

func TestSeverity_Ordering(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.True(t, SeverityHigh.AtLeast(SeverityHigh))
	assert.False(t, SeverityLow.AtLeast(SeverityMedium))
	assert.False(t, Severity("bogus").IsValid())
}
