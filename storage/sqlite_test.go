package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bastion/core"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "bastion.db"), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSnapshot(ts time.Time) *core.MetricsSnapshot {
	snap := &core.MetricsSnapshot{
		ID:          "snap-" + ts.Format("150405.000"),
		Timestamp:   ts,
		WindowStart: ts.Add(-time.Minute),
		WindowEnd:   ts,
		EventCounts: map[string]int{
			core.EventKeyAuthFailure: 3,
		},
		SeverityCounts: map[core.Severity]int{core.SeverityMedium: 3},
		ActorCounts:    map[string]int{"user-1": 3},
		AddressCounts:  map[string]int{"198.51.100.7": 3},
		AnomalyScore:   1.5,
	}
	_ = snap.Seal()
	return snap
}

func TestSQLite_SnapshotRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	_, err := s.GetLatestSnapshot(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertSnapshot(ctx, testSnapshot(base.Add(time.Duration(i)*time.Minute))))
	}

	latest, err := s.GetLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, base.Add(2*time.Minute), latest.Timestamp)
	assert.Equal(t, 3, latest.EventCounts[core.EventKeyAuthFailure])
	assert.True(t, latest.VerifyIntegrity(), "integrity hash must survive persistence")

	inRange, err := s.GetSnapshotsInRange(ctx, base, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, inRange, 2)
	assert.True(t, inRange[0].Timestamp.Before(inRange[1].Timestamp))
}

func TestSQLite_SnapshotPruning(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.InsertSnapshot(ctx, testSnapshot(base.Add(time.Duration(i)*time.Hour))))
	}

	pruned, err := s.PruneSnapshotsBefore(ctx, base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), pruned)

	remaining, err := s.GetSnapshotsInRange(ctx, base, base.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}

func TestSQLite_IncidentRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	now := time.Date(2026, 8, 26, 11, 0, 0, 0, time.UTC)
	incident := &core.Incident{
		ID:                 core.NewIncidentID(now, core.CategoryAuthentication, core.SeverityHigh),
		Title:              "Authentication failure burst",
		Description:        "15 failures in one window",
		Severity:           core.SeverityHigh,
		Status:             core.IncidentStatusNew,
		Category:           core.CategoryAuthentication,
		Source:             "anomaly-detector",
		CreatedAt:          now,
		UpdatedAt:          now,
		AffectedComponents: []string{"login"},
		RelatedEvidence:    []string{"snap-1"},
		Actions: []core.IncidentAction{
			core.NewIncidentAction(core.ActionDetection, "detected", true),
		},
	}
	require.NoError(t, incident.Seal())
	require.NoError(t, s.InsertIncident(ctx, incident))

	loaded, err := s.GetIncident(ctx, incident.ID)
	require.NoError(t, err)
	assert.Equal(t, incident.Title, loaded.Title)
	assert.Len(t, loaded.Actions, 1)
	assert.True(t, loaded.VerifyIntegrity(), "hash must verify after a storage round trip")

	// Update path
	require.NoError(t, loaded.TransitionTo(core.IncidentStatusAcknowledged, "analyst-1"))
	loaded.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, loaded.Seal())
	require.NoError(t, s.UpdateIncident(ctx, loaded))

	reloaded, err := s.GetIncident(ctx, incident.ID)
	require.NoError(t, err)
	assert.Equal(t, core.IncidentStatusAcknowledged, reloaded.Status)
	assert.True(t, reloaded.VerifyIntegrity())
}

func TestSQLite_IncidentFilters(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 26, 11, 0, 0, 0, time.UTC)

	mk := func(id string, category core.Category, severity core.Severity, status core.IncidentStatus, created time.Time) {
		incident := &core.Incident{
			ID: id, Title: id, Description: id,
			Severity: severity, Status: status, Category: category,
			Source: "test", CreatedAt: created, UpdatedAt: created,
			Actions: []core.IncidentAction{},
		}
		require.NoError(t, incident.Seal())
		require.NoError(t, s.InsertIncident(ctx, incident))
	}

	mk("IR-1", core.CategoryAuthentication, core.SeverityHigh, core.IncidentStatusNew, now)
	mk("IR-2", core.CategoryPayment, core.SeverityCritical, core.IncidentStatusInvestigating, now.Add(time.Minute))
	mk("IR-3", core.CategoryAuthentication, core.SeverityMedium, core.IncidentStatusResolved, now.Add(2*time.Minute))

	category := core.CategoryAuthentication
	got, err := s.GetIncidents(ctx, IncidentFilter{Category: &category})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "IR-3", got[0].ID, "newest first")

	got, err = s.GetIncidents(ctx, IncidentFilter{Category: &category, OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "IR-1", got[0].ID)

	severity := core.SeverityCritical
	got, err = s.GetIncidents(ctx, IncidentFilter{Severity: &severity})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "IR-2", got[0].ID)

	got, err = s.GetIncidents(ctx, IncidentFilter{Since: now.Add(time.Minute)})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = s.GetIncident(ctx, "IR-404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_ChecksumBaselineReplacement(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	first := []core.ArtifactChecksum{
		{Path: "/etc/app/config.yaml", Hash: "aaa", Status: core.ChecksumNew, LastSeen: now},
		{Path: "/usr/bin/app", Hash: "bbb", Status: core.ChecksumNew, LastSeen: now},
	}
	require.NoError(t, s.ReplaceChecksums(ctx, first))

	baseline, err := s.GetChecksums(ctx)
	require.NoError(t, err)
	assert.Len(t, baseline, 2)

	// A later scan overwrites the whole baseline.
	second := []core.ArtifactChecksum{
		{Path: "/etc/app/config.yaml", Hash: "ccc", Status: core.ChecksumChanged, LastSeen: now.Add(time.Hour)},
	}
	require.NoError(t, s.ReplaceChecksums(ctx, second))

	baseline, err = s.GetChecksums(ctx)
	require.NoError(t, err)
	require.Len(t, baseline, 1)
	assert.Equal(t, core.ChecksumChanged, baseline["/etc/app/config.yaml"].Status)
}

func TestSQLite_ActionAuditLog(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 26, 13, 0, 0, 0, time.UTC)

	for i, kind := range []core.ActionKind{core.ActionContainment, core.ActionRecovery} {
		require.NoError(t, s.InsertActionAudit(ctx, &core.ActionAuditRecord{
			ID:          core.NewIncidentID(now, core.CategorySystem, core.SeverityLow),
			IncidentID:  "IR-1",
			ActionID:    "act-1",
			Kind:        kind,
			Description: "step",
			Automatic:   false,
			Timestamp:   now.Add(time.Duration(i) * time.Second),
		}))
	}

	records, err := s.GetActionAudits(ctx, "IR-1", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, core.ActionRecovery, records[0].Kind, "newest first")

	records, err = s.GetActionAudits(ctx, "IR-1", 1)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
