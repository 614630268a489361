// Package storage persists the telemetry core's durable artifacts:
// snapshot history (append-only, time-pruned), incident records
// (integrity-hashed), the artifact-checksum baseline (overwritten per
// scan) and the response-action audit log.
package storage

import (
	"context"
	"time"

	"bastion/core"
)

// SnapshotStore persists metrics snapshots.
type SnapshotStore interface {
	InsertSnapshot(ctx context.Context, snap *core.MetricsSnapshot) error
	GetLatestSnapshot(ctx context.Context) (*core.MetricsSnapshot, error)
	GetSnapshotsInRange(ctx context.Context, start, end time.Time) ([]core.MetricsSnapshot, error)
	PruneSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// IncidentFilter narrows incident queries. Nil pointer fields are
// ignored.
type IncidentFilter struct {
	Status   *core.IncidentStatus
	Severity *core.Severity
	Category *core.Category
	// OpenOnly restricts results to statuses for which IsOpen is true.
	OpenOnly bool
	// Since restricts results to incidents created at or after the given
	// time. Zero value means no lower bound.
	Since time.Time
	Limit int
}

// IncidentStore persists incident records.
type IncidentStore interface {
	InsertIncident(ctx context.Context, incident *core.Incident) error
	UpdateIncident(ctx context.Context, incident *core.Incident) error
	GetIncident(ctx context.Context, id string) (*core.Incident, error)
	GetIncidents(ctx context.Context, filter IncidentFilter) ([]core.Incident, error)
}

// ChecksumStore persists the artifact-checksum baseline. The baseline is
// one map, replaced wholesale after every scan.
type ChecksumStore interface {
	ReplaceChecksums(ctx context.Context, checksums []core.ArtifactChecksum) error
	GetChecksums(ctx context.Context) (map[string]core.ArtifactChecksum, error)
}

// AuditStore persists response-action audit records.
type AuditStore interface {
	InsertActionAudit(ctx context.Context, record *core.ActionAuditRecord) error
	GetActionAudits(ctx context.Context, incidentID string, limit int) ([]core.ActionAuditRecord, error)
}

// Store bundles every persistence concern the core needs. *SQLite
// satisfies it; tests use the in-memory mocks.
type Store interface {
	SnapshotStore
	IncidentStore
	ChecksumStore
	AuditStore
}
