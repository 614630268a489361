package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"bastion/core"
)

// MemoryStore is an in-memory Store implementation for unit tests. It
// mirrors the SQLite semantics (ErrNotFound, newest-first ordering,
// wholesale checksum replacement) without touching disk.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots []core.MetricsSnapshot
	incidents map[string]core.Incident
	checksums map[string]core.ArtifactChecksum
	audits    []core.ActionAuditRecord

	// FailWrites makes every write return the given error, for testing
	// transient-persistence-failure handling.
	FailWrites error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		incidents: make(map[string]core.Incident),
		checksums: make(map[string]core.ArtifactChecksum),
	}
}

func (m *MemoryStore) InsertSnapshot(ctx context.Context, snap *core.MetricsSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.snapshots = append(m.snapshots, *snap)
	return nil
}

func (m *MemoryStore) GetLatestSnapshot(ctx context.Context) (*core.MetricsSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.snapshots) == 0 {
		return nil, ErrNotFound
	}
	latest := m.snapshots[0]
	for _, s := range m.snapshots[1:] {
		if s.Timestamp.After(latest.Timestamp) {
			latest = s
		}
	}
	return &latest, nil
}

func (m *MemoryStore) GetSnapshotsInRange(ctx context.Context, start, end time.Time) ([]core.MetricsSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.MetricsSnapshot
	for _, s := range m.snapshots {
		if !s.Timestamp.Before(start) && !s.Timestamp.After(end) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStore) PruneSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []core.MetricsSnapshot
	var pruned int64
	for _, s := range m.snapshots {
		if s.Timestamp.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, s)
	}
	m.snapshots = kept
	return pruned, nil
}

func (m *MemoryStore) InsertIncident(ctx context.Context, incident *core.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.incidents[incident.ID] = *incident
	return nil
}

func (m *MemoryStore) UpdateIncident(ctx context.Context, incident *core.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	if _, ok := m.incidents[incident.ID]; !ok {
		return ErrNotFound
	}
	m.incidents[incident.ID] = *incident
	return nil
}

func (m *MemoryStore) GetIncident(ctx context.Context, id string) (*core.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	incident, ok := m.incidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &incident, nil
}

func (m *MemoryStore) GetIncidents(ctx context.Context, filter IncidentFilter) ([]core.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.Incident
	for _, incident := range m.incidents {
		if filter.Status != nil && incident.Status != *filter.Status {
			continue
		}
		if filter.Severity != nil && incident.Severity != *filter.Severity {
			continue
		}
		if filter.Category != nil && incident.Category != *filter.Category {
			continue
		}
		if filter.OpenOnly && !incident.Status.IsOpen() {
			continue
		}
		if !filter.Since.IsZero() && incident.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, incident)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ReplaceChecksums(ctx context.Context, checksums []core.ArtifactChecksum) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.checksums = make(map[string]core.ArtifactChecksum, len(checksums))
	for _, c := range checksums {
		m.checksums[c.Path] = c
	}
	return nil
}

func (m *MemoryStore) GetChecksums(ctx context.Context) (map[string]core.ArtifactChecksum, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]core.ArtifactChecksum, len(m.checksums))
	for k, v := range m.checksums {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) InsertActionAudit(ctx context.Context, record *core.ActionAuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.audits = append(m.audits, *record)
	return nil
}

func (m *MemoryStore) GetActionAudits(ctx context.Context, incidentID string, limit int) ([]core.ActionAuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.ActionAuditRecord
	for _, r := range m.audits {
		if r.IncidentID == incidentID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SnapshotCount returns the number of stored snapshots. Test helper.
func (m *MemoryStore) SnapshotCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snapshots)
}
