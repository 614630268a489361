package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bastion/core"
)

// InsertSnapshot appends a snapshot to the history.
func (s *SQLite) InsertSnapshot(ctx context.Context, snap *core.MetricsSnapshot) error {
	eventCounts, err := json.Marshal(snap.EventCounts)
	if err != nil {
		return fmt.Errorf("failed to serialize event counts: %w", err)
	}
	severityCounts, err := json.Marshal(snap.SeverityCounts)
	if err != nil {
		return fmt.Errorf("failed to serialize severity counts: %w", err)
	}
	actorCounts, err := json.Marshal(snap.ActorCounts)
	if err != nil {
		return fmt.Errorf("failed to serialize actor counts: %w", err)
	}
	addressCounts, err := json.Marshal(snap.AddressCounts)
	if err != nil {
		return fmt.Errorf("failed to serialize address counts: %w", err)
	}

	_, err = s.WriteDB.ExecContext(ctx, `
		INSERT INTO snapshots (id, timestamp, window_start, window_end,
			event_counts, severity_counts, actor_counts, address_counts,
			anomaly_score, integrity_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID,
		snap.Timestamp.UnixNano(),
		snap.WindowStart.UnixNano(),
		snap.WindowEnd.UnixNano(),
		string(eventCounts),
		string(severityCounts),
		string(actorCounts),
		string(addressCounts),
		snap.AnomalyScore,
		snap.IntegrityHash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

const snapshotColumns = `id, timestamp, window_start, window_end,
	event_counts, severity_counts, actor_counts, address_counts,
	anomaly_score, integrity_hash`

// GetLatestSnapshot returns the most recent snapshot or ErrNotFound.
func (s *SQLite) GetLatestSnapshot(ctx context.Context) (*core.MetricsSnapshot, error) {
	row := s.ReadDB.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots ORDER BY timestamp DESC LIMIT 1`)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest snapshot: %w", err)
	}
	return snap, nil
}

// GetSnapshotsInRange returns snapshots with timestamps in [start, end],
// oldest first.
func (s *SQLite) GetSnapshotsInRange(ctx context.Context, start, end time.Time) ([]core.MetricsSnapshot, error) {
	rows, err := s.ReadDB.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots
		 WHERE timestamp >= ? AND timestamp <= ? ORDER BY timestamp ASC`,
		start.UnixNano(), end.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []core.MetricsSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

// PruneSnapshotsBefore deletes snapshots older than cutoff and returns
// the number removed.
func (s *SQLite) PruneSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.WriteDB.ExecContext(ctx,
		`DELETE FROM snapshots WHERE timestamp < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row rowScanner) (*core.MetricsSnapshot, error) {
	var (
		snap                        core.MetricsSnapshot
		ts, windowStart, windowEnd  int64
		eventCounts, severityCounts string
		actorCounts, addressCounts  string
	)
	err := row.Scan(&snap.ID, &ts, &windowStart, &windowEnd,
		&eventCounts, &severityCounts, &actorCounts, &addressCounts,
		&snap.AnomalyScore, &snap.IntegrityHash)
	if err != nil {
		return nil, err
	}

	snap.Timestamp = time.Unix(0, ts).UTC()
	snap.WindowStart = time.Unix(0, windowStart).UTC()
	snap.WindowEnd = time.Unix(0, windowEnd).UTC()

	if err := json.Unmarshal([]byte(eventCounts), &snap.EventCounts); err != nil {
		return nil, fmt.Errorf("corrupt event counts: %w", err)
	}
	if err := json.Unmarshal([]byte(severityCounts), &snap.SeverityCounts); err != nil {
		return nil, fmt.Errorf("corrupt severity counts: %w", err)
	}
	if err := json.Unmarshal([]byte(actorCounts), &snap.ActorCounts); err != nil {
		return nil, fmt.Errorf("corrupt actor counts: %w", err)
	}
	if err := json.Unmarshal([]byte(addressCounts), &snap.AddressCounts); err != nil {
		return nil, fmt.Errorf("corrupt address counts: %w", err)
	}
	return &snap, nil
}
