package storage

import (
	"context"
	"fmt"
	"time"

	"bastion/core"
)

// ReplaceChecksums overwrites the artifact-checksum baseline with the
// result of the latest scan, atomically.
func (s *SQLite) ReplaceChecksums(ctx context.Context, checksums []core.ArtifactChecksum) error {
	tx, err := s.WriteDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin checksum transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM artifact_checksums`); err != nil {
		return fmt.Errorf("failed to clear checksum baseline: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO artifact_checksums (path, hash, status, last_seen)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare checksum insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range checksums {
		if _, err := stmt.ExecContext(ctx, c.Path, c.Hash, string(c.Status), c.LastSeen.UnixNano()); err != nil {
			return fmt.Errorf("failed to insert checksum for %s: %w", c.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checksum baseline: %w", err)
	}
	return nil
}

// GetChecksums loads the persisted baseline keyed by artifact path.
func (s *SQLite) GetChecksums(ctx context.Context) (map[string]core.ArtifactChecksum, error) {
	rows, err := s.ReadDB.QueryContext(ctx,
		`SELECT path, hash, status, last_seen FROM artifact_checksums`)
	if err != nil {
		return nil, fmt.Errorf("failed to query checksums: %w", err)
	}
	defer rows.Close()

	out := make(map[string]core.ArtifactChecksum)
	for rows.Next() {
		var (
			c        core.ArtifactChecksum
			status   string
			lastSeen int64
		)
		if err := rows.Scan(&c.Path, &c.Hash, &status, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan checksum: %w", err)
		}
		c.Status = core.ChecksumStatus(status)
		c.LastSeen = time.Unix(0, lastSeen).UTC()
		out[c.Path] = c
	}
	return out, rows.Err()
}
