package storage

import "fmt"

// schemaStatements creates the durable tables. Statements are idempotent
// (IF NOT EXISTS) so migration is safe to run on every startup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		window_start INTEGER NOT NULL,
		window_end INTEGER NOT NULL,
		event_counts TEXT NOT NULL,
		severity_counts TEXT NOT NULL,
		actor_counts TEXT NOT NULL,
		address_counts TEXT NOT NULL,
		anomaly_score REAL NOT NULL,
		integrity_hash TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_timestamp ON snapshots(timestamp)`,

	`CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		category TEXT NOT NULL,
		source TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		assigned_to TEXT NOT NULL DEFAULT '',
		affected_components TEXT NOT NULL,
		related_evidence TEXT NOT NULL,
		actions TEXT NOT NULL,
		integrity_hash TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status)`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_category ON incidents(category, created_at)`,

	`CREATE TABLE IF NOT EXISTS artifact_checksums (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		status TEXT NOT NULL,
		last_seen INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS action_audit_log (
		id TEXT PRIMARY KEY,
		incident_id TEXT NOT NULL,
		action_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		description TEXT NOT NULL,
		performed_by TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL DEFAULT '',
		automatic INTEGER NOT NULL,
		timestamp INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_incident ON action_audit_log(incident_id, timestamp)`,
}

// migrate applies the schema on the write pool.
func (s *SQLite) migrate() error {
	for _, stmt := range schemaStatements {
		if _, err := s.WriteDB.Exec(stmt); err != nil {
			return fmt.Errorf("migration statement failed: %w", err)
		}
	}
	return nil
}
