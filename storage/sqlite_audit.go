package storage

import (
	"context"
	"fmt"
	"time"

	"bastion/core"
)

// InsertActionAudit appends one response-action audit record.
func (s *SQLite) InsertActionAudit(ctx context.Context, record *core.ActionAuditRecord) error {
	automatic := 0
	if record.Automatic {
		automatic = 1
	}
	_, err := s.WriteDB.ExecContext(ctx, `
		INSERT INTO action_audit_log (id, incident_id, action_id, kind,
			description, performed_by, outcome, automatic, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.IncidentID, record.ActionID, string(record.Kind),
		record.Description, record.PerformedBy, record.Outcome,
		automatic, record.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// GetActionAudits returns the audit trail for one incident, newest
// first.
func (s *SQLite) GetActionAudits(ctx context.Context, incidentID string, limit int) ([]core.ActionAuditRecord, error) {
	query := `SELECT id, incident_id, action_id, kind, description,
		performed_by, outcome, automatic, timestamp
		FROM action_audit_log WHERE incident_id = ? ORDER BY timestamp DESC`
	args := []interface{}{incidentID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var out []core.ActionAuditRecord
	for rows.Next() {
		var (
			r         core.ActionAuditRecord
			kind      string
			automatic int
			ts        int64
		)
		if err := rows.Scan(&r.ID, &r.IncidentID, &r.ActionID, &kind,
			&r.Description, &r.PerformedBy, &r.Outcome, &automatic, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		r.Kind = core.ActionKind(kind)
		r.Automatic = automatic == 1
		r.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
