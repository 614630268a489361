package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bastion/core"
)

// incidentBlobs groups the nested incident fields stored as JSON columns.
type incidentBlobs struct {
	affected string
	evidence string
	actions  string
}

func encodeIncidentBlobs(incident *core.Incident) (incidentBlobs, error) {
	affected, err := json.Marshal(incident.AffectedComponents)
	if err != nil {
		return incidentBlobs{}, fmt.Errorf("failed to serialize affected components: %w", err)
	}
	evidence, err := json.Marshal(incident.RelatedEvidence)
	if err != nil {
		return incidentBlobs{}, fmt.Errorf("failed to serialize related evidence: %w", err)
	}
	actions, err := json.Marshal(incident.Actions)
	if err != nil {
		return incidentBlobs{}, fmt.Errorf("failed to serialize actions: %w", err)
	}
	return incidentBlobs{
		affected: string(affected),
		evidence: string(evidence),
		actions:  string(actions),
	}, nil
}

// InsertIncident persists a new incident record.
func (s *SQLite) InsertIncident(ctx context.Context, incident *core.Incident) error {
	blobs, err := encodeIncidentBlobs(incident)
	if err != nil {
		return err
	}

	_, err = s.WriteDB.ExecContext(ctx, `
		INSERT INTO incidents (id, title, description, severity, status,
			category, source, created_at, updated_at, assigned_to,
			affected_components, related_evidence, actions, integrity_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		incident.ID, incident.Title, incident.Description,
		string(incident.Severity), string(incident.Status),
		string(incident.Category), incident.Source,
		incident.CreatedAt.UnixNano(), incident.UpdatedAt.UnixNano(),
		incident.AssignedTo, blobs.affected, blobs.evidence, blobs.actions,
		incident.IntegrityHash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert incident %s: %w", incident.ID, err)
	}
	return nil
}

// UpdateIncident rewrites an existing incident record.
func (s *SQLite) UpdateIncident(ctx context.Context, incident *core.Incident) error {
	blobs, err := encodeIncidentBlobs(incident)
	if err != nil {
		return err
	}

	res, err := s.WriteDB.ExecContext(ctx, `
		UPDATE incidents SET title = ?, description = ?, severity = ?,
			status = ?, category = ?, source = ?, updated_at = ?,
			assigned_to = ?, affected_components = ?, related_evidence = ?,
			actions = ?, integrity_hash = ?
		WHERE id = ?`,
		incident.Title, incident.Description, string(incident.Severity),
		string(incident.Status), string(incident.Category), incident.Source,
		incident.UpdatedAt.UnixNano(), incident.AssignedTo,
		blobs.affected, blobs.evidence, blobs.actions,
		incident.IntegrityHash, incident.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update incident %s: %w", incident.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("incident %s: %w", incident.ID, ErrNotFound)
	}
	return nil
}

const incidentColumns = `id, title, description, severity, status,
	category, source, created_at, updated_at, assigned_to,
	affected_components, related_evidence, actions, integrity_hash`

// GetIncident loads one incident by id or returns ErrNotFound.
func (s *SQLite) GetIncident(ctx context.Context, id string) (*core.Incident, error) {
	row := s.ReadDB.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, id)
	incident, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load incident %s: %w", id, err)
	}
	return incident, nil
}

// GetIncidents returns incidents matching the filter, newest first.
func (s *SQLite) GetIncidents(ctx context.Context, filter IncidentFilter) ([]core.Incident, error) {
	var (
		clauses []string
		args    []interface{}
	)
	if filter.Status != nil {
		clauses = append(clauses, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Severity != nil {
		clauses = append(clauses, "severity = ?")
		args = append(args, string(*filter.Severity))
	}
	if filter.Category != nil {
		clauses = append(clauses, "category = ?")
		args = append(args, string(*filter.Category))
	}
	if filter.OpenOnly {
		clauses = append(clauses, "status NOT IN (?, ?, ?)")
		args = append(args,
			string(core.IncidentStatusResolved),
			string(core.IncidentStatusClosed),
			string(core.IncidentStatusFalsePositive))
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, filter.Since.UnixNano())
	}

	query := `SELECT ` + incidentColumns + ` FROM incidents`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var out []core.Incident
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		out = append(out, *incident)
	}
	return out, rows.Err()
}

func scanIncident(row rowScanner) (*core.Incident, error) {
	var (
		incident             core.Incident
		severity, status     string
		category             string
		createdAt, updatedAt int64
		affected, evidence   string
		actions              string
	)
	err := row.Scan(&incident.ID, &incident.Title, &incident.Description,
		&severity, &status, &category, &incident.Source,
		&createdAt, &updatedAt, &incident.AssignedTo,
		&affected, &evidence, &actions, &incident.IntegrityHash)
	if err != nil {
		return nil, err
	}

	incident.Severity = core.Severity(severity)
	incident.Status = core.IncidentStatus(status)
	incident.Category = core.Category(category)
	incident.CreatedAt = time.Unix(0, createdAt).UTC()
	incident.UpdatedAt = time.Unix(0, updatedAt).UTC()

	if err := json.Unmarshal([]byte(affected), &incident.AffectedComponents); err != nil {
		return nil, fmt.Errorf("corrupt affected components: %w", err)
	}
	if err := json.Unmarshal([]byte(evidence), &incident.RelatedEvidence); err != nil {
		return nil, fmt.Errorf("corrupt related evidence: %w", err)
	}
	if err := json.Unmarshal([]byte(actions), &incident.Actions); err != nil {
		return nil, fmt.Errorf("corrupt actions: %w", err)
	}
	return &incident, nil
}
