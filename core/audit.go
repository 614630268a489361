package core

import "time"

// ActionAuditRecord is the durable audit trail entry written whenever a
// significant response action (containment, recovery) is logged against
// an incident.
type ActionAuditRecord struct {
	ID          string     `json:"id"`
	IncidentID  string     `json:"incident_id"`
	ActionID    string     `json:"action_id"`
	Kind        ActionKind `json:"kind"`
	Description string     `json:"description"`
	PerformedBy string     `json:"performed_by,omitempty"`
	Outcome     string     `json:"outcome,omitempty"`
	Automatic   bool       `json:"automatic"`
	Timestamp   time.Time  `json:"timestamp"`
}
