package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IncidentStatus is the lifecycle state of an incident.
type IncidentStatus string

const (
	IncidentStatusNew           IncidentStatus = "NEW"
	IncidentStatusAcknowledged  IncidentStatus = "ACKNOWLEDGED"
	IncidentStatusInvestigating IncidentStatus = "INVESTIGATING"
	IncidentStatusMitigated     IncidentStatus = "MITIGATED"
	IncidentStatusResolved      IncidentStatus = "RESOLVED"
	IncidentStatusClosed        IncidentStatus = "CLOSED"
	IncidentStatusFalsePositive IncidentStatus = "FALSE_POSITIVE"
)

// IsValid reports whether s is one of the defined statuses.
func (s IncidentStatus) IsValid() bool {
	switch s {
	case IncidentStatusNew, IncidentStatusAcknowledged, IncidentStatusInvestigating,
		IncidentStatusMitigated, IncidentStatusResolved, IncidentStatusClosed,
		IncidentStatusFalsePositive:
		return true
	}
	return false
}

// IsOpen reports whether an incident in this status should still block
// creation of a duplicate for the same finding.
func (s IncidentStatus) IsOpen() bool {
	switch s {
	case IncidentStatusResolved, IncidentStatusClosed, IncidentStatusFalsePositive:
		return false
	}
	return true
}

// ActionKind classifies incident response actions.
type ActionKind string

const (
	ActionDetection   ActionKind = "detection"
	ActionContainment ActionKind = "containment"
	ActionEradication ActionKind = "eradication"
	ActionRecovery    ActionKind = "recovery"
)

// IsValid reports whether k is one of the defined action kinds.
func (k ActionKind) IsValid() bool {
	switch k {
	case ActionDetection, ActionContainment, ActionEradication, ActionRecovery:
		return true
	}
	return false
}

// IncidentAction is one entry in an incident's append-only action log.
// The first action on every incident is an automatic detection action;
// template-derived actions start unperformed (empty Outcome).
type IncidentAction struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Kind        ActionKind `json:"kind"`
	Timestamp   time.Time  `json:"timestamp"`
	PerformedBy string     `json:"performed_by,omitempty"`
	Outcome     string     `json:"outcome,omitempty"`
	Automatic   bool       `json:"automatic"`
}

// NewIncidentAction creates an action with a fresh id and timestamp.
func NewIncidentAction(kind ActionKind, description string, automatic bool) IncidentAction {
	return IncidentAction{
		ID:          uuid.NewString(),
		Description: description,
		Kind:        kind,
		Timestamp:   time.Now().UTC(),
		Automatic:   automatic,
	}
}

// IntegrityWarningPrefix marks incidents whose stored hash did not match
// a recomputation on load. Flag, never drop: tampered evidence is still
// evidence.
const IntegrityWarningPrefix = "[INTEGRITY WARNING] "

// Incident is a tracked, persisted record of a security condition
// requiring response. Mutations go through the lifecycle transitions in
// incident_lifecycle.go and always recompute the integrity hash.
type Incident struct {
	ID                 string           `json:"id"`
	Title              string           `json:"title"`
	Description        string           `json:"description"`
	Severity           Severity         `json:"severity"`
	Status             IncidentStatus   `json:"status"`
	Category           Category         `json:"category"`
	Source             string           `json:"source"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	AssignedTo         string           `json:"assigned_to,omitempty"`
	AffectedComponents []string         `json:"affected_components,omitempty"`
	RelatedEvidence    []string         `json:"related_evidence,omitempty"`
	Actions            []IncidentAction `json:"actions"`
	IntegrityHash      string           `json:"integrity_hash"`
}

// NewIncidentID builds the deterministic-format incident id encoding
// date, category and severity, with a random suffix for uniqueness:
// IR-20260826-AUTHENTICATION-HIGH-1a2b3c4d.
func NewIncidentID(now time.Time, category Category, severity Severity) string {
	suffix := strings.Split(uuid.NewString(), "-")[0]
	return fmt.Sprintf("IR-%s-%s-%s-%s",
		now.UTC().Format("20060102"),
		strings.ToUpper(string(category)),
		strings.ToUpper(string(severity)),
		suffix)
}

// ComputeIntegrityHash hashes every incident field except the hash
// itself.
func (i *Incident) ComputeIntegrityHash() (string, error) {
	clone := *i
	clone.IntegrityHash = ""
	return IntegrityHash(&clone)
}

// Seal computes and stores the incident's integrity hash. Call after
// every mutation, before persisting.
func (i *Incident) Seal() error {
	hash, err := i.ComputeIntegrityHash()
	if err != nil {
		return err
	}
	i.IntegrityHash = hash
	return nil
}

// VerifyIntegrity reports whether the stored hash matches a fresh
// computation over the incident's fields.
func (i *Incident) VerifyIntegrity() bool {
	hash, err := i.ComputeIntegrityHash()
	if err != nil {
		return false
	}
	return hash == i.IntegrityHash
}

// FlagTampered prefixes the title with the integrity warning marker.
// Idempotent.
func (i *Incident) FlagTampered() {
	if !strings.HasPrefix(i.Title, IntegrityWarningPrefix) {
		i.Title = IntegrityWarningPrefix + i.Title
	}
}

// ResponseTemplate is a static checklist of response steps matched by
// (category, severity). Read-only at runtime; hot reload replaces the
// whole template set.
type ResponseTemplate struct {
	Category             Category   `json:"category" yaml:"category" validate:"required"`
	ApplicableSeverities []Severity `json:"applicable_severities" yaml:"applicable_severities" validate:"required,min=1"`
	ContainmentSteps     []string   `json:"containment_steps" yaml:"containment_steps"`
	EradicationSteps     []string   `json:"eradication_steps" yaml:"eradication_steps"`
	RecoverySteps        []string   `json:"recovery_steps" yaml:"recovery_steps"`
	RequiredEvidence     []string   `json:"required_evidence" yaml:"required_evidence"`
	NotificationList     []string   `json:"notification_list" yaml:"notification_list"`
}

// AppliesTo reports whether the template matches the given category and
// severity.
func (t *ResponseTemplate) AppliesTo(category Category, severity Severity) bool {
	if t.Category != category {
		return false
	}
	for _, s := range t.ApplicableSeverities {
		if s == severity {
			return true
		}
	}
	return false
}
