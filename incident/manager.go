package incident

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"bastion/core"
	"bastion/metrics"
	"bastion/storage"
)

const lockStripes = 32

// Manager owns incident creation and mutation. Mutations to one
// incident are serialized through striped locks; different incidents
// proceed independently. Every mutation recomputes the integrity hash
// before persisting. The manager does not deduplicate; callers check
// for an open incident first.
type Manager struct {
	store     storage.IncidentStore
	templates *TemplateSet
	audit     AuditLogger
	logger    *zap.SugaredLogger

	locks [lockStripes]sync.Mutex
}

// NewManager builds an incident manager.
func NewManager(store storage.IncidentStore, templates *TemplateSet, audit AuditLogger, logger *zap.SugaredLogger) *Manager {
	if audit == nil {
		audit = NoOpAuditLogger{}
	}
	return &Manager{
		store:     store,
		templates: templates,
		audit:     audit,
		logger:    logger,
	}
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &m.locks[h.Sum32()%lockStripes]
}

// CreateRequest carries the fields of a new incident.
type CreateRequest struct {
	Title              string
	Description        string
	Severity           core.Severity
	Category           core.Category
	Source             string
	AffectedComponents []string
	RelatedEvidence    []string
}

// CreateIncident opens a new incident: deterministic-format id, an
// automatic detection action, the matching response template's steps as
// a manual checklist, then seal and persist.
func (m *Manager) CreateIncident(ctx context.Context, req CreateRequest) (*core.Incident, error) {
	if req.Title == "" {
		return nil, fmt.Errorf("incident title cannot be empty")
	}
	if !req.Severity.IsValid() {
		return nil, fmt.Errorf("unknown severity: %s", req.Severity)
	}
	if !req.Category.IsValid() {
		return nil, fmt.Errorf("unknown category: %s", req.Category)
	}

	now := time.Now().UTC()
	incident := &core.Incident{
		ID:                 core.NewIncidentID(now, req.Category, req.Severity),
		Title:              req.Title,
		Description:        req.Description,
		Severity:           req.Severity,
		Status:             core.IncidentStatusNew,
		Category:           req.Category,
		Source:             req.Source,
		CreatedAt:          now,
		UpdatedAt:          now,
		AffectedComponents: req.AffectedComponents,
		RelatedEvidence:    req.RelatedEvidence,
	}

	detection := core.NewIncidentAction(core.ActionDetection,
		fmt.Sprintf("Incident detected: %s", req.Title), true)
	detection.Outcome = "detected"
	incident.Actions = append(incident.Actions, detection)

	// Template steps form a checklist for responders; they are never
	// auto-executed, so their outcome stays unset.
	if tmpl, ok := m.templates.Match(req.Category, req.Severity); ok {
		incident.Actions = append(incident.Actions, checklistActions(tmpl)...)
	} else {
		m.logger.Warnw("No response template for incident",
			"category", req.Category,
			"severity", req.Severity)
	}

	if err := incident.Seal(); err != nil {
		return nil, fmt.Errorf("failed to seal incident: %w", err)
	}
	if err := m.store.InsertIncident(ctx, incident); err != nil {
		metrics.PersistenceFailures.WithLabelValues("incident").Inc()
		return nil, fmt.Errorf("failed to persist incident: %w", err)
	}

	metrics.IncidentsCreated.WithLabelValues(string(incident.Category), string(incident.Severity)).Inc()
	m.logger.Infow("Incident created",
		"incident_id", incident.ID,
		"severity", incident.Severity,
		"category", incident.Category,
		"actions", len(incident.Actions))
	return incident, nil
}

func checklistActions(tmpl *core.ResponseTemplate) []core.IncidentAction {
	var actions []core.IncidentAction
	for _, step := range tmpl.ContainmentSteps {
		actions = append(actions, core.NewIncidentAction(core.ActionContainment, step, false))
	}
	for _, step := range tmpl.EradicationSteps {
		actions = append(actions, core.NewIncidentAction(core.ActionEradication, step, false))
	}
	for _, step := range tmpl.RecoverySteps {
		actions = append(actions, core.NewIncidentAction(core.ActionRecovery, step, false))
	}
	return actions
}

// UpdateIncident moves an incident to a new status. Invalid transitions
// are rejected with core.ErrInvalidTransition.
func (m *Manager) UpdateIncident(ctx context.Context, id string, newStatus core.IncidentStatus, userID string) (*core.Incident, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	incident, err := m.store.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := incident.TransitionTo(newStatus, userID); err != nil {
		return nil, err
	}
	if err := incident.Seal(); err != nil {
		return nil, fmt.Errorf("failed to seal incident: %w", err)
	}
	if err := m.store.UpdateIncident(ctx, incident); err != nil {
		metrics.PersistenceFailures.WithLabelValues("incident").Inc()
		return nil, fmt.Errorf("failed to persist incident update: %w", err)
	}

	m.logger.Infow("Incident status updated",
		"incident_id", id,
		"status", newStatus,
		"updated_by", userID)
	return incident, nil
}

// AddIncidentAction appends an action to the incident's log. The log is
// append-only; existing actions are never modified. Containment and
// recovery actions are additionally audit-logged.
func (m *Manager) AddIncidentAction(ctx context.Context, id string, action core.IncidentAction) (*core.Incident, error) {
	if !action.Kind.IsValid() {
		return nil, fmt.Errorf("unknown action kind: %s", action.Kind)
	}
	if action.ID == "" {
		filled := core.NewIncidentAction(action.Kind, action.Description, action.Automatic)
		filled.PerformedBy = action.PerformedBy
		filled.Outcome = action.Outcome
		action = filled
	}

	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	incident, err := m.store.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}

	incident.Actions = append(incident.Actions, action)
	incident.UpdatedAt = time.Now().UTC()
	if err := incident.Seal(); err != nil {
		return nil, fmt.Errorf("failed to seal incident: %w", err)
	}
	if err := m.store.UpdateIncident(ctx, incident); err != nil {
		metrics.PersistenceFailures.WithLabelValues("incident").Inc()
		return nil, fmt.Errorf("failed to persist incident action: %w", err)
	}

	metrics.IncidentActions.WithLabelValues(string(action.Kind)).Inc()
	if action.Kind == core.ActionContainment || action.Kind == core.ActionRecovery {
		m.audit.RecordAction(ctx, id, action)
	}
	return incident, nil
}

// GetIncident returns one incident by id.
func (m *Manager) GetIncident(ctx context.Context, id string) (*core.Incident, error) {
	return m.store.GetIncident(ctx, id)
}

// GetIncidents returns incidents matching the filter.
func (m *Manager) GetIncidents(ctx context.Context, filter storage.IncidentFilter) ([]core.Incident, error) {
	return m.store.GetIncidents(ctx, filter)
}

// HasOpenIncident reports whether an open incident already covers the
// given category and resource within the window. The responder consults
// this before creating.
func (m *Manager) HasOpenIncident(ctx context.Context, category core.Category, resource string, window time.Duration) (bool, error) {
	incidents, err := m.store.GetIncidents(ctx, storage.IncidentFilter{
		Category: &category,
		OpenOnly: true,
		Since:    time.Now().UTC().Add(-window),
	})
	if err != nil {
		return false, err
	}
	for i := range incidents {
		if incidents[i].Source == resource {
			return true, nil
		}
	}
	return false, nil
}

// LoadAndVerify recomputes every persisted incident's integrity hash.
// Mismatched incidents are flagged with the warning prefix and kept;
// evidence is never dropped on read. Returns the number flagged.
func (m *Manager) LoadAndVerify(ctx context.Context) (int, error) {
	incidents, err := m.store.GetIncidents(ctx, storage.IncidentFilter{})
	if err != nil {
		return 0, fmt.Errorf("failed to load incidents: %w", err)
	}

	flagged := 0
	for i := range incidents {
		incident := incidents[i]
		if incident.VerifyIntegrity() {
			continue
		}

		metrics.IntegrityViolations.WithLabelValues("incident").Inc()
		m.logger.Errorw("Incident failed integrity verification",
			"incident_id", incident.ID,
			"stored_hash", incident.IntegrityHash)

		incident.FlagTampered()
		if err := incident.Seal(); err != nil {
			m.logger.Errorw("Failed to re-seal flagged incident",
				"incident_id", incident.ID,
				"error", err)
			continue
		}
		if err := m.store.UpdateIncident(ctx, &incident); err != nil {
			m.logger.Errorw("Failed to persist flagged incident",
				"incident_id", incident.ID,
				"error", err)
			continue
		}
		flagged++
	}

	m.logger.Infow("Incident integrity verification complete",
		"total", len(incidents),
		"flagged", flagged)
	return flagged, nil
}
