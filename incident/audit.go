package incident

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bastion/core"
	"bastion/metrics"
	"bastion/storage"
)

// AuditLogger records significant response actions outside the incident
// record itself, so the trail survives even if an incident is tampered
// with.
type AuditLogger interface {
	RecordAction(ctx context.Context, incidentID string, action core.IncidentAction)
}

// StoreAuditLogger writes audit records to the audit store and the
// structured log. A failed write is logged and counted but never
// propagated; audit must not block response.
type StoreAuditLogger struct {
	store  storage.AuditStore
	logger *zap.SugaredLogger
}

// NewStoreAuditLogger builds an audit logger over the given store.
func NewStoreAuditLogger(store storage.AuditStore, logger *zap.SugaredLogger) *StoreAuditLogger {
	return &StoreAuditLogger{store: store, logger: logger}
}

func (a *StoreAuditLogger) RecordAction(ctx context.Context, incidentID string, action core.IncidentAction) {
	record := &core.ActionAuditRecord{
		ID:          uuid.NewString(),
		IncidentID:  incidentID,
		ActionID:    action.ID,
		Kind:        action.Kind,
		Description: action.Description,
		PerformedBy: action.PerformedBy,
		Outcome:     action.Outcome,
		Automatic:   action.Automatic,
		Timestamp:   action.Timestamp,
	}

	a.logger.Infow("Response action recorded",
		"incident_id", incidentID,
		"action_kind", action.Kind,
		"automatic", action.Automatic,
		"performed_by", action.PerformedBy)

	if err := a.store.InsertActionAudit(ctx, record); err != nil {
		metrics.PersistenceFailures.WithLabelValues("audit").Inc()
		a.logger.Errorw("Failed to persist action audit record",
			"incident_id", incidentID,
			"error", err)
	}
}

// NoOpAuditLogger discards audit records. Test helper.
type NoOpAuditLogger struct{}

func (NoOpAuditLogger) RecordAction(context.Context, string, core.IncidentAction) {}
