package incident

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"bastion/core"
)

// ResponderConfig tunes anomaly-to-incident escalation.
type ResponderConfig struct {
	// EscalationCount is the observed magnitude above which a category's
	// severity is bumped one level.
	EscalationCount int
	// DedupWindow bounds how far back open-incident de-duplication
	// looks.
	DedupWindow time.Duration
}

// Responder turns detector findings into incidents. It owns the
// severity-escalation table and the open-incident de-duplication check;
// the manager itself does neither.
type Responder struct {
	cfg     ResponderConfig
	manager *Manager
	logger  *zap.SugaredLogger
}

// NewResponder builds a responder over the given manager.
func NewResponder(cfg ResponderConfig, manager *Manager, logger *zap.SugaredLogger) *Responder {
	if cfg.EscalationCount <= 0 {
		cfg.EscalationCount = 10
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = time.Hour
	}
	return &Responder{cfg: cfg, manager: manager, logger: logger}
}

// HandleAnomalies processes a batch of findings, creating at most one
// incident per new (category, resource) pair.
func (r *Responder) HandleAnomalies(ctx context.Context, anomalies []core.Anomaly) []*core.Incident {
	var created []*core.Incident
	for _, anomaly := range anomalies {
		incident, err := r.HandleAnomaly(ctx, anomaly)
		if err != nil {
			r.logger.Errorw("Failed to respond to anomaly",
				"kind", anomaly.Kind,
				"resource", anomaly.Resource,
				"error", err)
			continue
		}
		if incident != nil {
			created = append(created, incident)
		}
	}
	return created
}

// HandleAnomaly escalates one finding into an incident unless an open
// incident already covers its category and resource within the window.
// Returns nil when deduplicated.
func (r *Responder) HandleAnomaly(ctx context.Context, anomaly core.Anomaly) (*core.Incident, error) {
	severity := r.escalate(anomaly)

	exists, err := r.manager.HasOpenIncident(ctx, anomaly.Category, anomaly.Resource, r.cfg.DedupWindow)
	if err != nil {
		return nil, fmt.Errorf("open-incident check failed: %w", err)
	}
	if exists {
		r.logger.Debugw("Anomaly already covered by an open incident",
			"category", anomaly.Category,
			"resource", anomaly.Resource)
		return nil, nil
	}

	evidence := make([]string, 0, len(anomaly.Evidence))
	for k, v := range anomaly.Evidence {
		evidence = append(evidence, fmt.Sprintf("%s=%v", k, v))
	}

	return r.manager.CreateIncident(ctx, CreateRequest{
		Title:           fmt.Sprintf("%s anomaly: %s", anomaly.Kind, anomaly.Resource),
		Description:     anomaly.Description,
		Severity:        severity,
		Category:        anomaly.Category,
		Source:          anomaly.Resource,
		RelatedEvidence: evidence,
	})
}

// escalate applies the severity table for anomaly-sourced incidents:
// payment failures start HIGH and reach CRITICAL above the count
// threshold; sensitive-data modifications are always CRITICAL;
// authentication and access-control findings scale MEDIUM to HIGH by
// count. Everything else keeps the detector's severity.
func (r *Responder) escalate(anomaly core.Anomaly) core.Severity {
	switch anomaly.Category {
	case core.CategoryPayment:
		if anomaly.Count > r.cfg.EscalationCount {
			return core.SeverityCritical
		}
		return core.SeverityHigh
	case core.CategoryDataProtection:
		return core.SeverityCritical
	case core.CategoryAuthentication, core.CategoryAccessControl:
		if anomaly.Count > r.cfg.EscalationCount {
			return core.SeverityHigh
		}
		return core.SeverityMedium
	}
	return anomaly.Severity
}
