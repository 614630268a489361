package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"bastion/core"
	"bastion/rules"
	"bastion/storage"
)

const maxBodyBytes = 1 << 20 // 1MB

func (a *API) decodeBody(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		a.respondError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	if err := a.validate.Struct(dest); err != nil {
		a.respondError(w, "validation failed: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

type evaluateRequest struct {
	Kind    string                 `json:"kind" validate:"required,oneof=request user content system"`
	Context map[string]interface{} `json:"context" validate:"required"`
	Options rules.EvalOptions      `json:"options"`
}

func (a *API) evaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !a.decodeBody(w, r, &req) {
		return
	}

	result := a.engine.Evaluate(r.Context(), rules.ContextKind(req.Kind), req.Context, req.Options)
	a.respondJSON(w, result, http.StatusOK)
}

type ingestEventRequest struct {
	Type          string                 `json:"type" validate:"required"`
	Subtype       string                 `json:"subtype"`
	Severity      string                 `json:"severity" validate:"required,oneof=low medium high critical"`
	ActorID       string                 `json:"actor_id"`
	SourceAddress string                 `json:"source_address"`
	Payload       map[string]interface{} `json:"payload"`
}

func (a *API) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var req ingestEventRequest
	if !a.decodeBody(w, r, &req) {
		return
	}

	a.aggregator.AddEvent(core.SecurityEvent{
		Type:          req.Type,
		Subtype:       req.Subtype,
		Severity:      core.Severity(req.Severity),
		ActorID:       req.ActorID,
		SourceAddress: req.SourceAddress,
		Timestamp:     time.Now().UTC(),
		Payload:       req.Payload,
	})
	a.respondJSON(w, map[string]string{"status": "accepted"}, http.StatusAccepted)
}

func (a *API) getLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := a.aggregator.GetLatestSnapshot(r.Context())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			a.respondError(w, "no snapshots yet", http.StatusNotFound)
			return
		}
		a.logger.Errorw("Failed to load latest snapshot", "error", err)
		a.respondError(w, "failed to load snapshot", http.StatusInternalServerError)
		return
	}
	a.respondJSON(w, snapshot, http.StatusOK)
}

func (a *API) getSnapshots(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	start, err := time.Parse(time.RFC3339, query.Get("start"))
	if err != nil {
		a.respondError(w, "start must be RFC3339", http.StatusBadRequest)
		return
	}
	end := time.Now().UTC()
	if raw := query.Get("end"); raw != "" {
		end, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			a.respondError(w, "end must be RFC3339", http.StatusBadRequest)
			return
		}
	}

	snapshots, err := a.aggregator.GetSnapshotsInRange(r.Context(), start, end)
	if err != nil {
		a.logger.Errorw("Failed to query snapshots", "error", err)
		a.respondError(w, "failed to query snapshots", http.StatusInternalServerError)
		return
	}
	if snapshots == nil {
		snapshots = []core.MetricsSnapshot{}
	}
	a.respondJSON(w, snapshots, http.StatusOK)
}

func (a *API) getIncidents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := storage.IncidentFilter{}

	if raw := query.Get("status"); raw != "" {
		status := core.IncidentStatus(raw)
		if !status.IsValid() {
			a.respondError(w, "unknown status: "+raw, http.StatusBadRequest)
			return
		}
		filter.Status = &status
	}
	if raw := query.Get("severity"); raw != "" {
		severity := core.Severity(raw)
		if !severity.IsValid() {
			a.respondError(w, "unknown severity: "+raw, http.StatusBadRequest)
			return
		}
		filter.Severity = &severity
	}
	if raw := query.Get("category"); raw != "" {
		category := core.Category(raw)
		if !category.IsValid() {
			a.respondError(w, "unknown category: "+raw, http.StatusBadRequest)
			return
		}
		filter.Category = &category
	}
	filter.OpenOnly = query.Get("open") == "true"
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 1000 {
			filter.Limit = parsed
		}
	}

	incidents, err := a.manager.GetIncidents(r.Context(), filter)
	if err != nil {
		a.logger.Errorw("Failed to query incidents", "error", err)
		a.respondError(w, "failed to query incidents", http.StatusInternalServerError)
		return
	}
	if incidents == nil {
		incidents = []core.Incident{}
	}
	a.respondJSON(w, incidents, http.StatusOK)
}

func (a *API) getIncident(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	incident, err := a.manager.GetIncident(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			a.respondError(w, "incident not found", http.StatusNotFound)
			return
		}
		a.logger.Errorw("Failed to load incident", "incident_id", id, "error", err)
		a.respondError(w, "failed to load incident", http.StatusInternalServerError)
		return
	}
	a.respondJSON(w, incident, http.StatusOK)
}

type updateIncidentRequest struct {
	Status string `json:"status" validate:"required"`
	UserID string `json:"user_id"`
}

func (a *API) updateIncident(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req updateIncidentRequest
	if !a.decodeBody(w, r, &req) {
		return
	}

	incident, err := a.manager.UpdateIncident(r.Context(), id, core.IncidentStatus(req.Status), req.UserID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			a.respondError(w, "incident not found", http.StatusNotFound)
		case errors.Is(err, core.ErrInvalidTransition):
			a.respondError(w, err.Error(), http.StatusConflict)
		default:
			a.logger.Errorw("Failed to update incident", "incident_id", id, "error", err)
			a.respondError(w, "failed to update incident", http.StatusInternalServerError)
		}
		return
	}
	a.respondJSON(w, incident, http.StatusOK)
}

type addActionRequest struct {
	Kind        string `json:"kind" validate:"required,oneof=detection containment eradication recovery"`
	Description string `json:"description" validate:"required"`
	PerformedBy string `json:"performed_by"`
	Outcome     string `json:"outcome"`
}

func (a *API) addIncidentAction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req addActionRequest
	if !a.decodeBody(w, r, &req) {
		return
	}

	action := core.NewIncidentAction(core.ActionKind(req.Kind), req.Description, false)
	action.PerformedBy = req.PerformedBy
	action.Outcome = req.Outcome

	incident, err := a.manager.AddIncidentAction(r.Context(), id, action)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			a.respondError(w, "incident not found", http.StatusNotFound)
			return
		}
		a.logger.Errorw("Failed to add incident action", "incident_id", id, "error", err)
		a.respondError(w, "failed to add action", http.StatusInternalServerError)
		return
	}
	a.respondJSON(w, incident, http.StatusCreated)
}

func (a *API) getIncidentAudit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	audits, err := a.audits.GetActionAudits(r.Context(), id, limit)
	if err != nil {
		a.logger.Errorw("Failed to load audit records", "incident_id", id, "error", err)
		a.respondError(w, "failed to load audit records", http.StatusInternalServerError)
		return
	}
	if audits == nil {
		audits = []core.ActionAuditRecord{}
	}
	a.respondJSON(w, audits, http.StatusOK)
}
