// Package api exposes the telemetry core over HTTP: event ingestion,
// rule evaluation, snapshot queries and incident management.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"bastion/config"
	"bastion/incident"
	"bastion/rules"
	"bastion/storage"
	"bastion/telemetry"
)

// API is the HTTP server over the telemetry core.
type API struct {
	router     *mux.Router
	server     *http.Server
	engine     *rules.Engine
	aggregator *telemetry.Aggregator
	manager    *incident.Manager
	audits     storage.AuditStore
	config     *config.Config
	validate   *validator.Validate
	logger     *zap.SugaredLogger

	rateLimiters   map[string]*rateLimiterEntry
	rateLimitersMu sync.Mutex
	stopCh         chan struct{}
}

// NewAPI creates the HTTP server and wires its routes.
func NewAPI(engine *rules.Engine, aggregator *telemetry.Aggregator, manager *incident.Manager, audits storage.AuditStore, cfg *config.Config, logger *zap.SugaredLogger) *API {
	a := &API{
		router:       mux.NewRouter(),
		engine:       engine,
		aggregator:   aggregator,
		manager:      manager,
		audits:       audits,
		config:       cfg,
		validate:     validator.New(),
		logger:       logger,
		rateLimiters: make(map[string]*rateLimiterEntry),
		stopCh:       make(chan struct{}),
	}
	a.setupRoutes()
	go a.cleanupRateLimiters()
	return a
}

func (a *API) setupRoutes() {
	a.router.Use(a.recoveryMiddleware)
	a.router.Use(a.rateLimitMiddleware)

	v1 := a.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/evaluate", a.evaluate).Methods("POST")
	v1.HandleFunc("/events", a.ingestEvent).Methods("POST")
	v1.HandleFunc("/snapshots/latest", a.getLatestSnapshot).Methods("GET")
	v1.HandleFunc("/snapshots", a.getSnapshots).Methods("GET")
	v1.HandleFunc("/incidents", a.getIncidents).Methods("GET")
	v1.HandleFunc("/incidents/{id}", a.getIncident).Methods("GET")
	v1.HandleFunc("/incidents/{id}", a.updateIncident).Methods("PATCH")
	v1.HandleFunc("/incidents/{id}/actions", a.addIncidentAction).Methods("POST")
	v1.HandleFunc("/incidents/{id}/audit", a.getIncidentAudit).Methods("GET")

	a.router.HandleFunc("/healthz", a.healthz).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler())
}

// Start begins serving; it blocks until the server stops.
func (a *API) Start() error {
	addr := fmt.Sprintf("%s:%d", a.config.API.Host, a.config.API.Port)
	a.server = &http.Server{
		Addr:         addr,
		Handler:      a.router,
		ReadTimeout:  a.config.API.ReadTimeout,
		WriteTimeout: a.config.API.WriteTimeout,
	}
	a.logger.Infow("API server listening", "addr", addr)
	return a.server.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (a *API) Shutdown(ctx context.Context) error {
	close(a.stopCh)
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (a *API) Handler() http.Handler {
	return a.router
}

type errorEnvelope struct {
	Error string `json:"error"`
}

// respondJSON writes a JSON response. An encode failure after the
// header is sent can only be logged.
func (a *API) respondJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Errorw("Failed to encode JSON response",
			"error", err,
			"data_type", fmt.Sprintf("%T", data))
	}
}

func (a *API) respondError(w http.ResponseWriter, message string, statusCode int) {
	a.respondJSON(w, errorEnvelope{Error: message}, statusCode)
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, map[string]interface{}{
		"status":        "ok",
		"rules":         a.engine.RuleCount(),
		"rules_version": a.engine.Version(),
		"buffered":      a.aggregator.BufferLen(),
		"time":          time.Now().UTC(),
	}, http.StatusOK)
}
