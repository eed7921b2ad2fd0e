package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/upb/agent-telemetry/services/broadcast"
	"github.com/upb/agent-telemetry/services/events"
	"github.com/upb/agent-telemetry/utils"
)

// Version is reported by the status endpoint
const Version = "0.3.0"

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// StatusResponse is the body of GET /api/v1/status
type StatusResponse struct {
	Version      string          `json:"version"`
	Environment  string          `json:"environment"`
	Store        string          `json:"store"`
	Events       *events.Status  `json:"events,omitempty"`
	Stream       broadcast.Stats `json:"stream"`
	LiveSessions int             `json:"live_sessions"`
}

// HealthCheck is a named dependency probe used by the readiness endpoint
type HealthCheck func(ctx context.Context) error

// StatusSource supplies the values shown on the status endpoint
type StatusSource interface {
	Stats() broadcast.Stats
}

// EventStatusSource reports store introspection values
type EventStatusSource interface {
	Status(ctx context.Context, since int64) (*events.Status, error)
}

// SessionCounter reports the number of live budget sessions
type SessionCounter interface {
	Len() int
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	db     *sql.DB
	checks map[string]HealthCheck
	logger *zap.Logger

	environment string
	store       string
	hub         StatusSource
	events      EventStatusSource
	sessions    SessionCounter
}

// NewHealthHandler creates a new HealthHandler. db may be nil when the memory store is used.
func NewHealthHandler(db *sql.DB, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:     db,
		checks: make(map[string]HealthCheck),
		logger: logger,
	}
}

// WithCheck registers an extra readiness probe, e.g. the Redis revocation store
func (h *HealthHandler) WithCheck(name string, check HealthCheck) *HealthHandler {
	h.checks[name] = check
	return h
}

// WithStatus wires the sources shown on the status endpoint
func (h *HealthHandler) WithStatus(environment, store string, hub StatusSource, ev EventStatusSource, sessions SessionCounter) *HealthHandler {
	h.environment = environment
	h.store = store
	h.hub = hub
	h.events = ev
	h.sessions = sessions
	return h
}

// HandleHealth handles GET /healthz
// Basic health check - always returns 200 if service is running
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleReadiness handles GET /readyz
// Readiness check - validates that all dependencies are available
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if err := h.checkDatabase(ctx); err != nil {
		h.logger.Warn("database health check failed", zap.Error(err))
		checks["database"] = "unhealthy"
		allHealthy = false
	} else {
		checks["database"] = "healthy"
	}

	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("dependency health check failed", zap.String("check", name), zap.Error(err))
			checks[name] = "unhealthy"
			allHealthy = false
			continue
		}
		checks[name] = "healthy"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}

	if err := utils.WriteJSON(w, httpStatus, response); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

// HandleStatus handles GET /api/v1/status
func (h *HealthHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	response := StatusResponse{
		Version:     Version,
		Environment: h.environment,
		Store:       h.store,
	}
	if h.hub != nil {
		response.Stream = h.hub.Stats()
	}
	if h.sessions != nil {
		response.LiveSessions = h.sessions.Len()
	}
	if h.events != nil {
		status, err := h.events.Status(r.Context(), 0)
		if err != nil {
			h.logger.Warn("event status unavailable", zap.Error(err))
		} else {
			response.Events = status
		}
	}

	_ = utils.WriteOK(w, response)
}

// checkDatabase checks database connectivity
func (h *HealthHandler) checkDatabase(ctx context.Context) error {
	if h.db == nil {
		return nil
	}

	if err := h.db.PingContext(ctx); err != nil {
		return err
	}

	var result int
	if err := h.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return err
	}

	return nil
}
