package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/upb/agent-telemetry/middleware"
	"github.com/upb/agent-telemetry/models"
	"github.com/upb/agent-telemetry/services"
	"github.com/upb/agent-telemetry/services/events"
	"github.com/upb/agent-telemetry/services/token"
	"github.com/upb/agent-telemetry/utils"
)

// scopeAll is the query value that asks for an unfiltered view (admin only)
const scopeAll = "all"

// EventRecorder is the part of the event service the HTTP layer uses
type EventRecorder interface {
	Record(ctx context.Context, e *models.ExecutionEvent) (int64, error)
	List(ctx context.Context, claims *token.Claims, req events.ListRequest) ([]*models.ExecutionEvent, error)
	Status(ctx context.Context, since int64) (*events.Status, error)
}

// AppendEventRequest is the body of POST /api/v1/events
type AppendEventRequest struct {
	Timestamp  *time.Time         `json:"timestamp,omitempty"`
	UserEmail  string             `json:"user_email,omitempty"`
	SessionID  string             `json:"session_id" validate:"required,max=128"`
	AgentName  string             `json:"agent_name" validate:"required,max=128"`
	Phase      string             `json:"phase" validate:"required,max=128"`
	ToolName   *string            `json:"tool_name,omitempty"`
	Status     models.EventStatus `json:"status" validate:"required,oneof=success error"`
	DurationMs int64              `json:"duration_ms" validate:"gte=0"`
	Payload    json.RawMessage    `json:"payload,omitempty"`
}

// AppendEventResponse is returned after a successful append
type AppendEventResponse struct {
	SequenceID int64 `json:"sequence_id"`
}

// EventHandler serves the execution event log
type EventHandler struct {
	events EventRecorder
	logger *zap.Logger
}

// NewEventHandler creates a new EventHandler
func NewEventHandler(events EventRecorder, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		events: events,
		logger: logger,
	}
}

// HandleAppend handles POST /api/v1/events
func (h *EventHandler) HandleAppend(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required", nil)
		return
	}

	var req AppendEventRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	owner := models.NormalizeEmail(req.UserEmail)
	switch {
	case owner == "":
		owner = claims.Email
	case owner != claims.Email && !claims.IsAdmin():
		h.logger.Warn("event append for another user rejected",
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
			zap.String("email", claims.Email),
			zap.String("user_email", owner))
		_ = utils.WriteForbidden(w, "Events may only be recorded for your own account")
		return
	}

	event := &models.ExecutionEvent{
		UserEmail:  owner,
		SessionID:  req.SessionID,
		AgentName:  req.AgentName,
		Phase:      req.Phase,
		ToolName:   req.ToolName,
		Status:     req.Status,
		DurationMs: req.DurationMs,
		Payload:    req.Payload,
	}
	if req.Timestamp != nil {
		event.Timestamp = req.Timestamp.UTC()
	}

	seq, err := h.events.Record(r.Context(), event)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteCreated(w, AppendEventResponse{SequenceID: seq})
}

// HandleList handles GET /api/v1/events?since=&limit=&scope=
func (h *EventHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	since, err := parseInt64Param(query.Get("since"), "since")
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	limit, err := parseInt64Param(query.Get("limit"), "limit")
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	list, err := h.events.List(r.Context(), middleware.GetClaimsFromContext(r.Context()), events.ListRequest{
		Since:      since,
		Limit:      int(limit),
		Unfiltered: query.Get("scope") == scopeAll,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, list)
}

// HandleStatus handles GET /api/v1/events/status?since= (admin only)
func (h *EventHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	since, err := parseInt64Param(r.URL.Query().Get("since"), "since")
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	status, err := h.events.Status(r.Context(), since)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, status)
}

// parseInt64Param parses an optional non-negative integer query parameter
func parseInt64Param(raw, name string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, services.NewDomainError(services.ErrorTypeValidation, "invalid query parameter", nil).
			WithDetail(name, "must be a non-negative integer")
	}
	return v, nil
}
