package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/upb/agent-telemetry/middleware"
	"github.com/upb/agent-telemetry/services/budget"
	"github.com/upb/agent-telemetry/utils"
)

// BudgetTracker is the part of the budget tracker the HTTP layer uses
type BudgetTracker interface {
	Start(ctx context.Context, req budget.StartRequest) (*budget.Session, error)
	Lookup(id, viewerEmail string, admin bool) (*budget.Session, error)
	Require(id string) error
	End(ctx context.Context, id string) (budget.CostSummary, error)
	List(owner string) []budget.CostSummary
}

// SessionHandler exposes budget sessions
type SessionHandler struct {
	tracker BudgetTracker
	logger  *zap.Logger
}

// NewSessionHandler creates a new SessionHandler
func NewSessionHandler(tracker BudgetTracker, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		tracker: tracker,
		logger:  logger,
	}
}

// HandleStart handles POST /api/v1/sessions
func (h *SessionHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required", nil)
		return
	}

	var req budget.StartRequest
	if err := utils.DecodeJSON(r, &req); err != nil && !errors.Is(err, utils.ErrEmptyBody) {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	req.OwnerEmail = claims.Email

	session, err := h.tracker.Start(r.Context(), req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteCreated(w, session.Summary())
}

// HandleList handles GET /api/v1/sessions. Admins may pass scope=all.
func (h *SessionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required", nil)
		return
	}

	owner := claims.Email
	if r.URL.Query().Get("scope") == scopeAll {
		if !claims.IsAdmin() {
			_ = utils.WriteForbidden(w, "Insufficient permissions")
			return
		}
		owner = ""
	}

	_ = utils.WriteOK(w, h.tracker.List(owner))
}

// HandleGet handles GET /api/v1/sessions/{id}
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}
	_ = utils.WriteOK(w, session.Summary())
}

// HandleUsage handles POST /api/v1/sessions/{id}/usage
func (h *SessionHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var usage budget.Usage
	if err := utils.DecodeJSON(r, &usage); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(&usage); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	summary, err := session.Process(usage)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, summary)
}

// HandleCheck handles POST /api/v1/sessions/{id}/check. 204 means further work may proceed.
func (h *SessionHandler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := h.tracker.Require(session.ID()); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	utils.WriteNoContent(w)
}

// HandleEnd handles DELETE /api/v1/sessions/{id}
func (h *SessionHandler) HandleEnd(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}

	summary, err := h.tracker.End(r.Context(), session.ID())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, summary)
}

// lookup resolves the {id} path parameter to a session the caller may access
func (h *SessionHandler) lookup(w http.ResponseWriter, r *http.Request) (*budget.Session, bool) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required", nil)
		return nil, false
	}

	session, err := h.tracker.Lookup(chi.URLParam(r, "id"), claims.Email, claims.IsAdmin())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return nil, false
	}
	return session, true
}
