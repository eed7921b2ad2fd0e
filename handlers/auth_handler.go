package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/upb/agent-telemetry/middleware"
	"github.com/upb/agent-telemetry/models"
	"github.com/upb/agent-telemetry/services/token"
	"github.com/upb/agent-telemetry/utils"
)

// Authenticator is the part of the auth service the HTTP layer uses
type Authenticator interface {
	Login(ctx context.Context, email, plain string) (*token.IssuedToken, *models.User, error)
	Logout(ctx context.Context, claims *token.Claims) error
	Register(ctx context.Context, email, plain string, role models.UserRole) (*models.User, error)
}

// LoginRequest is the body of POST /auth/login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,max=254"`
	Password string `json:"password" validate:"required,max=72"`
}

// MeResponse is the body of GET /auth/me
type MeResponse struct {
	Email     string          `json:"email"`
	Role      models.UserRole `json:"role"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// RegisterRequest is the body of POST /api/v1/users
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=72"`
	Role     string `json:"role" validate:"required,oneof=admin standard"`
}

// AuthHandler handles login, logout and account endpoints
type AuthHandler struct {
	auth   Authenticator
	logger *zap.Logger
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(auth Authenticator, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		auth:   auth,
		logger: logger,
	}
}

// HandleLogin handles POST /auth/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	issued, _, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, issued)
}

// HandleLogout handles POST /auth/logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if err := h.auth.Logout(r.Context(), claims); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("logout",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.String("email", claims.Email),
		zap.String("jti", claims.JTI))
	utils.WriteNoContent(w)
}

// HandleMe handles GET /auth/me
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required", nil)
		return
	}
	_ = utils.WriteOK(w, MeResponse{
		Email:     claims.Email,
		Role:      claims.Role,
		ExpiresAt: claims.ExpiresAt,
	})
}

// HandleRegister handles POST /api/v1/users (admin only)
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	user, err := h.auth.Register(r.Context(), req.Email, req.Password, models.UserRole(req.Role))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("user created by admin",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.String("email", user.Email),
		zap.String("role", string(user.Role)),
		zap.String("created_by", callerEmail(r.Context())))
	_ = utils.WriteCreated(w, user)
}

func callerEmail(ctx context.Context) string {
	if claims := middleware.GetClaimsFromContext(ctx); claims != nil {
		return claims.Email
	}
	return ""
}
