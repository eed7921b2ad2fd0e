package middleware

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/upb/agent-telemetry/models"
	"github.com/upb/agent-telemetry/services"
	"github.com/upb/agent-telemetry/services/token"
	"github.com/upb/agent-telemetry/utils"
)

// TokenValidator defines the interface for validating bearer tokens
type TokenValidator interface {
	// Validate checks signature, expiry and revocation and returns claims
	Validate(ctx context.Context, raw string) (*token.Claims, error)
}

// AuthMiddleware provides authentication middleware functionality
type AuthMiddleware struct {
	validator TokenValidator
	logger    *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware
func NewAuthMiddleware(validator TokenValidator, logger *zap.Logger) *AuthMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthMiddleware{
		validator: validator,
		logger:    logger,
	}
}

// tokenQueryParam carries the token on websocket upgrades, where browsers
// cannot set an Authorization header.
const tokenQueryParam = "token"

// RequireAuth is a middleware that requires a valid, unrevoked token
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		raw := extractToken(r)
		if raw == "" {
			m.logger.Debug("missing token",
				zap.String("request_id", requestID),
				zap.String("path", r.URL.Path))
			_ = utils.WriteUnauthorized(w, "Missing or invalid authorization",
				map[string]interface{}{"reason": services.CodeMissingToken})
			return
		}

		claims, err := m.validator.Validate(ctx, raw)
		if err != nil {
			reason := services.GetErrorCode(err)
			if reason == "" {
				reason = services.CodeMalformedToken
			}
			m.logger.Warn("token validation failed",
				zap.String("request_id", requestID),
				zap.String("reason", reason),
				zap.Error(err))
			_ = utils.WriteUnauthorized(w, unauthorizedMessage(reason),
				map[string]interface{}{"reason": reason})
			return
		}

		m.logger.Debug("authentication successful",
			zap.String("request_id", requestID),
			zap.String("email", claims.Email),
			zap.String("jti", claims.JTI))

		next.ServeHTTP(w, r.WithContext(WithClaims(ctx, claims)))
	})
}

// RequireRole is a middleware that requires a specific role. It must run after RequireAuth.
func (m *AuthMiddleware) RequireRole(role models.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := GetRequestIDFromContext(ctx)

			claims := GetClaimsFromContext(ctx)
			if claims == nil {
				m.logger.Error("claims not found in context",
					zap.String("request_id", requestID))
				_ = utils.WriteUnauthorized(w, "Authentication required", nil)
				return
			}

			if claims.Role != role {
				m.logger.Warn("insufficient permissions",
					zap.String("request_id", requestID),
					zap.String("required_role", string(role)),
					zap.String("role", string(claims.Role)),
					zap.String("email", claims.Email))
				_ = utils.WriteForbidden(w, "Insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func unauthorizedMessage(reason string) string {
	switch reason {
	case services.CodeTokenExpired:
		return "Token expired"
	case services.CodeTokenRevoked:
		return "Token revoked"
	default:
		return "Invalid token"
	}
}

// extractToken reads the Authorization header first, then the token query parameter
func extractToken(r *http.Request) string {
	if raw := extractBearerToken(r); raw != "" {
		return raw
	}
	return strings.TrimSpace(r.URL.Query().Get(tokenQueryParam))
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
