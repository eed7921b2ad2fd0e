// Package auth implements login, logout and user account management on top of
// the password hasher and the token service.
package auth

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/upb/agent-telemetry/internal/observability"
	"github.com/upb/agent-telemetry/models"
	"github.com/upb/agent-telemetry/repositories"
	"github.com/upb/agent-telemetry/services"
	"github.com/upb/agent-telemetry/services/password"
	"github.com/upb/agent-telemetry/services/token"
	"github.com/upb/agent-telemetry/utils"
)

// Login outcomes recorded in metrics
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeDisabled = "disabled"
	OutcomeError    = "error"
)

// TokenIssuer is the part of the token service used here
type TokenIssuer interface {
	Issue(user *models.User) (*token.IssuedToken, error)
	Revoke(ctx context.Context, jti string) error
}

// Service handles credentials and accounts
type Service struct {
	users   repositories.UserRepository
	hasher  *password.Hasher
	tokens  TokenIssuer
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewService creates an auth service. metrics may be nil.
func NewService(users repositories.UserRepository, hasher *password.Hasher, tokens TokenIssuer, logger *zap.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		users:   users,
		hasher:  hasher,
		tokens:  tokens,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Login checks credentials and issues a token. Unknown emails, wrong passwords and
// disabled accounts all return ErrInvalidCredentials after the same bcrypt work.
func (s *Service) Login(ctx context.Context, email, plain string) (*token.IssuedToken, *models.User, error) {
	email = models.NormalizeEmail(email)

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			s.hasher.VerifyDummy(plain)
			s.recordLogin(OutcomeFailure)
			return nil, nil, services.ErrInvalidCredentials
		}
		s.recordLogin(OutcomeError)
		return nil, nil, services.WrapStore("failed to load user", err)
	}

	if !s.hasher.Verify(plain, user.PasswordHash) {
		s.recordLogin(OutcomeFailure)
		s.logger.Info("login rejected", zap.String("email", email))
		return nil, nil, services.ErrInvalidCredentials
	}
	if user.IsDisabled() {
		s.recordLogin(OutcomeDisabled)
		s.logger.Info("login rejected for disabled user", zap.String("email", email))
		return nil, nil, services.ErrInvalidCredentials
	}

	issued, err := s.tokens.Issue(user)
	if err != nil {
		s.recordLogin(OutcomeError)
		return nil, nil, err
	}

	s.recordLogin(OutcomeSuccess)
	s.logger.Info("login succeeded",
		zap.String("email", email),
		zap.String("jti", issued.JTI),
		zap.Time("expires_at", issued.ExpiresAt),
	)
	return issued, user, nil
}

// Logout revokes the presented token
func (s *Service) Logout(ctx context.Context, claims *token.Claims) error {
	if claims == nil {
		return services.ErrUnauthorized
	}
	return s.tokens.Revoke(ctx, claims.JTI)
}

// Register creates a user with a hashed password
func (s *Service) Register(ctx context.Context, email, plain string, role models.UserRole) (*models.User, error) {
	email = models.NormalizeEmail(email)
	if err := utils.ValidateEmail(email); err != nil {
		return nil, services.ErrInvalidEmail
	}
	if _, err := models.ParseUserRole(string(role)); err != nil {
		return nil, services.ErrInvalidRole
	}

	digest, err := s.hasher.Hash(plain)
	if err != nil {
		return nil, err
	}

	user := models.NewUser(email, digest, role)
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			return nil, services.ErrDuplicateEmail
		}
		return nil, services.WrapStore("failed to create user", err)
	}

	s.logger.Info("user registered", zap.String("email", email), zap.String("role", string(role)))
	return user, nil
}

// ChangePassword replaces a user's password digest
func (s *Service) ChangePassword(ctx context.Context, email, plain string) error {
	digest, err := s.hasher.Hash(plain)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, models.NormalizeEmail(email), digest); err != nil {
		return mapUserError(err, "failed to update password")
	}
	return nil
}

// Disable soft-disables a user. Token services built WithAccounts stop accepting the
// user's outstanding tokens, and open streams are dropped on the next poll.
func (s *Service) Disable(ctx context.Context, email string) error {
	if err := s.users.Disable(ctx, models.NormalizeEmail(email), s.now().UTC()); err != nil {
		return mapUserError(err, "failed to disable user")
	}
	s.logger.Info("user disabled", zap.String("email", email))
	return nil
}

// EnsureUser creates the user when absent. It is used to bootstrap the first admin.
func (s *Service) EnsureUser(ctx context.Context, email, plain string, role models.UserRole) (bool, error) {
	_, err := s.users.GetByEmail(ctx, models.NormalizeEmail(email))
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return false, services.WrapStore("failed to load user", err)
	}
	if _, err := s.Register(ctx, email, plain, role); err != nil {
		if errors.Is(err, services.ErrDuplicateEmail) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Users lists every account
func (s *Service) Users(ctx context.Context) ([]*models.User, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, services.WrapStore("failed to list users", err)
	}
	return users, nil
}

func (s *Service) recordLogin(outcome string) {
	if s.metrics != nil {
		s.metrics.LoginAttempts.WithLabelValues(outcome).Inc()
	}
}

func mapUserError(err error, message string) error {
	if errors.Is(err, repositories.ErrNotFound) {
		return services.ErrUserNotFound
	}
	return services.WrapStore(message, err)
}
