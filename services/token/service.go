// Package token issues, validates and revokes signed session tokens.
//
// A token is valid while its HS256 signature verifies, it has not expired
// (within the configured leeway), its jti has no revocation entry and, when an
// account store is configured, its account still exists and is not disabled.
// Any failure to consult either store is treated as revoked.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/agent-telemetry/models"
	"github.com/upb/agent-telemetry/repositories"
	"github.com/upb/agent-telemetry/services"
)

const (
	// MinSecretLength is the shortest accepted signing secret
	MinSecretLength = 32
	// MaxLeeway bounds the clock skew tolerance
	MaxLeeway = time.Minute

	DefaultTTL    = 24 * time.Hour
	DefaultLeeway = 30 * time.Second
	DefaultIssuer = "agent-telemetry"
)

// RevocationStore persists revoked token ids
type RevocationStore interface {
	Revoke(ctx context.Context, entry *models.RevocationEntry) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// AccountStore looks up the account a token was issued to
type AccountStore interface {
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}

// Claims is the identity carried by a validated token
type Claims struct {
	Email     string
	Role      models.UserRole
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// IsAdmin reports whether the token grants the admin role
func (c *Claims) IsAdmin() bool {
	return c.Role == models.RoleAdmin
}

// IssuedToken is returned by Issue
type IssuedToken struct {
	Token     string    `json:"token"`
	JTI       string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Service implements token issuance and validation
type Service struct {
	secret      []byte
	revocations RevocationStore
	accounts    AccountStore
	logger      *zap.Logger
	ttl         time.Duration
	leeway      time.Duration
	issuer      string
	now         func() time.Time
	parser      *jwt.Parser
}

// Option configures a Service
type Option func(*Service)

// WithTTL sets the token lifetime
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// WithLeeway sets the accepted clock skew on exp and iat
func WithLeeway(leeway time.Duration) Option {
	return func(s *Service) { s.leeway = leeway }
}

// WithIssuer sets the iss claim written and required
func WithIssuer(issuer string) Option {
	return func(s *Service) { s.issuer = issuer }
}

// WithAccounts makes tokens of disabled or deleted accounts inactive
func WithAccounts(accounts AccountStore) Option {
	return func(s *Service) { s.accounts = accounts }
}

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a token service
func NewService(secret []byte, revocations RevocationStore, logger *zap.Logger, opts ...Option) (*Service, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d bytes", MinSecretLength)
	}
	if revocations == nil {
		return nil, errors.New("revocation store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		secret:      secret,
		revocations: revocations,
		logger:      logger,
		ttl:         DefaultTTL,
		leeway:      DefaultLeeway,
		issuer:      DefaultIssuer,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.ttl <= 0 {
		return nil, fmt.Errorf("token TTL must be positive")
	}
	if s.leeway < 0 || s.leeway > MaxLeeway {
		return nil, fmt.Errorf("token leeway must be between 0 and %s", MaxLeeway)
	}

	s.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(s.leeway),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	return s, nil
}

// TTL returns the configured token lifetime
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Retention is how long a revocation entry must be kept to cover every token it can match
func (s *Service) Retention() time.Duration {
	return s.ttl + s.leeway
}

// Issue signs a new token for the user
func (s *Service) Issue(user *models.User) (*IssuedToken, error) {
	if user == nil || user.Email == "" {
		return nil, services.ErrInvalidInput
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return nil, services.WrapInternal("failed to generate token id", err)
	}

	now := s.now()
	issuedAt := jwt.NewNumericDate(now)
	expiresAt := jwt.NewNumericDate(now.Add(s.ttl))

	claims := tokenClaims{
		Role: string(user.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Email,
			Issuer:    s.issuer,
			ID:        id.String(),
			IssuedAt:  issuedAt,
			ExpiresAt: expiresAt,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, services.WrapInternal("failed to sign token", err)
	}

	return &IssuedToken{
		Token:     signed,
		JTI:       claims.ID,
		ExpiresAt: expiresAt.Time,
	}, nil
}

// Validate verifies signature and expiry, then consults the revocation store
func (s *Service) Validate(ctx context.Context, raw string) (*Claims, error) {
	if raw == "" {
		return nil, services.ErrMissingToken
	}

	var parsed tokenClaims
	if _, err := s.parser.ParseWithClaims(raw, &parsed, s.keyFunc); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, services.NewCodedError(services.ErrorTypeUnauthorized, services.CodeTokenExpired, "authentication token expired", err)
		}
		return nil, services.NewCodedError(services.ErrorTypeUnauthorized, services.CodeMalformedToken, "malformed authentication token", err)
	}

	claims, err := toClaims(&parsed)
	if err != nil {
		return nil, services.NewCodedError(services.ErrorTypeUnauthorized, services.CodeMalformedToken, "malformed authentication token", err)
	}

	if err := s.CheckActive(ctx, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// CheckActive reports ErrTokenRevoked when the claims' jti was revoked, the account
// was disabled or a store cannot answer, and ErrTokenExpired once exp plus leeway has passed.
func (s *Service) CheckActive(ctx context.Context, claims *Claims) error {
	if !s.now().Before(claims.ExpiresAt.Add(s.leeway)) {
		return services.ErrTokenExpired
	}

	revoked, err := s.revocations.IsRevoked(ctx, claims.JTI)
	if err != nil {
		s.logger.Error("revocation lookup failed, rejecting token",
			zap.String("jti", claims.JTI),
			zap.Error(err),
		)
		return services.NewCodedError(services.ErrorTypeUnauthorized, services.CodeTokenRevoked, "authentication token revoked", err)
	}
	if revoked {
		return services.ErrTokenRevoked
	}
	return s.checkAccount(ctx, claims)
}

func (s *Service) checkAccount(ctx context.Context, claims *Claims) error {
	if s.accounts == nil {
		return nil
	}

	user, err := s.accounts.GetByEmail(ctx, claims.Email)
	if errors.Is(err, repositories.ErrNotFound) {
		return services.ErrAccountDisabled
	}
	if err != nil {
		s.logger.Error("account lookup failed, rejecting token",
			zap.String("jti", claims.JTI),
			zap.Error(err),
		)
		return services.NewCodedError(services.ErrorTypeUnauthorized, services.CodeTokenRevoked, "authentication token revoked", err)
	}
	if user.IsDisabled() {
		return services.ErrAccountDisabled
	}
	return nil
}

// Revoke invalidates a token id. Revoking twice is not an error.
func (s *Service) Revoke(ctx context.Context, jti string) error {
	if jti == "" {
		return services.ErrInvalidInput
	}

	entry := &models.RevocationEntry{JTI: jti, RevokedAt: s.now().UTC()}
	if err := s.revocations.Revoke(ctx, entry); err != nil {
		return services.WrapStore("failed to revoke token", err)
	}

	s.logger.Info("token revoked", zap.String("jti", jti))
	return nil
}

func (s *Service) keyFunc(t *jwt.Token) (interface{}, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
	}
	return s.secret, nil
}

func toClaims(c *tokenClaims) (*Claims, error) {
	if c.Subject == "" {
		return nil, errors.New("missing sub claim")
	}
	if c.ID == "" {
		return nil, errors.New("missing jti claim")
	}
	role, err := models.ParseUserRole(c.Role)
	if err != nil {
		return nil, err
	}

	claims := &Claims{
		Email:     c.Subject,
		Role:      role,
		JTI:       c.ID,
		ExpiresAt: c.ExpiresAt.Time,
	}
	if c.IssuedAt != nil {
		claims.IssuedAt = c.IssuedAt.Time
	}
	return claims, nil
}
