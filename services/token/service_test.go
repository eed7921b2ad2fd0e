package token

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/upb/agent-telemetry/models"
	"github.com/upb/agent-telemetry/repositories/memory"
	"github.com/upb/agent-telemetry/services"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T, opts ...Option) (*Service, *memory.RevocationStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.NewRevocationStore()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	svc, err := NewService(testSecret, store, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return svc, store, clock
}

func TestNewService_Validation(t *testing.T) {
	store := memory.NewRevocationStore()

	_, err := NewService([]byte("short"), store, nil)
	assert.Error(t, err)

	_, err = NewService(testSecret, nil, nil)
	assert.Error(t, err)

	_, err = NewService(testSecret, store, nil, WithLeeway(2*time.Minute))
	assert.Error(t, err)

	_, err = NewService(testSecret, store, nil, WithTTL(0))
	assert.Error(t, err)

	svc, err := NewService(testSecret, store, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultTTL, svc.TTL())
	assert.Equal(t, DefaultTTL+DefaultLeeway, svc.Retention())
}

func TestService_IssueAndValidate(t *testing.T) {
	svc, _, clock := newTestService(t)
	user := models.NewUser("a@x.com", "digest", models.RoleStandard)

	issued, err := svc.Issue(user)
	require.NoError(t, err)
	assert.NotEmpty(t, issued.Token)
	assert.NotEmpty(t, issued.JTI)
	assert.True(t, clock.Now().Add(DefaultTTL).Equal(issued.ExpiresAt))

	claims, err := svc.Validate(context.Background(), issued.Token)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", claims.Email)
	assert.Equal(t, models.RoleStandard, claims.Role)
	assert.Equal(t, issued.JTI, claims.JTI)
	assert.False(t, claims.IsAdmin())
}

func TestService_UniqueJTI(t *testing.T) {
	svc, _, _ := newTestService(t)
	user := models.NewUser("a@x.com", "digest", models.RoleAdmin)

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		issued, err := svc.Issue(user)
		require.NoError(t, err)
		require.False(t, seen[issued.JTI], "duplicate jti %s", issued.JTI)
		seen[issued.JTI] = true
	}
}

func TestService_Expiry(t *testing.T) {
	svc, _, clock := newTestService(t, WithTTL(time.Hour), WithLeeway(30*time.Second))
	issued, err := svc.Issue(models.NewUser("a@x.com", "d", models.RoleStandard))
	require.NoError(t, err)

	clock.Advance(time.Hour + 10*time.Second)
	_, err = svc.Validate(context.Background(), issued.Token)
	assert.NoError(t, err, "inside leeway")

	clock.Advance(time.Minute)
	_, err = svc.Validate(context.Background(), issued.Token)
	assert.ErrorIs(t, err, services.ErrTokenExpired)
	assert.Equal(t, services.CodeTokenExpired, services.GetErrorCode(err))
}

func TestService_RevokeIsPermanent(t *testing.T) {
	svc, store, clock := newTestService(t)
	ctx := context.Background()
	issued, err := svc.Issue(models.NewUser("a@x.com", "d", models.RoleStandard))
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, issued.JTI))
	require.NoError(t, svc.Revoke(ctx, issued.JTI), "revoke is idempotent")
	assert.Equal(t, 1, store.Len())

	for i := 0; i < 3; i++ {
		_, err = svc.Validate(ctx, issued.Token)
		assert.ErrorIs(t, err, services.ErrTokenRevoked)
		clock.Advance(time.Hour)
	}
}

func TestService_RevocationLookupFailsClosed(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	issued, err := svc.Issue(models.NewUser("a@x.com", "d", models.RoleStandard))
	require.NoError(t, err)

	store.Fail(errors.New("connection reset"))
	_, err = svc.Validate(ctx, issued.Token)
	assert.ErrorIs(t, err, services.ErrTokenRevoked)

	store.Fail(nil)
	_, err = svc.Validate(ctx, issued.Token)
	assert.NoError(t, err)
}

func TestService_MalformedTokens(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	user := models.NewUser("a@x.com", "d", models.RoleStandard)

	issued, err := svc.Issue(user)
	require.NoError(t, err)

	other, err := NewService([]byte(strings.Repeat("z", 32)), memory.NewRevocationStore(), nil, WithClock(clock.Now))
	require.NoError(t, err)
	forged, err := other.Issue(user)
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "a@x.com", "role": "admin"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	noJTI := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Role: "standard",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "a@x.com",
			Issuer:    DefaultIssuer,
			IssuedAt:  jwt.NewNumericDate(clock.Now()),
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
		},
	})
	noJTIString, err := noJTI.SignedString(testSecret)
	require.NoError(t, err)

	tests := map[string]string{
		"garbage":      "not.a.token",
		"other secret": forged.Token,
		"alg none":     unsigned,
		"missing jti":  noJTIString,
		"tampered":     issued.Token[:len(issued.Token)-2] + "xx",
	}

	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Validate(ctx, raw)
			assert.ErrorIs(t, err, services.ErrMalformedToken)
			assert.True(t, services.IsUnauthorizedError(err))
		})
	}

	_, err = svc.Validate(ctx, "")
	assert.ErrorIs(t, err, services.ErrMissingToken)
}

func TestService_WrongIssuer(t *testing.T) {
	svc, _, clock := newTestService(t)
	other, err := NewService(testSecret, memory.NewRevocationStore(), nil, WithClock(clock.Now), WithIssuer("someone-else"))
	require.NoError(t, err)

	issued, err := other.Issue(models.NewUser("a@x.com", "d", models.RoleStandard))
	require.NoError(t, err)

	_, err = svc.Validate(context.Background(), issued.Token)
	assert.ErrorIs(t, err, services.ErrMalformedToken)
}

func TestService_CheckActive(t *testing.T) {
	svc, _, clock := newTestService(t, WithTTL(time.Minute), WithLeeway(0))
	ctx := context.Background()
	issued, err := svc.Issue(models.NewUser("a@x.com", "d", models.RoleStandard))
	require.NoError(t, err)

	claims, err := svc.Validate(ctx, issued.Token)
	require.NoError(t, err)
	assert.NoError(t, svc.CheckActive(ctx, claims))

	require.NoError(t, svc.Revoke(ctx, claims.JTI))
	assert.ErrorIs(t, svc.CheckActive(ctx, claims), services.ErrTokenRevoked)

	fresh, err := svc.Issue(models.NewUser("b@x.com", "d", models.RoleStandard))
	require.NoError(t, err)
	freshClaims, err := svc.Validate(ctx, fresh.Token)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	assert.ErrorIs(t, svc.CheckActive(ctx, freshClaims), services.ErrTokenExpired)
}

func TestService_RevokeRejectsEmpty(t *testing.T) {
	svc, _, _ := newTestService(t)
	assert.ErrorIs(t, svc.Revoke(context.Background(), ""), services.ErrInvalidInput)
}

func TestService_RevokeStoreError(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.Fail(errors.New("down"))

	err := svc.Revoke(context.Background(), "jti-1")
	assert.True(t, services.IsStoreError(err))
}

type failingAccounts struct{ err error }

func (f failingAccounts) GetByEmail(context.Context, string) (*models.User, error) {
	return nil, f.err
}

func TestService_DisabledAccount(t *testing.T) {
	users := memory.NewUserStore()
	svc, _, clock := newTestService(t, WithAccounts(users))
	ctx := context.Background()

	user := models.NewUser("a@x.com", "d", models.RoleStandard)
	require.NoError(t, users.Create(ctx, user))
	issued, err := svc.Issue(user)
	require.NoError(t, err)

	claims, err := svc.Validate(ctx, issued.Token)
	require.NoError(t, err)

	require.NoError(t, users.Disable(ctx, "a@x.com", clock.Now()))

	_, err = svc.Validate(ctx, issued.Token)
	assert.ErrorIs(t, err, services.ErrTokenRevoked)
	assert.Equal(t, services.CodeTokenRevoked, services.GetErrorCode(err))
	assert.ErrorIs(t, svc.CheckActive(ctx, claims), services.ErrAccountDisabled)
}

func TestService_UnknownAccount(t *testing.T) {
	svc, _, _ := newTestService(t, WithAccounts(memory.NewUserStore()))

	issued, err := svc.Issue(models.NewUser("ghost@x.com", "d", models.RoleStandard))
	require.NoError(t, err)

	_, err = svc.Validate(context.Background(), issued.Token)
	assert.ErrorIs(t, err, services.ErrAccountDisabled)
}

func TestService_AccountLookupFailsClosed(t *testing.T) {
	svc, _, _ := newTestService(t, WithAccounts(failingAccounts{err: errors.New("connection reset")}))

	issued, err := svc.Issue(models.NewUser("a@x.com", "d", models.RoleStandard))
	require.NoError(t, err)

	_, err = svc.Validate(context.Background(), issued.Token)
	assert.ErrorIs(t, err, services.ErrTokenRevoked)
}
