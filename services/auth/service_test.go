package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/upb/agent-telemetry/internal/observability"
	"github.com/upb/agent-telemetry/models"
	"github.com/upb/agent-telemetry/repositories/memory"
	"github.com/upb/agent-telemetry/services"
	"github.com/upb/agent-telemetry/services/password"
	"github.com/upb/agent-telemetry/services/token"
)

type fixture struct {
	svc    *Service
	tokens *token.Service
	users  *memory.UserStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hasher, err := password.NewHasher(password.MinCost)
	require.NoError(t, err)
	tokens, err := token.NewService([]byte("0123456789abcdef0123456789abcdef"), memory.NewRevocationStore(), zaptest.NewLogger(t))
	require.NoError(t, err)
	users := memory.NewUserStore()
	svc := NewService(users, hasher, tokens, zaptest.NewLogger(t), observability.NewMetrics())
	return &fixture{svc: svc, tokens: tokens, users: users}
}

func TestService_LoginMeLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Register(ctx, "a@x.com", "secret123", models.RoleStandard)
	require.NoError(t, err)

	issued, user, err := f.svc.Login(ctx, "A@x.com", "secret123")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", user.Email)

	claims, err := f.tokens.Validate(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", claims.Email)
	assert.Equal(t, models.RoleStandard, claims.Role)

	require.NoError(t, f.svc.Logout(ctx, claims))
	_, err = f.tokens.Validate(ctx, issued.Token)
	assert.ErrorIs(t, err, services.ErrTokenRevoked)
}

func TestService_LoginFailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Register(ctx, "a@x.com", "secret123", models.RoleStandard)
	require.NoError(t, err)
	_, err = f.svc.Register(ctx, "gone@x.com", "secret123", models.RoleStandard)
	require.NoError(t, err)
	require.NoError(t, f.svc.Disable(ctx, "gone@x.com"))

	cases := []struct{ email, password string }{
		{"a@x.com", "wrong"},
		{"nobody@x.com", "secret123"},
		{"gone@x.com", "secret123"},
	}
	var messages []string
	for _, c := range cases {
		_, _, err := f.svc.Login(ctx, c.email, c.password)
		require.Error(t, err)
		assert.ErrorIs(t, err, services.ErrInvalidCredentials)
		messages = append(messages, err.Error())
	}
	assert.Equal(t, messages[0], messages[1])
	assert.Equal(t, messages[0], messages[2])
}

func TestService_Register(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, err := f.svc.Register(ctx, " Admin@X.com ", "hunter22", models.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, "admin@x.com", user.Email)
	assert.NotEqual(t, "hunter22", user.PasswordHash)

	_, err = f.svc.Register(ctx, "admin@x.com", "other", models.RoleStandard)
	assert.ErrorIs(t, err, services.ErrDuplicateEmail)

	_, err = f.svc.Register(ctx, "not-an-email", "pw", models.RoleStandard)
	assert.ErrorIs(t, err, services.ErrInvalidEmail)

	_, err = f.svc.Register(ctx, "b@x.com", "pw", "owner")
	assert.ErrorIs(t, err, services.ErrInvalidRole)

	_, err = f.svc.Register(ctx, "b@x.com", "", models.RoleStandard)
	assert.ErrorIs(t, err, services.ErrEmptyPassword)

	users, err := f.svc.Users(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestService_ChangePassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Register(ctx, "a@x.com", "old-password", models.RoleStandard)
	require.NoError(t, err)
	require.NoError(t, f.svc.ChangePassword(ctx, "a@x.com", "new-password"))

	_, _, err = f.svc.Login(ctx, "a@x.com", "old-password")
	assert.ErrorIs(t, err, services.ErrInvalidCredentials)
	_, _, err = f.svc.Login(ctx, "a@x.com", "new-password")
	assert.NoError(t, err)

	assert.ErrorIs(t, f.svc.ChangePassword(ctx, "nobody@x.com", "pw"), services.ErrUserNotFound)
	assert.ErrorIs(t, f.svc.Disable(ctx, "nobody@x.com"), services.ErrUserNotFound)
}

func TestService_EnsureUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.EnsureUser(ctx, "root@x.com", "bootstrap-pw", models.RoleAdmin)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = f.svc.EnsureUser(ctx, "root@x.com", "different", models.RoleAdmin)
	require.NoError(t, err)
	assert.False(t, created)

	_, _, err = f.svc.Login(ctx, "root@x.com", "bootstrap-pw")
	assert.NoError(t, err)
}

func TestService_LogoutWithoutClaims(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.svc.Logout(context.Background(), nil), services.ErrUnauthorized)
}
