package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/upb/agent-telemetry/config"
	"github.com/upb/agent-telemetry/models"
	"github.com/upb/agent-telemetry/services/password"
)

func TestNewDependencies(t *testing.T) {
	t.Run("memory backend with bootstrap admin", func(t *testing.T) {
		ctx := context.Background()
		cfg := testConfig()
		cfg.Auth.BootstrapAdmin = "Root@Example.com:correct-horse"

		deps, err := NewDependencies(ctx, cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		require.NotNil(t, deps)

		// Verify infrastructure
		assert.Nil(t, deps.DB)
		assert.Nil(t, deps.SQLDB())
		assert.Nil(t, deps.Redis)
		assert.NotNil(t, deps.Metrics)

		// Verify services
		assert.NotNil(t, deps.Tokens)
		assert.NotNil(t, deps.Auth)
		assert.NotNil(t, deps.Events)
		assert.NotNil(t, deps.Tracker)
		assert.NotNil(t, deps.Hub)
		assert.NotNil(t, deps.AuthMiddleware)
		assert.NotNil(t, deps.LoginLimiter)
		assert.Empty(t, deps.Readiness())

		user, err := deps.Repos.Users.GetByEmail(ctx, "root@example.com")
		require.NoError(t, err)
		assert.Equal(t, models.RoleAdmin, user.Role)

		issued, _, err := deps.Auth.Login(ctx, "root@example.com", "correct-horse")
		require.NoError(t, err)
		_, err = deps.Tokens.Validate(ctx, issued.Token)
		assert.NoError(t, err)

		assert.NoError(t, deps.Close(ctx))
	})

	t.Run("bootstrap is idempotent", func(t *testing.T) {
		ctx := context.Background()
		cfg := testConfig()
		cfg.Auth.BootstrapAdmin = "root@example.com:correct-horse"

		deps, err := NewDependencies(ctx, cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		require.NoError(t, deps.bootstrapAdmin(ctx, cfg.Auth.BootstrapAdmin))

		users, err := deps.Auth.Users(ctx)
		require.NoError(t, err)
		assert.Len(t, users, 1)
	})

	t.Run("malformed bootstrap admin", func(t *testing.T) {
		cfg := testConfig()
		cfg.Auth.BootstrapAdmin = "root@example.com"

		deps, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		assert.Error(t, err)
		assert.Nil(t, deps)
		assert.Contains(t, err.Error(), "BOOTSTRAP_ADMIN")
	})

	t.Run("unknown storage backend", func(t *testing.T) {
		cfg := testConfig()
		cfg.Storage.Backend = "cassandra"

		deps, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		assert.Error(t, err)
		assert.Nil(t, deps)
		assert.Contains(t, err.Error(), "failed to initialize storage")
	})

	t.Run("short secret is rejected", func(t *testing.T) {
		cfg := testConfig()
		cfg.Auth.JWTSecret = "too-short"

		_, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to initialize services")
	})

	t.Run("empty secret generates a random one", func(t *testing.T) {
		cfg := testConfig()
		cfg.Auth.JWTSecret = ""

		deps, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		assert.NotNil(t, deps.Tokens)
	})
}

func TestNewDependencies_RedisRevocations(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	cfg := testConfig()
	cfg.Storage.Revocations = config.RevocationRedis
	cfg.Redis.Addr = mr.Addr()
	cfg.Auth.BootstrapAdmin = "root@example.com:correct-horse"

	deps, err := NewDependencies(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, deps.Redis)

	checks := deps.Readiness()
	require.Contains(t, checks, "redis")
	assert.NoError(t, checks["redis"](ctx))

	issued, _, err := deps.Auth.Login(ctx, "root@example.com", "correct-horse")
	require.NoError(t, err)
	claims, err := deps.Tokens.Validate(ctx, issued.Token)
	require.NoError(t, err)
	require.NoError(t, deps.Auth.Logout(ctx, claims))

	assert.True(t, mr.Exists("revoked:"+claims.JTI))

	assert.NoError(t, deps.Close(ctx))
}

func TestNewDependencies_RedisUnavailable(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Revocations = config.RevocationRedis
	cfg.Redis.Addr = "127.0.0.1:1"

	deps, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
	assert.Nil(t, deps)
	assert.Contains(t, err.Error(), "failed to initialize revocation store")
}

func TestDependenciesClose(t *testing.T) {
	ctx := context.Background()
	deps, err := NewDependencies(ctx, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.NoError(t, deps.Close(ctx))
	// Second close should not panic
	assert.NotPanics(t, func() { _ = deps.Close(ctx) })
}

// Test helpers

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			Host:            "localhost",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: config.StorageConfig{
			Backend:     config.StorageMemory,
			Revocations: config.RevocationStorage,
		},
		Auth: config.AuthConfig{
			JWTSecret:       "test-secret-that-is-at-least-32-bytes",
			Issuer:          "agent-telemetry",
			TokenTTL:        time.Hour,
			Leeway:          time.Second,
			BcryptCost:      password.MinCost,
			LoginRatePerSec: 10,
			LoginBurst:      10,
		},
		Stream: config.StreamConfig{
			PollInterval:        50 * time.Millisecond,
			QueueSize:           16,
			BatchLimit:          100,
			InitialSnapshotSize: 10,
			WriteTimeout:        time.Second,
			PingInterval:        time.Second,
		},
		Budget: config.BudgetConfig{
			WarningThreshold:   0.6,
			CriticalThreshold:  0.8,
			SaturatedThreshold: 1.0,
			DefaultLimitUSD:    1,
		},
		Observability: config.ObservabilityConfig{
			LogLevel:  "debug",
			LogFormat: "json",
		},
	}
}
