package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/upb/agent-telemetry/config"
	"github.com/upb/agent-telemetry/internal/observability"
	"github.com/upb/agent-telemetry/middleware"
	"github.com/upb/agent-telemetry/models"
	"github.com/upb/agent-telemetry/repositories"
	"github.com/upb/agent-telemetry/repositories/memory"
	"github.com/upb/agent-telemetry/repositories/postgres"
	"github.com/upb/agent-telemetry/repositories/redisstore"
	"github.com/upb/agent-telemetry/services/auth"
	"github.com/upb/agent-telemetry/services/broadcast"
	"github.com/upb/agent-telemetry/services/budget"
	"github.com/upb/agent-telemetry/services/events"
	"github.com/upb/agent-telemetry/services/password"
	"github.com/upb/agent-telemetry/services/ratelimit"
	"github.com/upb/agent-telemetry/services/token"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	DB      *postgres.DB
	Redis   *redis.Client
	Logger  *zap.Logger
	Metrics *observability.Metrics

	// Repository Factory, nil with the memory backend
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	Repos     *repositories.Repositories
	TxManager repositories.TransactionManager

	// Services
	Hasher  *password.Hasher
	Tokens  *token.Service
	Auth    *auth.Service
	Events  *events.Service
	Tracker *budget.Tracker
	Hub     *broadcast.Hub

	// HTTP
	AuthMiddleware *middleware.AuthMiddleware
	LoginLimiter   *ratelimit.KeyedLimiter
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewMetrics(),
	}

	if err := deps.initStorage(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := deps.initRevocations(ctx, cfg); err != nil {
		deps.closeQuietly()
		return nil, fmt.Errorf("failed to initialize revocation store: %w", err)
	}

	if err := deps.initServices(cfg); err != nil {
		deps.closeQuietly()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := deps.bootstrapAdmin(ctx, cfg.Auth.BootstrapAdmin); err != nil {
		deps.closeQuietly()
		return nil, fmt.Errorf("failed to bootstrap admin: %w", err)
	}

	logger.Info("all dependencies initialized successfully",
		zap.String("storage", string(cfg.Storage.Backend)),
		zap.String("revocations", string(cfg.Storage.Revocations)))
	return deps, nil
}

// initStorage opens the configured backend and builds the repositories
func (d *Dependencies) initStorage(ctx context.Context, cfg *config.Config) error {
	switch cfg.Storage.Backend {
	case config.StorageMemory:
		d.Repos = memory.NewRepositories()
		d.TxManager = memory.NewTransactionManager()
		d.Logger.Warn("using in-memory storage, data is lost on restart")
		return nil

	case config.StoragePostgres:
		factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
		if err != nil {
			return fmt.Errorf("failed to create repository factory: %w", err)
		}
		d.RepoFactory = factory
		d.DB = factory.GetDB()

		if cfg.Storage.InitSchema {
			if err := factory.InitSchema(ctx); err != nil {
				_ = factory.Close()
				return fmt.Errorf("failed to initialize schema: %w", err)
			}
		}

		d.Repos = factory.NewRepositories()
		d.TxManager = factory.GetTransactionManager()
		d.Logger.Info("repositories initialized")
		return nil

	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// initRevocations swaps the revocation repository for Redis when configured
func (d *Dependencies) initRevocations(ctx context.Context, cfg *config.Config) error {
	if cfg.Storage.Revocations != config.RevocationRedis {
		return nil
	}

	client, err := redisstore.NewClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	d.Redis = client
	d.Repos.Revocations = redisstore.NewRevocationStore(client, cfg.Auth.TokenTTL+cfg.Auth.Leeway, d.Logger)
	d.Logger.Info("redis revocation store connected", zap.String("addr", cfg.Redis.Addr))
	return nil
}

func (d *Dependencies) initServices(cfg *config.Config) error {
	hasher, err := password.NewHasher(cfg.Auth.BcryptCost)
	if err != nil {
		return err
	}
	d.Hasher = hasher

	secret := []byte(cfg.Auth.JWTSecret)
	if len(secret) == 0 {
		secret, err = randomSecret()
		if err != nil {
			return err
		}
		d.Logger.Warn("JWT_SECRET not set, using a random secret; tokens will not survive a restart")
	}

	tokens, err := token.NewService(secret, d.Repos.Revocations, d.Logger,
		token.WithTTL(cfg.Auth.TokenTTL),
		token.WithLeeway(cfg.Auth.Leeway),
		token.WithIssuer(cfg.Auth.Issuer),
		token.WithAccounts(d.Repos.Users),
	)
	if err != nil {
		return err
	}
	d.Tokens = tokens
	d.AuthMiddleware = middleware.NewAuthMiddleware(tokens, d.Logger)
	d.Auth = auth.NewService(d.Repos.Users, hasher, tokens, d.Logger, d.Metrics)
	d.LoginLimiter = ratelimit.NewKeyedLimiter(cfg.Auth.LoginRatePerSec, cfg.Auth.LoginBurst)

	d.Hub = broadcast.NewHub(d.Repos.Events, tokens, d.Logger, d.Metrics, broadcast.Config{
		PollInterval: cfg.Stream.PollInterval,
		QueueSize:    cfg.Stream.QueueSize,
		BatchLimit:   cfg.Stream.BatchLimit,
	})
	d.Events = events.NewService(d.Repos.Events, d.Logger,
		events.WithMetrics(d.Metrics),
		events.WithNotify(d.Hub.Wake),
	)

	tracker, err := budget.NewTracker(budget.ConfigFrom(cfg.Budget), d.Repos, d.TxManager, d.Logger,
		budget.WithMetrics(d.Metrics))
	if err != nil {
		return err
	}
	d.Tracker = tracker
	return nil
}

// bootstrapAdmin creates the first admin from an "email:password" pair when absent
func (d *Dependencies) bootstrapAdmin(ctx context.Context, value string) error {
	if value == "" {
		return nil
	}
	email, plain, ok := strings.Cut(value, ":")
	if !ok || email == "" || plain == "" {
		return fmt.Errorf("BOOTSTRAP_ADMIN must be email:password")
	}

	created, err := d.Auth.EnsureUser(ctx, email, plain, models.RoleAdmin)
	if err != nil {
		return err
	}
	if created {
		d.Logger.Info("bootstrap admin created", zap.String("email", models.NormalizeEmail(email)))
	}
	return nil
}

// SQLDB returns the database handle, or nil with the memory backend
func (d *Dependencies) SQLDB() *sql.DB {
	if d.DB == nil {
		return nil
	}
	return d.DB.DB
}

// Readiness returns named probes for the readiness endpoint
func (d *Dependencies) Readiness() map[string]func(ctx context.Context) error {
	checks := make(map[string]func(ctx context.Context) error)
	if d.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return d.Redis.Ping(ctx).Err()
		}
	}
	return checks
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Hub != nil {
		d.Hub.Shutdown()
	}

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}

func (d *Dependencies) closeQuietly() {
	if d.Redis != nil {
		_ = d.Redis.Close()
	}
	if d.RepoFactory != nil {
		_ = d.RepoFactory.Close()
	}
}

func randomSecret() ([]byte, error) {
	buf := make([]byte, token.MinSecretLength)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
	}
	return []byte(hex.EncodeToString(buf)), nil
}
