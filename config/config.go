package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// StorageBackend selects where users, events and summaries live
type StorageBackend string

const (
	StorageMemory   StorageBackend = "memory"
	StoragePostgres StorageBackend = "postgres"
)

// RevocationBackend selects where revoked token ids are kept
type RevocationBackend string

const (
	// RevocationStorage keeps revocations next to the other data
	RevocationStorage RevocationBackend = "storage"
	RevocationRedis   RevocationBackend = "redis"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Storage       StorageConfig
	Auth          AuthConfig
	Stream        StreamConfig
	Budget        BudgetConfig
	Redis         RedisConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// StorageConfig selects persistence backends
type StorageConfig struct {
	Backend     StorageBackend
	Revocations RevocationBackend
	InitSchema  bool
}

// AuthConfig holds token and password settings
type AuthConfig struct {
	JWTSecret       string
	Issuer          string
	TokenTTL        time.Duration
	Leeway          time.Duration
	BcryptCost      int
	LoginRatePerSec float64
	LoginBurst      int
	BootstrapAdmin  string // email:password, created on start when absent
}

// StreamConfig holds broadcast hub settings
type StreamConfig struct {
	PollInterval        time.Duration
	QueueSize           int
	BatchLimit          int
	InitialSnapshotSize int
	WriteTimeout        time.Duration
	PingInterval        time.Duration
}

// BudgetConfig holds spend limit settings
type BudgetConfig struct {
	WarningThreshold   float64
	CriticalThreshold  float64
	SaturatedThreshold float64
	DefaultLimitUSD    float64
	ProfilesFile       string
	Profiles           map[string]BudgetProfile
}

// RedisConfig holds the optional Redis connection used for revocations
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TLS      bool
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or text
	MetricsEnabled bool
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			RequestTimeout:  getEnvAsDuration("SERVER_REQUEST_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvAsList("ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Database: loadDatabaseConfig(),
		Storage: StorageConfig{
			Backend:     StorageBackend(strings.ToLower(getEnv("STORAGE_BACKEND", string(StoragePostgres)))),
			Revocations: RevocationBackend(strings.ToLower(getEnv("REVOCATION_BACKEND", string(RevocationStorage)))),
			InitSchema:  getEnvAsBool("DB_INIT_SCHEMA", true),
		},
		Auth: AuthConfig{
			JWTSecret:       getEnv("JWT_SECRET", ""),
			Issuer:          getEnv("JWT_ISSUER", "agent-telemetry"),
			TokenTTL:        getEnvAsDuration("TOKEN_TTL", 24*time.Hour),
			Leeway:          getEnvAsDuration("TOKEN_LEEWAY", 30*time.Second),
			BcryptCost:      getEnvAsInt("BCRYPT_COST", 12),
			LoginRatePerSec: getEnvAsFloat("LOGIN_RATE_PER_SEC", 1),
			LoginBurst:      getEnvAsInt("LOGIN_BURST", 5),
			BootstrapAdmin:  getEnv("BOOTSTRAP_ADMIN", ""),
		},
		Stream: StreamConfig{
			PollInterval:        getEnvAsDuration("STREAM_POLL_INTERVAL", time.Second),
			QueueSize:           getEnvAsInt("STREAM_QUEUE_SIZE", 256),
			BatchLimit:          getEnvAsInt("STREAM_BATCH_LIMIT", 500),
			InitialSnapshotSize: getEnvAsInt("STREAM_SNAPSHOT_SIZE", 50),
			WriteTimeout:        getEnvAsDuration("STREAM_WRITE_TIMEOUT", 10*time.Second),
			PingInterval:        getEnvAsDuration("STREAM_PING_INTERVAL", 30*time.Second),
		},
		Budget: BudgetConfig{
			WarningThreshold:   getEnvAsFloat("BUDGET_WARNING_THRESHOLD", 0.6),
			CriticalThreshold:  getEnvAsFloat("BUDGET_CRITICAL_THRESHOLD", 0.8),
			SaturatedThreshold: getEnvAsFloat("BUDGET_SATURATED_THRESHOLD", 1.0),
			DefaultLimitUSD:    getEnvAsFloat("BUDGET_DEFAULT_LIMIT_USD", 5.0),
			ProfilesFile:       getEnv("BUDGET_PROFILES_FILE", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			TLS:      getEnvAsBool("REDIS_TLS", false),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	if cfg.Budget.ProfilesFile != "" {
		profiles, err := LoadBudgetProfiles(cfg.Budget.ProfilesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load budget profiles: %w", err)
		}
		cfg.Budget.Profiles = profiles
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// MinSecretLength is the shortest JWT signing secret accepted
const MinSecretLength = 32

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case StorageMemory:
	case StoragePostgres:
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Storage.Revocations {
	case RevocationStorage:
	case RevocationRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for redis revocations")
		}
	default:
		return fmt.Errorf("unknown revocation backend %q", c.Storage.Revocations)
	}

	if c.IsProduction() {
		if len(c.Auth.JWTSecret) < MinSecretLength {
			return fmt.Errorf("JWT secret of at least %d bytes is required in production", MinSecretLength)
		}
		if c.Storage.Backend == StorageMemory {
			return fmt.Errorf("memory storage is not allowed in production")
		}
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < MinSecretLength {
		return fmt.Errorf("JWT secret must be at least %d bytes", MinSecretLength)
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("token TTL must be positive")
	}
	if c.Auth.Leeway < 0 || c.Auth.Leeway > time.Minute {
		return fmt.Errorf("token leeway must be between 0 and 60s")
	}
	if c.Auth.BcryptCost < 12 {
		return fmt.Errorf("bcrypt cost must be at least 12")
	}

	if err := c.Budget.Validate(); err != nil {
		return err
	}

	if c.Stream.PollInterval <= 0 {
		return fmt.Errorf("stream poll interval must be positive")
	}
	if c.Stream.QueueSize <= 0 {
		return fmt.Errorf("stream queue size must be positive")
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// Validate checks that thresholds are strictly increasing and limits positive
func (b *BudgetConfig) Validate() error {
	if !(b.WarningThreshold > 0 && b.WarningThreshold < b.CriticalThreshold && b.CriticalThreshold <= b.SaturatedThreshold) {
		return fmt.Errorf("budget thresholds must satisfy 0 < warning < critical <= saturated (got %.2f, %.2f, %.2f)",
			b.WarningThreshold, b.CriticalThreshold, b.SaturatedThreshold)
	}
	if b.DefaultLimitUSD <= 0 {
		return fmt.Errorf("default budget limit must be positive")
	}
	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "dev"),
		Password:        getEnv("DB_PASSWORD", "telemetry_password"),
		Database:        getEnv("DB_NAME", "telemetry"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
