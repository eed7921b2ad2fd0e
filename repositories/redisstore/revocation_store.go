// Package redisstore keeps token revocations in Redis so every gateway
// replica sees a logout on its next validation.
package redisstore

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/upb/agent-telemetry/config"
	"github.com/upb/agent-telemetry/models"
)

const keyPrefix = "revoked:"

// NewClient connects to Redis and verifies the connection with a ping
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// RevocationStore implements repositories.RevocationRepository on Redis.
// Each entry expires after retention, which must outlive every token it could match.
type RevocationStore struct {
	client    redis.UniversalClient
	retention time.Duration
	logger    *zap.Logger
}

// NewRevocationStore creates a Redis-backed revocation store
func NewRevocationStore(client redis.UniversalClient, retention time.Duration, logger *zap.Logger) *RevocationStore {
	return &RevocationStore{
		client:    client,
		retention: retention,
		logger:    logger,
	}
}

// Revoke records the entry. SETNX keeps the first revocation time.
func (s *RevocationStore) Revoke(ctx context.Context, entry *models.RevocationEntry) error {
	value := strconv.FormatInt(entry.RevokedAt.Unix(), 10)
	created, err := s.client.SetNX(ctx, keyPrefix+entry.JTI, value, s.retention).Result()
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	s.logger.Debug("token revoked", zap.String("jti", entry.JTI), zap.Bool("new", created))
	return nil
}

// IsRevoked reports whether the id was revoked
func (s *RevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.client.Exists(ctx, keyPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return n > 0, nil
}

// HealthCheck pings the server
func (s *RevocationStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
