// Package broadcast fans execution events out to live stream connections.
//
// A single poller reads the delta since each connection's last delivered
// sequence id, filters it to the connection's identity and enqueues it
// without blocking. A connection whose queue is full is dropped so one slow
// viewer never stalls the others.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/agent-telemetry/internal/observability"
	"github.com/upb/agent-telemetry/models"
	"github.com/upb/agent-telemetry/repositories"
	"github.com/upb/agent-telemetry/services"
	"github.com/upb/agent-telemetry/services/token"
)

// EventReader is the read side of the execution store the hub needs
type EventReader interface {
	ReadSince(ctx context.Context, after int64, filter repositories.EventFilter) ([]*models.ExecutionEvent, error)
	ReadRecent(ctx context.Context, upTo int64, filter repositories.EventFilter) ([]*models.ExecutionEvent, error)
	LatestSequenceID(ctx context.Context) (int64, error)
}

// ActiveChecker reports whether a connection's token is still usable
type ActiveChecker interface {
	CheckActive(ctx context.Context, claims *token.Claims) error
}

// Config holds hub settings
type Config struct {
	PollInterval time.Duration
	QueueSize    int
	BatchLimit   int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 500
	}
	return c
}

// Stats is a point-in-time view of the hub
type Stats struct {
	Connections int                  `json:"connections"`
	Delivered   int64                `json:"delivered"`
	Ticks       int64                `json:"ticks"`
	Dropped     map[DropReason]int64 `json:"dropped"`
}

// Hub owns the set of open connections
type Hub struct {
	store   EventReader
	checker ActiveChecker
	logger  *zap.Logger
	metrics *observability.Metrics
	cfg     Config

	mu    sync.RWMutex
	conns map[string]*Connection

	wake      chan struct{}
	delivered atomic.Int64
	ticks     atomic.Int64

	dropMu  sync.Mutex
	dropped map[DropReason]int64
}

// NewHub creates a hub. Call Run to start delivery.
func NewHub(store EventReader, checker ActiveChecker, logger *zap.Logger, metrics *observability.Metrics, cfg Config) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		store:   store,
		checker: checker,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg.withDefaults(),
		conns:   make(map[string]*Connection),
		wake:    make(chan struct{}, 1),
		dropped: make(map[DropReason]int64),
	}
}

// Connect registers a viewer starting at the store's latest sequence id.
// Only admins may request the unfiltered stream.
func (h *Hub) Connect(ctx context.Context, claims *token.Claims, unfiltered bool) (*Connection, error) {
	if claims == nil || claims.Email == "" {
		return nil, services.ErrUnauthorized
	}
	if unfiltered && !claims.IsAdmin() {
		return nil, services.ErrInsufficientPermissions
	}

	start, err := h.store.LatestSequenceID(ctx)
	if err != nil {
		return nil, services.WrapStore("failed to read latest sequence id", err)
	}

	conn := newConnection(uuid.NewString(), claims, unfiltered, start, h.cfg.QueueSize)

	h.mu.Lock()
	h.conns[conn.id] = conn
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.StreamConnections.Inc()
	}
	h.logger.Info("stream connected",
		zap.String("conn_id", conn.id),
		zap.String("email", claims.Email),
		zap.Bool("unfiltered", unfiltered),
		zap.Int64("start_offset", start),
	)
	return conn, nil
}

// Disconnect removes the connection and closes its Done channel. Repeated calls are no-ops.
func (h *Hub) Disconnect(conn *Connection, reason DropReason) {
	if conn == nil {
		return
	}

	h.mu.Lock()
	if h.conns[conn.id] == conn {
		delete(h.conns, conn.id)
	}
	h.mu.Unlock()

	if !conn.close(reason) {
		return
	}

	h.dropMu.Lock()
	h.dropped[reason]++
	h.dropMu.Unlock()

	if h.metrics != nil {
		h.metrics.StreamConnections.Dec()
		h.metrics.StreamDrops.WithLabelValues(string(reason)).Inc()
	}
	h.logger.Info("stream disconnected",
		zap.String("conn_id", conn.id),
		zap.String("email", conn.claims.Email),
		zap.String("reason", string(reason)),
		zap.Int64("last_delivered", conn.LastDelivered()),
	)
}

// InitialSnapshot returns up to n of the most recent events visible to the
// connection, ending exactly at its start offset.
func (h *Hub) InitialSnapshot(ctx context.Context, conn *Connection, n int) ([]*models.ExecutionEvent, error) {
	if n <= 0 || conn.startOffset == 0 {
		return []*models.ExecutionEvent{}, nil
	}
	events, err := h.store.ReadRecent(ctx, conn.startOffset, repositories.EventFilter{
		OwnerEmail: conn.ownerFilter(),
		Limit:      n,
	})
	if err != nil {
		return nil, services.WrapStore("failed to read initial snapshot", err)
	}
	return events, nil
}

// Wake triggers a poll ahead of the next tick
func (h *Hub) Wake() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled, then drops every connection with DropShutdown
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	h.logger.Info("broadcast hub started",
		zap.Duration("poll_interval", h.cfg.PollInterval),
		zap.Int("queue_size", h.cfg.QueueSize),
	)

	for {
		select {
		case <-ctx.Done():
			h.Shutdown()
			return ctx.Err()
		case <-ticker.C:
		case <-h.wake:
		}
		h.Poll(ctx)
	}
}

// Shutdown drops every open connection
func (h *Hub) Shutdown() {
	for _, conn := range h.snapshot() {
		h.Disconnect(conn, DropShutdown)
	}
}

// Poll runs one delivery pass over every open connection
func (h *Hub) Poll(ctx context.Context) {
	start := time.Now()
	h.ticks.Add(1)

	for _, conn := range h.snapshot() {
		if ctx.Err() != nil {
			return
		}
		h.deliver(ctx, conn)
	}

	if h.metrics != nil {
		h.metrics.PollDuration.Observe(time.Since(start).Seconds())
	}
}

func (h *Hub) snapshot() []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	return conns
}

func (h *Hub) deliver(ctx context.Context, conn *Connection) {
	if conn.closed() {
		return
	}

	if err := h.checker.CheckActive(ctx, conn.claims); err != nil {
		h.logger.Info("stream token no longer active",
			zap.String("conn_id", conn.id),
			zap.String("reason", services.GetErrorCode(err)),
		)
		h.Disconnect(conn, DropAuthRevoked)
		return
	}

	after := conn.LastDelivered()
	events, err := h.store.ReadSince(ctx, after, repositories.EventFilter{
		OwnerEmail: conn.ownerFilter(),
		Limit:      h.cfg.BatchLimit,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		h.logger.Warn("stream read failed, retrying next tick",
			zap.String("conn_id", conn.id),
			zap.Int64("after", after),
			zap.Error(err),
		)
		return
	}

	var sent int64
	for _, e := range events {
		if e.SequenceID <= after {
			continue
		}
		if !conn.unfiltered && e.UserEmail != conn.claims.Email {
			continue
		}
		if conn.closed() {
			return
		}
		if !conn.enqueue(e) {
			h.Disconnect(conn, DropBackpressure)
			break
		}
		after = e.SequenceID
		conn.lastDelivered.Store(after)
		sent++
	}

	if sent > 0 {
		h.delivered.Add(sent)
		if h.metrics != nil {
			h.metrics.EventsDelivered.Add(float64(sent))
		}
	}
}

// Stats returns counters for status reporting
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.conns)
	h.mu.RUnlock()

	h.dropMu.Lock()
	dropped := make(map[DropReason]int64, len(h.dropped))
	for k, v := range h.dropped {
		dropped[k] = v
	}
	h.dropMu.Unlock()

	return Stats{
		Connections: n,
		Delivered:   h.delivered.Load(),
		Ticks:       h.ticks.Load(),
		Dropped:     dropped,
	}
}
