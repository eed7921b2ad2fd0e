package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/upb/agent-telemetry/middleware"
	"github.com/upb/agent-telemetry/models"
	"github.com/upb/agent-telemetry/services/broadcast"
	"github.com/upb/agent-telemetry/services/token"
	"github.com/upb/agent-telemetry/utils"
)

// Stream message types
const (
	MessageInit    = "init"
	MessageEvent   = "event"
	MessageDropped = "dropped"
)

const (
	defaultSnapshotSize = 50
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	maxClientMessage    = 512
)

// StreamHub is the part of the broadcast hub the stream endpoint uses
type StreamHub interface {
	Connect(ctx context.Context, claims *token.Claims, unfiltered bool) (*broadcast.Connection, error)
	Disconnect(conn *broadcast.Connection, reason broadcast.DropReason)
	InitialSnapshot(ctx context.Context, conn *broadcast.Connection, n int) ([]*models.ExecutionEvent, error)
}

// StreamMessage is one frame sent to a stream viewer after the snapshot
type StreamMessage struct {
	Type   string                 `json:"type"`
	Event  *models.ExecutionEvent `json:"event,omitempty"`
	Reason broadcast.DropReason   `json:"reason,omitempty"`
}

// InitMessage is the first frame of every stream. Events is never null.
type InitMessage struct {
	Type   string                   `json:"type"`
	Events []*models.ExecutionEvent `json:"events"`
}

// StreamOptions tunes the websocket endpoint
type StreamOptions struct {
	SnapshotSize   int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	AllowedOrigins []string
}

// StreamHandler upgrades viewers to a websocket and relays hub deliveries
type StreamHandler struct {
	hub      StreamHub
	opts     StreamOptions
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewStreamHandler creates a new StreamHandler
func NewStreamHandler(hub StreamHub, opts StreamOptions, logger *zap.Logger) *StreamHandler {
	if opts.SnapshotSize <= 0 {
		opts.SnapshotSize = defaultSnapshotSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}

	h := &StreamHandler{
		hub:    hub,
		opts:   opts,
		logger: logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin allows requests without an Origin header (CLI viewers) and
// browser origins present in the allowlist.
func (h *StreamHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	h.logger.Warn("rejecting stream origin", zap.String("origin", origin))
	return false
}

// HandleStream handles GET /api/v1/stream. Admins may pass scope=all for an unfiltered view.
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := middleware.GetClaimsFromContext(ctx)
	if claims == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required", nil)
		return
	}

	// register before upgrading so permission and store errors still get an HTTP status
	conn, err := h.hub.Connect(ctx, claims, r.URL.Query().Get("scope") == scopeAll)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		h.logger.Warn("websocket upgrade failed",
			zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
			zap.Error(err))
		h.hub.Disconnect(conn, broadcast.DropClientClosed)
		return
	}
	defer ws.Close()

	logger := h.logger.With(
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.String("connection_id", conn.ID()),
		zap.String("email", claims.Email),
	)
	logger.Debug("stream opened",
		zap.Bool("unfiltered", conn.Unfiltered()),
		zap.Int64("start_offset", conn.StartOffset()))

	snapshot, err := h.hub.InitialSnapshot(ctx, conn, h.opts.SnapshotSize)
	if err != nil {
		logger.Warn("initial snapshot failed", zap.Error(err))
	}
	if snapshot == nil {
		snapshot = []*models.ExecutionEvent{}
	}
	if err := h.write(ws, InitMessage{Type: MessageInit, Events: snapshot}); err != nil {
		logger.Debug("init write failed", zap.Error(err))
		h.hub.Disconnect(conn, broadcast.DropClientClosed)
		return
	}

	readDone := h.readPump(ws)
	h.writePump(ctx, ws, conn, readDone, logger)
}

// readPump discards client frames and keeps the read deadline moving on pongs.
// The returned channel closes when the peer goes away.
func (h *StreamHandler) readPump(ws *websocket.Conn) <-chan struct{} {
	done := make(chan struct{})
	pongWait := 2 * h.opts.PingInterval

	ws.SetReadLimit(maxClientMessage)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return done
}

func (h *StreamHandler) writePump(ctx context.Context, ws *websocket.Conn, conn *broadcast.Connection, readDone <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-conn.Messages():
			if err := h.write(ws, StreamMessage{Type: MessageEvent, Event: event}); err != nil {
				logger.Debug("event write failed", zap.Error(err))
				h.hub.Disconnect(conn, broadcast.DropClientClosed)
				return
			}

		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.hub.Disconnect(conn, broadcast.DropClientClosed)
				return
			}

		case <-conn.Done():
			reason := conn.Reason()
			logger.Info("stream dropped by server", zap.String("reason", string(reason)))
			_ = h.write(ws, StreamMessage{Type: MessageDropped, Reason: reason})
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(closeCode(reason), string(reason)),
				time.Now().Add(h.opts.WriteTimeout))
			return

		case <-readDone:
			logger.Info("stream closed by client")
			h.hub.Disconnect(conn, broadcast.DropClientClosed)
			return

		case <-ctx.Done():
			h.hub.Disconnect(conn, broadcast.DropShutdown)
			return
		}
	}
}

func (h *StreamHandler) write(ws *websocket.Conn, msg interface{}) error {
	_ = ws.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
	return ws.WriteJSON(msg)
}

func closeCode(reason broadcast.DropReason) int {
	switch reason {
	case broadcast.DropAuthRevoked:
		return websocket.ClosePolicyViolation
	case broadcast.DropBackpressure:
		return websocket.CloseTryAgainLater
	case broadcast.DropShutdown:
		return websocket.CloseGoingAway
	default:
		return websocket.CloseNormalClosure
	}
}
