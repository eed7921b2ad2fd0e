// Package events records execution events and serves filtered reads of the log.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/upb/agent-telemetry/internal/observability"
	"github.com/upb/agent-telemetry/models"
	"github.com/upb/agent-telemetry/repositories"
	"github.com/upb/agent-telemetry/services"
	"github.com/upb/agent-telemetry/services/token"
)

const (
	defaultAttempts = 3
	defaultBackoff  = 100 * time.Millisecond
	maxBackoff      = 2 * time.Second

	// DefaultListLimit bounds reads that do not ask for a limit
	DefaultListLimit = 100
	// MaxListLimit is the largest page a reader can request
	MaxListLimit = 1000
)

// Service appends events with bounded retry and reads them back per identity
type Service struct {
	repo     repositories.ExecutionEventRepository
	logger   *zap.Logger
	metrics  *observability.Metrics
	attempts int
	backoff  time.Duration
	after    func(time.Duration) <-chan time.Time
	notify   func()
}

// Option configures a Service
type Option func(*Service)

// WithRetry sets the number of append attempts and the first backoff delay
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(s *Service) {
		s.attempts = attempts
		s.backoff = backoff
	}
}

// WithMetrics counts appends and retries
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithNotify calls fn after every successful append
func WithNotify(fn func()) Option {
	return func(s *Service) { s.notify = fn }
}

// WithTimer replaces time.After, mainly for tests
func WithTimer(after func(time.Duration) <-chan time.Time) Option {
	return func(s *Service) { s.after = after }
}

// NewService creates an event service
func NewService(repo repositories.ExecutionEventRepository, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		repo:     repo,
		logger:   logger,
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
		after:    time.After,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.attempts < 1 {
		s.attempts = 1
	}
	return s
}

// Validate checks an event before it is appended
func Validate(e *models.ExecutionEvent) error {
	invalid := func(field, reason string) error {
		return services.NewDomainError(services.ErrorTypeValidation, "invalid execution event", nil).
			WithDetail(field, reason)
	}

	switch {
	case e == nil:
		return services.ErrInvalidEventData
	case strings.TrimSpace(e.UserEmail) == "":
		return invalid("user_email", "required")
	case strings.TrimSpace(e.SessionID) == "":
		return invalid("session_id", "required")
	case strings.TrimSpace(e.AgentName) == "":
		return invalid("agent_name", "required")
	case strings.TrimSpace(e.Phase) == "":
		return invalid("phase", "required")
	case !models.IsValidStatus(e.Status):
		return invalid("status", "must be success or error")
	case e.DurationMs < 0:
		return invalid("duration_ms", "must be non-negative")
	case len(e.Payload) > 0 && !json.Valid(e.Payload):
		return invalid("payload", "must be valid JSON")
	}
	return nil
}

// Record validates and appends the event, retrying transient store failures
// with exponential backoff. The assigned sequence id is returned.
func (s *Service) Record(ctx context.Context, e *models.ExecutionEvent) (int64, error) {
	if err := Validate(e); err != nil {
		return 0, err
	}
	e.UserEmail = models.NormalizeEmail(e.UserEmail)
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var lastErr error
	delay := s.backoff
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if attempt > 1 {
			if s.metrics != nil {
				s.metrics.StoreRetries.Inc()
			}
			select {
			case <-ctx.Done():
				return 0, services.WrapStore("event append cancelled", ctx.Err())
			case <-s.after(delay):
			}
			delay *= 2
			if delay > maxBackoff {
				delay = maxBackoff
			}
		}

		seq, err := s.repo.Append(ctx, e)
		if err == nil {
			if s.metrics != nil {
				s.metrics.EventsAppended.Inc()
			}
			if s.notify != nil {
				s.notify()
			}
			return seq, nil
		}
		lastErr = err

		s.logger.Warn("event append failed",
			zap.String("session_id", e.SessionID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.attempts),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			break
		}
	}

	return 0, services.WrapStore(fmt.Sprintf("event append failed after %d attempts", s.attempts), lastErr)
}

// ListRequest selects a page of events after a sequence id
type ListRequest struct {
	Since      int64
	Limit      int
	Unfiltered bool
}

// List returns events visible to the caller after req.Since in ascending order.
// Standard users only ever see their own events.
func (s *Service) List(ctx context.Context, claims *token.Claims, req ListRequest) ([]*models.ExecutionEvent, error) {
	filter, err := s.filterFor(claims, req.Unfiltered)
	if err != nil {
		return nil, err
	}
	if req.Since < 0 {
		return nil, services.ErrInvalidInput
	}

	filter.Limit = req.Limit
	if filter.Limit <= 0 {
		filter.Limit = DefaultListLimit
	}
	if filter.Limit > MaxListLimit {
		filter.Limit = MaxListLimit
	}

	events, err := s.repo.ReadSince(ctx, req.Since, filter)
	if err != nil {
		return nil, services.WrapStore("failed to read events", err)
	}
	if events == nil {
		events = []*models.ExecutionEvent{}
	}
	return events, nil
}

// Status reports store introspection values
type Status struct {
	LatestSequenceID int64 `json:"latest_sequence_id"`
	CountSince       int64 `json:"count_since"`
	Since            int64 `json:"since"`
}

// Status returns the latest sequence id and the number of events after since
func (s *Service) Status(ctx context.Context, since int64) (*Status, error) {
	latest, err := s.repo.LatestSequenceID(ctx)
	if err != nil {
		return nil, services.WrapStore("failed to read latest sequence id", err)
	}
	count, err := s.repo.CountSince(ctx, since, repositories.EventFilter{})
	if err != nil {
		return nil, services.WrapStore("failed to count events", err)
	}
	return &Status{LatestSequenceID: latest, CountSince: count, Since: since}, nil
}

func (s *Service) filterFor(claims *token.Claims, unfiltered bool) (repositories.EventFilter, error) {
	if claims == nil {
		return repositories.EventFilter{}, services.ErrUnauthorized
	}
	if unfiltered {
		if !claims.IsAdmin() {
			return repositories.EventFilter{}, services.ErrInsufficientPermissions
		}
		return repositories.EventFilter{}, nil
	}
	return repositories.EventFilter{OwnerEmail: claims.Email}, nil
}
