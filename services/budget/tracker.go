// Package budget tracks per-session token usage and spend against a limit.
//
// Each running session owns a health state that only moves forward:
// HEALTHY, WARNING, CRITICAL, SATURATED. Callers must check Require (or
// IsBudgetExceeded) before starting any further costed work.
package budget

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/agent-telemetry/config"
	"github.com/upb/agent-telemetry/internal/observability"
	"github.com/upb/agent-telemetry/models"
	"github.com/upb/agent-telemetry/repositories"
	"github.com/upb/agent-telemetry/services"
)

// AgentName is written on the session lifecycle events the tracker emits
const AgentName = "budget-tracker"

// Config holds tracker settings
type Config struct {
	Thresholds   Thresholds
	DefaultLimit float64
	Profiles     map[string]config.BudgetProfile
}

// ConfigFrom converts the application budget section
func ConfigFrom(cfg config.BudgetConfig) Config {
	return Config{
		Thresholds: Thresholds{
			Warning:   cfg.WarningThreshold,
			Critical:  cfg.CriticalThreshold,
			Saturated: cfg.SaturatedThreshold,
		},
		DefaultLimit: cfg.DefaultLimitUSD,
		Profiles:     cfg.Profiles,
	}
}

// StartRequest describes a new session. Limit and Profile are both optional.
type StartRequest struct {
	SessionID  string  `json:"session_id" validate:"omitempty,max=128"`
	OwnerEmail string  `json:"-"`
	Limit      float64 `json:"limit" validate:"gte=0"`
	Profile    string  `json:"profile" validate:"omitempty,max=64"`
}

// Tracker is the registry of live sessions. The registry lock guards only the map;
// per-session work takes the session's own lock.
type Tracker struct {
	cfg       Config
	summaries repositories.CostSummaryRepository
	events    repositories.ExecutionEventRepository
	txMgr     repositories.TransactionManager
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// TrackerOption configures a Tracker
type TrackerOption func(*Tracker)

// WithClock replaces time.Now
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithMetrics enables prometheus counters for state transitions
func WithMetrics(m *observability.Metrics) TrackerOption {
	return func(t *Tracker) { t.metrics = m }
}

// NewTracker creates a tracker. Summaries and events are written when a session ends.
func NewTracker(
	cfg Config,
	repos *repositories.Repositories,
	txMgr repositories.TransactionManager,
	logger *zap.Logger,
	opts ...TrackerOption,
) (*Tracker, error) {
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if !validAmount(cfg.DefaultLimit) || toMicros(cfg.DefaultLimit) <= 0 {
		return nil, errors.New("default budget limit must be positive")
	}
	if repos == nil || repos.CostSummaries == nil || repos.Events == nil {
		return nil, errors.New("cost summary and event repositories are required")
	}
	if txMgr == nil {
		return nil, errors.New("transaction manager is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Tracker{
		cfg:       cfg,
		summaries: repos.CostSummaries,
		events:    repos.Events,
		txMgr:     txMgr,
		logger:    logger,
		now:       time.Now,
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Start registers a new session
func (t *Tracker) Start(ctx context.Context, req StartRequest) (*Session, error) {
	owner := models.NormalizeEmail(req.OwnerEmail)
	if owner == "" {
		return nil, services.ErrInvalidEmail
	}

	limit, err := t.resolveLimit(req)
	if err != nil {
		return nil, err
	}

	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	session := newSession(id, owner, req.Profile, limit, t.cfg.Thresholds, t.now, t.observe)

	t.mu.Lock()
	if _, exists := t.sessions[id]; exists {
		t.mu.Unlock()
		return nil, services.ErrDuplicateSession
	}
	t.sessions[id] = session
	t.mu.Unlock()

	t.logger.Info("budget session started",
		zap.String("session_id", id),
		zap.String("owner", owner),
		zap.String("profile", req.Profile),
		zap.Float64("limit", limit),
	)
	return session, nil
}

// resolveLimit picks the session limit from the request, its profile or the default
func (t *Tracker) resolveLimit(req StartRequest) (float64, error) {
	if req.Limit < 0 || !validAmount(req.Limit) || (req.Limit > 0 && toMicros(req.Limit) == 0) {
		return 0, services.ErrInvalidLimit
	}

	if req.Profile == "" {
		if req.Limit > 0 {
			return req.Limit, nil
		}
		return t.cfg.DefaultLimit, nil
	}

	profile, ok := t.cfg.Profiles[req.Profile]
	if !ok {
		return 0, services.ErrUnknownProfile
	}

	switch profile.Kind {
	case config.ProfileInteractive:
		// Interactive sessions may tighten their profile's limit but never raise it.
		if req.Limit > 0 && req.Limit < profile.LimitUSD {
			return req.Limit, nil
		}
		return profile.LimitUSD, nil
	case config.ProfileBatch, config.ProfileReview:
		if req.Limit > 0 && req.Limit != profile.LimitUSD {
			return 0, services.NewDomainError(services.ErrorTypeValidation, "profile limit cannot be overridden", nil).
				WithDetail("profile", profile.Name)
		}
		return profile.LimitUSD, nil
	default:
		return 0, services.ErrUnknownProfile
	}
}

// Session returns a live session
func (t *Tracker) Session(id string) (*Session, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	if !ok {
		return nil, services.ErrSessionNotFound
	}
	return s, nil
}

// Lookup returns a live session the viewer may access. Admins may access any session.
func (t *Tracker) Lookup(id, viewerEmail string, admin bool) (*Session, error) {
	s, err := t.Session(id)
	if err != nil {
		return nil, err
	}
	if !admin && s.Owner() != models.NormalizeEmail(viewerEmail) {
		return nil, services.ErrSessionOwnerMismatch
	}
	return s, nil
}

// Process records usage against a session
func (t *Tracker) Process(id string, usage Usage) (CostSummary, error) {
	s, err := t.Session(id)
	if err != nil {
		return CostSummary{}, err
	}
	return s.Process(usage)
}

// IsBudgetExceeded reports whether the session is saturated. Unknown sessions report false.
func (t *Tracker) IsBudgetExceeded(id string) bool {
	s, err := t.Session(id)
	if err != nil {
		return false
	}
	return s.Exceeded()
}

// Require returns a budget error once the session is saturated.
// It must be called before each further unit of costed work.
func (t *Tracker) Require(id string) error {
	s, err := t.Session(id)
	if err != nil {
		return err
	}
	summary := s.Summary()
	if summary.Exceeded {
		return services.NewBudgetExceededError(summary.SessionID, summary.Utilization, summary.Limit)
	}
	return nil
}

// Summary returns a snapshot of a live session
func (t *Tracker) Summary(id string) (CostSummary, error) {
	s, err := t.Session(id)
	if err != nil {
		return CostSummary{}, err
	}
	return s.Summary(), nil
}

// List returns snapshots of live sessions ordered by start time.
// An empty owner lists every session.
func (t *Tracker) List(owner string) []CostSummary {
	owner = models.NormalizeEmail(owner)

	t.mu.RLock()
	sessions := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		if owner == "" || s.Owner() == owner {
			sessions = append(sessions, s)
		}
	}
	t.mu.RUnlock()

	out := make([]CostSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Summary())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Len returns the number of live sessions
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// End persists the final summary with a session_end event in one transaction,
// then discards the live session. On failure the session stays live.
func (t *Tracker) End(ctx context.Context, id string) (CostSummary, error) {
	s, err := t.Session(id)
	if err != nil {
		return CostSummary{}, err
	}

	summary, err := s.finish(func(final CostSummary, endedAt time.Time) error {
		return t.persist(ctx, final, endedAt)
	})
	if err != nil {
		return CostSummary{}, err
	}

	t.mu.Lock()
	if t.sessions[id] == s {
		delete(t.sessions, id)
	}
	t.mu.Unlock()

	t.logger.Info("budget session ended",
		zap.String("session_id", id),
		zap.String("state", summary.State.String()),
		zap.Float64("cost", summary.Cost),
		zap.Float64("utilization", summary.Utilization),
	)
	return summary, nil
}

func (t *Tracker) persist(ctx context.Context, final CostSummary, endedAt time.Time) error {
	payload, err := json.Marshal(final)
	if err != nil {
		return services.WrapInternal("failed to encode session summary", err)
	}

	event := &models.ExecutionEvent{
		Timestamp:  endedAt,
		UserEmail:  final.OwnerEmail,
		SessionID:  final.SessionID,
		AgentName:  AgentName,
		Phase:      models.PhaseSessionEnd,
		Status:     models.EventStatusSuccess,
		DurationMs: endedAt.Sub(final.StartedAt).Milliseconds(),
		Payload:    payload,
	}

	err = t.txMgr.InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) error {
		if err := t.summaries.WithTx(tx).Save(ctx, final.Record(endedAt)); err != nil {
			return err
		}
		_, err := t.events.WithTx(tx).Append(ctx, event)
		return err
	})
	if err != nil {
		return services.WrapStore("failed to persist session summary", err)
	}
	return nil
}

func (t *Tracker) observe(tr transition) {
	t.logger.Info("budget state changed",
		zap.String("session_id", tr.summary.SessionID),
		zap.String("from", tr.from.String()),
		zap.String("to", tr.to.String()),
		zap.Float64("utilization", tr.summary.Utilization),
		zap.Float64("limit", tr.summary.Limit),
	)
	if t.metrics != nil {
		t.metrics.BudgetTransitions.WithLabelValues(tr.to.String()).Inc()
	}
}
