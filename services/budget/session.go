package budget

import (
	"math"
	"sync"
	"time"

	"github.com/upb/agent-telemetry/models"
	"github.com/upb/agent-telemetry/services"
)

// Usage is one reported usage delta. All fields must be non-negative.
type Usage struct {
	InputTokens  int64   `json:"input_tokens" validate:"gte=0"`
	OutputTokens int64   `json:"output_tokens" validate:"gte=0"`
	Cost         float64 `json:"cost" validate:"gte=0"`
}

func (u Usage) validate() error {
	if u.InputTokens < 0 || u.OutputTokens < 0 || u.Cost < 0 {
		return services.ErrNegativeUsage
	}
	if !validAmount(u.Cost) {
		return services.ErrInvalidInput
	}
	return nil
}

// Spend is accumulated in whole micro-dollars so repeated fractional deltas
// land exactly on the threshold boundaries.
const microsPerUSD = 1_000_000

// maxAmountUSD keeps micro-dollar sums far from int64 overflow
const maxAmountUSD = 1e12

func validAmount(usd float64) bool {
	return !math.IsNaN(usd) && !math.IsInf(usd, 0) && usd <= maxAmountUSD
}

func toMicros(usd float64) int64 {
	return int64(math.Round(usd * microsPerUSD))
}

func fromMicros(micros int64) float64 {
	return float64(micros) / microsPerUSD
}

// CostSummary is a point-in-time snapshot of a session
type CostSummary struct {
	SessionID    string      `json:"session_id"`
	OwnerEmail   string      `json:"owner_email"`
	Profile      string      `json:"profile,omitempty"`
	InputTokens  int64       `json:"input_tokens"`
	OutputTokens int64       `json:"output_tokens"`
	Cost         float64     `json:"cost"`
	Limit        float64     `json:"limit"`
	Utilization  float64     `json:"utilization"`
	State        HealthState `json:"state"`
	Advisory     bool        `json:"advisory"`
	Exceeded     bool        `json:"exceeded"`
	StartedAt    time.Time   `json:"started_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	EndedAt      *time.Time  `json:"ended_at,omitempty"`
}

// Record converts the summary into its persisted form
func (c CostSummary) Record(endedAt time.Time) *models.SessionCostSummary {
	return &models.SessionCostSummary{
		SessionID:    c.SessionID,
		OwnerEmail:   c.OwnerEmail,
		InputTokens:  c.InputTokens,
		OutputTokens: c.OutputTokens,
		Cost:         c.Cost,
		Limit:        c.Limit,
		State:        c.State.String(),
		StartedAt:    c.StartedAt,
		EndedAt:      endedAt,
	}
}

// transition is reported to the observer after the session lock is released
type transition struct {
	from, to HealthState
	summary  CostSummary
}

// Session accounts for one running agent session. All methods are safe for concurrent use.
type Session struct {
	id      string
	owner   string
	profile string
	limit   int64    // micro-dollars
	bounds  [3]int64 // warning, critical, saturated in micro-dollars
	now     func() time.Time
	observe func(transition)

	mu           sync.Mutex
	inputTokens  int64
	outputTokens int64
	cost         int64 // micro-dollars
	state        HealthState
	startedAt    time.Time
	updatedAt    time.Time
	ended        bool
}

func newSession(id, owner, profile string, limit float64, thresholds Thresholds, now func() time.Time, observe func(transition)) *Session {
	started := now().UTC()
	limitMicros := toMicros(limit)
	return &Session{
		id:        id,
		owner:     owner,
		profile:   profile,
		limit:     limitMicros,
		bounds:    thresholds.bounds(limitMicros),
		now:       now,
		observe:   observe,
		startedAt: started,
		updatedAt: started,
	}
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// Owner returns the owning user email
func (s *Session) Owner() string { return s.owner }

// Limit returns the spend limit
func (s *Session) Limit() float64 { return fromMicros(s.limit) }

// Process accumulates usage and moves the state forward if utilization crossed a threshold.
// Usage is recorded even once the session is saturated.
func (s *Session) Process(u Usage) (CostSummary, error) {
	summary, tr, err := s.process(u)
	if tr != nil && s.observe != nil {
		s.observe(*tr)
	}
	return summary, err
}

func (s *Session) process(u Usage) (CostSummary, *transition, error) {
	if err := u.validate(); err != nil {
		return CostSummary{}, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return CostSummary{}, nil, services.ErrSessionNotFound
	}

	s.inputTokens += u.InputTokens
	s.outputTokens += u.OutputTokens
	s.cost += toMicros(u.Cost)
	s.updatedAt = s.now().UTC()

	from := s.state
	if next := s.stateForLocked(); next > s.state {
		s.state = next
	}

	summary := s.summaryLocked()
	if s.state == from {
		return summary, nil, nil
	}
	return summary, &transition{from: from, to: s.state, summary: summary}, nil
}

// State returns the current health state
func (s *Session) State() HealthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Exceeded reports whether the session is saturated
func (s *Session) Exceeded() bool {
	return s.State() == StateSaturated
}

// Advisory reports whether callers should plan or compact before further work
func (s *Session) Advisory() bool {
	return s.State() >= StateCritical
}

// Summary returns a consistent snapshot
func (s *Session) Summary() CostSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaryLocked()
}

// finish runs persist with the final snapshot and marks the session ended on success.
// The session lock is held so no usage can slip in between snapshot and persist.
func (s *Session) finish(persist func(CostSummary, time.Time) error) (CostSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return CostSummary{}, services.ErrSessionNotFound
	}

	endedAt := s.now().UTC()
	summary := s.summaryLocked()
	summary.EndedAt = &endedAt
	if err := persist(summary, endedAt); err != nil {
		return CostSummary{}, err
	}
	s.ended = true
	return summary, nil
}

// stateForLocked compares accumulated spend against the precomputed boundaries
func (s *Session) stateForLocked() HealthState {
	switch {
	case s.cost >= s.bounds[2]:
		return StateSaturated
	case s.cost >= s.bounds[1]:
		return StateCritical
	case s.cost >= s.bounds[0]:
		return StateWarning
	default:
		return StateHealthy
	}
}

func (s *Session) utilizationLocked() float64 {
	if s.limit <= 0 {
		return 0
	}
	return float64(s.cost) / float64(s.limit)
}

func (s *Session) summaryLocked() CostSummary {
	return CostSummary{
		SessionID:    s.id,
		OwnerEmail:   s.owner,
		Profile:      s.profile,
		InputTokens:  s.inputTokens,
		OutputTokens: s.outputTokens,
		Cost:         fromMicros(s.cost),
		Limit:        fromMicros(s.limit),
		Utilization:  s.utilizationLocked(),
		State:        s.state,
		Advisory:     s.state >= StateCritical,
		Exceeded:     s.state == StateSaturated,
		StartedAt:    s.startedAt,
		UpdatedAt:    s.updatedAt,
	}
}
