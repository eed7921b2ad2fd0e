package budget

import (
	"fmt"
	"math"
	"strings"
)

// HealthState classifies budget utilization. Higher values are more severe.
type HealthState int

const (
	StateHealthy HealthState = iota
	StateWarning
	StateCritical
	StateSaturated
)

var stateNames = [...]string{"HEALTHY", "WARNING", "CRITICAL", "SATURATED"}

// String returns the upper-case state name
func (s HealthState) String() string {
	if s < StateHealthy || s > StateSaturated {
		return fmt.Sprintf("HealthState(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler
func (s HealthState) MarshalText() ([]byte, error) {
	if s < StateHealthy || s > StateSaturated {
		return nil, fmt.Errorf("invalid health state %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *HealthState) UnmarshalText(text []byte) error {
	parsed, err := ParseHealthState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseHealthState converts a state name, case-insensitively
func ParseHealthState(name string) (HealthState, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for i, n := range stateNames {
		if n == upper {
			return HealthState(i), nil
		}
	}
	return StateHealthy, fmt.Errorf("unknown health state %q", name)
}

// Thresholds are the utilization ratios at which each state begins
type Thresholds struct {
	Warning   float64
	Critical  float64
	Saturated float64
}

// DefaultThresholds returns 0.6 / 0.8 / 1.0
func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 0.6, Critical: 0.8, Saturated: 1.0}
}

// Validate requires 0 < Warning < Critical <= Saturated
func (t Thresholds) Validate() error {
	if !(t.Warning > 0 && t.Warning < t.Critical && t.Critical <= t.Saturated) {
		return fmt.Errorf("budget thresholds must satisfy 0 < warning < critical <= saturated (got %.2f, %.2f, %.2f)",
			t.Warning, t.Critical, t.Saturated)
	}
	return nil
}

// StateFor maps a utilization ratio to its nominal state
func (t Thresholds) StateFor(utilization float64) HealthState {
	switch {
	case utilization >= t.Saturated:
		return StateSaturated
	case utilization >= t.Critical:
		return StateCritical
	case utilization >= t.Warning:
		return StateWarning
	default:
		return StateHealthy
	}
}

// bounds converts the ratios into spend boundaries for a limit in micro-dollars
func (t Thresholds) bounds(limitMicros int64) [3]int64 {
	at := func(ratio float64) int64 {
		return int64(math.Round(ratio * float64(limitMicros)))
	}
	return [3]int64{at(t.Warning), at(t.Critical), at(t.Saturated)}
}
