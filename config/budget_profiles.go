package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProfileKind is the closed set of budget profile kinds
type ProfileKind string

const (
	ProfileInteractive ProfileKind = "interactive"
	ProfileBatch       ProfileKind = "batch"
	ProfileReview      ProfileKind = "review"
)

// ParseProfileKind rejects kinds outside the known set
func ParseProfileKind(s string) (ProfileKind, error) {
	switch ProfileKind(strings.ToLower(strings.TrimSpace(s))) {
	case ProfileInteractive:
		return ProfileInteractive, nil
	case ProfileBatch:
		return ProfileBatch, nil
	case ProfileReview:
		return ProfileReview, nil
	default:
		return "", fmt.Errorf("unknown budget profile kind %q", s)
	}
}

// BudgetProfile is a named spend limit sessions can start with
type BudgetProfile struct {
	Name     string      `yaml:"-"`
	Kind     ProfileKind `yaml:"kind"`
	LimitUSD float64     `yaml:"limit_usd"`
}

type profilesFile struct {
	Profiles map[string]struct {
		Kind     string  `yaml:"kind"`
		LimitUSD float64 `yaml:"limit_usd"`
	} `yaml:"profiles"`
}

// LoadBudgetProfiles reads a YAML file of the form
//
//	profiles:
//	  quick-fix:
//	    kind: interactive
//	    limit_usd: 1.5
func LoadBudgetProfiles(path string) (map[string]BudgetProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseBudgetProfiles(data)
}

// ParseBudgetProfiles decodes and validates profile YAML
func ParseBudgetProfiles(data []byte) (map[string]BudgetProfile, error) {
	var raw profilesFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse budget profiles: %w", err)
	}

	profiles := make(map[string]BudgetProfile, len(raw.Profiles))
	for name, p := range raw.Profiles {
		kind, err := ParseProfileKind(p.Kind)
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", name, err)
		}
		if p.LimitUSD <= 0 {
			return nil, fmt.Errorf("profile %q: limit_usd must be positive", name)
		}
		profiles[name] = BudgetProfile{Name: name, Kind: kind, LimitUSD: p.LimitUSD}
	}
	return profiles, nil
}
