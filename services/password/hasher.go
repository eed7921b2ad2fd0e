// Package password hashes and verifies user credentials with bcrypt.
package password

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/upb/agent-telemetry/services"
)

// MinCost is the lowest bcrypt work factor accepted
const MinCost = 12

// Hasher produces and checks bcrypt digests at a fixed cost
type Hasher struct {
	cost  int
	dummy []byte
}

// NewHasher creates a Hasher. The cost must be between MinCost and bcrypt.MaxCost.
func NewHasher(cost int) (*Hasher, error) {
	if cost < MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost must be between %d and %d, got %d", MinCost, bcrypt.MaxCost, cost)
	}

	// Digest used when no user matches, so unknown emails cost the same as wrong passwords.
	dummy, err := bcrypt.GenerateFromPassword([]byte("unused-dummy-password"), cost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare dummy digest: %w", err)
	}

	return &Hasher{cost: cost, dummy: dummy}, nil
}

// Cost returns the configured work factor
func (h *Hasher) Cost() int {
	return h.cost
}

// Hash returns a salted digest of plain
func (h *Hasher) Hash(plain string) (string, error) {
	if plain == "" {
		return "", services.ErrEmptyPassword
	}

	digest, err := bcrypt.GenerateFromPassword([]byte(plain), h.cost)
	if err != nil {
		// bcrypt refuses inputs over 72 bytes
		return "", services.WrapError(services.ErrorTypeValidation, "password cannot be hashed", err)
	}
	return string(digest), nil
}

// Verify reports whether plain matches digest. Malformed digests return false.
func (h *Hasher) Verify(plain, digest string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(plain)) == nil
}

// VerifyDummy burns the same CPU as a real comparison and always returns false
func (h *Hasher) VerifyDummy(plain string) bool {
	_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(plain))
	return false
}

// NeedsRehash reports whether digest was produced with a different cost
func (h *Hasher) NeedsRehash(digest string) bool {
	cost, err := bcrypt.Cost([]byte(digest))
	if err != nil {
		return true
	}
	return cost != h.cost
}
