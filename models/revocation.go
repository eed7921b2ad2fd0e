package models

import "time"

// RevocationEntry records that a token id was explicitly invalidated.
// Entries are only ever inserted.
type RevocationEntry struct {
	JTI       string    `json:"jti" db:"jti"`
	RevokedAt time.Time `json:"revoked_at" db:"revoked_at"`
}

// TableName returns the table name for the RevocationEntry model
func (RevocationEntry) TableName() string {
	return "revoked_sessions"
}
