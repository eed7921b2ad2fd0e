package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUserRole(t *testing.T) {
	tests := []struct {
		in      string
		want    UserRole
		wantErr bool
	}{
		{"admin", RoleAdmin, false},
		{" Standard ", RoleStandard, false},
		{"viewer", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseUserRole(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewUser(t *testing.T) {
	user := NewUser("  Alice@Example.COM ", "digest", RoleStandard)

	assert.Equal(t, "alice@example.com", user.Email)
	assert.Equal(t, "digest", user.PasswordHash)
	assert.False(t, user.IsAdmin())
	assert.False(t, user.IsDisabled())
	assert.False(t, user.CreatedAt.IsZero())
	assert.Equal(t, user.CreatedAt, user.UpdatedAt)
	assert.Equal(t, "users", user.TableName())
}

func TestUser_JSONHidesPasswordHash(t *testing.T) {
	user := NewUser("a@example.com", "secret-digest", RoleAdmin)

	data, err := json.Marshal(user)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret-digest")
	assert.NotContains(t, string(data), "password_hash")
}

func TestExecutionEvent_VisibleTo(t *testing.T) {
	event := NewExecutionEvent("A@example.com", "s1", "planner", "plan", EventStatusSuccess)

	assert.True(t, event.VisibleTo("a@example.com"))
	assert.True(t, event.VisibleTo("A@EXAMPLE.com"))
	assert.False(t, event.VisibleTo("b@example.com"))
	assert.Zero(t, event.SequenceID)
	assert.Equal(t, "execution_events", event.TableName())
}

func TestIsValidStatus(t *testing.T) {
	assert.True(t, IsValidStatus(EventStatusSuccess))
	assert.True(t, IsValidStatus(EventStatusError))
	assert.False(t, IsValidStatus("pending"))
}

func TestSessionCostSummary_Utilization(t *testing.T) {
	s := &SessionCostSummary{Cost: 0.85, Limit: 1.0}
	assert.InDelta(t, 0.85, s.Utilization(), 1e-9)

	s.Limit = 0
	assert.Zero(t, s.Utilization())
}
