package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var response ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	return response
}

func TestWriteJSON(t *testing.T) {
	t.Run("successful write", func(t *testing.T) {
		w := httptest.NewRecorder()

		err := WriteJSON(w, http.StatusOK, map[string]string{"message": "test"})
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response map[string]string
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "test", response["message"])
	})

	t.Run("nil data", func(t *testing.T) {
		w := httptest.NewRecorder()

		require.NoError(t, WriteJSON(w, http.StatusNoContent, nil))
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Empty(t, w.Body.String())
	})
}

func TestWriteOKAndCreated(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteOK(w, map[string]int64{"sequence_id": 7}))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"sequence_id":7}`, w.Body.String())

	w = httptest.NewRecorder()
	require.NoError(t, WriteCreated(w, map[string]string{"email": "a@x.com"}))
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"email":"a@x.com"}`, w.Body.String())
}

func TestWriteNoContent(t *testing.T) {
	w := httptest.NewRecorder()
	WriteNoContent(w)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestWriteUnauthorized(t *testing.T) {
	t.Run("with reason", func(t *testing.T) {
		w := httptest.NewRecorder()
		require.NoError(t, WriteUnauthorized(w, "Token revoked", map[string]interface{}{"reason": "token_revoked"}))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		response := decodeError(t, w)
		assert.Equal(t, "unauthorized", response.Error)
		assert.Equal(t, "Token revoked", response.Message)
		assert.Equal(t, "token_revoked", response.Details["reason"])
	})

	t.Run("default message", func(t *testing.T) {
		w := httptest.NewRecorder()
		require.NoError(t, WriteUnauthorized(w, "", nil))

		response := decodeError(t, w)
		assert.Equal(t, "Authentication required", response.Message)
		assert.Nil(t, response.Details)
	})
}

func TestWriteHelpers_DefaultMessages(t *testing.T) {
	tests := []struct {
		name    string
		write   func(w http.ResponseWriter) error
		status  int
		errType string
		message string
	}{
		{"forbidden", func(w http.ResponseWriter) error { return WriteForbidden(w, "") }, http.StatusForbidden, "forbidden", "Access forbidden"},
		{"not found", func(w http.ResponseWriter) error { return WriteNotFound(w, "") }, http.StatusNotFound, "not_found", "Resource not found"},
		{"too many", func(w http.ResponseWriter) error { return WriteTooManyRequests(w, "", nil) }, http.StatusTooManyRequests, "too_many_requests", "Rate limit exceeded"},
		{"unavailable", func(w http.ResponseWriter) error { return WriteServiceUnavailable(w, "") }, http.StatusServiceUnavailable, "service_unavailable", "Service temporarily unavailable"},
		{"internal", func(w http.ResponseWriter) error { return WriteInternalServerError(w, "") }, http.StatusInternalServerError, "internal_error", "Internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			require.NoError(t, tt.write(w))

			assert.Equal(t, tt.status, w.Code)
			response := decodeError(t, w)
			assert.Equal(t, tt.errType, response.Error)
			assert.Equal(t, tt.message, response.Message)
		})
	}
}

func TestWriteBadRequestAndConflict(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteBadRequest(w, "Invalid input", map[string]interface{}{"limit": "must be positive"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	response := decodeError(t, w)
	assert.Equal(t, "bad_request", response.Error)
	assert.Equal(t, "must be positive", response.Details["limit"])

	w = httptest.NewRecorder()
	require.NoError(t, WriteConflict(w, "Email already registered", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "conflict", decodeError(t, w).Error)
}

func TestWriteError_UnknownStatus(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteError(w, http.StatusTeapot, "odd", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "internal_error", decodeError(t, w).Error)
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Email string `json:"email"`
	}

	t.Run("valid", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"email":"a@x.com"}`))
		var dst body
		require.NoError(t, DecodeJSON(r, &dst))
		assert.Equal(t, "a@x.com", dst.Email)
	})

	t.Run("empty", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
		var dst body
		assert.ErrorIs(t, DecodeJSON(r, &dst), ErrEmptyBody)
	})

	t.Run("unknown field", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"email":"a@x.com","admin":true}`))
		var dst body
		assert.Error(t, DecodeJSON(r, &dst))
	})

	t.Run("trailing data", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"email":"a@x.com"}{}`))
		var dst body
		assert.Error(t, DecodeJSON(r, &dst))
	})

	t.Run("malformed", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"email":`))
		var dst body
		err := DecodeJSON(r, &dst)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid JSON body")
	})
}
