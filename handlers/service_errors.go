package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/agent-telemetry/services"
	"github.com/upb/agent-telemetry/utils"
)

// HandleServiceError maps domain errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	details := services.GetErrorDetails(err)
	var writeErr error

	switch {
	case services.IsNotFoundError(err):
		writeErr = utils.WriteNotFound(w, clientMessage(err))

	case services.IsValidationError(err):
		writeErr = utils.WriteBadRequest(w, clientMessage(err), details)

	case services.IsUnauthorizedError(err):
		if code := services.GetErrorCode(err); code != "" {
			details = map[string]interface{}{"reason": code}
		}
		writeErr = utils.WriteUnauthorized(w, publicMessage(err), details)

	case services.IsForbiddenError(err):
		writeErr = utils.WriteForbidden(w, clientMessage(err))

	case services.IsRateLimitError(err):
		writeErr = utils.WriteTooManyRequests(w, clientMessage(err), details)

	case services.IsBudgetError(err):
		writeErr = utils.WriteJSON(w, http.StatusTooManyRequests, utils.ErrorResponse{
			Error:   "budget_exceeded",
			Message: clientMessage(err),
			Details: details,
		})

	case services.IsConflictError(err):
		writeErr = utils.WriteConflict(w, clientMessage(err), details)

	case services.IsStoreError(err):
		logger.Warn("store unavailable", zap.Error(err))
		writeErr = utils.WriteServiceUnavailable(w, "Storage temporarily unavailable, retry later")

	case services.IsInternalError(err):
		logger.Error("internal server error", zap.Error(err))
		writeErr = utils.WriteInternalServerError(w, "An internal error occurred")

	default:
		logger.Error("unhandled error type",
			zap.Error(err),
			zap.String("error_type", string(services.GetErrorType(err))))
		writeErr = utils.WriteInternalServerError(w, "An unexpected error occurred")
	}

	if writeErr != nil {
		logger.Error("failed to write error response", zap.Error(writeErr))
	}
}

// clientMessage returns the domain message without the wrapped cause
func clientMessage(err error) string {
	var domainErr *services.DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Message
	}
	return err.Error()
}

// publicMessage hides wrapped causes of auth failures, e.g. a revocation store outage
func publicMessage(err error) string {
	switch services.GetErrorCode(err) {
	case services.CodeInvalidCredentials:
		return services.ErrInvalidCredentials.Message
	case services.CodeTokenExpired:
		return services.ErrTokenExpired.Message
	case services.CodeTokenRevoked:
		return services.ErrTokenRevoked.Message
	case services.CodeMalformedToken:
		return services.ErrMalformedToken.Message
	}
	return "authentication required"
}

// HandleValidationError handles errors from request decoding and struct validation
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var writeErr error
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			details[k] = v
		}
		writeErr = utils.WriteBadRequest(w, "Validation failed", details)
	} else {
		writeErr = utils.WriteBadRequest(w, err.Error(), nil)
	}
	if writeErr != nil {
		logger.Error("failed to write validation error response", zap.Error(writeErr))
	}
}
