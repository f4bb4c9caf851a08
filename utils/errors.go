package utils

import (
	"net/http"

	"github.com/upb/careportal-auth/services"
	"go.uber.org/zap"
)

// StatusForError maps a domain error type to an HTTP status
func StatusForError(err error) int {
	switch services.GetErrorType(err) {
	case services.ErrorTypeValidation:
		return http.StatusBadRequest
	case services.ErrorTypeUnauthorized:
		return http.StatusUnauthorized
	case services.ErrorTypeForbidden:
		return http.StatusForbidden
	case services.ErrorTypeNotFound:
		return http.StatusNotFound
	case services.ErrorTypeConflict:
		return http.StatusConflict
	case services.ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// WriteServiceError writes err as an ErrorResponse. Client errors carry the
// domain code, message and details. Everything else, including errors that
// are not domain errors, is logged and answered with a generic 500 body.
func WriteServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	status := StatusForError(err)

	if status == http.StatusInternalServerError {
		logger.Error("request failed",
			zap.Error(err),
			zap.String("error_type", string(services.GetErrorType(err))),
		)
		if werr := WriteInternalServerError(w, ""); werr != nil {
			logger.Error("failed to write error response", zap.Error(werr))
		}
		return
	}

	details := services.GetErrorDetails(err)
	logger.Debug("request rejected",
		zap.Int("status", status),
		zap.String("code", services.GetErrorCode(err)),
		zap.Error(err),
	)
	if werr := WriteError(w, status, services.GetErrorCode(err), services.GetErrorMessage(err), details); werr != nil {
		logger.Error("failed to write error response", zap.Error(werr))
	}
}
