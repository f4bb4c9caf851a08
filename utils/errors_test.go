package utils

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/upb/careportal-auth/services"
	"go.uber.org/zap/zaptest"
)

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
		wantCode   string
		wantMsg    string
	}{
		{name: "unauthenticated", err: services.ErrUnauthenticated, wantStatus: 401, wantKind: "fail", wantCode: "UNAUTHENTICATED", wantMsg: "authentication required"},
		{name: "expired token", err: services.ErrExpiredToken, wantStatus: 401, wantKind: "fail", wantCode: "EXPIRED_TOKEN", wantMsg: "authentication token expired"},
		{name: "inactive", err: services.ErrAccountInactive, wantStatus: 401, wantKind: "fail", wantCode: "ACCOUNT_INACTIVE", wantMsg: "account is inactive"},
		{name: "mfa required", err: services.ErrMFARequired, wantStatus: 401, wantKind: "fail", wantCode: "MFA_REQUIRED", wantMsg: "multi-factor authentication code required"},
		{name: "forbidden", err: services.ErrForbidden, wantStatus: 403, wantKind: "fail", wantCode: "FORBIDDEN", wantMsg: "you do not have permission to perform this action"},
		{name: "invalid mfa code", err: services.ErrMFAInvalidCode, wantStatus: 400, wantKind: "fail", wantCode: "MFA_INVALID_CODE", wantMsg: "invalid verification code"},
		{name: "already enabled", err: services.ErrMFAAlreadyEnabled, wantStatus: 409, wantKind: "fail", wantCode: "MFA_ALREADY_ENABLED", wantMsg: "multi-factor authentication is already enabled"},
		{name: "not found", err: services.ErrUserNotFound, wantStatus: 404, wantKind: "fail", wantCode: "USER_NOT_FOUND", wantMsg: "user not found"},
		{name: "wrapped cause stays hidden", err: services.ErrInvalidToken.Wrap(errors.New("signature is invalid")), wantStatus: 401, wantKind: "fail", wantCode: "INVALID_TOKEN", wantMsg: "invalid authentication token"},
		{name: "database", err: services.ErrDatabaseError.Wrap(errors.New("pq: connection refused")), wantStatus: 500, wantKind: "error", wantCode: "INTERNAL", wantMsg: "internal server error"},
		{name: "idp unavailable never leaks", err: services.ErrIdPUnavailable, wantStatus: 500, wantKind: "error", wantCode: "INTERNAL", wantMsg: "internal server error"},
		{name: "plain error", err: errors.New("boom"), wantStatus: 500, wantKind: "error", wantCode: "INTERNAL", wantMsg: "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteServiceError(w, tt.err, zaptest.NewLogger(t))

			assert.Equal(t, tt.wantStatus, w.Code)
			body := decodeError(t, w)
			assert.Equal(t, tt.wantKind, body.Status)
			assert.Equal(t, tt.wantCode, body.Code)
			assert.Equal(t, tt.wantMsg, body.Message)
		})
	}
}

func TestWriteServiceError_RateLimit(t *testing.T) {
	w := httptest.NewRecorder()
	err := services.ErrTooManyAttempts.WithDetail("retryAfter", "2024-05-02T12:05:00Z")
	WriteServiceError(w, err, zaptest.NewLogger(t))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "2024-05-02T12:05:00Z", body.Details["retryAfter"])
}
