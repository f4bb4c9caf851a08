package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/careportal-auth/models"
	"github.com/upb/careportal-auth/services"
	"github.com/upb/careportal-auth/services/account"
	"github.com/upb/careportal-auth/services/token"
	"go.uber.org/zap"
)

// MockAccountService is a mock implementation of AccountService
type MockAccountService struct {
	mock.Mock
}

func (m *MockAccountService) Register(ctx context.Context, in account.RegisterInput) (*account.Session, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*account.Session), args.Error(1)
}

func (m *MockAccountService) Login(ctx context.Context, in account.LoginInput) (*account.Session, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*account.Session), args.Error(1)
}

func (m *MockAccountService) ExternalLogin(ctx context.Context, in account.ExternalLoginInput) (*account.Session, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*account.Session), args.Error(1)
}

func (m *MockAccountService) Refresh(ctx context.Context, refreshToken string) (*token.Pair, error) {
	args := m.Called(ctx, refreshToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*token.Pair), args.Error(1)
}

func (m *MockAccountService) Logout(ctx context.Context, refreshToken string) error {
	args := m.Called(ctx, refreshToken)
	return args.Error(0)
}

func jsonBody(t *testing.T, v interface{}) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func testSession() *account.Session {
	user := models.NewUser("jane@example.com", "Jane", models.RolePatient, models.RoleSourceLocal)
	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	return &account.Session{
		User: user,
		Tokens: &token.Pair{
			AccessToken:      "access-1",
			RefreshToken:     "refresh-1",
			AccessExpiresAt:  now.Add(15 * time.Minute),
			RefreshExpiresAt: now.Add(7 * 24 * time.Hour),
		},
	}
}

func TestHandleRegister(t *testing.T) {
	accounts := new(MockAccountService)
	handler := NewAuthHandler(accounts, nil, zap.NewNop())
	session := testSession()

	accounts.On("Register", mock.Anything, account.RegisterInput{
		Email:       "jane@example.com",
		Password:    "correct-horse",
		DisplayName: "Jane",
	}).Return(session, nil)

	req := httptest.NewRequest(http.MethodPost, "/auth/register", jsonBody(t, RegisterRequest{
		Email:       "jane@example.com",
		Password:    "correct-horse",
		DisplayName: "Jane",
	}))
	w := httptest.NewRecorder()
	handler.HandleRegister(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp TokenResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "access-1", resp.AccessToken)
	assert.Equal(t, "refresh-1", resp.RefreshToken)
	require.NotNil(t, resp.User)
	assert.Equal(t, session.User.ID, resp.User.ID)
	assert.Equal(t, models.RolePatient, resp.User.Role)
	assert.Equal(t, models.MFADisabled, resp.User.MFAState)
	accounts.AssertExpectations(t)
}

func TestHandleRegister_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		setup      func(*MockAccountService)
		wantStatus int
		wantCode   string
	}{
		{
			name:       "invalid email",
			body:       `{"email":"nope","password":"correct-horse"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "BAD_REQUEST",
		},
		{
			name:       "short password",
			body:       `{"email":"jane@example.com","password":"short"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "BAD_REQUEST",
		},
		{
			name:       "unknown field",
			body:       `{"email":"jane@example.com","password":"correct-horse","role":"ADMIN"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "BAD_REQUEST",
		},
		{
			name: "email taken",
			body: `{"email":"jane@example.com","password":"correct-horse"}`,
			setup: func(m *MockAccountService) {
				m.On("Register", mock.Anything, mock.Anything).Return(nil, services.ErrEmailTaken)
			},
			wantStatus: http.StatusConflict,
			wantCode:   "EMAIL_TAKEN",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accounts := new(MockAccountService)
			if tt.setup != nil {
				tt.setup(accounts)
			}
			handler := NewAuthHandler(accounts, nil, zap.NewNop())

			req := httptest.NewRequest(http.MethodPost, "/auth/register", bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()
			handler.HandleRegister(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCode, decodeErrorBody(t, w).Code)
			accounts.AssertExpectations(t)
		})
	}
}

func TestHandleLogin(t *testing.T) {
	t.Run("passes client ip and mfa code", func(t *testing.T) {
		accounts := new(MockAccountService)
		handler := NewAuthHandler(accounts, nil, zap.NewNop())

		accounts.On("Login", mock.Anything, account.LoginInput{
			Email:    "jane@example.com",
			Password: "correct-horse",
			MFACode:  "123456",
			IP:       "203.0.113.7",
		}).Return(testSession(), nil)

		req := httptest.NewRequest(http.MethodPost, "/auth/login", jsonBody(t, LoginRequest{
			Email:    "jane@example.com",
			Password: "correct-horse",
			MFACode:  "123456",
		}))
		req.RemoteAddr = "203.0.113.7:51234"
		w := httptest.NewRecorder()
		handler.HandleLogin(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp TokenResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "access-1", resp.AccessToken)
		accounts.AssertExpectations(t)
	})

	t.Run("mfa required", func(t *testing.T) {
		accounts := new(MockAccountService)
		handler := NewAuthHandler(accounts, nil, zap.NewNop())
		accounts.On("Login", mock.Anything, mock.Anything).Return(nil, services.ErrMFARequired)

		req := httptest.NewRequest(http.MethodPost, "/auth/login", jsonBody(t, LoginRequest{
			Email:    "jane@example.com",
			Password: "correct-horse",
		}))
		w := httptest.NewRecorder()
		handler.HandleLogin(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		body := decodeErrorBody(t, w)
		assert.Equal(t, "fail", body.Status)
		assert.Equal(t, "MFA_REQUIRED", body.Code)
	})

	t.Run("rate limited", func(t *testing.T) {
		accounts := new(MockAccountService)
		handler := NewAuthHandler(accounts, nil, zap.NewNop())
		accounts.On("Login", mock.Anything, mock.Anything).Return(nil, services.ErrTooManyAttempts)

		req := httptest.NewRequest(http.MethodPost, "/auth/login", jsonBody(t, LoginRequest{
			Email:    "jane@example.com",
			Password: "wrong",
		}))
		w := httptest.NewRecorder()
		handler.HandleLogin(w, req)

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
	})
}

func TestHandleExternalLogin(t *testing.T) {
	accounts := new(MockAccountService)
	handler := NewAuthHandler(accounts, nil, zap.NewNop())

	accounts.On("ExternalLogin", mock.Anything, account.ExternalLoginInput{
		Provider: "auth0",
		IDToken:  "id-token",
		IP:       "192.0.2.1",
	}).Return(testSession(), nil)
	accounts.On("ExternalLogin", mock.Anything, mock.MatchedBy(func(in account.ExternalLoginInput) bool {
		return in.Provider == "okta"
	})).Return(nil, services.ErrUnknownIdentityProv)

	req := httptest.NewRequest(http.MethodPost, "/auth/external/auth0", jsonBody(t, ExternalLoginRequest{IDToken: "id-token"}))
	req = withURLParam(req, "provider", "auth0")
	w := httptest.NewRecorder()
	handler.HandleExternalLogin(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/auth/external/okta", jsonBody(t, ExternalLoginRequest{IDToken: "id-token"}))
	req = withURLParam(req, "provider", "okta")
	w = httptest.NewRecorder()
	handler.HandleExternalLogin(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNKNOWN_PROVIDER", decodeErrorBody(t, w).Code)

	accounts.AssertExpectations(t)
}

func TestHandleRefresh(t *testing.T) {
	t.Run("returns rotated pair", func(t *testing.T) {
		accounts := new(MockAccountService)
		handler := NewAuthHandler(accounts, nil, zap.NewNop())
		accounts.On("Refresh", mock.Anything, "refresh-1").Return(&token.Pair{
			AccessToken:  "access-2",
			RefreshToken: "refresh-2",
		}, nil)

		req := httptest.NewRequest(http.MethodPost, "/auth/refresh", jsonBody(t, RefreshRequest{RefreshToken: "refresh-1"}))
		w := httptest.NewRecorder()
		handler.HandleRefresh(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp map[string]interface{}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "access-2", resp["accessToken"])
		assert.Equal(t, "refresh-2", resp["refreshToken"])
		assert.NotContains(t, resp, "user")
	})

	t.Run("invalid refresh token", func(t *testing.T) {
		accounts := new(MockAccountService)
		handler := NewAuthHandler(accounts, nil, zap.NewNop())
		accounts.On("Refresh", mock.Anything, "reused").Return(nil, services.ErrInvalidToken)

		req := httptest.NewRequest(http.MethodPost, "/auth/refresh", jsonBody(t, RefreshRequest{RefreshToken: "reused"}))
		w := httptest.NewRecorder()
		handler.HandleRefresh(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		body := decodeErrorBody(t, w)
		assert.Equal(t, "fail", body.Status)
		assert.Equal(t, "INVALID_TOKEN", body.Code)
		assert.NotEmpty(t, body.Message)
	})

	for name, body := range map[string]string{
		"missing token":  `{}`,
		"empty token":    `{"refreshToken":""}`,
		"malformed body": `{"refreshToken":`,
	} {
		t.Run(name, func(t *testing.T) {
			accounts := new(MockAccountService)
			handler := NewAuthHandler(accounts, nil, zap.NewNop())

			req := httptest.NewRequest(http.MethodPost, "/auth/refresh", bytes.NewBufferString(body))
			w := httptest.NewRecorder()
			handler.HandleRefresh(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			resp := decodeErrorBody(t, w)
			assert.Equal(t, "fail", resp.Status)
			assert.Equal(t, "INVALID_TOKEN", resp.Code)
			assert.NotEmpty(t, resp.Message)
			accounts.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything)
		})
	}
}

func TestHandleLogout(t *testing.T) {
	accounts := new(MockAccountService)
	handler := NewAuthHandler(accounts, nil, zap.NewNop())
	accounts.On("Logout", mock.Anything, "refresh-1").Return(nil)

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", jsonBody(t, RefreshRequest{RefreshToken: "refresh-1"}))
	w := httptest.NewRecorder()
	handler.HandleLogout(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
	accounts.AssertExpectations(t)
}
