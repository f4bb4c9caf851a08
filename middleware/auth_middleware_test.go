package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/careportal-auth/models"
	"github.com/upb/careportal-auth/repositories"
	"github.com/upb/careportal-auth/services"
	"github.com/upb/careportal-auth/services/reconcile"
	"github.com/upb/careportal-auth/services/token"
	"github.com/upb/careportal-auth/utils"
	"go.uber.org/zap/zaptest"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// MockUserLookup is a mock implementation of UserLookup
type MockUserLookup struct {
	mock.Mock
}

func (m *MockUserLookup) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	args := m.Called(ctx, id)
	if u := args.Get(0); u != nil {
		return u.(*models.User), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockReconciler is a mock implementation of Reconciler
type MockReconciler struct {
	mock.Mock
}

func (m *MockReconciler) ReconcileUser(ctx context.Context, user *models.User) (*models.User, reconcile.Outcome) {
	args := m.Called(ctx, user)
	return args.Get(0).(*models.User), args.Get(1).(reconcile.Outcome)
}

type gateFixture struct {
	gate   *Gate
	tokens *token.Service
	users  *MockUserLookup
	clock  *fakeClock
}

func newGateFixture(t *testing.T, reconciler Reconciler) *gateFixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)}
	tokens, err := token.NewService(token.Config{Secret: testSecret, Issuer: "careportal"}, zaptest.NewLogger(t), token.WithClock(clock.Now))
	require.NoError(t, err)

	users := new(MockUserLookup)
	return &gateFixture{
		gate:   NewGate(tokens, users, reconciler, nil, zaptest.NewLogger(t)),
		tokens: tokens,
		users:  users,
		clock:  clock,
	}
}

func (f *gateFixture) bearer(t *testing.T, u *models.User, mfa bool) string {
	t.Helper()
	pair, err := f.tokens.Issue(u.ID.String(), u.Role, token.WithMFA(mfa))
	require.NoError(t, err)
	return "Bearer " + pair.AccessToken
}

// echoIdentity writes the attached IdentityContext back as JSON
var echoIdentity = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	ic, ok := GetIdentity(r.Context())
	if !ok {
		w.WriteHeader(http.StatusTeapot)
		return
	}
	_ = utils.WriteOK(w, ic)
})

func serve(h http.Handler, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) utils.ErrorResponse {
	t.Helper()
	var body utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func TestRequireAuth_AttachesIdentity(t *testing.T) {
	f := newGateFixture(t, nil)
	u := models.NewUser("jane@example.com", "Jane", models.RolePatient, models.RoleSourceLocal)
	f.users.On("GetByID", mock.Anything, u.ID).Return(u, nil)

	w := serve(f.gate.RequireAuth(echoIdentity), f.bearer(t, u, false))

	require.Equal(t, http.StatusOK, w.Code)
	var ic models.IdentityContext
	require.NoError(t, json.NewDecoder(w.Body).Decode(&ic))
	assert.Equal(t, models.IdentityContext{ID: u.ID, Email: u.Email, Role: models.RolePatient, Active: true}, ic)
}

func TestRequireAuth_ExpiryScenario(t *testing.T) {
	f := newGateFixture(t, nil)
	u := models.NewUser("u1@example.com", "U1", models.RolePatient, models.RoleSourceLocal)
	f.users.On("GetByID", mock.Anything, u.ID).Return(u, nil)
	header := f.bearer(t, u, false)
	h := f.gate.RequireAuth(echoIdentity)

	f.clock.Advance(14 * time.Minute)
	assert.Equal(t, http.StatusOK, serve(h, header).Code)

	f.clock.Advance(2 * time.Minute)
	w := serve(h, header)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	body := errorBody(t, w)
	assert.Equal(t, "fail", body.Status)
	assert.Equal(t, "EXPIRED_TOKEN", body.Code)
}

func TestRequireAuth_Rejections(t *testing.T) {
	f := newGateFixture(t, nil)
	active := models.NewUser("jane@example.com", "Jane", models.RolePatient, models.RoleSourceLocal)
	inactive := models.NewUser("gone@example.com", "Gone", models.RoleProvider, models.RoleSourceLocal)
	inactive.Active = false
	missing := models.NewUser("missing@example.com", "Missing", models.RolePatient, models.RoleSourceLocal)
	broken := models.NewUser("broken@example.com", "Broken", models.RolePatient, models.RoleSourceLocal)

	f.users.On("GetByID", mock.Anything, active.ID).Return(active, nil)
	f.users.On("GetByID", mock.Anything, inactive.ID).Return(inactive, nil)
	f.users.On("GetByID", mock.Anything, missing.ID).Return(nil, repositories.ErrNotFound)
	f.users.On("GetByID", mock.Anything, broken.ID).Return(nil, errors.New("connection reset"))

	refresh, err := f.tokens.Issue(active.ID.String(), active.Role)
	require.NoError(t, err)

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": active.ID.String(), "iss": "careportal", "typ": "access",
		"exp": f.clock.Now().Add(time.Hour).Unix(),
	})
	forged, err := foreign.SignedString([]byte("another-secret-another-secret-xx"))
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantCode   string
	}{
		{name: "missing header", header: "", wantStatus: 401, wantCode: "UNAUTHENTICATED"},
		{name: "wrong scheme", header: "Basic dXNlcjpwYXNz", wantStatus: 401, wantCode: "UNAUTHENTICATED"},
		{name: "empty bearer", header: "Bearer ", wantStatus: 401, wantCode: "UNAUTHENTICATED"},
		{name: "garbage token", header: "Bearer not-a-jwt", wantStatus: 401, wantCode: "INVALID_TOKEN"},
		{name: "foreign signature", header: "Bearer " + forged, wantStatus: 401, wantCode: "INVALID_TOKEN"},
		{name: "refresh token as bearer", header: "Bearer " + refresh.RefreshToken, wantStatus: 401, wantCode: "INVALID_TOKEN"},
		{name: "unknown subject", header: f.bearer(t, missing, false), wantStatus: 401, wantCode: "UNAUTHENTICATED"},
		{name: "inactive account", header: f.bearer(t, inactive, false), wantStatus: 401, wantCode: "ACCOUNT_INACTIVE"},
		{name: "store failure", header: f.bearer(t, broken, false), wantStatus: 500, wantCode: "INTERNAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(f.gate.RequireAuth(echoIdentity), tt.header)
			assert.Equal(t, tt.wantStatus, w.Code)
			body := errorBody(t, w)
			assert.Equal(t, tt.wantCode, body.Code)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestRequireAuth_SchemeIsCaseInsensitive(t *testing.T) {
	f := newGateFixture(t, nil)
	u := models.NewUser("jane@example.com", "Jane", models.RolePatient, models.RoleSourceLocal)
	f.users.On("GetByID", mock.Anything, u.ID).Return(u, nil)

	pair, err := f.tokens.Issue(u.ID.String(), u.Role)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, serve(f.gate.RequireAuth(echoIdentity), "bearer "+pair.AccessToken).Code)
	assert.Equal(t, http.StatusOK, serve(f.gate.RequireAuth(echoIdentity), "BEARER "+pair.AccessToken).Code)
}

func TestRequireAuth_LegacySubjectClaim(t *testing.T) {
	f := newGateFixture(t, nil)
	u := models.NewUser("old@example.com", "Old", models.RolePatient, models.RoleSourceLocal)
	f.users.On("GetByID", mock.Anything, u.ID).Return(u, nil)

	legacy := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":  u.ID.String(),
		"iss": "careportal",
		"exp": f.clock.Now().Add(10 * time.Minute).Unix(),
	})
	signed, err := legacy.SignedString(testSecret)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, serve(f.gate.RequireAuth(echoIdentity), "Bearer "+signed).Code)
}

func TestRequireAuth_UsesReconciledRecord(t *testing.T) {
	reconciler := new(MockReconciler)
	f := newGateFixture(t, reconciler)

	stored := models.NewUser("doc@example.com", "Doc", models.RolePatient, models.RoleSourceProvider)
	synced := *stored
	synced.Role = models.RoleProvider
	synced.Email = "doctor@example.com"

	f.users.On("GetByID", mock.Anything, stored.ID).Return(stored, nil)
	reconciler.On("ReconcileUser", mock.Anything, stored).Return(&synced, reconcile.OutcomeSynced).Once()

	w := serve(f.gate.RequireAuth(echoIdentity), f.bearer(t, stored, false))
	require.Equal(t, http.StatusOK, w.Code)

	var ic models.IdentityContext
	require.NoError(t, json.NewDecoder(w.Body).Decode(&ic))
	assert.Equal(t, models.RoleProvider, ic.Role, "role comes from the record, not the token")
	assert.Equal(t, "doctor@example.com", ic.Email)
	reconciler.AssertExpectations(t)
}

func TestRequireAuth_FailedReconcileDoesNotBlock(t *testing.T) {
	reconciler := new(MockReconciler)
	f := newGateFixture(t, reconciler)
	u := models.NewUser("doc@example.com", "Doc", models.RoleProvider, models.RoleSourceProvider)

	f.users.On("GetByID", mock.Anything, u.ID).Return(u, nil)
	reconciler.On("ReconcileUser", mock.Anything, u).Return(u, reconcile.OutcomeFailed)

	assert.Equal(t, http.StatusOK, serve(f.gate.RequireAuth(echoIdentity), f.bearer(t, u, false)).Code)
}

func TestRequireAuth_ReconcileCannotReviveInactive(t *testing.T) {
	reconciler := new(MockReconciler)
	f := newGateFixture(t, reconciler)
	u := models.NewUser("gone@example.com", "Gone", models.RolePatient, models.RoleSourceProvider)
	u.Active = false

	f.users.On("GetByID", mock.Anything, u.ID).Return(u, nil)
	reconciler.On("ReconcileUser", mock.Anything, u).Return(u, reconcile.OutcomeSynced)

	w := serve(f.gate.RequireAuth(echoIdentity), f.bearer(t, u, false))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "ACCOUNT_INACTIVE", errorBody(t, w).Code)
}

func TestAuthorize(t *testing.T) {
	tests := []struct {
		name    string
		role    models.Role
		allowed models.RoleSet
		wantErr bool
	}{
		{name: "member", role: models.RoleProvider, allowed: models.NewRoleSet(models.RoleAdmin, models.RoleProvider)},
		{name: "not a member", role: models.RolePatient, allowed: models.NewRoleSet(models.RoleAdmin, models.RoleProvider), wantErr: true},
		{name: "admin is not implied", role: models.RoleAdmin, allowed: models.NewRoleSet(models.RoleProvider), wantErr: true},
		{name: "empty set", role: models.RoleAdmin, allowed: models.NewRoleSet(), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Authorize(models.IdentityContext{ID: uuid.New(), Role: tt.role, Active: true}, tt.allowed)
			if tt.wantErr {
				assert.ErrorIs(t, err, services.ErrForbidden)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRestrictTo(t *testing.T) {
	f := newGateFixture(t, nil)
	patient := models.NewUser("pat@example.com", "Pat", models.RolePatient, models.RoleSourceLocal)
	provider := models.NewUser("doc@example.com", "Doc", models.RoleProvider, models.RoleSourceLocal)
	f.users.On("GetByID", mock.Anything, patient.ID).Return(patient, nil)
	f.users.On("GetByID", mock.Anything, provider.ID).Return(provider, nil)

	h := f.gate.RequireAuth(f.gate.RestrictTo(models.RoleAdmin, models.RoleProvider)(echoIdentity))

	w := serve(h, f.bearer(t, patient, false))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", errorBody(t, w).Code)

	assert.Equal(t, http.StatusOK, serve(h, f.bearer(t, provider, false)).Code)
}

func TestRestrictTo_WithoutIdentity(t *testing.T) {
	f := newGateFixture(t, nil)
	w := serve(f.gate.RestrictTo(models.RoleAdmin)(echoIdentity), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireMFA(t *testing.T) {
	f := newGateFixture(t, nil)
	enrolled := models.NewUser("admin@example.com", "Admin", models.RoleAdmin, models.RoleSourceLocal)
	enrolled.MFAEnabled = true
	plain := models.NewUser("admin2@example.com", "Admin2", models.RoleAdmin, models.RoleSourceLocal)
	f.users.On("GetByID", mock.Anything, enrolled.ID).Return(enrolled, nil)
	f.users.On("GetByID", mock.Anything, plain.ID).Return(plain, nil)

	h := f.gate.RequireAuth(f.gate.RequireMFA(echoIdentity))

	w := serve(h, f.bearer(t, enrolled, false))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "MFA_STEP_UP_REQUIRED", errorBody(t, w).Code)

	assert.Equal(t, http.StatusOK, serve(h, f.bearer(t, enrolled, true)).Code)
	assert.Equal(t, http.StatusOK, serve(h, f.bearer(t, plain, false)).Code)

	assert.Equal(t, http.StatusUnauthorized, serve(f.gate.RequireMFA(echoIdentity), "").Code)
}

func TestIdentityContextRoundTrip(t *testing.T) {
	_, ok := GetIdentity(context.Background())
	assert.False(t, ok)

	ic := models.IdentityContext{ID: uuid.New(), Email: "a@example.com", Role: models.RoleAdmin, Active: true}
	ctx := WithIdentity(context.Background(), ic)

	got, ok := GetIdentity(ctx)
	require.True(t, ok)
	got.Role = models.RolePatient

	again, _ := GetIdentity(ctx)
	assert.Equal(t, models.RoleAdmin, again.Role, "callers receive copies")
}
