package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/careportal-auth/models"
	"github.com/upb/careportal-auth/repositories"
	"github.com/upb/careportal-auth/services"
	"github.com/upb/careportal-auth/services/providers"
	"go.uber.org/zap/zaptest"
)

// fakeUsers stores records in memory and applies profile syncs with the
// same role guard as the postgres statement
type fakeUsers struct {
	repositories.UserRepository
	mu      sync.Mutex
	users   map[uuid.UUID]models.User
	applied int
	failErr error
}

func newFakeUsers(users ...*models.User) *fakeUsers {
	f := &fakeUsers{users: make(map[uuid.UUID]models.User)}
	for _, u := range users {
		f.users[u.ID] = *u
	}
	return f
}

func (f *fakeUsers) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return &u, nil
}

func (f *fakeUsers) ApplyProfileSync(_ context.Context, id uuid.UUID, sync models.ProfileSync) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	u, ok := f.users[id]
	if !ok {
		return repositories.ErrNotFound
	}
	u.Email = sync.Email
	u.DisplayName = sync.DisplayName
	u.EmailVerified = sync.EmailVerified
	if u.RoleSource == models.RoleSourceProvider {
		u.Role = sync.Role
	}
	at := sync.SyncedAt
	u.LastSyncedAt = &at
	f.users[id] = u
	f.applied++
	return nil
}

func (f *fakeUsers) appliedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied
}

type fakeIdentities struct {
	repositories.ExternalIdentityRepository
	links map[uuid.UUID][]*models.ExternalIdentity
	lists atomic.Int32
}

func (f *fakeIdentities) ListByUser(_ context.Context, userID uuid.UUID) ([]*models.ExternalIdentity, error) {
	f.lists.Add(1)
	return f.links[userID], nil
}

// countingProvider returns a fixed profile and counts calls
type countingProvider struct {
	name    string
	profile providers.Profile
	err     error
	delay   time.Duration
	calls   atomic.Int32
}

func (p *countingProvider) Name() string { return p.name }

func (p *countingProvider) FetchProfile(ctx context.Context, externalID string) (*providers.Profile, error) {
	p.calls.Add(1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, providers.Unavailable(p.name, "request failed", 0, ctx.Err())
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	profile := p.profile
	profile.ExternalID = externalID
	return &profile, nil
}

var testNow = time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc        *Service
	users      *fakeUsers
	provider   *countingProvider
	identities *fakeIdentities
}

func newFixture(t *testing.T, cfg Config, users ...*models.User) *fixture {
	t.Helper()
	provider := &countingProvider{name: "auth0"}
	registry := providers.NewRegistry()
	require.NoError(t, registry.RegisterProvider(provider))

	identities := &fakeIdentities{links: make(map[uuid.UUID][]*models.ExternalIdentity)}
	for _, u := range users {
		identities.links[u.ID] = []*models.ExternalIdentity{
			models.NewExternalIdentity(u.ID, "auth0", "auth0|"+u.ID.String(), u.Email),
		}
	}

	fu := newFakeUsers(users...)
	svc := NewService(fu, identities, registry, cfg, zaptest.NewLogger(t), WithClock(func() time.Time { return testNow }))
	t.Cleanup(svc.Close)
	return &fixture{svc: svc, users: fu, provider: provider, identities: identities}
}

func providerUser(email string) *models.User {
	return models.NewUser(email, "Provider User", models.RoleProvider, models.RoleSourceProvider)
}

func TestReconcileUser_U2RoleStaysWithoutHint(t *testing.T) {
	u2 := providerUser("u2@example.com")
	f := newFixture(t, DefaultConfig(), u2)
	f.provider.profile = providers.Profile{Email: "u2@example.com", DisplayName: "Dr. U2", EmailVerified: true}

	updated, outcome := f.svc.ReconcileUser(context.Background(), u2)

	assert.Equal(t, OutcomeSynced, outcome)
	assert.Equal(t, models.RoleProvider, updated.Role)
	assert.Equal(t, "Dr. U2", updated.DisplayName)
	assert.True(t, updated.EmailVerified)
	require.NotNil(t, updated.LastSyncedAt)
	assert.Equal(t, testNow, *updated.LastSyncedAt)

	stored, _ := f.users.GetByID(context.Background(), u2.ID)
	assert.Equal(t, models.RoleProvider, stored.Role)
	assert.Equal(t, testNow, *stored.LastSyncedAt)
}

func TestReconcileUser_HintAppliesToProviderSourcedRole(t *testing.T) {
	u := providerUser("p@example.com")
	f := newFixture(t, DefaultConfig(), u)
	f.provider.profile = providers.Profile{Email: "p@example.com", RoleHint: "admin"}

	updated, outcome := f.svc.ReconcileUser(context.Background(), u)

	assert.Equal(t, OutcomeSynced, outcome)
	assert.Equal(t, models.RoleAdmin, updated.Role)
}

func TestReconcileUser_NeverDowngradesLocalRole(t *testing.T) {
	admin := models.NewUser("admin@example.com", "Admin", models.RoleAdmin, models.RoleSourceLocal)
	f := newFixture(t, DefaultConfig(), admin)
	f.provider.profile = providers.Profile{Email: "admin@example.com", RoleHint: "PATIENT"}

	updated, outcome := f.svc.ReconcileUser(context.Background(), admin)

	assert.Equal(t, OutcomeSynced, outcome)
	assert.Equal(t, models.RoleAdmin, updated.Role)
	stored, _ := f.users.GetByID(context.Background(), admin.ID)
	assert.Equal(t, models.RoleAdmin, stored.Role)
}

func TestReconcileUser_FreshRecordIsNotFetched(t *testing.T) {
	u := providerUser("fresh@example.com")
	synced := testNow.Add(-29 * time.Minute)
	u.LastSyncedAt = &synced
	f := newFixture(t, DefaultConfig(), u)

	got, outcome := f.svc.ReconcileUser(context.Background(), u)

	assert.Equal(t, OutcomeFresh, outcome)
	assert.Same(t, u, got)
	assert.Equal(t, int32(0), f.provider.calls.Load())
}

func TestReconcileByID_AtMostOneFetchWithinThreshold(t *testing.T) {
	u := providerUser("twice@example.com")
	f := newFixture(t, DefaultConfig(), u)
	f.provider.profile = providers.Profile{Email: "twice@example.com"}

	assert.Equal(t, OutcomeSynced, f.svc.ReconcileByID(context.Background(), u.ID))
	assert.Equal(t, OutcomeFresh, f.svc.ReconcileByID(context.Background(), u.ID))
	assert.Equal(t, int32(1), f.provider.calls.Load())
}

func TestReconcileUser_ConcurrentCallsShareOneFetch(t *testing.T) {
	u := providerUser("race@example.com")
	f := newFixture(t, DefaultConfig(), u)
	f.provider.profile = providers.Profile{Email: "race@example.com", DisplayName: "Racer"}
	f.provider.delay = 150 * time.Millisecond

	const n = 10
	results := make([]*models.User, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = f.svc.ReconcileUser(context.Background(), u)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.provider.calls.Load())
	assert.Equal(t, 1, f.users.appliedCount())
	for _, r := range results {
		assert.Equal(t, "Racer", r.DisplayName)
	}
}

func TestReconcileUser_JoinedCallerKeepsItsOwnRecord(t *testing.T) {
	u := providerUser("joined@example.com")
	f := newFixture(t, DefaultConfig(), u)
	f.provider.profile = providers.Profile{Email: "joined@example.com", DisplayName: "Joined", RoleHint: "ADMIN"}
	f.provider.delay = 200 * time.Millisecond

	// The second caller loaded the record after an admin deactivated the
	// account and pinned its role locally
	deactivated := *u
	deactivated.Active = false
	deactivated.Role = models.RolePatient
	deactivated.RoleSource = models.RoleSourceLocal

	first := make(chan *models.User, 1)
	go func() {
		got, _ := f.svc.ReconcileUser(context.Background(), u)
		first <- got
	}()
	require.Eventually(t, func() bool { return f.provider.calls.Load() == 1 }, time.Second, time.Millisecond)

	got, outcome := f.svc.ReconcileUser(context.Background(), &deactivated)

	assert.Equal(t, OutcomeSynced, outcome)
	assert.False(t, got.Active, "active=false must survive a shared fetch")
	assert.Equal(t, models.RolePatient, got.Role)
	assert.Equal(t, models.RoleSourceLocal, got.RoleSource)
	assert.Equal(t, "Joined", got.DisplayName)
	assert.Equal(t, int32(1), f.provider.calls.Load())

	other := <-first
	assert.True(t, other.Active)
	assert.Equal(t, models.RoleAdmin, other.Role)
}

func TestReconcileUser_FailureLeavesRecordUntouched(t *testing.T) {
	u := providerUser("down@example.com")
	f := newFixture(t, DefaultConfig(), u)
	f.provider.err = providers.Unavailable("auth0", "unexpected status", 503, nil)

	got, outcome := f.svc.ReconcileUser(context.Background(), u)

	assert.Equal(t, OutcomeFailed, outcome)
	assert.Same(t, u, got)
	assert.Equal(t, 0, f.users.appliedCount())
	stored, _ := f.users.GetByID(context.Background(), u.ID)
	assert.Nil(t, stored.LastSyncedAt)

	t.Run("backoff suppresses immediate retry", func(t *testing.T) {
		_, outcome := f.svc.ReconcileUser(context.Background(), u)
		assert.Equal(t, OutcomeBackoff, outcome)
		assert.Equal(t, int32(1), f.provider.calls.Load())
		assert.False(t, f.svc.NeedsSync(u))
	})

	t.Run("force ignores backoff", func(t *testing.T) {
		f.provider.err = nil
		f.provider.profile = providers.Profile{Email: "down@example.com"}
		updated, outcome, err := f.svc.Force(context.Background(), u.ID)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSynced, outcome)
		assert.NotNil(t, updated.LastSyncedAt)
	})
}

func TestReconcileUser_WriteFailure(t *testing.T) {
	u := providerUser("dup@example.com")
	f := newFixture(t, Config{FailureBackoff: 0}, u)
	f.provider.profile = providers.Profile{Email: "taken@example.com"}
	f.users.failErr = repositories.ErrDuplicate

	got, outcome := f.svc.ReconcileUser(context.Background(), u)

	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, "dup@example.com", got.Email)
	assert.True(t, f.svc.NeedsSync(u), "no backoff configured")
}

func TestReconcileUser_Timeout(t *testing.T) {
	u := providerUser("slow@example.com")
	f := newFixture(t, Config{Timeout: 50 * time.Millisecond}, u)
	f.provider.delay = 2 * time.Second

	start := time.Now()
	got, outcome := f.svc.ReconcileUser(context.Background(), u)

	assert.Equal(t, OutcomeFailed, outcome)
	assert.Same(t, u, got)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNewService_CapsTimeout(t *testing.T) {
	f := newFixture(t, Config{Timeout: 10 * time.Second})
	assert.Equal(t, 3*time.Second, f.svc.cfg.Timeout)
	assert.Equal(t, 30*time.Minute, f.svc.cfg.StalenessThreshold)
}

func TestReconcileUser_LocalOnlyAccount(t *testing.T) {
	local := models.NewUser("local@example.com", "Local", models.RolePatient, models.RoleSourceLocal)
	f := newFixture(t, DefaultConfig())
	f.users.users[local.ID] = *local

	got, outcome := f.svc.ReconcileUser(context.Background(), local)

	assert.Equal(t, OutcomeLocalOnly, outcome)
	assert.Same(t, local, got)
	assert.Equal(t, int32(0), f.provider.calls.Load())

	t.Run("remembered for the staleness threshold", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			_, outcome := f.svc.ReconcileUser(context.Background(), local)
			assert.Equal(t, OutcomeLocalOnly, outcome)
		}
		assert.Equal(t, int32(1), f.identities.lists.Load())
		assert.False(t, f.svc.NeedsSync(local))
	})

	t.Run("force looks again", func(t *testing.T) {
		f.identities.links[local.ID] = []*models.ExternalIdentity{
			models.NewExternalIdentity(local.ID, "auth0", "auth0|late-link", local.Email),
		}
		f.provider.profile = providers.Profile{Email: "local@example.com", DisplayName: "Linked"}

		updated, outcome, err := f.svc.Force(context.Background(), local.ID)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSynced, outcome)
		assert.Equal(t, "Linked", updated.DisplayName)
	})
}

func TestReconcileUser_UnknownProvider(t *testing.T) {
	u := providerUser("okta@example.com")
	f := newFixture(t, DefaultConfig(), u)
	f.identities.links[u.ID] = []*models.ExternalIdentity{
		models.NewExternalIdentity(u.ID, "okta", "00u1", u.Email),
	}

	_, outcome := f.svc.ReconcileUser(context.Background(), u)
	assert.Equal(t, OutcomeFailed, outcome)
}

func TestForce_UnknownUser(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, _, err := f.svc.Force(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, services.ErrUserNotFound))
}

func TestMerge(t *testing.T) {
	base := func(source models.RoleSource) *models.User {
		u := models.NewUser("old@example.com", "Old Name", models.RoleProvider, source)
		return u
	}

	tests := []struct {
		name    string
		user    *models.User
		profile providers.Profile
		want    models.ProfileSync
	}{
		{
			name:    "provider role with valid hint",
			user:    base(models.RoleSourceProvider),
			profile: providers.Profile{Email: "New@Example.com", DisplayName: "New", EmailVerified: true, RoleHint: "patient"},
			want:    models.ProfileSync{Email: "new@example.com", DisplayName: "New", EmailVerified: true, Role: models.RolePatient, SyncedAt: testNow},
		},
		{
			name:    "empty hint keeps role",
			user:    base(models.RoleSourceProvider),
			profile: providers.Profile{Email: "old@example.com"},
			want:    models.ProfileSync{Email: "old@example.com", DisplayName: "Old Name", Role: models.RoleProvider, SyncedAt: testNow},
		},
		{
			name:    "invalid hint keeps role",
			user:    base(models.RoleSourceProvider),
			profile: providers.Profile{RoleHint: "superuser"},
			want:    models.ProfileSync{Email: "old@example.com", DisplayName: "Old Name", Role: models.RoleProvider, SyncedAt: testNow},
		},
		{
			name:    "local role ignores hint",
			user:    base(models.RoleSourceLocal),
			profile: providers.Profile{RoleHint: "ADMIN", DisplayName: "  "},
			want:    models.ProfileSync{Email: "old@example.com", DisplayName: "Old Name", Role: models.RoleProvider, SyncedAt: testNow},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(tt.user, &tt.profile, testNow)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, Merge(tt.user, &tt.profile, testNow), "merge is deterministic")
		})
	}
}
