package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/careportal-auth/models"
	"github.com/upb/careportal-auth/services/providers"
	"go.uber.org/zap/zaptest"
)

func TestDispatcher_ReconcilesInBackground(t *testing.T) {
	u := providerUser("async@example.com")
	f := newFixture(t, DefaultConfig(), u)
	f.provider.profile = providers.Profile{Email: "async@example.com", DisplayName: "Async"}

	d := NewDispatcher(f.svc, zaptest.NewLogger(t), DispatcherConfig{QueueSize: 8, WorkerCount: 2})
	require.NoError(t, d.Start())
	assert.Error(t, d.Start(), "second start is rejected")

	got, outcome := d.ReconcileUser(context.Background(), u)
	assert.Equal(t, OutcomeQueued, outcome)
	assert.Same(t, u, got, "async mode never changes the record seen by the request")

	assert.Eventually(t, func() bool { return f.users.appliedCount() == 1 }, time.Second, 10*time.Millisecond)

	stored, _ := f.users.GetByID(context.Background(), u.ID)
	assert.Equal(t, "Async", stored.DisplayName)

	_, outcome = d.ReconcileUser(context.Background(), stored)
	assert.Equal(t, OutcomeFresh, outcome)

	require.NoError(t, d.Stop(time.Second))
	assert.False(t, d.Enqueue(u.ID), "stopped dispatcher rejects work")
	assert.Error(t, d.Stop(time.Second))
}

func TestDispatcher_DedupesAndDrops(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	// Not started: the queue fills without being drained
	d := NewDispatcher(f.svc, zaptest.NewLogger(t), DispatcherConfig{QueueSize: 1, WorkerCount: 1})
	assert.False(t, d.Enqueue(uuid.New()), "not started")

	d.started = true
	first := uuid.New()
	assert.True(t, d.Enqueue(first))
	assert.True(t, d.Enqueue(first), "already pending")
	assert.False(t, d.Enqueue(uuid.New()), "queue full")

	stats := d.GetStats()
	assert.Equal(t, 1, stats.Queued)
	assert.Equal(t, int64(1), stats.Dropped)

	u := models.NewUser("full@example.com", "Full", models.RolePatient, models.RoleSourceProvider)
	_, outcome := d.ReconcileUser(context.Background(), u)
	assert.Equal(t, OutcomeFailed, outcome)
}

func TestDefaultDispatcherConfig(t *testing.T) {
	d := NewDispatcher(nil, nil, DispatcherConfig{})
	assert.Equal(t, 1024, d.queueSize)
	assert.Equal(t, 4, d.workerCount)
}
