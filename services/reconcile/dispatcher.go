package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/careportal-auth/models"
	"go.uber.org/zap"
)

// DispatcherConfig holds configuration for the Dispatcher
type DispatcherConfig struct {
	QueueSize   int // Size of the pending subject channel
	WorkerCount int // Number of concurrent workers
}

// DefaultDispatcherConfig returns the default configuration
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:   1024,
		WorkerCount: 4,
	}
}

// Dispatcher runs reconciliations on a bounded worker pool so requests do
// not wait on identity providers. It implements the same ReconcileUser
// contract as Service, returning the record unchanged with OutcomeQueued.
type Dispatcher struct {
	svc         *Service
	logger      *zap.Logger
	queue       chan uuid.UUID
	workerCount int
	queueSize   int
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool
	pending map[uuid.UUID]struct{}
	dropped int64
}

// NewDispatcher creates a new Dispatcher
func NewDispatcher(svc *Service, logger *zap.Logger, config DispatcherConfig) *Dispatcher {
	def := DefaultDispatcherConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = def.WorkerCount
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		svc:         svc,
		logger:      logger,
		queue:       make(chan uuid.UUID, config.QueueSize),
		workerCount: config.WorkerCount,
		queueSize:   config.QueueSize,
		ctx:         ctx,
		cancel:      cancel,
		pending:     make(map[uuid.UUID]struct{}),
	}
}

// Start starts the background workers
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("reconcile dispatcher already started")
	}

	for i := 0; i < d.workerCount; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}

	d.started = true
	d.logger.Info("started reconcile dispatcher",
		zap.Int("worker_count", d.workerCount),
		zap.Int("queue_size", d.queueSize))
	return nil
}

// Stop stops accepting work and waits for queued reconciliations
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return fmt.Errorf("reconcile dispatcher not running")
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	d.logger.Info("stopping reconcile dispatcher", zap.Int("pending", len(d.queue)))

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		d.logger.Info("reconcile dispatcher stopped gracefully")
		return nil
	case <-time.After(timeout):
		d.cancel()
		return fmt.Errorf("reconcile dispatcher stop timeout after %v", timeout)
	}
}

// Enqueue schedules a reconciliation of id without blocking. A subject that
// is already queued is not queued twice. It reports whether id is queued.
func (d *Dispatcher) Enqueue(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started || d.stopped {
		return false
	}
	if _, ok := d.pending[id]; ok {
		return true
	}

	select {
	case d.queue <- id:
		d.pending[id] = struct{}{}
		return true
	default:
		d.dropped++
		d.logger.Warn("reconcile queue full, dropping subject", zap.String("user_id", id.String()))
		return false
	}
}

// ReconcileUser queues user when it needs a sync and returns it unchanged
func (d *Dispatcher) ReconcileUser(_ context.Context, user *models.User) (*models.User, Outcome) {
	if !d.svc.NeedsSync(user) {
		return user, OutcomeFresh
	}
	if !d.Enqueue(user.ID) {
		return user, OutcomeFailed
	}
	return user, OutcomeQueued
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	d.logger.Debug("reconcile worker started", zap.Int("worker_id", id))

	for subject := range d.queue {
		d.mu.Lock()
		delete(d.pending, subject)
		d.mu.Unlock()

		outcome := d.svc.ReconcileByID(d.ctx, subject)
		d.logger.Debug("reconciled",
			zap.Int("worker_id", id),
			zap.String("user_id", subject.String()),
			zap.String("outcome", string(outcome)))
	}

	d.logger.Debug("reconcile worker stopped", zap.Int("worker_id", id))
}

// Stats describes the dispatcher state
type Stats struct {
	Started     bool
	WorkerCount int
	QueueSize   int
	Queued      int
	Dropped     int64
}

// GetStats returns statistics about the dispatcher
func (d *Dispatcher) GetStats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	return Stats{
		Started:     d.started && !d.stopped,
		WorkerCount: d.workerCount,
		QueueSize:   d.queueSize,
		Queued:      len(d.queue),
		Dropped:     d.dropped,
	}
}
