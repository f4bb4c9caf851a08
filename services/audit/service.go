// Package audit writes the security audit trail off the request path.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/careportal-auth/internal/observability"
	"github.com/upb/careportal-auth/models"
	"github.com/upb/careportal-auth/repositories"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Config holds configuration for the Service
type Config struct {
	BufferSize   int           // Size of the entry buffer channel
	WorkerCount  int           // Number of concurrent writers
	WriteTimeout time.Duration // Per-insert deadline
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:   1000,
		WorkerCount:  2,
		WriteTimeout: 5 * time.Second,
	}
}

// Service queues audit entries and writes them with a small worker pool.
// Recording never blocks the caller: a full buffer drops the entry and
// counts it.
type Service struct {
	repo    repositories.AuditRepository
	logger  *zap.Logger
	metrics *observability.Metrics
	config  Config

	entries chan *models.AuditLog
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// Option configures a Service
type Option func(*Service)

// WithMetrics counts written, dropped and failed entries
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a new audit Service
func NewService(repo repositories.AuditRepository, logger *zap.Logger, config Config, opts ...Option) *Service {
	defaults := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = defaults.WorkerCount
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}

	s := &Service{
		repo:   repo,
		logger: logger,
		config: config,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts the background writers
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("audit service already started")
	}

	s.entries = make(chan *models.AuditLog, s.config.BufferSize)
	for i := 0; i < s.config.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(i, s.entries)
	}

	s.started = true
	s.logger.Info("started audit service",
		zap.Int("worker_count", s.config.WorkerCount),
		zap.Int("buffer_size", s.config.BufferSize))
	return nil
}

// Stop stops accepting entries and waits for queued ones to be written
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("audit service not started")
	}
	s.started = false
	pending := len(s.entries)
	close(s.entries)
	s.mu.Unlock()

	s.logger.Info("stopping audit service", zap.Int("pending_entries", pending))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("audit service stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}
}

// Record queues entry for writing. Safe on a nil Service.
func (s *Service) Record(ctx context.Context, entry *models.AuditLog) {
	if s == nil || entry == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.drop(entry, "service not running")
		return
	}

	select {
	case s.entries <- entry:
	default:
		s.drop(entry, "buffer full")
	}
}

func (s *Service) drop(entry *models.AuditLog, reason string) {
	s.metrics.AuditEvent("dropped")
	s.logger.Warn("dropping audit entry",
		zap.String("reason", reason),
		zap.String("action", string(entry.Action)),
		zap.String("request_id", entry.RequestID))
}

// ListByUser returns the newest entries about or caused by userID. limit
// is clamped to [1, 200] with 50 as the default for non-positive values.
func (s *Service) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.AuditLog, error) {
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListByUser(ctx, userID, limit, offset)
}

func (s *Service) worker(id int, entries <-chan *models.AuditLog) {
	defer s.wg.Done()

	for entry := range entries {
		if err := s.write(entry); err != nil {
			s.metrics.AuditEvent("failed")
			s.logger.Error("failed to write audit entry",
				zap.Int("worker_id", id),
				zap.Error(err),
				zap.String("action", string(entry.Action)))
			continue
		}
		s.metrics.AuditEvent("written")
	}
}

func (s *Service) write(entry *models.AuditLog) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
	defer cancel()
	return s.repo.Insert(ctx, entry)
}

// GetStats returns statistics about the audit service
func (s *Service) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		BufferSize:     s.config.BufferSize,
		PendingEntries: len(s.entries),
		WorkerCount:    s.config.WorkerCount,
		Started:        s.started,
	}
}

// Stats represents audit service statistics
type Stats struct {
	BufferSize     int
	PendingEntries int
	WorkerCount    int
	Started        bool
}
