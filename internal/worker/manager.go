package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wnt/fortuna/internal/config"
	"github.com/wnt/fortuna/internal/metrics"
	"github.com/wnt/fortuna/internal/queue"
)

// Options tunes the worker pool.
type Options struct {
	MinWorkers      int
	MaxWorkers      int
	ScaleInterval   time.Duration
	FeedInterval    time.Duration
	StuckInterval   time.Duration
	StuckTimeout    time.Duration
	MonitorInterval time.Duration
	IdleWait        time.Duration
	StopTimeout     time.Duration
}

// DefaultOptions derives pool options from the service config.
func DefaultOptions(cfg config.Config) Options {
	return Options{
		MinWorkers:      cfg.MinWorkers,
		MaxWorkers:      cfg.MaxWorkers,
		ScaleInterval:   30 * time.Second,
		FeedInterval:    cfg.PayoutPollInterval,
		StuckInterval:   5 * time.Minute,
		StuckTimeout:    15 * time.Minute,
		MonitorInterval: time.Minute,
		IdleWait:        10 * time.Second,
		StopTimeout:     30 * time.Second,
	}
}

// HealthReporter reports usable RPC endpoints for monitoring.
type HealthReporter interface {
	HealthyCount() int
}

// Stats is a snapshot of the pool.
type Stats struct {
	ActiveWorkers    int   `json:"active_workers"`
	QueueLength      int64 `json:"queue_length"`
	InFlight         int   `json:"in_flight"`
	HealthyEndpoints int   `json:"healthy_endpoints"`
	MinWorkers       int   `json:"min_workers"`
	MaxWorkers       int   `json:"max_workers"`
}

// Manager runs a pool of settlement workers sized by queue length
type Manager struct {
	opts    Options
	queue   queue.Queue
	settler Settler
	feeder  *Feeder
	health  HealthReporter
	workers []*Worker
	nextID  int
	logger  zerolog.Logger
	mutex   sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	eg      *errgroup.Group
	started bool
	stopped bool
}

// NewManager creates a new worker manager. health may be nil.
func NewManager(opts Options, q queue.Queue, settler Settler, feeder *Feeder, health HealthReporter, logger zerolog.Logger) *Manager {
	return &Manager{
		opts:    opts,
		queue:   q,
		settler: settler,
		feeder:  feeder,
		health:  health,
		logger:  logger.With().Str("component", "worker_manager").Logger(),
	}
}

// Start launches the initial workers and the background loops
func (m *Manager) Start(ctx context.Context) error {
	m.mutex.Lock()
	if m.started {
		m.mutex.Unlock()
		return fmt.Errorf("worker manager already started")
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.eg, m.ctx = errgroup.WithContext(ctx)
	m.mutex.Unlock()

	m.logger.Info().
		Int("min_workers", m.opts.MinWorkers).
		Int("max_workers", m.opts.MaxWorkers).
		Msg("Starting worker manager")

	if _, err := m.feeder.Feed(m.ctx); err != nil {
		m.logger.Error().Err(err).Msg("Initial payout feed failed")
	}
	if err := m.adjustWorkerCount(); err != nil {
		return fmt.Errorf("failed to start initial workers: %w", err)
	}

	m.every(m.opts.FeedInterval, func() {
		if _, err := m.feeder.Feed(m.ctx); err != nil {
			m.logger.Error().Err(err).Msg("Failed to feed payout queue")
		}
	})
	m.every(m.opts.ScaleInterval, func() {
		if err := m.adjustWorkerCount(); err != nil {
			m.logger.Error().Err(err).Msg("Failed to adjust worker count")
		}
	})
	m.every(m.opts.StuckInterval, func() {
		if _, err := m.queue.RequeueStuck(m.ctx, m.opts.StuckTimeout); err != nil {
			m.logger.Error().Err(err).Msg("Failed to requeue stuck payouts")
		}
	})
	m.every(m.opts.MonitorInterval, m.logStats)

	m.logger.Info().Msg("Worker manager started successfully")
	return nil
}

// Stop gracefully shuts down the worker manager
func (m *Manager) Stop() error {
	m.mutex.Lock()
	if !m.started || m.stopped {
		m.mutex.Unlock()
		return nil
	}
	m.stopped = true
	m.mutex.Unlock()

	m.logger.Info().Msg("Stopping worker manager...")
	m.cancel()

	done := make(chan error, 1)
	go func() {
		done <- m.eg.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			m.logger.Error().Err(err).Msg("Error during worker shutdown")
		}
	case <-time.After(m.opts.StopTimeout):
		m.logger.Warn().Msg("Worker shutdown timed out")
	}

	m.mutex.Lock()
	m.workers = nil
	m.mutex.Unlock()

	metrics.WorkersActive.Set(0)
	m.logger.Info().Msg("Worker manager stopped")
	return nil
}

func (m *Manager) every(interval time.Duration, fn func()) {
	m.eg.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return nil
			case <-ticker.C:
				fn()
			}
		}
	})
}

// adjustWorkerCount scales workers based on queue length
func (m *Manager) adjustWorkerCount() error {
	queueLength, err := m.queue.Length(m.ctx)
	if err != nil {
		return fmt.Errorf("failed to get queue length: %w", err)
	}
	metrics.PayoutQueueLength.Set(float64(queueLength))

	desired := m.calculateDesiredWorkers(int(queueLength))

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.stopped {
		return nil
	}

	current := len(m.workers)
	if desired == current {
		return nil
	}

	m.logger.Info().
		Int("current_workers", current).
		Int("desired_workers", desired).
		Int64("queue_length", queueLength).
		Msg("Adjusting worker count")

	if desired > current {
		m.addWorkers(desired - current)
	} else {
		m.removeWorkers(current - desired)
	}
	metrics.WorkersActive.Set(float64(len(m.workers)))
	return nil
}

// calculateDesiredWorkers allows one worker per 10 queued payouts within bounds
func (m *Manager) calculateDesiredWorkers(queueLength int) int {
	desired := queueLength / 10
	if desired < m.opts.MinWorkers {
		desired = m.opts.MinWorkers
	}
	if desired > m.opts.MaxWorkers {
		desired = m.opts.MaxWorkers
	}
	return desired
}

// addWorkers must be called with the mutex held.
func (m *Manager) addWorkers(count int) {
	for i := 0; i < count; i++ {
		m.nextID++
		w := NewWorker(fmt.Sprintf("worker-%d", m.nextID), m.queue, m.settler, m.opts.IdleWait, m.logger)
		m.eg.Go(func() error {
			return w.Start(m.ctx)
		})
		m.workers = append(m.workers, w)
	}
	m.logger.Info().
		Int("added", count).
		Int("total_workers", len(m.workers)).
		Msg("Workers added")
}

// removeWorkers must be called with the mutex held. Removed workers finish
// their current payout first.
func (m *Manager) removeWorkers(count int) {
	if count > len(m.workers) {
		count = len(m.workers)
	}
	for _, w := range m.workers[len(m.workers)-count:] {
		w.Stop()
	}
	m.workers = m.workers[:len(m.workers)-count]
	m.logger.Info().
		Int("removed", count).
		Int("remaining_workers", len(m.workers)).
		Msg("Workers removed")
}

func (m *Manager) logStats() {
	stats := m.Stats(m.ctx)
	m.logger.Info().
		Int64("queue_length", stats.QueueLength).
		Int("in_flight_payouts", stats.InFlight).
		Int("active_workers", stats.ActiveWorkers).
		Int("healthy_endpoints", stats.HealthyEndpoints).
		Msg("Queue monitoring stats")
}

// Stats returns current manager statistics
func (m *Manager) Stats(ctx context.Context) Stats {
	m.mutex.RLock()
	active := len(m.workers)
	m.mutex.RUnlock()

	queueLength, _ := m.queue.Length(ctx)
	inFlight, _ := m.queue.InFlight(ctx)
	healthy := 0
	if m.health != nil {
		healthy = m.health.HealthyCount()
	}
	return Stats{
		ActiveWorkers:    active,
		QueueLength:      queueLength,
		InFlight:         len(inFlight),
		HealthyEndpoints: healthy,
		MinWorkers:       m.opts.MinWorkers,
		MaxWorkers:       m.opts.MaxWorkers,
	}
}
