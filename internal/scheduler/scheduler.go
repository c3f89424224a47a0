// Package scheduler opens and closes the raffle periods of every tier on a
// cron cadence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wnt/fortuna/internal/draw"
	"github.com/wnt/fortuna/internal/errorx"
	"github.com/wnt/fortuna/internal/ledger"
	"github.com/wnt/fortuna/internal/logger"
	"github.com/wnt/fortuna/internal/metrics"
	"github.com/wnt/fortuna/internal/models"
	"github.com/wnt/fortuna/internal/period"
	"github.com/wnt/fortuna/internal/tiers"
)

// DrawRunner executes one draw.
type DrawRunner interface {
	ExecuteDraw(ctx context.Context, drawID string) (*draw.Result, error)
}

// Job is an extra periodic task run under the same leader lock.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler drives the per tier draw lifecycle.
type Scheduler struct {
	store       *ledger.Store
	runner      DrawRunner
	tables      tiers.Tables
	lock        Locker
	spec        string
	maxAttempts int
	jobs        []Job
	now         func() time.Time
	logger      zerolog.Logger

	cron    *cron.Cron
	running sync.Mutex
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithJob registers an extra periodic job.
func WithJob(job Job) Option {
	return func(s *Scheduler) { s.jobs = append(s.jobs, job) }
}

// New creates a scheduler ticking on spec.
func New(
	store *ledger.Store,
	runner DrawRunner,
	tables tiers.Tables,
	lock Locker,
	spec string,
	maxAttempts int,
	log zerolog.Logger,
	opts ...Option,
) *Scheduler {
	s := &Scheduler{
		store:       store,
		runner:      runner,
		tables:      tables,
		lock:        lock,
		spec:        spec,
		maxAttempts: maxAttempts,
		now:         time.Now,
		logger:      log.With().Str("component", "scheduler").Logger(),
		cron:        cron.New(cron.WithLocation(time.UTC)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the tick and the extra jobs and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() {
		if err := s.Tick(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Scheduler tick failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid scheduler spec %q: %w", s.spec, err)
	}

	for _, job := range s.jobs {
		job := job
		if _, err := s.cron.AddFunc(job.Spec, func() {
			if err := s.leading(ctx, job.Run); err != nil {
				s.logger.Error().Err(err).Str("job", job.Name).Msg("Scheduled job failed")
			}
		}); err != nil {
			return fmt.Errorf("invalid spec %q for job %s: %w", job.Spec, job.Name, err)
		}
	}

	s.cron.Start()
	s.logger.Info().Str("spec", s.spec).Int("jobs", len(s.jobs)).Msg("Scheduler started")
	return nil
}

// Stop halts the cron loop and waits for running ticks.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Scheduler stopped")
}

// Tick opens the current period of each tier and executes due draws. Tiers
// run concurrently; a failing tier does not hold up the others.
func (s *Scheduler) Tick(ctx context.Context) error {
	return s.leading(ctx, func(ctx context.Context) error {
		now := s.now().UTC()

		var (
			g    errgroup.Group
			mu   sync.Mutex
			errs []error
		)
		for _, tier := range models.AllTiers {
			tier := tier
			g.Go(func() error {
				if err := s.tickTier(ctx, tier, now); err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("tier %s: %w", tier, err))
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()

		return errors.Join(errs...)
	})
}

// leading runs fn only on the instance that wins the leader lock.
func (s *Scheduler) leading(ctx context.Context, fn func(ctx context.Context) error) error {
	// Overlapping cron runs in one process never contend for the remote lock.
	if !s.running.TryLock() {
		return nil
	}
	defer s.running.Unlock()

	ok, err := s.lock.TryLock(ctx)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Debug().Msg("Another instance holds the scheduler lock")
		return nil
	}
	defer func() {
		if err := s.lock.Unlock(context.Background()); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to release scheduler lock")
		}
	}()

	return fn(ctx)
}

func (s *Scheduler) tickTier(ctx context.Context, tier models.Tier, now time.Time) error {
	log := logger.WithTier(s.logger, string(tier))

	start := period.Start(tier, now)
	d, created, err := draw.EnsureDraw(ctx, s.store, s.tables, tier, start)
	switch {
	case errors.Is(err, errorx.ErrDuplicateDrawPeriod):
		log.Debug().Err(err).Msg("Draw for period created concurrently")
	case err != nil:
		return err
	case created:
		log.Info().
			Str("draw_id", d.ID).
			Time("period_start", d.PeriodStart).
			Time("draw_time", d.DrawTime).
			Int64("prize", d.PrizeAmount).
			Msg("Opened draw")
	}

	due, err := s.store.DueDraws(ctx, tier, now)
	if err != nil {
		return err
	}

	// Draws close in order, so the first one that does not complete holds
	// back the rest of the tier.
	for _, d := range due {
		if err := s.execute(ctx, log, &d); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) execute(ctx context.Context, log zerolog.Logger, d *models.Draw) error {
	log = logger.WithDraw(log, d.ID)

	_, execErr := s.runner.ExecuteDraw(ctx, d.ID)
	switch {
	case execErr == nil, errors.Is(execErr, errorx.ErrDrawNotPending):
		return nil
	case errors.Is(execErr, errorx.ErrDrawBlocked):
		log.Warn().Err(execErr).Msg("Draw waits for an earlier draw of the tier")
		return execErr
	}

	metrics.RecordDraw(string(d.Tier), "failed")

	var stalled bool
	err := s.store.Transaction(ctx, func(tx *ledger.Store) error {
		var err error
		stalled, err = tx.RecordDrawFailure(ctx, d.ID, execErr, s.maxAttempts)
		return err
	})
	if err != nil {
		log.Error().Err(err).AnErr("cause", execErr).Msg("Failed to record draw failure")
		return errors.Join(execErr, err)
	}

	if stalled {
		metrics.RecordDrawStalled(string(d.Tier))
		log.Error().Err(execErr).Int("attempts", s.maxAttempts).Msg("Draw stalled after exhausting attempts")
		return execErr
	}

	log.Warn().Err(execErr).Int("attempt", d.Attempts+1).Msg("Draw execution failed, will retry")
	return execErr
}

// RetryStalledDraw hands a stalled draw back to the scheduler.
func (s *Scheduler) RetryStalledDraw(ctx context.Context, drawID string) error {
	if err := s.store.ResetStalledDraw(ctx, drawID); err != nil {
		return err
	}
	log := logger.WithDraw(s.logger, drawID)
	log.Warn().Msg("Operator reset stalled draw")
	return nil
}
