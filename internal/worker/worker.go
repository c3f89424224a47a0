package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/wnt/fortuna/internal/errorx"
	"github.com/wnt/fortuna/internal/logger"
	"github.com/wnt/fortuna/internal/metrics"
	"github.com/wnt/fortuna/internal/models"
	"github.com/wnt/fortuna/internal/queue"
)

// Settler advances one payout.
type Settler interface {
	Settle(ctx context.Context, payoutID string) (*models.Payout, error)
}

// Worker settles payouts popped from the queue
type Worker struct {
	id       string
	queue    queue.Queue
	settler  Settler
	idleWait time.Duration
	errWait  time.Duration
	logger   zerolog.Logger
	stopped  atomic.Bool
}

// NewWorker creates a new worker instance
func NewWorker(id string, q queue.Queue, settler Settler, idleWait time.Duration, baseLogger zerolog.Logger) *Worker {
	return &Worker{
		id:       id,
		queue:    q,
		settler:  settler,
		idleWait: idleWait,
		errWait:  5 * time.Second,
		logger:   logger.WithWorker(baseLogger, id),
	}
}

// Start runs the processing loop until ctx is done or Stop is called
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info().Msg("Starting worker")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Worker received shutdown signal")
			return nil
		default:
		}
		if w.stopped.Load() {
			w.logger.Info().Msg("Worker stopped")
			return nil
		}

		worked, err := w.processNext(ctx)
		if err != nil {
			w.logger.Error().Err(err).Msg("Failed to process payout")
			if !sleep(ctx, w.errWait) {
				return nil
			}
			continue
		}
		if !worked && !sleep(ctx, w.idleWait) {
			return nil
		}
	}
}

// Stop signals the worker to stop after its current payout
func (w *Worker) Stop() {
	w.stopped.Store(true)
	w.logger.Info().Msg("Worker stop signal received")
}

// processNext settles one queued payout. It reports false when the queue was
// empty.
func (w *Worker) processNext(ctx context.Context) (bool, error) {
	payoutID, err := w.queue.Pop(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to pop payout from queue: %w", err)
	}
	if payoutID == "" {
		return false, nil
	}

	if err := w.queue.SetInFlight(ctx, payoutID, w.id); err != nil {
		if requeueErr := w.queue.Push(ctx, payoutID, 0); requeueErr != nil {
			w.logger.Error().Err(requeueErr).Str("payout_id", payoutID).Msg("Failed to requeue payout after in-flight error")
		}
		return true, err
	}

	log := logger.WithPayout(w.logger, payoutID)
	start := time.Now()
	payout, err := w.settler.Settle(ctx, payoutID)
	duration := time.Since(start)
	metrics.RecordWorkerTaskDuration("settle", w.id, duration.Seconds())

	if removeErr := w.queue.RemoveInFlight(ctx, payoutID); removeErr != nil {
		log.Error().Err(removeErr).Msg("Failed to remove payout from in-flight tracking")
	}

	switch {
	case err == nil:
		log.Debug().Str("status", string(payout.Status)).Dur("duration", duration).Msg("Payout step done")
	case errors.Is(err, errorx.ErrManualReview), errors.Is(err, errorx.ErrPayoutFailed):
		// Already recorded on the payout; the feeder picks it up again when due.
		log.Debug().Err(err).Msg("Payout attempt did not land")
	default:
		return true, fmt.Errorf("settle payout %s: %w", payoutID, err)
	}
	return true, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
