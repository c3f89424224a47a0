package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wnt/fortuna/internal/ledger"
	"github.com/wnt/fortuna/internal/metrics"
	"github.com/wnt/fortuna/internal/models"
	"github.com/wnt/fortuna/internal/queue"
	"github.com/wnt/fortuna/internal/utils"
)

// Feeder moves due payouts from the ledger into the work queue.
type Feeder struct {
	store  *ledger.Store
	queue  queue.Queue
	batch  int
	now    func() time.Time
	logger zerolog.Logger
}

// NewFeeder creates a feeder pushing at most batch payouts per run.
func NewFeeder(store *ledger.Store, q queue.Queue, batch int, now func() time.Time, log zerolog.Logger) *Feeder {
	if now == nil {
		now = time.Now
	}
	return &Feeder{
		store:  store,
		queue:  q,
		batch:  batch,
		now:    now,
		logger: log.With().Str("component", "payout_feeder").Logger(),
	}
}

// Feed enqueues due payouts that are not already being worked on. Earlier
// due times get lower scores.
func (f *Feeder) Feed(ctx context.Context) (int, error) {
	due, err := f.store.DuePayouts(ctx, f.now(), f.batch)
	if err != nil {
		return 0, fmt.Errorf("failed to list due payouts: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	inFlight, err := f.queue.InFlight(ctx)
	if err != nil {
		return 0, err
	}

	idle := utils.Filter(due, func(p models.Payout) bool {
		_, busy := inFlight[p.ID]
		return !busy
	})

	pushed := 0
	for _, p := range idle {
		if err := f.queue.Push(ctx, p.ID, float64(p.NextAttemptAt.Unix())); err != nil {
			return pushed, err
		}
		pushed++
	}

	if n, err := f.queue.Length(ctx); err == nil {
		metrics.PayoutQueueLength.Set(float64(n))
	}
	f.logger.Debug().Int("due", len(due)).Int("pushed", pushed).Msg("Fed payout queue")
	return pushed, nil
}
