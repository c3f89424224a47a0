package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MemoryQueue is the single-process queue used when Redis is not configured.
type MemoryQueue struct {
	mu       sync.Mutex
	scores   map[string]float64
	inFlight map[string]string
	now      func() time.Time
	logger   zerolog.Logger
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue(logger zerolog.Logger) *MemoryQueue {
	return &MemoryQueue{
		scores:   make(map[string]float64),
		inFlight: make(map[string]string),
		now:      time.Now,
		logger:   logger.With().Str("component", "queue").Logger(),
	}
}

func (q *MemoryQueue) Push(_ context.Context, payoutID string, priority float64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.scores[payoutID]; !ok {
		q.scores[payoutID] = priority
	}
	return nil
}

func (q *MemoryQueue) Pop(_ context.Context) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	best := ""
	for id, score := range q.scores {
		if best == "" || score < q.scores[best] || (score == q.scores[best] && id < best) {
			best = id
		}
	}
	if best != "" {
		delete(q.scores, best)
	}
	return best, nil
}

func (q *MemoryQueue) SetInFlight(_ context.Context, payoutID, worker string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight[payoutID] = inFlightValue(worker, q.now())
	return nil
}

func (q *MemoryQueue) RemoveInFlight(_ context.Context, payoutID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, payoutID)
	return nil
}

func (q *MemoryQueue) Length(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.scores)), nil
}

func (q *MemoryQueue) InFlight(_ context.Context) (map[string]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]string, len(q.inFlight))
	for k, v := range q.inFlight {
		out[k] = v
	}
	return out, nil
}

func (q *MemoryQueue) RequeueStuck(_ context.Context, timeout time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-timeout)
	requeued := 0
	for id, value := range q.inFlight {
		_, started, ok := parseInFlight(value)
		if !ok || !started.Before(cutoff) {
			continue
		}
		if _, queued := q.scores[id]; !queued {
			q.scores[id] = 0
		}
		delete(q.inFlight, id)
		requeued++
	}
	if requeued > 0 {
		q.logger.Info().Int("count", requeued).Msg("Requeued stuck payouts")
	}
	return requeued, nil
}

func (q *MemoryQueue) Close() error { return nil }
