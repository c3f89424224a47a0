package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisQueue keeps the queue in a sorted set and in-flight items in a hash.
type RedisQueue struct {
	client *redis.Client
	logger zerolog.Logger
	now    func() time.Time
}

// Connect parses redisURL, pings the server and returns the client.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisQueue wraps an open client.
func NewRedisQueue(client *redis.Client, logger zerolog.Logger) *RedisQueue {
	return &RedisQueue{
		client: client,
		logger: logger.With().Str("component", "queue").Logger(),
		now:    time.Now,
	}
}

// Pop removes and returns the payout with the lowest score, or "" when empty.
func (q *RedisQueue) Pop(ctx context.Context) (string, error) {
	result, err := q.client.ZPopMin(ctx, queueKey, 1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("failed to pop payout from queue: %w", err)
	}
	if len(result) == 0 {
		return "", nil
	}

	id, ok := result[0].Member.(string)
	if !ok {
		return "", fmt.Errorf("unexpected queue member %v", result[0].Member)
	}
	q.logger.Debug().Str("payout_id", id).Msg("Popped payout from queue")
	return id, nil
}

// Push enqueues a payout. A payout already queued keeps its score.
func (q *RedisQueue) Push(ctx context.Context, payoutID string, priority float64) error {
	err := q.client.ZAddNX(ctx, queueKey, redis.Z{
		Score:  priority,
		Member: payoutID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to push payout to queue: %w", err)
	}

	q.logger.Debug().
		Str("payout_id", payoutID).
		Float64("priority", priority).
		Msg("Pushed payout to queue")
	return nil
}

// SetInFlight marks a payout as being processed by a worker
func (q *RedisQueue) SetInFlight(ctx context.Context, payoutID, worker string) error {
	if err := q.client.HSet(ctx, inFlightKey, payoutID, inFlightValue(worker, q.now())).Err(); err != nil {
		return fmt.Errorf("failed to set payout in-flight: %w", err)
	}
	return nil
}

// RemoveInFlight clears in-flight tracking for a payout
func (q *RedisQueue) RemoveInFlight(ctx context.Context, payoutID string) error {
	if err := q.client.HDel(ctx, inFlightKey, payoutID).Err(); err != nil {
		return fmt.Errorf("failed to remove payout from in-flight: %w", err)
	}
	return nil
}

// Length returns the number of queued payouts
func (q *RedisQueue) Length(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return n, nil
}

// InFlight returns payout ID to "worker,timestamp" for items being processed
func (q *RedisQueue) InFlight(ctx context.Context) (map[string]string, error) {
	result, err := q.client.HGetAll(ctx, inFlightKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get in-flight payouts: %w", err)
	}
	return result, nil
}

// RequeueStuck moves payouts in flight for longer than timeout back to the queue
func (q *RedisQueue) RequeueStuck(ctx context.Context, timeout time.Duration) (int, error) {
	inFlight, err := q.InFlight(ctx)
	if err != nil {
		return 0, err
	}

	now := q.now()
	cutoff := now.Add(-timeout)
	requeued := 0
	for id, value := range inFlight {
		worker, started, ok := parseInFlight(value)
		if !ok {
			q.logger.Warn().Str("payout_id", id).Str("value", value).Msg("Invalid in-flight value format")
			continue
		}
		if !started.Before(cutoff) {
			continue
		}

		if err := q.Push(ctx, id, 0); err != nil {
			q.logger.Error().Err(err).Str("payout_id", id).Msg("Failed to requeue stuck payout")
			continue
		}
		if err := q.RemoveInFlight(ctx, id); err != nil {
			q.logger.Error().Err(err).Str("payout_id", id).Msg("Failed to remove requeued payout from in-flight")
		}

		requeued++
		q.logger.Info().
			Str("payout_id", id).
			Str("worker", worker).
			Dur("stuck_for", now.Sub(started)).
			Msg("Requeued stuck payout")
	}
	return requeued, nil
}

// Close closes the Redis connection
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
