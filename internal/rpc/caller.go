package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	solrpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/rs/zerolog"
	"github.com/wnt/fortuna/internal/metrics"
)

// Caller runs RPC operations against the pool with retries and backoff.
type Caller struct {
	pool       *Pool
	logger     zerolog.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// CallerOption configures a Caller.
type CallerOption func(*Caller)

// WithBackoff overrides the retry count and the initial backoff delay.
func WithBackoff(maxRetries int, baseDelay time.Duration) CallerOption {
	return func(c *Caller) {
		c.maxRetries = maxRetries
		c.baseDelay = baseDelay
	}
}

// NewCaller creates a Caller over pool.
func NewCaller(pool *Pool, logger zerolog.Logger, opts ...CallerOption) *Caller {
	c := &Caller{
		pool:       pool,
		logger:     logger.With().Str("component", "rpc_caller").Logger(),
		maxRetries: 5,
		baseDelay:  250 * time.Millisecond,
		maxDelay:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pool returns the underlying endpoint pool.
func (c *Caller) Pool() *Pool { return c.pool }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Call runs fn against a pooled client until it succeeds, fails permanently,
// the retries run out or ctx is done.
func (c *Caller) Call(ctx context.Context, op string, fn func(ctx context.Context, client *solrpc.Client) error) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		err := c.callOnce(ctx, fn)
		if err == nil {
			metrics.RecordRPCRequest("success")
			return nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			metrics.RecordRPCRequest("rejected")
			return perm.err
		}
		if ctx.Err() != nil {
			metrics.RecordRPCRequest("cancelled")
			return ctx.Err()
		}

		c.logger.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt+1).
			Int("max_retries", c.maxRetries).
			Msg("RPC call failed")

		if attempt == c.maxRetries {
			break
		}

		delay := c.baseDelay * time.Duration(1<<attempt)
		if delay > c.maxDelay {
			delay = c.maxDelay
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			metrics.RecordRPCRequest("cancelled")
			return ctx.Err()
		}
	}

	metrics.RecordRPCRequest("failed")
	return fmt.Errorf("%s failed after %d attempts: %w", op, c.maxRetries+1, lastErr)
}

func (c *Caller) callOnce(ctx context.Context, fn func(ctx context.Context, client *solrpc.Client) error) error {
	client, endpoint, err := c.pool.GetClient(ctx)
	if err != nil {
		return fmt.Errorf("failed to get RPC client: %w", err)
	}

	start := time.Now()
	err = fn(ctx, client)
	duration := time.Since(start)

	switch {
	case err == nil:
		c.pool.MarkHealthy(endpoint)
		return nil
	case isRateLimited(err):
		c.logger.Warn().Str("endpoint", endpoint).Msg("Rate limited by endpoint")
		c.pool.SetCooldown(endpoint, 5*time.Minute)
		metrics.RecordRPCRequest("rate_limited")
		return err
	case isNodeError(err):
		// The node answered; the request itself was refused.
		c.pool.MarkHealthy(endpoint)
		return Permanent(err)
	case errors.As(err, new(*permanentError)):
		c.pool.MarkHealthy(endpoint)
		return err
	case ctx.Err() != nil:
		return err
	default:
		c.logger.Error().
			Err(err).
			Str("endpoint", endpoint).
			Dur("duration", duration).
			Msg("RPC request failed")
		c.pool.MarkUnhealthy(endpoint)
		metrics.RecordRPCRequest("error")
		return err
	}
}

func isNodeError(err error) bool {
	var rpcErr *jsonrpc.RPCError
	return errors.As(err, &rpcErr)
}

func isRateLimited(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "service unavailable")
}
