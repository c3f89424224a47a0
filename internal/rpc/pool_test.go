package rpc

import (
	"context"
	"errors"
	"testing"
	"time"

	solrpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, urls ...string) *Pool {
	t.Helper()
	pool, err := NewPool(urls, zerolog.Nop())
	require.NoError(t, err)
	pool.current = 0
	return pool
}

func TestNewPoolRequiresEndpoint(t *testing.T) {
	_, err := NewPool(nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestGetClientRoundRobin(t *testing.T) {
	pool := newTestPool(t, "http://a", "http://b")
	ctx := context.Background()

	_, first, err := pool.GetClient(ctx)
	require.NoError(t, err)
	_, second, err := pool.GetClient(ctx)
	require.NoError(t, err)

	assert.Equal(t, "http://a", first)
	assert.Equal(t, "http://b", second)
}

func TestGetClientSkipsCooldownAndUnhealthy(t *testing.T) {
	pool := newTestPool(t, "http://a", "http://b", "http://c")
	pool.SetCooldown("http://a", time.Minute)
	pool.MarkUnhealthy("http://b")

	for i := 0; i < 3; i++ {
		_, url, err := pool.GetClient(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "http://c", url)
	}
	assert.Equal(t, 1, pool.HealthyCount())

	pool.MarkHealthy("http://a")
	pool.MarkHealthy("http://b")
	assert.Equal(t, 3, pool.HealthyCount())
}

func TestStatsSnapshot(t *testing.T) {
	pool := newTestPool(t, "http://a")
	pool.SetCooldown("http://a", time.Minute)

	stats := pool.Stats()
	require.Len(t, stats, 1)
	assert.True(t, stats[0].Healthy)
	assert.True(t, stats[0].InCooldown)
}

func TestCallRetriesOnNextEndpoint(t *testing.T) {
	pool := newTestPool(t, "http://a", "http://b")
	caller := NewCaller(pool, zerolog.Nop(), WithBackoff(3, time.Millisecond))

	var seen []*solrpc.Client
	err := caller.Call(context.Background(), "getSlot", func(ctx context.Context, client *solrpc.Client) error {
		seen = append(seen, client)
		if len(seen) == 1 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.NotSame(t, seen[0], seen[1])
	assert.Equal(t, 1, pool.HealthyCount())
}

func TestCallRateLimitSetsCooldown(t *testing.T) {
	pool := newTestPool(t, "http://a", "http://b")
	caller := NewCaller(pool, zerolog.Nop(), WithBackoff(2, time.Millisecond))

	calls := 0
	err := caller.Call(context.Background(), "getSlot", func(ctx context.Context, client *solrpc.Client) error {
		calls++
		if calls == 1 {
			return errors.New("status code: 429 Too Many Requests")
		}
		return nil
	})
	require.NoError(t, err)

	stats := pool.Stats()
	assert.True(t, stats[0].InCooldown)
	assert.False(t, stats[1].InCooldown)
}

func TestCallPermanentStopsRetrying(t *testing.T) {
	pool := newTestPool(t, "http://a")
	caller := NewCaller(pool, zerolog.Nop(), WithBackoff(5, time.Millisecond))
	refused := errors.New("insufficient funds")

	calls := 0
	err := caller.Call(context.Background(), "sendTransaction", func(ctx context.Context, client *solrpc.Client) error {
		calls++
		return Permanent(refused)
	})
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, pool.HealthyCount())
}

func TestCallGivesUp(t *testing.T) {
	pool := newTestPool(t, "http://a")
	caller := NewCaller(pool, zerolog.Nop(), WithBackoff(2, time.Millisecond))
	down := errors.New("dial tcp: connection refused")

	calls := 0
	err := caller.Call(context.Background(), "getSlot", func(ctx context.Context, client *solrpc.Client) error {
		calls++
		return down
	})
	assert.ErrorIs(t, err, down)
	assert.Equal(t, 3, calls)
}

func TestCallHonoursContext(t *testing.T) {
	pool := newTestPool(t, "http://a")
	caller := NewCaller(pool, zerolog.Nop(), WithBackoff(5, time.Hour))
	ctx, cancel := context.WithCancel(context.Background())

	err := caller.Call(ctx, "getSlot", func(ctx context.Context, client *solrpc.Client) error {
		cancel()
		return errors.New("timeout")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
