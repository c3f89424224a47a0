package rpc

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	solrpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"
	"github.com/wnt/fortuna/internal/metrics"
	"golang.org/x/time/rate"
)

// Pool manages a pool of Solana RPC endpoints with load balancing and rate limiting
type Pool struct {
	endpoints []*Endpoint
	current   int
	mutex     sync.Mutex
	logger    zerolog.Logger
}

// Endpoint is a single RPC endpoint with its own client and rate limiter
type Endpoint struct {
	URL           string
	client        *solrpc.Client
	limiter       *rate.Limiter
	healthy       bool
	cooldownUntil time.Time
	mutex         sync.RWMutex
}

// NewPool creates a pool over the given endpoint URLs.
func NewPool(urls []string, logger zerolog.Logger) (*Pool, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("rpc pool needs at least one endpoint")
	}

	endpoints := make([]*Endpoint, len(urls))
	for i, url := range urls {
		endpoints[i] = &Endpoint{
			URL:    url,
			client: solrpc.New(url),
			// ~2 req/s per endpoint keeps us under public-node limits
			limiter: rate.NewLimiter(rate.Limit(2.0), 5),
			healthy: true,
		}
		metrics.SetRPCEndpointHealth(url, true)
	}

	return &Pool{
		endpoints: endpoints,
		current:   rand.IntN(len(endpoints)),
		logger:    logger.With().Str("component", "rpc_pool").Logger(),
	}, nil
}

// GetClient returns the next usable client using round-robin. When every
// endpoint is cooling down, unhealthy or throttled it waits on one of them.
func (p *Pool) GetClient(ctx context.Context) (*solrpc.Client, string, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	startIndex := p.current
	for attempts := 0; attempts < len(p.endpoints); attempts++ {
		endpoint := p.endpoints[p.current]
		p.current = (p.current + 1) % len(p.endpoints)

		endpoint.mutex.RLock()
		inCooldown := time.Now().Before(endpoint.cooldownUntil)
		healthy := endpoint.healthy
		endpoint.mutex.RUnlock()

		if inCooldown {
			p.logger.Debug().Str("endpoint", endpoint.URL).Msg("Endpoint in cooldown, skipping")
			continue
		}
		if !healthy {
			p.logger.Debug().Str("endpoint", endpoint.URL).Msg("Endpoint unhealthy, skipping")
			continue
		}
		if endpoint.limiter.Allow() {
			return endpoint.client, endpoint.URL, nil
		}
		p.logger.Debug().Str("endpoint", endpoint.URL).Msg("Endpoint rate limited, trying next")
	}

	endpoint := p.endpoints[startIndex]
	p.logger.Debug().
		Str("endpoint", endpoint.URL).
		Msg("All endpoints busy, waiting for availability")

	reservation := endpoint.limiter.Reserve()
	if !reservation.OK() {
		return nil, "", fmt.Errorf("rate limiter failed to make reservation")
	}
	if delay := reservation.Delay(); delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			reservation.Cancel()
			return nil, "", ctx.Err()
		}
	}
	return endpoint.client, endpoint.URL, nil
}

func (p *Pool) find(url string) *Endpoint {
	for _, endpoint := range p.endpoints {
		if endpoint.URL == url {
			return endpoint
		}
	}
	return nil
}

// MarkUnhealthy marks an endpoint as unhealthy
func (p *Pool) MarkUnhealthy(url string) {
	endpoint := p.find(url)
	if endpoint == nil {
		return
	}
	endpoint.mutex.Lock()
	was := endpoint.healthy
	endpoint.healthy = false
	endpoint.mutex.Unlock()

	metrics.SetRPCEndpointHealth(url, false)
	if was {
		p.logger.Warn().Str("endpoint", url).Msg("Marked endpoint as unhealthy")
	}
}

// MarkHealthy marks an endpoint as healthy and clears its cooldown
func (p *Pool) MarkHealthy(url string) {
	endpoint := p.find(url)
	if endpoint == nil {
		return
	}
	endpoint.mutex.Lock()
	was := endpoint.healthy
	endpoint.healthy = true
	endpoint.cooldownUntil = time.Time{}
	endpoint.mutex.Unlock()

	metrics.SetRPCEndpointHealth(url, true)
	if !was {
		p.logger.Info().Str("endpoint", url).Msg("Marked endpoint as healthy")
	}
}

// SetCooldown puts an endpoint in cooldown for the specified duration
func (p *Pool) SetCooldown(url string, duration time.Duration) {
	endpoint := p.find(url)
	if endpoint == nil {
		return
	}
	endpoint.mutex.Lock()
	endpoint.cooldownUntil = time.Now().Add(duration)
	endpoint.mutex.Unlock()

	p.logger.Warn().
		Str("endpoint", url).
		Dur("duration", duration).
		Msg("Set endpoint cooldown")
}

// HealthyCount returns the number of healthy endpoints not in cooldown
func (p *Pool) HealthyCount() int {
	count := 0
	now := time.Now()
	for _, endpoint := range p.endpoints {
		endpoint.mutex.RLock()
		if endpoint.healthy && now.After(endpoint.cooldownUntil) {
			count++
		}
		endpoint.mutex.RUnlock()
	}
	return count
}

// EndpointStats describes one endpoint for status reporting.
type EndpointStats struct {
	URL           string    `json:"url"`
	Healthy       bool      `json:"healthy"`
	InCooldown    bool      `json:"in_cooldown"`
	CooldownUntil time.Time `json:"cooldown_until"`
}

// Stats returns a snapshot of every endpoint
func (p *Pool) Stats() []EndpointStats {
	now := time.Now()
	out := make([]EndpointStats, len(p.endpoints))
	for i, endpoint := range p.endpoints {
		endpoint.mutex.RLock()
		out[i] = EndpointStats{
			URL:           endpoint.URL,
			Healthy:       endpoint.healthy,
			InCooldown:    now.Before(endpoint.cooldownUntil),
			CooldownUntil: endpoint.cooldownUntil,
		}
		endpoint.mutex.RUnlock()
	}
	return out
}
