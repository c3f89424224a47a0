// Package app assembles the ledger, engines, settlement and HTTP surface of
// a Fortuna instance from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/wnt/fortuna/internal/api"
	"github.com/wnt/fortuna/internal/config"
	"github.com/wnt/fortuna/internal/database"
	"github.com/wnt/fortuna/internal/draw"
	"github.com/wnt/fortuna/internal/ledger"
	"github.com/wnt/fortuna/internal/pull"
	"github.com/wnt/fortuna/internal/queue"
	"github.com/wnt/fortuna/internal/rpc"
	"github.com/wnt/fortuna/internal/scheduler"
	"github.com/wnt/fortuna/internal/settlement"
	"github.com/wnt/fortuna/internal/solana"
	"github.com/wnt/fortuna/internal/stats"
	"github.com/wnt/fortuna/internal/tiers"
	"github.com/wnt/fortuna/internal/worker"
)

const (
	schedulerLockKey = "fortuna:scheduler"
	feedBatch        = 100
	shutdownTimeout  = 15 * time.Second
)

// App holds the wired components of one instance.
type App struct {
	Config     config.Config
	Logger     zerolog.Logger
	DB         *gorm.DB
	Store      *ledger.Store
	Tables     tiers.Tables
	Pool       *rpc.Pool
	Caller     *rpc.Caller
	Executor   *draw.Executor
	Engine     *pull.Engine
	Aggregator *stats.Aggregator

	redis   *redis.Client
	settler *settlement.Settler
}

// New connects the database, loads the tier tables and builds every
// component that does not need the treasury key.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	tables, err := tiers.Load(cfg.TierTableFile)
	if err != nil {
		return nil, err
	}

	db, err := database.Connect(cfg.DSN())
	if err != nil {
		return nil, err
	}
	store := ledger.New(db)

	pool, err := rpc.NewPool(cfg.RPCEndpoints, log)
	if err != nil {
		return nil, err
	}
	caller := rpc.NewCaller(pool, log)

	a := &App{
		Config:     cfg,
		Logger:     log,
		DB:         db,
		Store:      store,
		Tables:     tables,
		Pool:       pool,
		Caller:     caller,
		Executor:   draw.NewExecutor(store, solana.NewBeacon(caller, 0, log), tables, log, draw.WithWinnersPerDraw(cfg.WinnersPerDraw)),
		Engine:     pull.NewEngine(store, tables, log),
		Aggregator: stats.NewAggregator(store, log),
	}

	if cfg.RedisURL != "" {
		client, err := queue.Connect(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		log.Info().Msg("Connected to Redis")
	} else {
		log.Warn().Msg("REDIS_URL not set, running single-instance with in-process queue and lock")
	}

	return a, nil
}

// Settler builds the payout settler on first use. It needs the treasury key.
func (a *App) Settler() (*settlement.Settler, error) {
	if a.settler != nil {
		return a.settler, nil
	}
	if err := a.Config.RequireTreasury(); err != nil {
		return nil, err
	}

	treasury, err := solana.NewTreasury(a.Caller, a.Config.TreasuryPrivateKey, a.Logger)
	if err != nil {
		return nil, err
	}
	a.Logger.Info().Str("treasury", treasury.Address()).Msg("Treasury loaded")

	a.settler = settlement.NewSettler(a.Store, treasury, a.Logger,
		settlement.WithMaxAttempts(a.Config.MaxPayoutAttempts),
		settlement.WithSubmitTimeout(a.Config.PayoutSubmitTimeout),
		settlement.WithPollInterval(a.Config.PayoutPollInterval),
	)
	return a.settler, nil
}

// Scheduler builds the draw scheduler with the periodic stats verification
// registered as an extra job.
func (a *App) Scheduler() *scheduler.Scheduler {
	var lock scheduler.Locker = &scheduler.LocalLock{}
	if a.redis != nil {
		lock = scheduler.NewRedisLock(a.redis, schedulerLockKey, 5*time.Minute)
	}

	reconcile := scheduler.Job{
		Name: "reconcile",
		Spec: a.Config.ReconcileSpec,
		Run: func(ctx context.Context) error {
			_, err := a.Aggregator.ReconcileAll(ctx, false)
			return err
		},
	}

	return scheduler.New(a.Store, a.Executor, a.Tables, lock, a.Config.SchedulerSpec, a.Config.MaxDrawAttempts, a.Logger,
		scheduler.WithJob(reconcile))
}

// Queue returns the shared payout queue, or an in-process one without Redis.
func (a *App) Queue() queue.Queue {
	if a.redis != nil {
		return queue.NewRedisQueue(a.redis, a.Logger)
	}
	return queue.NewMemoryQueue(a.Logger)
}

// Serve runs the scheduler, the settlement workers and the HTTP servers
// until ctx is cancelled, then shuts them down.
func (a *App) Serve(ctx context.Context) error {
	settler, err := a.Settler()
	if err != nil {
		return err
	}

	sched := a.Scheduler()
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	q := a.Queue()
	feeder := worker.NewFeeder(a.Store, q, feedBatch, nil, a.Logger)
	manager := worker.NewManager(worker.DefaultOptions(a.Config), q, settler, feeder, a.Pool, a.Logger)
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker manager: %w", err)
	}
	defer func() {
		if err := manager.Stop(); err != nil {
			a.Logger.Error().Err(err).Msg("Worker manager stopped with error")
		}
	}()

	servers := []*http.Server{{
		Addr:              a.Config.HTTPAddr,
		Handler:           api.NewServer(a.Store, a.Engine, a.Tables, a.Logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if a.Config.MetricsPort != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		servers = append(servers, &http.Server{
			Addr:              ":" + a.Config.MetricsPort,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			a.Logger.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server on %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.Logger.Error().Err(err).Str("addr", srv.Addr).Msg("HTTP server shutdown failed")
			}
		}
		return nil
	})

	err = g.Wait()
	a.Logger.Info().Msg("Shutting down")
	return err
}

// Close releases the Redis and database connections.
func (a *App) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("Failed to close Redis connection")
		}
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("Failed to close database connection")
		}
	}
}
