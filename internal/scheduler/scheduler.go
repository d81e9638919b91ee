// Package scheduler owns the background maintenance jobs that run
// alongside the fetch workers:
//   - periodic proxy pool health checks
//   - periodic sweeps of expired cache entries
//
// The jobs run on their own goroutines and never block fetch workers;
// the pool swap inside a health check is atomic from the workers'
// point of view.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"stockmonitor/internal/cache"
	"stockmonitor/internal/proxypool"
)

// Scheduler manages the background maintenance jobs.
type Scheduler struct {
	cron   *gocron.Scheduler
	pool   *proxypool.Pool
	store  *cache.Store
	logger *slog.Logger
}

// New creates a scheduler over the given pool and cache store. Either
// may be nil, in which case its job is not registered.
func New(pool *proxypool.Pool, store *cache.Store) *Scheduler {
	return &Scheduler{
		cron:   gocron.NewScheduler(time.UTC),
		pool:   pool,
		store:  store,
		logger: slog.Default().With("component", "scheduler"),
	}
}

// Start registers the jobs and launches them asynchronously.
// checkInterval drives the proxy health check, sweepInterval the cache
// sweep.
func (s *Scheduler) Start(ctx context.Context, checkInterval, sweepInterval time.Duration) {
	if s.pool != nil && checkInterval > 0 {
		if _, err := s.cron.Every(checkInterval).Do(func() {
			s.pool.HealthCheck(ctx)
		}); err != nil {
			s.logger.Error("failed to register proxy health job", "error", err)
		}
	}

	if s.store != nil && sweepInterval > 0 {
		if _, err := s.cron.Every(sweepInterval).Do(func() {
			s.store.Sweep()
		}); err != nil {
			s.logger.Error("failed to register cache sweep job", "error", err)
		}
	}

	s.cron.StartAsync()
	s.logger.Info("background jobs started",
		"proxy_check_interval", checkInterval, "cache_sweep_interval", sweepInterval)
}

// Stop halts all background jobs and waits for running ones to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.logger.Info("background jobs stopped")
}
