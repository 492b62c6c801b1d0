// Package app is the composition root: it wires configuration, storage,
// the rate controller, RPC client, classifier, ledger, notifier, scheduler,
// and supervisor into one running monitoring core. Grounded on the
// wiring shape of go-server-3/cmd/odin-ws/main.go, generalized from a single
// transport+hub pair into the full component graph of the monitoring core.
package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/esharat1/esharar/internal/config"
	"github.com/esharat1/esharar/internal/credential"
	"github.com/esharat1/esharar/internal/ledger"
	"github.com/esharat1/esharar/internal/metrics"
	"github.com/esharat1/esharar/internal/notifier"
	"github.com/esharat1/esharar/internal/ratelimit"
	"github.com/esharat1/esharar/internal/registry"
	"github.com/esharat1/esharar/internal/rpcclient"
	"github.com/esharat1/esharar/internal/scheduler"
	"github.com/esharat1/esharar/internal/storage"
	"github.com/esharat1/esharar/internal/supervisor"
	"github.com/esharat1/esharar/internal/transport"
)

// App holds every long-lived component the monitoring core needs to run and
// to shut down cleanly.
type App struct {
	Metrics    *metrics.Registry
	Controller *ratelimit.Controller

	pool       *storage.Pool
	publisher  *transport.NATSPublisher
	supervisor *supervisor.Supervisor
}

// New builds the full component graph from cfg but does not start anything.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	m := metrics.NewRegistry()

	pool, err := storage.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	reg := registry.New(pool)
	led := ledger.New(pool)

	custodian, err := credential.Load(cfg.CredentialKeyEnv, cfg.CredentialKeyFile)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("load credential custodian: %w", err)
	}

	controller := ratelimit.New(ratelimit.Config{
		MinDelay:             cfg.MinDelay,
		MaxDelay:             cfg.MaxDelay,
		BaseDelay:            cfg.BaseDelay,
		Window:               cfg.RateWindow,
		MaxRPCCallsPerSecond: cfg.MaxRPCCallsPerSecond,
		BatchSizeBase:        cfg.BatchSizeBase,
	}, logger)

	rpc := rpcclient.New(cfg.RPCEndpoint, controller, m, logger)

	publisher, err := transport.NewNATSPublisher(transport.NATSConfig{URL: cfg.NATSUrl}, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect nats publisher: %w", err)
	}

	router := notifier.New(publisher, custodian, cfg.BroadcastSubject, cfg.AdminSubscriberID, m)

	// DustThresholdSOL here is only the cold-start fallback; the scheduler
	// re-reads the live, admin-mutable setting every cycle (spec.md §3).
	schedCfg := scheduler.Config{
		PollingInterval:  cfg.PollingInterval,
		BatchDelay:       cfg.BatchDelay,
		DustThresholdSOL: cfg.MinNotificationAmountSOL,
	}

	newScheduler := func() supervisor.Scheduler {
		return scheduler.New(schedCfg, reg, led, rpc, controller, router, m, logger)
	}

	sup := supervisor.New(newScheduler, controller, reg, m, logger)

	return &App{
		Metrics:    m,
		Controller: controller,
		pool:       pool,
		publisher:  publisher,
		supervisor: sup,
	}, nil
}

// Run starts the supervisor (and, transitively, the scheduler) and blocks
// until ctx is cancelled.
func (a *App) Run(ctx context.Context) {
	a.supervisor.Run(ctx)
}

// Close releases every long-lived resource the App holds.
func (a *App) Close() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
