// Package app assembles the modules into one running process.
package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	pkgerrors "github.com/pkg/errors"

	"github.com/lumenobs/lumen/modules/aggregator"
	"github.com/lumenobs/lumen/modules/alerting"
	"github.com/lumenobs/lumen/modules/api"
	"github.com/lumenobs/lumen/modules/detector"
	"github.com/lumenobs/lumen/modules/ingester"
	"github.com/lumenobs/lumen/modules/listener"
	"github.com/lumenobs/lumen/modules/processor"
	"github.com/lumenobs/lumen/modules/storage"
	"github.com/lumenobs/lumen/pkg/clock"
	"github.com/lumenobs/lumen/pkg/eventbus"
	"github.com/lumenobs/lumen/pkg/util/log"
)

// App owns the store and the service manager running the pipeline and
// the HTTP server.
type App struct {
	cfg   Config
	store *storage.Store

	processor *processor.Processor
	server    *api.Server
}

// New connects to storage, applies migrations, and wires every module.
func New(cfg Config) (*App, error) {
	ctx := context.Background()

	store, err := storage.New(ctx, cfg.Storage, log.Logger)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "initializing storage")
	}
	if err := store.MigrateUp(ctx); err != nil {
		store.Close()
		return nil, pkgerrors.Wrap(err, "migrating schema")
	}
	if key, created, err := store.Keys.EnsureBootstrap(ctx); err != nil {
		level.Warn(log.Logger).Log("msg", "bootstrap key check failed", "err", err)
	} else if created {
		level.Info(log.Logger).Log("msg", "created bootstrap api key", "key", key.Key)
	}

	clk := clock.Real{}
	bus := eventbus.New()

	agg := aggregator.New(cfg.Aggregator, clk)
	det := detector.New(cfg.Detector, clk, log.Logger)
	deduper := alerting.NewDeduper(cfg.Alerting, store.Alerts, log.Logger)
	dispatcher := alerting.NewDispatcher(cfg.Alerting, store.Alerts, store.Keys, store.Channels, clk, log.Logger)

	source := listener.New(cfg.Listener,
		listener.NewPoolSource(store.Pool(), cfg.Listener.Channel, cfg.Listener.WaitTimeout),
		store.Logs, log.Logger)

	proc := processor.New(cfg.Processor, agg, det, store.Metrics, deduper,
		dispatcher, store.Keys, store, source, bus, clk, log.Logger)

	// ingest drives the hot path directly; the notification for the same
	// row lands in the listener's processed set as a duplicate
	bridge := ingester.New(cfg.Ingester, store.Logs, store.Spans, proc, log.Logger)

	server := api.New(cfg.API, bridge, store.Logs, store.Metrics, store.Alerts,
		store.Spans, store.Keys, bus, log.Logger)

	return &App{
		cfg:       cfg,
		store:     store,
		processor: proc,
		server:    server,
	}, nil
}

// Run starts the services and blocks until a signal arrives or a service
// fails.
func (t *App) Run() error {
	defer t.store.Close()

	sm, err := services.NewManager(t.processor, t.server)
	if err != nil {
		return pkgerrors.Wrap(err, "creating service manager")
	}

	ctx := context.Background()
	if err := sm.StartAsync(ctx); err != nil {
		return pkgerrors.Wrap(err, "starting services")
	}
	if err := sm.AwaitHealthy(ctx); err != nil {
		return pkgerrors.Wrap(err, "waiting for services")
	}
	level.Info(log.Logger).Log("msg", "lumen started")

	watcher := services.NewFailureWatcher()
	watcher.WatchManager(sm)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		level.Info(log.Logger).Log("msg", "received signal, shutting down", "signal", sig)
	case err := <-watcher.Chan():
		level.Error(log.Logger).Log("msg", "service failed", "err", err)
		runErr = err
	}

	sm.StopAsync()
	if err := sm.AwaitStopped(context.Background()); err != nil {
		level.Warn(log.Logger).Log("msg", "error stopping services", "err", err)
	}
	level.Info(log.Logger).Log("msg", "lumen stopped")
	return runErr
}
