// Package app assembles every Merlin component from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/opensource-finance/merlin/internal/api"
	"github.com/opensource-finance/merlin/internal/bus"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/fusion"
	"github.com/opensource-finance/merlin/internal/history"
	"github.com/opensource-finance/merlin/internal/metrics"
	"github.com/opensource-finance/merlin/internal/predict"
	"github.com/opensource-finance/merlin/internal/repository"
	"github.com/opensource-finance/merlin/internal/rules"
	"github.com/opensource-finance/merlin/internal/scoring"
	"github.com/opensource-finance/merlin/internal/tracing"
	"github.com/opensource-finance/merlin/internal/velocity"
	"github.com/opensource-finance/merlin/internal/verdict"
	"github.com/opensource-finance/merlin/internal/worker"
)

const dbStatsInterval = 15 * time.Second

// App is a fully wired Merlin process.
type App struct {
	cfg     *domain.Config
	version string

	Store        *history.Store
	Orchestrator *predict.Orchestrator
	Rules        *rules.Engine
	Audit        domain.DecisionLog
	Bus          domain.EventBus
	Metrics      *metrics.Recorder
	Worker       *worker.Worker
	Server       *api.Server

	stopCollector   context.CancelFunc
	shutdownTracing func(context.Context) error
	closers         []func() error
}

// New builds every component. On error, anything already opened is closed.
func New(ctx context.Context, cfg *domain.Config, version string) (a *App, err error) {
	a = &App{cfg: cfg, version: version}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	a.shutdownTracing, err = tracing.Init(ctx, cfg.Tracing, version)
	if err != nil {
		return nil, fmt.Errorf("initialize tracing: %w", err)
	}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.Metrics = metrics.New(reg)
	}

	a.Store, err = history.New(cfg.History,
		history.WithAmountIndex(cfg.Features.AmountIndex),
		history.WithObserver(a.Metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("initialize history store: %w", err)
	}
	a.closers = append(a.closers, a.Store.Close)
	slog.Info("history store initialized",
		"backend", cfg.History.Backend,
		"enabled", a.Store.Enabled(),
		"capacity", cfg.History.Capacity(),
	)

	caps, err := scoring.New(cfg.Scoring, cfg.Features.Names)
	if err != nil {
		return nil, fmt.Errorf("initialize scoring: %w", err)
	}
	fuser, err := fusion.NewEngine(cfg.Fusion, caps.Sequence, caps.Pointwise, caps.Attributor)
	if err != nil {
		return nil, fmt.Errorf("initialize fusion: %w", err)
	}
	slog.Info("scoring initialized", "model", caps.Name)

	a.Rules, err = rules.NewEngine(cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("initialize rule engine: %w", err)
	}
	slog.Info("rule engine initialized", "rules_count", a.Rules.RulesCount())

	resolver, err := verdict.NewResolver(cfg.Verdict.FlagThreshold, cfg.Verdict.BlockThreshold)
	if err != nil {
		return nil, fmt.Errorf("initialize verdict resolver: %w", err)
	}

	opts := []predict.Option{predict.WithMetrics(a.Metrics)}

	if cfg.Repository.Driver != "none" {
		repo, err := repository.New(ctx, cfg.Repository)
		if err != nil {
			return nil, fmt.Errorf("initialize repository: %w", err)
		}
		a.closers = append(a.closers, repo.Close)
		a.Audit = repo
		opts = append(opts, predict.WithAuditLog(repo))

		collectorCtx, cancel := context.WithCancel(context.Background())
		a.stopCollector = cancel
		go a.Metrics.StartDBStatsCollector(collectorCtx, repo.DB(), dbStatsInterval)
		slog.Info("repository initialized", "driver", cfg.Repository.Driver)
	}

	a.Bus, err = bus.New(cfg.EventBus)
	if err != nil {
		return nil, fmt.Errorf("initialize event bus: %w", err)
	}
	if a.Bus != nil {
		a.closers = append(a.closers, a.Bus.Close)
		opts = append(opts, predict.WithPublisher(bus.NewPublisher(a.Bus)))
		slog.Info("event bus initialized", "type", cfg.EventBus.Type)
	}

	a.Orchestrator, err = predict.New(predict.Config{
		Lookback:          cfg.History.Lookback,
		FeatureDim:        cfg.Features.Dim(),
		SideEffectTimeout: cfg.Server.SideEffectTimeout,
	}, a.Store, velocity.NewService(a.Store, cfg.Velocity.Window, cfg.Features.AmountIndex), fuser, a.Rules,
		verdict.NewProcessor(resolver, cfg.Fusion.TopFactors), opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize orchestrator: %w", err)
	}

	if cfg.Worker.Enabled {
		if a.Bus == nil {
			return nil, fmt.Errorf("%w: worker requires an event bus", domain.ErrConfiguration)
		}
		a.Worker = worker.NewWorker(a.Bus, a.Orchestrator, worker.Config{
			Concurrency: cfg.Worker.Concurrency,
			Timeout:     cfg.Server.RequestTimeout,
		})
	}

	var serverOpts []api.Option
	if a.Metrics != nil {
		serverOpts = append(serverOpts, api.WithMetrics(cfg.Metrics.Path, a.Metrics.Handler(), a.Metrics))
	}
	a.Server, err = api.NewServer(cfg.Server, api.Deps{
		Predictor: a.Orchestrator,
		History:   a.Store,
		Audit:     a.Audit,
		Bus:       a.Bus,
		Rules:     a.Rules,
	}, version, serverOpts...)
	if err != nil {
		return nil, err
	}

	return a, nil
}

// Handler is the HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler {
	return a.Server.Router()
}

// Run starts the worker and the HTTP server and blocks until ctx is done or
// the server fails. It shuts everything down before returning.
func (a *App) Run(ctx context.Context) error {
	if a.Worker != nil {
		if err := a.Worker.Start(); err != nil {
			return fmt.Errorf("start async worker: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Server.Start()
	}()
	slog.Info("merlin is ready", "addr", a.Server.Addr())

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		if err != nil {
			runErr = fmt.Errorf("server failed: %w", err)
		}
	}

	// Stop intake first so queued work drains against live dependencies.
	if a.Worker != nil {
		if err := a.Worker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	return errors.Join(runErr, a.Close())
}

// Close releases every opened component in reverse order of creation.
func (a *App) Close() error {
	if a.stopCollector != nil {
		a.stopCollector()
		a.stopCollector = nil
	}

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil

	if a.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdownTracing(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}
		a.shutdownTracing = nil
	}
	return errors.Join(errs...)
}
