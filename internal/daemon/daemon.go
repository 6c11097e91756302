package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/habitflow/xpengine/internal/api"
	"github.com/habitflow/xpengine/internal/app/achievement"
	"github.com/habitflow/xpengine/internal/app/engine"
	"github.com/habitflow/xpengine/internal/app/events"
	"github.com/habitflow/xpengine/internal/infra/kv"
	"github.com/habitflow/xpengine/internal/infra/observability"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// Daemon owns one engine and the collaborators built around it.
type Daemon struct {
	cfg     Config
	engine  *engine.Engine
	hub     *events.Hub
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// New opens storage, loads the catalog and starts the engine.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Daemon, error) {
	catalog, err := loadCatalog(cfg.Achievements.Catalog)
	if err != nil {
		return nil, err
	}
	store, err := kv.Open(cfg.StorageOptions())
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	d := &Daemon{
		cfg:    cfg,
		hub:    events.NewHub(logger),
		logger: logger.With().Str("component", "daemon").Logger(),
	}
	if cfg.Metrics.Enabled {
		d.metrics = observability.NewMetrics()
	}

	eng, err := engine.New(cfg.EngineConfig(), engine.Deps{
		Store:       store,
		Catalog:     catalog,
		Events:      d.hub,
		Diagnostics: observability.NewDiagnostics(d.metrics),
		Tracer:      observability.NewTracer(observability.DefaultTracerConfig()),
		Logger:      logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := eng.Start(ctx); err != nil {
		eng.Close()
		return nil, err
	}
	d.engine = eng
	return d, nil
}

func loadCatalog(path string) (*achievement.Catalog, error) {
	if path == "" {
		return achievement.DefaultCatalog()
	}
	return achievement.LoadCatalog(path)
}

// Engine returns the running engine.
func (d *Daemon) Engine() *engine.Engine { return d.engine }

// Handler returns the HTTP API for this daemon.
func (d *Daemon) Handler() http.Handler {
	srv := api.NewServer(d.engine, d.logger)
	srv.SetEventHub(d.hub)
	if d.metrics != nil {
		srv.SetMetricsHandler(d.metrics.Handler())
	}
	if d.cfg.API.RateLimitRPS > 0 {
		srv.SetRateLimiter(api.NewRateLimiter(d.cfg.API.RateLimitRPS, d.cfg.API.RateLimitBurst, d.logger))
	}
	return srv.Handler()
}

// Serve runs the HTTP API and the reconcile schedule until ctx is done.
func (d *Daemon) Serve(ctx context.Context) error {
	sched, err := d.schedule()
	if err != nil {
		return err
	}
	if sched != nil {
		sched.Start()
		defer func() { <-sched.Stop().Done() }()
	}

	httpSrv := &http.Server{
		Addr:              d.cfg.Addr(),
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		d.logger.Info().Str("addr", httpSrv.Addr).Msg("listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	d.logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// schedule registers the periodic reconcile job. A nil scheduler means the
// schedule is disabled.
func (d *Daemon) schedule() (*cron.Cron, error) {
	if d.cfg.Reconcile.Schedule == "" {
		return nil, nil
	}
	c := cron.New(cron.WithLogger(cronLogger{logger: d.logger}))
	_, err := c.AddFunc(d.cfg.Reconcile.Schedule, d.reconcileJob)
	if err != nil {
		return nil, fmt.Errorf("reconcile schedule: %w", err)
	}
	return c, nil
}

func (d *Daemon) reconcileJob() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	report, err := d.engine.Reconcile(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("scheduled reconcile failed")
		return
	}
	d.logger.Debug().
		Int("transactions", report.Transactions).
		Bool("repaired", report.Repaired()).
		Msg("scheduled reconcile")
}

// Close drains the engine and closes storage.
func (d *Daemon) Close() error {
	return d.engine.Close()
}
