// Package app wires the Beacon server runtime: config, logging, the
// signaling registries and gateway, persistence, and HTTP routes.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"beacon/cmd/internal/signaling"

	"github.com/coder/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App is the Beacon server runtime: it owns the HTTP server wiring and the
// process-wide signaling state (registry, rooms, ledger), created once at
// startup and torn down at shutdown.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	registry *signaling.Registry
	ledger   signaling.CallLedger
	gateway  *signaling.Gateway

	promReg *prometheus.Registry
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := signaling.NewMetrics(promReg)

	ledger, dbPool, dbEnabled, err := newLedger(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	registry := signaling.NewRegistry(log)
	rooms := signaling.NewRooms(log)
	router := signaling.NewRouter(log, registry, rooms, ledger, metrics)
	gateway := signaling.NewGateway(log, registry, rooms, router, metrics)

	return &App{
		cfg:       cfg,
		log:       log,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		registry:  registry,
		ledger:    ledger,
		gateway:   gateway,
		promReg:   promReg,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal
// server error. On the way out it closes every signaling session, then the
// HTTP server, then the store.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.gateway, promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	// Websocket sessions are hijacked connections; srv.Shutdown does not
	// wait for them. Signal every session first so their own cleanup runs.
	a.registry.CloseAll(int(websocket.StatusGoingAway), "server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if a.ledger != nil {
		_ = a.ledger.Close()
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newLedger decides between Postgres-backed call persistence and the
// in-memory dev ledger.
func newLedger(ctx context.Context, cfg Config, log Logger) (signaling.CallLedger, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_ledger")
		return signaling.NewMemoryLedger(), nil, false, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, err
	}

	ledger, err := signaling.NewPostgresLedger(pool, signaling.WithLedgerSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, err
	}

	if err := ledger.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, false, err
	}

	log.Info("db.enabled.postgres_ledger", "schema", cfg.DBSchema)
	return ledger, pool, true, nil
}
