// Package app wires together the server's subsystems: store, worker pool,
// database pool, TCP reactor, and mDNS discovery. It manages their combined
// startup and graceful-shutdown lifecycle.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"deviceserver/internal/config"
	"deviceserver/internal/dbpool"
	"deviceserver/internal/devicemgr"
	"deviceserver/internal/discovery"
	"deviceserver/internal/handlers"
	"deviceserver/internal/httpcodec"
	"deviceserver/internal/logging"
	"deviceserver/internal/store"
	"deviceserver/internal/tcpserver"
	"deviceserver/internal/workerpool"
)

// App owns every long-lived subsystem and their shutdown order.
type App struct {
	cfg config.Config
	log *logging.Logger

	sqlDB       *sql.DB
	dbPool      *dbpool.Pool
	telemetry   store.TelemetryStore
	requirement store.RequirementStore
	dbTelemetry *store.DBTelemetryStore // non-nil only when the DB backend is active, for Shutdown's final flush

	devices *devicemgr.Manager
	pool    *workerpool.Pool
	server  *tcpserver.Server
	mdns    *discovery.Advertiser
}

// New constructs an unstarted App.
func New(cfg config.Config, log *logging.Logger) *App {
	return &App{cfg: cfg, log: log}
}

// Run builds every subsystem, starts the server, and blocks until ctx is
// canceled (by a signal, in cmd/server), then shuts everything down in
// reverse dependency order. It returns any fatal startup error, or nil
// after a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	if err := a.buildStores(ctx); err != nil {
		return err
	}
	defer a.closeStores()

	devices, err := devicemgr.New(a.cfg.StorageMode, a.telemetry, a.log)
	if err != nil {
		return fmt.Errorf("app: build device manager: %w", err)
	}
	a.devices = devices

	h := handlers.New(a.telemetry, a.requirement, a.devices, a.log)

	a.pool = workerpool.New(a.log)
	threadCount := a.cfg.ThreadPoolSize
	if threadCount <= 0 {
		threadCount = 4
	}
	a.pool.Start(threadCount)

	a.server = tcpserver.New(a.log)
	a.server.SetWorkerPool(a.pool)
	a.server.SetRequestHandler(func(raw []byte) []byte {
		return a.dispatch(ctx, h, raw)
	})

	if err := a.server.Listen(a.cfg.HTTPHost, a.cfg.HTTPPort); err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}

	if a.cfg.MDNSEnabled {
		a.mdns = discovery.New(a.log)
		if err := a.mdns.Start(a.cfg.HTTPPort); err != nil {
			a.log.Warn("app: mDNS advertisement failed to start: %v", err)
		}
	}

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- a.server.Run()
	}()

	a.log.Info("app: device ingest server ready on %s:%d", a.cfg.HTTPHost, a.cfg.HTTPPort)

	select {
	case <-ctx.Done():
		a.shutdown()
		return nil
	case err := <-runErrCh:
		a.shutdown()
		return err
	}
}

func (a *App) shutdown() {
	a.log.Info("app: shutting down")
	if a.mdns != nil {
		a.mdns.Stop()
	}
	a.server.Stop()
	a.pool.Stop()
	if a.dbTelemetry != nil {
		a.dbTelemetry.Shutdown()
	}
}

// dispatch parses a raw request and routes it to a handler, returning 400
// on parse failure.
func (a *App) dispatch(ctx context.Context, h *handlers.Handlers, raw []byte) []byte {
	req, ok := httpcodec.ParseRequest(raw)
	if !ok {
		body := []byte(`{"code":400,"message":"Invalid request: malformed request line or headers"}`)
		return httpcodec.BuildResponse(400, body, "application/json")
	}
	return h.Route(ctx, req)
}

func (a *App) buildStores(ctx context.Context) error {
	switch a.cfg.StorageMode {
	case config.StorageMemory:
		a.telemetry = store.NewMemoryTelemetryStore()
		a.requirement = store.NewMemoryRequirementStore()
		return nil

	case config.StorageDB, config.StorageHybrid:
		return a.buildDBStores(ctx)

	default:
		return fmt.Errorf("app: unknown storage mode %q", a.cfg.StorageMode)
	}
}

func (a *App) buildDBStores(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", a.cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("app: open sqlite: %w", err)
	}
	a.sqlDB = db

	if err := store.InitSchema(ctx, db); err != nil {
		return err
	}

	pool, err := dbpool.New(ctx, db, a.log, dbpool.Config{Min: a.cfg.DBPoolMin, Max: a.cfg.DBPoolMax})
	if err != nil {
		return fmt.Errorf("app: build connection pool: %w", err)
	}
	a.dbPool = pool

	batchInterval := time.Duration(a.cfg.BatchIntervalMS) * time.Millisecond
	dbTelemetry := store.NewDBTelemetryStore(pool, a.log, a.cfg.BatchSize, batchInterval)
	a.dbTelemetry = dbTelemetry
	a.telemetry = dbTelemetry
	a.requirement = store.NewDBRequirementStore(pool, a.log)
	return nil
}

func (a *App) closeStores() {
	if a.dbPool != nil {
		if err := a.dbPool.Close(); err != nil {
			a.log.Error("app: close connection pool: %v", err)
		}
	}
	if a.sqlDB != nil {
		if err := a.sqlDB.Close(); err != nil {
			a.log.Error("app: close database: %v", err)
		}
	}
}
