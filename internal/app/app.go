package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/yungbote/askpdf-backend/internal/data/db"
	apphttp "github.com/yungbote/askpdf-backend/internal/http"
	"github.com/yungbote/askpdf-backend/internal/observability"
	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
	"github.com/yungbote/askpdf-backend/internal/realtime"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Cfg      Config
	Repos    Repos
	Clients  Clients
	Services Services
	SSEHub   *realtime.SSEHub
	Server   *apphttp.Server

	pg           *db.PostgresService
	otelShutdown func(context.Context) error

	cancel       context.CancelFunc
	shutdownOnce sync.Once
	shutdownErr  error
}

// New wires the whole service and runs the migrations. Nothing runs until
// Start or Serve.
func New(ctx context.Context, log *logger.Logger) (*App, error) {
	log.Info("Loading configuration...")
	cfg, err := LoadConfig(log)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfigFromEnv(serviceName, cfg.Env, cfg.Version))

	pg, err := openDatabase(log)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, err
	}
	theDB := pg.DB()

	hub := realtime.NewSSEHub(log)
	reposet := wireRepos(theDB, log)

	clientset, err := wireClients(ctx, log, cfg)
	if err != nil {
		_ = pg.Close()
		_ = otelShutdown(ctx)
		return nil, err
	}

	serviceset, err := wireServices(log, cfg, reposet, clientset, hub)
	if err != nil {
		clientset.Close()
		_ = pg.Close()
		_ = otelShutdown(ctx)
		return nil, err
	}

	middleware, err := wireMiddleware(log, cfg)
	if err != nil {
		clientset.Close()
		_ = pg.Close()
		_ = otelShutdown(ctx)
		return nil, err
	}
	handlerset := wireHandlers(log, theDB, cfg, reposet, clientset, serviceset, hub)

	server := apphttp.NewServer(":"+cfg.Port, apphttp.RouterConfig{
		Log:             log,
		ServiceName:     serviceName,
		AllowedOrigins:  cfg.AllowedOrigins,
		AuthMiddleware:  middleware.Auth,
		HealthHandler:   handlerset.Health,
		DocumentHandler: handlerset.Document,
		SearchHandler:   handlerset.Search,
		ChatHandler:     handlerset.Chat,
		UsageHandler:    handlerset.Usage,
		RealtimeHandler: handlerset.Realtime,
	})

	return &App{
		Log:          log,
		DB:           theDB,
		Cfg:          cfg,
		Repos:        reposet,
		Clients:      clientset,
		Services:     serviceset,
		SSEHub:       hub,
		Server:       server,
		pg:           pg,
		otelShutdown: otelShutdown,
	}, nil
}

func openDatabase(log *logger.Logger) (*db.PostgresService, error) {
	pg, err := db.NewPostgresService(log, db.PostgresConfigFromEnv())
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := db.AutoMigrateAll(pg.DB()); err != nil {
		_ = pg.Close()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	return pg, nil
}

// Migrate opens the database, migrates it and closes it again.
func Migrate(log *logger.Logger) error {
	pg, err := openDatabase(log)
	if err != nil {
		return err
	}
	log.Info("Migrations applied")
	return pg.Close()
}

// Start launches the bus forwarder and the ingestion supervisor, then
// re-attaches to documents left in processing when INGEST_RESUME_ON_START is on.
func (a *App) Start(ctx context.Context) error {
	if a == nil || a.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.Clients.Bus != nil {
		if err := a.Clients.Bus.StartForwarder(runCtx, a.SSEHub.Broadcast); err != nil {
			return fmt.Errorf("start SSE forwarder: %w", err)
		}
	}
	a.Services.Supervisor.Start(runCtx)

	if a.Cfg.ResumeOnStart {
		n, err := a.Services.Ingestion.Resume(runCtx, nil)
		if err != nil {
			a.Log.Warn("Resume on start failed", "resumed", n, "error", err)
		}
	}
	return nil
}

// Serve runs HTTP until ctx is canceled or the listener fails, then shuts
// everything down within ShutdownTimeout.
func (a *App) Serve(ctx context.Context) error {
	if a == nil || a.Server == nil {
		return fmt.Errorf("app not initialized")
	}
	if err := a.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Log.Info("Serving HTTP", "port", a.Cfg.Port)
		return a.Server.Run()
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Cfg.ShutdownTimeout)
		defer cancel()
		return a.Shutdown(sctx)
	})
	return g.Wait()
}

// ResumeOnce runs a single global resume scan and waits for the resumed
// documents to settle.
func (a *App) ResumeOnce(ctx context.Context) (int, error) {
	if a == nil {
		return 0, fmt.Errorf("app not initialized")
	}
	a.Services.Supervisor.Start(ctx)
	n, err := a.Services.Ingestion.Resume(ctx, nil)
	if err != nil {
		return n, err
	}
	a.Log.Info("Waiting for resumed documents", "count", n)

	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for a.Services.Supervisor.InFlight() > 0 {
		select {
		case <-ctx.Done():
			return n, ctx.Err()
		case <-tick.C:
		}
	}
	return n, nil
}

// Shutdown stops HTTP and the supervisor in parallel, then releases clients,
// the database and the tracer. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	if a == nil {
		return nil
	}
	a.shutdownOnce.Do(func() {
		a.Log.Info("Shutting down...")
		g, gctx := errgroup.WithContext(ctx)
		if a.Server != nil {
			g.Go(func() error { return a.Server.Shutdown(gctx) })
		}
		g.Go(func() error { return a.Services.Supervisor.Stop(gctx) })
		err := g.Wait()

		if a.cancel != nil {
			a.cancel()
		}
		a.Clients.Close()
		if a.pg != nil {
			err = errors.Join(err, a.pg.Close())
		}
		if a.otelShutdown != nil {
			err = errors.Join(err, a.otelShutdown(ctx))
		}
		a.Log.Sync()
		a.shutdownErr = err
	})
	return a.shutdownErr
}
