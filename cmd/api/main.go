package main

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"casebook/api/db"
	"casebook/api/internal/app"
	"casebook/api/internal/auth"
	"casebook/api/internal/config"
	"casebook/api/internal/logging"
	"casebook/api/internal/presence"
	"casebook/api/internal/session"
	"casebook/api/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("casebook api stopped")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	reports, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	authenticators := auth.Chain{}
	var sessions app.Pinger
	if cfg.RedisURL != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisStore.Close()
		log.Info().Msg("cookie sessions enabled (redis)")
		authenticators = append(authenticators, redisStore)
		sessions = redisStore
	}
	authenticators = append(authenticators, auth.NewTokenAuthenticator(cfg.TokenSecret))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	presenceMetrics, err := presence.NewMetrics(registry)
	if err != nil {
		return err
	}
	httpMetrics, err := app.NewMetrics(registry)
	if err != nil {
		return err
	}

	fanout, err := presence.ParseFanoutMode(cfg.PresenceFanout)
	if err != nil {
		return err
	}
	hub := presence.NewHub(presence.Options{
		IdleTimeout:  cfg.PresenceIdleTimeout,
		ReapInterval: cfg.PresenceReapInterval,
		Fanout:       fanout,
		Metrics:      presenceMetrics,
	})
	presenceHandler := presence.NewHandler(hub, authenticators, presence.HandlerConfig{
		SendQueue:    cfg.PresenceSendQueue,
		MessageRate:  cfg.PresenceMessageRate,
		MessageBurst: cfg.PresenceMessageBurst,
		CheckOrigin:  presence.AllowOrigins(cfg.CORSOrigin),
	})

	service := app.NewService(reports, hub.Tracker(), sessions, httpMetrics)
	httpServer := app.NewHTTPServer(service, authenticators, app.HTTPOptions{
		Presence:    presenceHandler,
		Metrics:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		HTTPMetrics: httpMetrics,
		CORSOrigin:  cfg.CORSOrigin,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := hub.Start(gctx); err != nil {
		return err
	}

	g.Go(func() error {
		log.Info().
			Str("addr", cfg.Addr).
			Str("fanout", string(fanout)).
			Dur("idle_timeout", cfg.PresenceIdleTimeout).
			Msg("casebook api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		// Hijacked websocket connections are not tracked by http.Server,
		// so presence clients are told to go away first.
		hub.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config) (store.ReportStore, func(), error) {
	if cfg.UsesMemoryStore() {
		log.Warn().Msg("using in-memory report store; data is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}

	conn, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := store.ApplyMigrations(ctx, conn, migrationsFS(cfg.MigrationsDir)); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return store.NewPostgresStore(conn), func() { closeDB(conn) }, nil
}

// migrationsFS prefers an on-disk directory so migrations can be edited
// without a rebuild, falling back to the copy embedded in the binary.
func migrationsFS(dir string) fs.FS {
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		log.Debug().Str("dir", dir).Msg("applying migrations from disk")
		return os.DirFS(dir)
	}
	return db.Migrations()
}

func closeDB(conn *sql.DB) {
	if err := conn.Close(); err != nil {
		log.Warn().Err(err).Msg("closing database")
	}
}
