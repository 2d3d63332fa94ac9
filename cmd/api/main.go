package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pagewright/pagewright/internal/app/migrate"
	httpx "github.com/pagewright/pagewright/internal/http"
	"github.com/pagewright/pagewright/internal/publisher"
	"github.com/pagewright/pagewright/internal/repository/postgres"
	"github.com/pagewright/pagewright/internal/service/deploy"
	"github.com/pagewright/pagewright/internal/service/events"
	"github.com/pagewright/pagewright/internal/service/logs"
	"github.com/pagewright/pagewright/internal/service/sites"
	"github.com/pagewright/pagewright/internal/ws"
	"github.com/pagewright/pagewright/pkg/config"
	"github.com/pagewright/pagewright/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if cfg.MigrateOnStart {
		if err := runner.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
	}

	repo := postgres.New(pool)
	streamHub := ws.NewHub(cfg.EventBuffer)

	siteSvc := sites.New(repo, log)
	logSvc := logs.New(repo, streamHub, log)
	eventSvc := events.New(streamHub, log)
	pub := publisher.New(cfg, log)
	deploySvc := deploy.New(repo, repo, repo, logSvc, eventSvc, pub, log, cfg)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, siteSvc, deploySvc, logSvc, eventSvc, limiter, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
