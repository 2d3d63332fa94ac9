package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pagewright/pagewright/internal/app/migrate"
	"github.com/pagewright/pagewright/pkg/config"
	"github.com/pagewright/pagewright/pkg/logger"
)

func main() {
	timeout := flag.Duration("timeout", time.Minute, "command timeout")
	target := flag.Int64("target", 0, "target version for the down command")
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		command = "up"
	}

	cfg := config.LoadAPIConfig()
	log := logger.New("migrate", cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, cfg, log, command, *target); err != nil {
		log.Error("migrate command failed", "command", command, "error", err)
		os.Exit(1)
	}
	log.Info("migrate command completed", "command", command)
}

func run(ctx context.Context, cfg config.APIConfig, log *slog.Logger, command string, target int64) error {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		return err
	}
	defer runner.Close()

	switch command {
	case "up":
		return runner.Ensure(ctx)
	case "status":
		return runner.Status(ctx)
	case "down":
		return runner.Down(ctx, target)
	default:
		return fmt.Errorf("unknown command %q (expected up, status, or down)", command)
	}
}
