package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/archon-research/stl/stl-slots/db/migrations"
	"github.com/archon-research/stl/stl-slots/db/migrator"
	"github.com/archon-research/stl/stl-slots/internal/adapters/outbound/postgres"
	"github.com/archon-research/stl/stl-slots/internal/pkg/env"
)

func main() {
	status := flag.Bool("status", false, "List applied migrations instead of applying pending ones")
	flag.Parse()

	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: env.ParseLogLevel(slog.LevelInfo),
	}))

	connStr := env.Get("DATABASE_URL", "")
	if connStr == "" {
		logger.Error("required environment variable not set", "key", "DATABASE_URL")
		os.Exit(1)
	}
	ctx := context.Background()

	pool, err := postgres.OpenPool(ctx, postgres.PoolConfigDefaults(connStr))
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	m := migrator.New(pool, migrations.FS, logger)

	if *status {
		applied, err := m.ListApplied(ctx)
		if err != nil {
			logger.Error("failed to list applied migrations", "error", err)
			os.Exit(1)
		}
		for _, name := range applied {
			logger.Info("applied", "migration", name)
		}
		return
	}

	if err := m.ApplyAll(ctx); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
	logger.Info("all migrations up to date")
}
