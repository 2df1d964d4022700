// Command migrate applies the escrow ledger schema with goose.
//
// Usage:
//
//	migrate up                  apply pending migrations
//	migrate down                roll back the last migration
//	migrate status              list applied and pending migrations
//	migrate up-to <version>     apply up to a version
//	migrate down-to <version>   roll back to a version
//
// DATABASE_URL selects the database; LOG_LEVEL and LOG_FORMAT tune output.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/escrowledger/internal/logging"
	"github.com/mbd888/escrowledger/internal/retry"
	"github.com/mbd888/escrowledger/migrations"
)

const usage = "usage: migrate <up|down|status|version|redo|up-to N|down-to N>"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, os.Getenv("DATABASE_URL"), os.Args[1], os.Args[2:]); err != nil {
		logger.Error("migration failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, dsn, command string, args []string) error {
	if dsn == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	p := retry.StartupPolicy
	p.OnRetry = func(attempt int, err error) {
		logger.Warn("waiting for database", "attempt", attempt, "error", err)
	}
	if err := retry.Do(ctx, p, db.PingContext); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.RunContext(ctx, command, db, ".", args...); err != nil {
		return err
	}
	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return err
	}
	logger.Info("migration complete", "command", command, "version", version)
	return nil
}
