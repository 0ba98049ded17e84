package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"OutcomeLedger/internal/observability"
	"OutcomeLedger/internal/persistence"

	_ "github.com/lib/pq"
)

const usage = `Usage: migrate <up|down>
  up   - apply all pending migrations
  down - roll back the last migration

Environment:
  OUTCOME_POSTGRES_DSN   - Postgres connection string
  OUTCOME_MIGRATIONS_DIR - path to migrations directory (default: migrations)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	cmd := os.Args[1]
	if cmd != "up" && cmd != "down" {
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up' or 'down')\n", cmd)
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	dsn := os.Getenv("OUTCOME_POSTGRES_DSN")
	if dsn == "" {
		dsn = "postgres://localhost:5432/outcomeledger?sslmode=disable"
	}
	dir := os.Getenv("OUTCOME_MIGRATIONS_DIR")
	if dir == "" {
		dir = "migrations"
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, dir)

	if cmd == "up" {
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")
		return
	}
	if err := migrator.Down(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrate down")
	}
	logger.Info().Msg("last migration rolled back")
}
