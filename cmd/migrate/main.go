// Command migrate applies the goose migrations under migrations/ to the
// database named by DATABASE_URL. A .env file in the working directory is
// loaded first, same as the server.
//
// Usage:
//
//	go run ./cmd/migrate up                # Apply all pending migrations
//	go run ./cmd/migrate down              # Roll back the last migration
//	go run ./cmd/migrate status            # Show migration status
//	go run ./cmd/migrate version           # Show current schema version
//	go run ./cmd/migrate redo              # Roll back and re-apply last migration
//	go run ./cmd/migrate create name sql   # Scaffold a new migration file
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/admarket/internal/logging"
)

const defaultMigrationsDir = "migrations"

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <command> [args]")
		fmt.Println("Commands: up, down, status, version, redo, up-to <version>, down-to <version>, create <name> sql")
		os.Exit(1)
	}

	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	dir := os.Getenv("MIGRATIONS_DIR")
	if dir == "" {
		dir = defaultMigrationsDir
	}

	command := os.Args[1]
	args := os.Args[2:]

	// create only writes a file and needs no connection
	if command == "create" {
		if err := goose.RunContext(context.Background(), command, nil, dir, args...); err != nil {
			logger.Error("create migration failed", "error", err)
			os.Exit(1)
		}
		return
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL environment variable is required")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := goose.SetDialect("postgres"); err != nil {
		logger.Error("unsupported dialect", "error", err)
		os.Exit(1)
	}

	if err := goose.RunContext(ctx, command, db, dir, args...); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
	logger.Info("migration finished", "command", command, "dir", dir)
}
