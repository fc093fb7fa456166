// Command migrate applies the embedded audit ledger migrations against Postgres.
// Uses the same schema_migrations table format as golang-migrate (bigint version + dirty flag)
// so the two tools are interchangeable.
//
// Usage:
//
//	go run ./cmd/migrate
//	DATABASE_URL=postgres://... go run ./cmd/migrate
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmerrifield20/coldchain-ledger/internal/config"
	"github.com/jmerrifield20/coldchain-ledger/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	v := config.New("ledgerd")
	_ = v.ReadInConfig() // optional; env and defaults are enough
	dbURL := v.GetString("database.url")

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	fmt.Println("connected to database")

	applied, err := migrations.Apply(ctx, db, func(name string, skipped bool) {
		if skipped {
			fmt.Printf("  skip  %s (already applied)\n", name)
			return
		}
		fmt.Printf("  apply %s\n", name)
	})
	if err != nil {
		return err
	}

	if applied == 0 {
		fmt.Println("nothing to migrate, already up to date")
	} else {
		fmt.Printf("applied %d migration(s)\n", applied)
	}
	return nil
}
