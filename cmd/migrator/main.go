// Command migrator applies the SQL files under migrations/ in
// lexical order, tracking what already ran in schema_migrations.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ledgerDDL = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
`

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	dir := os.Getenv("MIGRATIONS_DIR")
	if dir == "" {
		dir = "./migrations"
	}

	ctx := context.Background()

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		log.Fatalf("parse DATABASE_URL: %v", err)
	}
	// Migration files hold several statements each; the extended
	// protocol refuses those.
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	cfg.ConnConfig.RuntimeParams["application_name"] = "despacho-migrator"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("connect to database: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, ledgerDDL); err != nil {
		log.Fatalf("create schema_migrations: %v", err)
	}

	pending, err := pendingMigrations(ctx, pool, dir)
	if err != nil {
		log.Fatalf("scan %s: %v", dir, err)
	}
	if len(pending) == 0 {
		log.Print("schema is up to date")
		return
	}

	for _, name := range pending {
		if err := runMigration(ctx, pool, dir, name); err != nil {
			log.Fatalf("migration %s: %v", name, err)
		}
	}
	log.Printf("done, %d migration(s) applied", len(pending))
}

// pendingMigrations returns the *.up.sql files in dir not yet recorded
// in schema_migrations, in lexical order.
func pendingMigrations(ctx context.Context, pool *pgxpool.Pool, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var pending []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}

		var done bool
		err := pool.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)", name,
		).Scan(&done)
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", name, err)
		}
		if done {
			log.Printf("%s already applied", name)
			continue
		}
		pending = append(pending, name)
	}

	sort.Strings(pending)
	return pending, nil
}

func runMigration(ctx context.Context, pool *pgxpool.Pool, dir, name string) error {
	sql, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return err
	}

	start := time.Now()
	if _, err := pool.Exec(ctx, string(sql)); err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	if _, err := pool.Exec(ctx,
		"INSERT INTO schema_migrations(name) VALUES($1) ON CONFLICT DO NOTHING", name,
	); err != nil {
		return fmt.Errorf("record: %w", err)
	}

	log.Printf("applied %s (%s)", name, time.Since(start).Round(time.Millisecond))
	return nil
}
