package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Files returns the embedded migration names in apply order.
func Files() ([]string, error) {
	entries, err := fs.ReadDir(FS, ".")
	if err != nil {
		return nil, fmt.Errorf("read embedded migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// Apply runs every migration not yet recorded in schema_migrations and
// returns how many it applied. progress, if non-nil, is told about each file.
func Apply(ctx context.Context, db *pgxpool.Pool, progress func(name string, skipped bool)) (int, error) {
	if progress == nil {
		progress = func(string, bool) {}
	}

	// Same schema as golang-migrate.
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version bigint NOT NULL,
			dirty   boolean NOT NULL,
			PRIMARY KEY (version)
		)`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := Files()
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, f := range files {
		ver, err := VersionFromFile(f)
		if err != nil {
			return applied, fmt.Errorf("parse version from %s: %w", f, err)
		}

		var exists bool
		if err := db.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1 AND dirty = false)`,
			ver,
		).Scan(&exists); err != nil {
			return applied, fmt.Errorf("check %s: %w", f, err)
		}
		if exists {
			progress(f, true)
			continue
		}

		sql, err := fs.ReadFile(FS, f)
		if err != nil {
			return applied, fmt.Errorf("read %s: %w", f, err)
		}

		// Mark dirty=true before applying so a crash is visible.
		if _, err := db.Exec(ctx,
			`INSERT INTO schema_migrations (version, dirty) VALUES ($1, true)
			 ON CONFLICT (version) DO UPDATE SET dirty = true`, ver,
		); err != nil {
			return applied, fmt.Errorf("mark dirty %s: %w", f, err)
		}

		if _, err := db.Exec(ctx, string(sql)); err != nil {
			return applied, fmt.Errorf("apply %s: %w", f, err)
		}

		if _, err := db.Exec(ctx,
			`UPDATE schema_migrations SET dirty = false WHERE version = $1`, ver,
		); err != nil {
			return applied, fmt.Errorf("mark clean %s: %w", f, err)
		}

		progress(f, false)
		applied++
	}
	return applied, nil
}

// VersionFromFile extracts the leading integer from a migration filename.
// "001_audit_records.up.sql" → 1
func VersionFromFile(filename string) (int64, error) {
	prefix, _, ok := strings.Cut(filename, "_")
	if !ok {
		return 0, fmt.Errorf("unexpected filename format %q", filename)
	}
	return strconv.ParseInt(prefix, 10, 64)
}
