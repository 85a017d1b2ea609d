package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Migration is one schema file and whether it has been applied.
type Migration struct {
	ID        string
	Checksum  string
	Applied   bool
	AppliedAt *time.Time
}

type migrationFile struct {
	id       string
	checksum string
	sql      string
}

// Migrate applies every pending .sql file of fsys in lexical order, one
// transaction per file. A file whose content changed after it was applied
// aborts the run.
func Migrate(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS, log *slog.Logger) (int, error) {
	if log == nil {
		log = slog.Default()
	}

	if err := createMigrationsTable(ctx, pool); err != nil {
		return 0, fmt.Errorf("failed to create migrations table: %w", err)
	}

	files, err := readMigrations(fsys)
	if err != nil {
		return 0, err
	}

	applied, err := appliedChecksums(ctx, pool)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, f := range files {
		if sum, ok := applied[f.id]; ok {
			if sum != f.checksum {
				return count, fmt.Errorf("migration %s was modified after it was applied", f.id)
			}
			continue
		}

		start := time.Now()
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, f.sql); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (migration_id, checksum, execution_ms) VALUES ($1, $2, $3)`,
				f.id, f.checksum, time.Since(start).Milliseconds(),
			)
			return err
		})
		if err != nil {
			return count, fmt.Errorf("failed to apply migration %s: %w", f.id, err)
		}

		log.Info("migration applied", slog.String("migration", f.id), slog.Duration("duration", time.Since(start)))
		count++
	}
	return count, nil
}

// MigrationStatus lists every migration of fsys with its applied state.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS) ([]Migration, error) {
	if err := createMigrationsTable(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	files, err := readMigrations(fsys)
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, `SELECT migration_id, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	appliedAt := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var at time.Time
		if err := rows.Scan(&id, &at); err != nil {
			return nil, err
		}
		appliedAt[id] = at
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Migration, len(files))
	for i, f := range files {
		out[i] = Migration{ID: f.id, Checksum: f.checksum}
		if at, ok := appliedAt[f.id]; ok {
			out[i].Applied = true
			out[i].AppliedAt = &at
		}
	}
	return out, nil
}

func readMigrations(fsys fs.FS) ([]migrationFile, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var files []migrationFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		content, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", e.Name(), err)
		}
		sum := sha256.Sum256(content)
		files = append(files, migrationFile{
			id:       path.Base(e.Name()),
			checksum: hex.EncodeToString(sum[:]),
			sql:      string(content),
		})
	}

	slices.SortFunc(files, func(a, b migrationFile) int { return strings.Compare(a.id, b.id) })
	return files, nil
}

func createMigrationsTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			migration_id TEXT PRIMARY KEY,
			checksum     TEXT NOT NULL,
			applied_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			execution_ms BIGINT NOT NULL
		)
	`)
	return err
}

func appliedChecksums(ctx context.Context, pool *pgxpool.Pool) (map[string]string, error) {
	rows, err := pool.Query(ctx, `SELECT migration_id, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}

	applied := make(map[string]string)
	var id, sum string
	_, err = pgx.ForEachRow(rows, []any{&id, &sum}, func() error {
		applied[id] = sum
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read applied migrations: %w", err)
	}
	return applied, nil
}
