package db

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrMigrationChanged means an already applied migration no longer hashes to
// what the migrations table recorded. That is a packaging mistake, never
// something to repair at runtime, so startup must abort.
var ErrMigrationChanged = errors.New("applied migration does not match its recorded hash")

// Migration is one ordered schema change. SQL is the final text, hashes are
// computed over it as-is.
type Migration struct {
	ID   int
	Name string
	SQL  string
}

func hashSQL(sql string) string {
	sum := sha1.Sum([]byte(sql))
	return hex.EncodeToString(sum[:])
}

// Migrate applies pending migrations inside a single transaction guarded by
// an advisory lock derived from the database and schema name, so concurrent
// starters serialize instead of tripping over half-applied DDL. Applied
// entries are verified against their recorded hash and skipped.
func Migrate(ctx context.Context, pool *pgxpool.Pool, schema string, list []Migration, log *slog.Logger) error {
	tx, err := pool.Begin(ctx)

	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}

	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(('x' || md5(current_database() || '.tb.' || $1))::bit(64)::bigint)`,
		schema,
	)

	if err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}

	if _, err = tx.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema)); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.migrations (
	id integer PRIMARY KEY,
	name text UNIQUE NOT NULL,
	hash text NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now()
)`, schema))

	if err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied := map[int]string{}

	rows, err := tx.Query(ctx, fmt.Sprintf(`SELECT id, hash FROM %s.migrations ORDER BY id`, schema))

	if err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}

	for rows.Next() {
		var (
			id   int
			hash string
		)
		if err := rows.Scan(&id, &hash); err != nil {
			rows.Close()
			return err
		}
		applied[id] = hash
	}
	rows.Close()

	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range list {
		hash := hashSQL(m.SQL)

		if prev, ok := applied[m.ID]; ok {
			if prev != hash {
				return fmt.Errorf("%w: %s", ErrMigrationChanged, m.Name)
			}
			continue
		}

		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.Name, err)
		}

		_, err = tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s.migrations (id, name, hash) VALUES ($1, $2, $3)`, schema),
			m.ID, m.Name, hash,
		)

		if err != nil {
			return fmt.Errorf("record migration %s: %w", m.Name, err)
		}

		if log != nil {
			log.Info("migration applied", "id", m.ID, "name", m.Name)
		}
	}

	return tx.Commit(ctx)
}
