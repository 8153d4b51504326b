package history

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
)

// schema.sql always describes the newest layout; fresh databases are created
// from it directly and stamped with schemaVersion.
//
//go:embed schema.sql
var schemaSQL string

const schemaVersion = 2

// migrations upgrade an existing database from version key-1 to key. Each step
// runs in the same transaction as the version bump.
//
// 2: job_json.progress became a whole percent; fractional values written by
// version 1 are rounded so they decode into job.Job.
var migrations = map[int][]string{
	2: {
		`UPDATE jobs
		    SET job_json = json_set(job_json, '$.progress',
		        CAST(ROUND(COALESCE(json_extract(job_json, '$.progress'), 0)) AS INTEGER))
		  WHERE json_type(job_json, '$.progress') = 'real'`,
	},
}

// ErrSchemaMismatch reports a database written by a newer (or unknown) release.
var ErrSchemaMismatch = errors.New("history schema version mismatch")

func (s *Store) initSchema(ctx context.Context) error {
	var tables int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tables)
	if err != nil {
		return fmt.Errorf("look up schema_version: %w", err)
	}
	if tables == 0 {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
				return fmt.Errorf("create history tables: %w", err)
			}
			_, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion)
			return err
		})
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version < 1 || version > schemaVersion {
		return fmt.Errorf("%w: %s is at version %d, this build reads up to %d (move it aside to start fresh)",
			ErrSchemaMismatch, s.path, version, schemaVersion)
	}
	for next := version + 1; next <= schemaVersion; next++ {
		if err := s.migrate(ctx, next); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context, to int) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range migrations[to] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migrate history to version %d: %w", to, err)
			}
		}
		_, err := tx.ExecContext(ctx, "UPDATE schema_version SET version = ?", to)
		return err
	})
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
