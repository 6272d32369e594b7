// Package database provides the Postgres connection and the
// find-or-create-or-find transactional primitive the ledger and trust
// stores are built on.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/LoansBot/loansbot/internal/retry"
)

// uniqueViolation is the Postgres error code raised by a unique
// constraint conflict.
const uniqueViolation = "23505"

// Open connects to Postgres and verifies the connection, retrying the
// ping up to 5 times before giving up.
func Open(ctx context.Context, url string, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = retry.Do(ctx, 5, time.Second, func() error {
		if err := db.PingContext(ctx); err != nil {
			logger.Warn("database ping failed", "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

// Query pairs a SQL statement with its arguments.
type Query struct {
	SQL  string
	Args []any
}

// IsUniqueViolation reports whether err is a Postgres unique
// constraint conflict.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// FindOrCreateOrFind runs find, and if it returns no row, runs insert
// (which must RETURNING the id). If the insert hits a unique
// violation — another worker created the row between our find and
// insert — the offending statement is rolled back to a savepoint and
// the find re-runs. The outer transaction survives the benign race.
//
// This does not commit; it expects to run inside tx.
func FindOrCreateOrFind(ctx context.Context, tx *sql.Tx, find, insert Query) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, find.SQL, find.Args...).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, "SAVEPOINT find_or_create"); err != nil {
		return 0, err
	}

	err = tx.QueryRowContext(ctx, insert.SQL, insert.Args...).Scan(&id)
	if err == nil {
		_, err = tx.ExecContext(ctx, "RELEASE SAVEPOINT find_or_create")
		return id, err
	}
	if !IsUniqueViolation(err) {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT find_or_create"); err != nil {
		return 0, err
	}

	err = tx.QueryRowContext(ctx, find.SQL, find.Args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("find-or-create-or-find: all three passes failed for %q", find.SQL)
	}
	return id, err
}
