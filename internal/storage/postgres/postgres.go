// Package postgres stores namespaces as rows of the cache_entries table.
// Updates take a transaction-scoped advisory lock per namespace, so writers in
// different processes serialize; readers take the shared form of the same lock.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rpattn/jiracache/internal/db"
	"github.com/rpattn/jiracache/internal/storage"
)

const (
	lockExclusiveSQL = `SELECT pg_advisory_xact_lock(hashtext($1))`
	lockSharedSQL    = `SELECT pg_advisory_xact_lock_shared(hashtext($1))`
	getSQL           = `SELECT value FROM cache_entries WHERE namespace = $1 AND key = $2`
	putSQL           = `INSERT INTO cache_entries (namespace, key, value, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	deleteSQL   = `DELETE FROM cache_entries WHERE namespace = $1 AND key = $2`
	scanSQL     = `SELECT key, value FROM cache_entries WHERE namespace = $1 AND starts_with(key, $2) ORDER BY key COLLATE "C"`
	truncateSQL = `DELETE FROM cache_entries WHERE namespace = $1`
)

// Opener creates namespace stores on a shared connection.
type Opener struct {
	conn *db.Connection
}

// NewOpener wraps an open connection. The schema must be migrated.
func NewOpener(conn *db.Connection) *Opener {
	return &Opener{conn: conn}
}

func (o *Opener) Open(namespace string) (storage.Store, error) {
	if err := storage.ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	return &Store{conn: o.conn, namespace: namespace}, nil
}

// Close leaves the connection open; its owner closes it.
func (o *Opener) Close() error {
	return nil
}

// Store is one namespace of cache_entries.
type Store struct {
	conn      *db.Connection
	namespace string
}

func (s *Store) Update(ctx context.Context, fn func(storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return s.conn.WithTx(ctx, func(pgTx pgx.Tx) error {
		if _, err := pgTx.Exec(ctx, lockExclusiveSQL, s.namespace); err != nil {
			return fmt.Errorf("lock namespace %s: %w", s.namespace, err)
		}
		return fn(&tx{ctx: ctx, tx: pgTx, namespace: s.namespace})
	})
}

func (s *Store) View(ctx context.Context, fn func(storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	// Read committed: statements after the shared lock see the last writer's commit.
	// The lock keeps writers out for the rest of the transaction.
	opts := pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadOnly}
	return s.conn.WithTxOptions(ctx, opts, func(pgTx pgx.Tx) error {
		if _, err := pgTx.Exec(ctx, lockSharedSQL, s.namespace); err != nil {
			return fmt.Errorf("lock namespace %s: %w", s.namespace, err)
		}
		return fn(&tx{ctx: ctx, tx: pgTx, namespace: s.namespace, readOnly: true})
	})
}

func (s *Store) Truncate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return s.conn.WithTx(ctx, func(pgTx pgx.Tx) error {
		if _, err := pgTx.Exec(ctx, lockExclusiveSQL, s.namespace); err != nil {
			return fmt.Errorf("lock namespace %s: %w", s.namespace, err)
		}
		if _, err := pgTx.Exec(ctx, truncateSQL, s.namespace); err != nil {
			return fmt.Errorf("truncate namespace %s: %w", s.namespace, err)
		}
		return nil
	})
}

func (s *Store) Close() error {
	return nil
}

type tx struct {
	ctx       context.Context
	tx        pgx.Tx
	namespace string
	readOnly  bool
}

var errReadOnly = errors.New("postgres: write in read-only transaction")

func (t *tx) Get(key string) ([]byte, error) {
	var value []byte
	err := t.tx.QueryRow(t.ctx, getSQL, t.namespace, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (t *tx) Put(key string, value []byte) error {
	if t.readOnly {
		return errReadOnly
	}
	if _, err := t.tx.Exec(t.ctx, putSQL, t.namespace, key, value); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (t *tx) Delete(key string) error {
	if t.readOnly {
		return errReadOnly
	}
	if _, err := t.tx.Exec(t.ctx, deleteSQL, t.namespace, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

type entry struct {
	key   string
	value []byte
}

func (t *tx) Scan(prefix string, fn func(key string, value []byte) error) error {
	rows, err := t.tx.Query(t.ctx, scanSQL, t.namespace, prefix)
	if err != nil {
		return fmt.Errorf("scan %s: %w", prefix, err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (entry, error) {
		var e entry
		err := row.Scan(&e.key, &e.value)
		return e, err
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", prefix, err)
	}

	for _, e := range entries {
		if err := fn(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}

var _ storage.Opener = (*Opener)(nil)
