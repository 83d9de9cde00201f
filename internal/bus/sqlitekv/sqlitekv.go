// Package sqlitekv implements bus.KV on top of database/sql, the same
// migrate-then-CRUD idiom the checkpoint store uses for durable blobs.
package sqlitekv

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/nugget/thane-ai-agent/internal/bus"
)

// Store is a database/sql-backed multi-namespace key/value table. Pass a
// *sql.DB opened with either the mattn/go-sqlite3 (cgo) or modernc.org/sqlite
// (pure Go) driver; both speak the same database/sql surface.
type Store struct {
	db *sql.DB
}

// Open wraps an already-opened *sql.DB and ensures the kv table exists.
func Open(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			PRIMARY KEY (namespace, key)
		);
	`)
	return err
}

// Namespace returns a bus.KV bound to the given namespace.
func (s *Store) Namespace(namespace string) bus.KV {
	return &namespacedKV{store: s, namespace: namespace}
}

type namespacedKV struct {
	store     *Store
	namespace string
}

func (k *namespacedKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := k.store.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE namespace = ? AND key = ?`, k.namespace, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get: %w", err)
	}
	return v, true, nil
}

func (k *namespacedKV) Set(ctx context.Context, key string, value []byte) error {
	_, err := k.store.db.ExecContext(ctx, `
		INSERT INTO kv (namespace, key, value) VALUES (?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value
	`, k.namespace, key, value)
	if err != nil {
		return fmt.Errorf("set: %w", err)
	}
	return nil
}

// CompareAndSet relies on the table's primary key for the "must not exist"
// case and a transaction with a row-level read for the "must equal
// oldValue" case, giving the same single-owner semantics Task Store Claim
// needs without a separate locking primitive.
func (k *namespacedKV) CompareAndSet(ctx context.Context, key string, oldValue, newValue []byte) (bool, error) {
	tx, err := k.store.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var current []byte
	err = tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE namespace = ? AND key = ?`, k.namespace, key).Scan(&current)
	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("read: %w", err)
	}

	if oldValue == nil {
		if exists {
			return false, nil
		}
	} else if !exists || string(current) != string(oldValue) {
		return false, nil
	}

	if exists {
		_, err = tx.ExecContext(ctx, `UPDATE kv SET value = ? WHERE namespace = ? AND key = ?`, newValue, k.namespace, key)
	} else {
		_, err = tx.ExecContext(ctx, `INSERT INTO kv (namespace, key, value) VALUES (?, ?, ?)`, k.namespace, key, newValue)
	}
	if err != nil {
		return false, fmt.Errorf("write: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (k *namespacedKV) Del(ctx context.Context, key string) error {
	_, err := k.store.db.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ? AND key = ?`, k.namespace, key)
	if err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

func (k *namespacedKV) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := k.store.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE namespace = ? AND key LIKE ? ESCAPE '\'`,
		k.namespace, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, rows.Err()
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
