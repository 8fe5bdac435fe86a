package settings

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists (namespace, key) -> value in a single table using
// SQLite transactions for the key-level atomicity spec §4.1 requires:
// a Save or Delete either commits entirely or leaves the prior row
// untouched, so a crash mid-write never produces a torn value.
type SQLiteStore struct {
	path string
	db   *sql.DB
}

// NewSQLiteStore returns a store for the settings database at path
// without touching it. Init must be called before first use: it opens
// (creating if necessary) the database and creates the schema.
func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite3", s.path+"?_journal_mode=WAL&_synchronous=FULL")
	if err != nil {
		return fmt.Errorf("%w: open: %v", ErrInit, err)
	}
	const schema = `CREATE TABLE IF NOT EXISTS kv (
		namespace TEXT NOT NULL,
		key       TEXT NOT NULL,
		value     BLOB NOT NULL,
		PRIMARY KEY (namespace, key)
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return fmt.Errorf("%w: schema: %v", ErrInit, err)
	}
	s.db = db
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, namespace, key string, value []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrSave, err)
	}
	defer tx.Rollback()

	const upsert = `INSERT INTO kv (namespace, key, value) VALUES (?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value`
	if _, err := tx.ExecContext(ctx, upsert, namespace, key, value); err != nil {
		return fmt.Errorf("%w: %v", ErrSave, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrSave, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, namespace string, visit Visitor) error {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE namespace = ?`, namespace)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLoad, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("%w: scan: %v", ErrLoad, err)
		}
		if err := visit(key, bytes.NewReader(value)); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLoad, err)
	}
	return nil
}

// Delete of a missing key is not an error (spec §4.1).
func (s *SQLiteStore) Delete(ctx context.Context, namespace, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrDelete, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key); err != nil {
		return fmt.Errorf("%w: %v", ErrDelete, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrDelete, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
