package kv

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS kv (
	k BLOB PRIMARY KEY,
	v BLOB NOT NULL
) WITHOUT ROWID`

// SQLite is a Store backed by one SQLite database (pure Go driver).
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, ioError("create sqlite dir", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, ioError("open sqlite", err)
	}
	// One writer at a time; WAL lets readers proceed alongside it.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		sqliteSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, ioError("init sqlite", errors.Wrap(err, stmt))
		}
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(ctx context.Context, key []byte) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, "SELECT v FROM kv WHERE k = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, ioError("get", err)
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

func (s *SQLite) Has(ctx context.Context, key []byte) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM kv WHERE k = ?", key).Scan(&n)
	if err != nil {
		return false, ioError("has", err)
	}
	return n > 0, nil
}

func (s *SQLite) Put(ctx context.Context, key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, "INSERT OR REPLACE INTO kv (k, v) VALUES (?, ?)", key, value)
	if err != nil {
		return ioError("put", err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key []byte) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE k = ?", key); err != nil {
		return ioError("delete", err)
	}
	return nil
}

func (s *SQLite) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	var (
		rows *sql.Rows
		err  error
	)
	if end := prefixEnd(prefix); end != nil {
		rows, err = s.db.QueryContext(ctx, "SELECT k, v FROM kv WHERE k >= ? AND k < ? ORDER BY k", prefix, end)
	} else {
		rows, err = s.db.QueryContext(ctx, "SELECT k, v FROM kv WHERE k >= ? ORDER BY k", prefix)
	}
	if err != nil {
		return ioError("scan", err)
	}

	// Drain before calling fn: the single connection must be free for writes.
	var keys, values [][]byte
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return ioError("scan", err)
		}
		if !bytes.HasPrefix(k, prefix) {
			continue
		}
		keys = append(keys, k)
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return ioError("scan", err)
	}
	rows.Close()

	for i := range keys {
		if err := fn(keys[i], values[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Write(ctx context.Context, b *Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ioError("begin", err)
	}
	for _, op := range b.ops {
		if op.delete {
			_, err = tx.ExecContext(ctx, "DELETE FROM kv WHERE k = ?", op.key)
		} else {
			value := op.value
			if value == nil {
				value = []byte{}
			}
			_, err = tx.ExecContext(ctx, "INSERT OR REPLACE INTO kv (k, v) VALUES (?, ?)", op.key, value)
		}
		if err != nil {
			_ = tx.Rollback()
			return ioError("write batch", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return ioError("commit batch", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	if err := s.db.Close(); err != nil {
		return ioError("close sqlite", err)
	}
	return nil
}
