package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/migadu/policyd/consts"
	"github.com/migadu/policyd/logger"
	"github.com/migadu/policyd/value"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// SQLite stores records in a local SQLite database. Writes are serialized
// by a mutex in addition to SQLite's own locking, so Update is atomic for
// every writer sharing this handle. Separate processes sharing the file rely
// on the write transaction.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("SQLite store: failed to enable WAL", "path", path, "error", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000;`); err != nil {
		logger.Warn("SQLite store: failed to set busy timeout", "path", path, "error", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	logger.Info("SQLite store opened", "path", path)
	return &SQLite{db: db}, nil
}

func persistenceErr(op, key string, err error) error {
	if errors.Is(err, consts.ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %s %q: %w", consts.ErrPersistence, op, key, err)
}

func (s *SQLite) Get(ctx context.Context, key string) (value.Value, error) {
	if err := validKey(key); err != nil {
		return value.Absent, err
	}
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM records WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return value.Absent, nil
	}
	if err != nil {
		return value.Absent, persistenceErr("get", key, err)
	}
	return decode(key, []byte(data))
}

func (s *SQLite) Put(ctx context.Context, key string, v value.Value) error {
	if err := validKey(key); err != nil {
		return err
	}
	if v.IsAbsent() {
		return s.Delete(ctx, key)
	}
	data, err := encode(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(data), time.Now().Unix())
	if err != nil {
		return persistenceErr("put", key, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key); err != nil {
		return persistenceErr("delete", key, err)
	}
	return nil
}

func (s *SQLite) Update(ctx context.Context, key string, fn UpdateFunc) (value.Value, error) {
	if err := validKey(key); err != nil {
		return value.Absent, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return value.Absent, persistenceErr("update", key, err)
	}
	defer tx.Rollback()

	current := value.Absent
	var data string
	err = tx.QueryRowContext(ctx, `SELECT value FROM records WHERE key = ?`, key).Scan(&data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return value.Absent, persistenceErr("update", key, err)
	default:
		if current, err = decode(key, []byte(data)); err != nil {
			return value.Absent, err
		}
	}

	next, op, err := apply(fn, current)
	if err != nil {
		return value.Absent, err
	}
	switch op {
	case OpNone:
		return next, nil
	case OpDelete:
		_, err = tx.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key)
	case OpPut:
		var enc []byte
		if enc, err = encode(next); err != nil {
			return value.Absent, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO records (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, string(enc), time.Now().Unix())
	}
	if err != nil {
		return value.Absent, persistenceErr("update", key, err)
	}
	if err := tx.Commit(); err != nil {
		return value.Absent, persistenceErr("update", key, err)
	}
	return next, nil
}

// likePrefix escapes prefix for use in a LIKE pattern with ESCAPE '\'.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

func (s *SQLite) Scan(ctx context.Context, prefix string, fn ScanFunc) error {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM records WHERE key LIKE ? ESCAPE '\'`, likePrefix(prefix))
	if err != nil {
		return persistenceErr("scan", prefix, err)
	}
	// Read everything before calling fn: the store has a single connection.
	type row struct{ key, data string }
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.key, &r.data); err != nil {
			rows.Close()
			return persistenceErr("scan", prefix, err)
		}
		all = append(all, r)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return persistenceErr("scan", prefix, err)
	}

	for _, r := range all {
		// LIKE is case-insensitive for ASCII in SQLite.
		if !strings.HasPrefix(r.key, prefix) {
			continue
		}
		v, err := decode(r.key, []byte(r.data))
		if err != nil {
			logger.Warn("SQLite store: skipping undecodable record", "key", r.key, "error", err)
			continue
		}
		if !fn(r.key, v) {
			return nil
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
