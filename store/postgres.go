package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/migadu/policyd/config"
	"github.com/migadu/policyd/logger"
	"github.com/migadu/policyd/pkg/metrics"
	"github.com/migadu/policyd/value"
)

// Postgres stores records in PostgreSQL. Update locks the key with a
// transaction-scoped advisory lock and the row with SELECT ... FOR UPDATE, so
// concurrent daemons sharing the database serialize on the same key.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, cfg *config.PostgresStoreConfig) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if lifetime, err := cfg.GetMaxConnLifetime(); err == nil {
		poolConfig.MaxConnLifetime = lifetime
	}

	logger.Info("Connecting to PostgreSQL store", "host", cfg.Host, "port", cfg.Port, "database", cfg.Name, "user", cfg.User)
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	if cfg.GetAutoMigrate() {
		if err := MigrateUp(ctx, cfg.ConnString()); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &Postgres{pool: pool}, nil
}

// StartPoolMetrics exports pool statistics until ctx is done.
func (p *Postgres) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := p.pool.Stat()
				metrics.DBPoolTotalConns.Set(float64(stats.TotalConns()))
				metrics.DBPoolIdleConns.Set(float64(stats.IdleConns()))
				metrics.DBPoolInUseConns.Set(float64(stats.AcquiredConns()))
			}
		}
	}()
}

func (p *Postgres) Get(ctx context.Context, key string) (value.Value, error) {
	if err := validKey(key); err != nil {
		return value.Absent, err
	}
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT value FROM policyd_records WHERE key = $1`, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return value.Absent, nil
	}
	if err != nil {
		return value.Absent, persistenceErr("get", key, err)
	}
	return decode(key, data)
}

const pgUpsert = `
	INSERT INTO policyd_records (key, value, updated_at) VALUES ($1, $2, now())
	ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`

func (p *Postgres) Put(ctx context.Context, key string, v value.Value) error {
	if err := validKey(key); err != nil {
		return err
	}
	if v.IsAbsent() {
		return p.Delete(ctx, key)
	}
	data, err := encode(v)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, pgUpsert, key, data); err != nil {
		return persistenceErr("put", key, err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM policyd_records WHERE key = $1`, key); err != nil {
		return persistenceErr("delete", key, err)
	}
	return nil
}

func (p *Postgres) Update(ctx context.Context, key string, fn UpdateFunc) (value.Value, error) {
	if err := validKey(key); err != nil {
		return value.Absent, err
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return value.Absent, persistenceErr("update", key, err)
	}
	defer tx.Rollback(ctx)

	// The row may not exist yet, so FOR UPDATE alone cannot serialize
	// the first insert.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return value.Absent, persistenceErr("update", key, err)
	}

	current := value.Absent
	var data []byte
	err = tx.QueryRow(ctx, `SELECT value FROM policyd_records WHERE key = $1 FOR UPDATE`, key).Scan(&data)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return value.Absent, persistenceErr("update", key, err)
	default:
		if current, err = decode(key, data); err != nil {
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
		_, err = tx.Exec(ctx, `DELETE FROM policyd_records WHERE key = $1`, key)
	case OpPut:
		var enc []byte
		if enc, err = encode(next); err != nil {
			return value.Absent, err
		}
		_, err = tx.Exec(ctx, pgUpsert, key, enc)
	}
	if err != nil {
		return value.Absent, persistenceErr("update", key, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return value.Absent, persistenceErr("update", key, err)
	}
	return next, nil
}

func (p *Postgres) Scan(ctx context.Context, prefix string, fn ScanFunc) error {
	rows, err := p.pool.Query(ctx, `SELECT key, value FROM policyd_records WHERE key LIKE $1 ESCAPE '\'`, likePrefix(prefix))
	if err != nil {
		return persistenceErr("scan", prefix, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var data []byte
		if err := rows.Scan(&key, &data); err != nil {
			return persistenceErr("scan", prefix, err)
		}
		v, err := decode(key, data)
		if err != nil {
			logger.Warn("PostgreSQL store: skipping undecodable record", "key", key, "error", err)
			continue
		}
		if !fn(key, v) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return persistenceErr("scan", prefix, err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
