package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/migadu/policyd/config"
	"github.com/migadu/policyd/logger"
	"github.com/migadu/policyd/pkg/metrics"
	"github.com/migadu/policyd/pkg/retry"
	"github.com/migadu/policyd/value"
)

const redisUpdateAttempts = 10

// Redis stores records as JSON strings under a key prefix. Update is an
// optimistic WATCH/MULTI transaction retried when another writer touched
// the key in between.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(ctx context.Context, cfg *config.RedisStoreConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	logger.Info("Connected to Redis store", "addr", cfg.Addr, "db", cfg.DB)
	return &Redis{client: client, prefix: cfg.GetKeyPrefixWithDefault()}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (value.Value, error) {
	if err := validKey(key); err != nil {
		return value.Absent, err
	}
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return value.Absent, nil
	}
	if err != nil {
		return value.Absent, persistenceErr("get", key, err)
	}
	return decode(key, data)
}

func (r *Redis) Put(ctx context.Context, key string, v value.Value) error {
	if err := validKey(key); err != nil {
		return err
	}
	if v.IsAbsent() {
		return r.Delete(ctx, key)
	}
	data, err := encode(v)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.prefix+key, data, 0).Err(); err != nil {
		return persistenceErr("put", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return persistenceErr("delete", key, err)
	}
	return nil
}

func (r *Redis) Update(ctx context.Context, key string, fn UpdateFunc) (value.Value, error) {
	if err := validKey(key); err != nil {
		return value.Absent, err
	}
	full := r.prefix + key
	var result value.Value
	var fnErr error

	txf := func(tx *redis.Tx) error {
		current := value.Absent
		data, err := tx.Get(ctx, full).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if current, err = decode(key, data); err != nil {
				return retry.Stop(err)
			}
		}

		next, op, err := apply(fn, current)
		if err != nil {
			fnErr = err
			return retry.Stop(err)
		}
		result = next
		if op == OpNone {
			return nil
		}
		var enc []byte
		if op == OpPut {
			if enc, err = encode(next); err != nil {
				return retry.Stop(err)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if op == OpDelete {
				pipe.Del(ctx, full)
			} else {
				pipe.Set(ctx, full, enc, 0)
			}
			return nil
		})
		return err
	}

	backoff := retry.BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		Multiplier:      2,
		Jitter:          true,
		MaxRetries:      redisUpdateAttempts - 1,
	}
	err := retry.Do(ctx, "redis update", backoff, func() error {
		err := r.client.Watch(ctx, txf, full)
		if errors.Is(err, redis.TxFailedErr) {
			metrics.StoreUpdateConflicts.WithLabelValues("redis").Inc()
			return err
		}
		if err != nil && !retry.IsStopError(err) {
			// Connection errors are not retried here; the breaker handles them.
			return retry.Stop(err)
		}
		return err
	})
	if fnErr != nil {
		return value.Absent, fnErr
	}
	if err != nil {
		return value.Absent, persistenceErr("update", key, err)
	}
	return result, nil
}

// globEscape escapes the characters SCAN MATCH treats specially.
func globEscape(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (r *Redis) Scan(ctx context.Context, prefix string, fn ScanFunc) error {
	iter := r.client.Scan(ctx, 0, globEscape(r.prefix+prefix)+"*", 500).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		data, err := r.client.Get(ctx, full).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // deleted since SCAN returned it
		}
		if err != nil {
			return persistenceErr("scan", prefix, err)
		}
		key := strings.TrimPrefix(full, r.prefix)
		v, err := decode(key, data)
		if err != nil {
			logger.Warn("Redis store: skipping undecodable record", "key", key, "error", err)
			continue
		}
		if !fn(key, v) {
			return nil
		}
	}
	if err := iter.Err(); err != nil {
		return persistenceErr("scan", prefix, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
