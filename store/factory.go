package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/migadu/policyd/config"
	"github.com/migadu/policyd/consts"
	"github.com/migadu/policyd/logger"
	"github.com/migadu/policyd/pkg/circuitbreaker"
	"github.com/migadu/policyd/pkg/metrics"
	"github.com/migadu/policyd/pkg/retry"
	"github.com/migadu/policyd/value"
)

// New opens the backend selected by cfg.Type, retrying the connection with
// backoff, and wraps it in a Guarded store.
func New(ctx context.Context, cfg *config.StoreConfig) (*Guarded, error) {
	backend := cfg.Type
	if backend == "" {
		backend = "memory"
	}

	var s Store
	connect := func() error {
		var err error
		switch backend {
		case "memory":
			s = NewMemory()
		case "sqlite":
			s, err = NewSQLite(ctx, cfg.SQLite.Path)
		case "postgres":
			s, err = NewPostgres(ctx, &cfg.Postgres)
		case "redis":
			s, err = NewRedis(ctx, &cfg.Redis)
		default:
			return retry.Stop(fmt.Errorf("unknown store type %q", backend))
		}
		if err != nil {
			logger.Warn("Store connection failed", "backend", backend, "error", err)
		}
		return err
	}

	backoff := retry.DefaultBackoffConfig()
	backoff.MaxRetries = cfg.GetConnectRetriesWithDefault() - 1
	if err := retry.Do(ctx, "store connect", backoff, connect); err != nil {
		return nil, err
	}

	breaker := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:        "store-" + backend,
		MaxFailures: uint32(cfg.Breaker.GetMaxFailuresWithDefault()),
		MaxRequests: uint32(cfg.Breaker.GetMaxRequestsWithDefault()),
		Timeout:     cfg.Breaker.GetTimeoutWithDefault(),
		IsFailure:   isBackendFailure,
	})
	logger.Info("Store ready", "backend", backend)
	return NewGuarded(backend, s, breaker, cfg.GetOperationTimeoutWithDefault()), nil
}

// isBackendFailure counts backend I/O failures only. Errors returned by an
// UpdateFunc say nothing about the backend's health.
func isBackendFailure(err error) bool {
	return errors.Is(err, consts.ErrPersistence) && !errors.Is(err, context.Canceled)
}

// Guarded instruments a backend with metrics, a per-operation timeout and
// a circuit breaker. While the breaker is open every operation fails
// immediately with ErrPersistence.
type Guarded struct {
	name    string
	backend Store
	breaker *circuitbreaker.CircuitBreaker
	timeout time.Duration
}

func NewGuarded(name string, backend Store, breaker *circuitbreaker.CircuitBreaker, timeout time.Duration) *Guarded {
	g := &Guarded{name: name, backend: backend, breaker: breaker, timeout: timeout}
	if breaker == nil {
		g.breaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{Name: "store-" + name, IsFailure: isBackendFailure})
	}
	g.breaker.SetStateHook(func(bname string, from, to circuitbreaker.State) {
		metrics.CircuitBreakerState.WithLabelValues(bname).Set(float64(to))
		if to == circuitbreaker.StateOpen {
			logger.Warn("Store circuit breaker opened", "breaker", bname, "from", from.String())
		} else {
			logger.Info("Store circuit breaker state changed", "breaker", bname, "from", from.String(), "to", to.String())
		}
	})
	metrics.CircuitBreakerState.WithLabelValues(g.breaker.Name()).Set(float64(circuitbreaker.StateClosed))
	return g
}

// Backend returns the wrapped store.
func (g *Guarded) Backend() Store { return g.backend }

func (g *Guarded) Name() string { return g.name }

func (g *Guarded) BreakerState() circuitbreaker.State { return g.breaker.State() }

// pingKey is never written.
const pingKey = "policyd:ping"

// Ping performs a read through the breaker and the operation timeout.
func (g *Guarded) Ping(ctx context.Context) error {
	_, err := g.Get(ctx, pingKey)
	return err
}

func (g *Guarded) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	start := time.Now()
	err := g.breaker.Execute(func() error { return fn(ctx) })
	metrics.StoreOperationDuration.WithLabelValues(g.name, op).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.StoreOperations.WithLabelValues(g.name, op, "success").Inc()
	case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		metrics.StoreOperations.WithLabelValues(g.name, op, "rejected").Inc()
		return fmt.Errorf("%w: %s store unavailable: %w", consts.ErrPersistence, g.name, err)
	default:
		metrics.StoreOperations.WithLabelValues(g.name, op, "error").Inc()
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, consts.ErrPersistence) {
			return fmt.Errorf("%w: %s %s timed out: %w", consts.ErrPersistence, g.name, op, err)
		}
	}
	return err
}

func (g *Guarded) Get(ctx context.Context, key string) (value.Value, error) {
	var v value.Value
	err := g.do(ctx, "get", func(ctx context.Context) error {
		var err error
		v, err = g.backend.Get(ctx, key)
		return err
	})
	return v, err
}

func (g *Guarded) Put(ctx context.Context, key string, v value.Value) error {
	return g.do(ctx, "put", func(ctx context.Context) error {
		return g.backend.Put(ctx, key, v)
	})
}

func (g *Guarded) Delete(ctx context.Context, key string) error {
	return g.do(ctx, "delete", func(ctx context.Context) error {
		return g.backend.Delete(ctx, key)
	})
}

func (g *Guarded) Update(ctx context.Context, key string, fn UpdateFunc) (value.Value, error) {
	var v value.Value
	err := g.do(ctx, "update", func(ctx context.Context) error {
		var err error
		v, err = g.backend.Update(ctx, key, fn)
		return err
	})
	return v, err
}

// Scan is not bounded by the operation timeout.
func (g *Guarded) Scan(ctx context.Context, prefix string, fn ScanFunc) error {
	start := time.Now()
	err := g.breaker.Execute(func() error { return g.backend.Scan(ctx, prefix, fn) })
	metrics.StoreOperationDuration.WithLabelValues(g.name, "scan").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StoreOperations.WithLabelValues(g.name, "scan", "error").Inc()
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %s store unavailable: %w", consts.ErrPersistence, g.name, err)
		}
		return err
	}
	metrics.StoreOperations.WithLabelValues(g.name, "scan", "success").Inc()
	return nil
}

func (g *Guarded) Close() error {
	return g.backend.Close()
}
