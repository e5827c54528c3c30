// Package greylist decides whether a (client, sender, recipient) triplet
// has waited long enough to be accepted.
//
// A first attempt is delayed. A retry after the delay deadline validates the
// triplet and grants it a visa, during which further mail passes at once.
// Records live in a store.Store; every transition is one atomic Update.
package greylist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/policyd/config"
	"github.com/migadu/policyd/consts"
	"github.com/migadu/policyd/hashtable"
	"github.com/migadu/policyd/logger"
	"github.com/migadu/policyd/pkg/metrics"
	"github.com/migadu/policyd/store"
	"github.com/migadu/policyd/value"
)

type Result int

const (
	Error Result = iota
	Pass
	Delay
)

func (r Result) String() string {
	switch r {
	case Pass:
		return "pass"
	case Delay:
		return "delay"
	}
	return "error"
}

type Config struct {
	Delay       time.Duration
	Visa        time.Duration
	RefreshVisa bool
	// PendingExpiry is how long a triplet that never passed is kept after
	// its delay deadline. Zero uses Visa.
	PendingExpiry time.Duration
	Normalizer
}

func (c Config) pendingExpiry() time.Duration {
	if c.PendingExpiry > 0 {
		return c.PendingExpiry
	}
	return c.Visa
}

// ConfigFrom converts the [greylist] configuration section.
func ConfigFrom(c *config.GreylistConfig) (Config, error) {
	delay, err := c.GetDelay()
	if err != nil {
		return Config{}, fmt.Errorf("greylist.delay: %w", err)
	}
	visa, err := c.GetVisa()
	if err != nil {
		return Config{}, fmt.Errorf("greylist.visa: %w", err)
	}
	pending, err := c.GetPendingExpiry()
	if err != nil {
		return Config{}, fmt.Errorf("greylist.pending_expiry: %w", err)
	}
	return Config{
		Delay:         delay,
		Visa:          visa,
		RefreshVisa:   c.GetRefreshVisa(),
		PendingExpiry: pending,
		Normalizer: Normalizer{
			IPv4Prefix:       c.GetIPv4PrefixWithDefault(),
			IPv6Prefix:       c.GetIPv6PrefixWithDefault(),
			SenderDomainOnly: c.SenderDomainOnly,
		},
	}, nil
}

type Engine struct {
	store store.Store
	cfg   Config
	locks *keyLocks
}

func New(s store.Store, cfg Config) *Engine {
	return &Engine{store: s, cfg: cfg, locks: newKeyLocks()}
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) newRecord(k Key, now time.Time) Record {
	return Record{Key: k, Created: now, Deadline: now.Add(e.cfg.Delay)}
}

// Decide runs the state machine for k at time now. A persistence failure
// returns Error and an error wrapping consts.ErrPersistence; callers must
// not turn it into an accept.
//
// A pending record passes on any retry at or after its delay deadline,
// except once it has expired (PendingExpiry after the deadline). An
// expired record is treated as absent: the retry is delayed and the record
// starts over, the same result the sweeper's deletion would have given.
func (e *Engine) Decide(ctx context.Context, k Key, now time.Time) (Result, error) {
	unlock := e.locks.lock(k)
	defer unlock()

	result := Error
	_, err := e.store.Update(ctx, k.StoreKey(), func(cur value.Value) (value.Value, store.Op, error) {
		if cur.IsAbsent() {
			result = Delay
			return e.newRecord(k, now).Value(), store.OpPut, nil
		}
		r, err := RecordFromValue(cur)
		if err != nil {
			logger.WarnContext(ctx, "Greylist: replacing unreadable record", "key", k.String(), "error", err)
			result = Delay
			return e.newRecord(k, now).Value(), store.OpPut, nil
		}
		r.Key = k

		switch {
		case IsExpired(r, now, e.cfg.pendingExpiry()):
			result = Delay
			return e.newRecord(k, now).Value(), store.OpPut, nil
		case r.Valid:
			result = Pass
			r.Passes++
			if e.cfg.RefreshVisa {
				r.VisaExpiry = now.Add(e.cfg.Visa)
			}
			return r.Value(), store.OpPut, nil
		case now.Before(r.Deadline):
			result = Delay
			return value.Absent, store.OpNone, nil
		default:
			result = Pass
			r.Valid = true
			r.Passes = 1
			r.VisaExpiry = now.Add(e.cfg.Visa)
			return r.Value(), store.OpPut, nil
		}
	})
	if err != nil {
		metrics.GreylistResults.WithLabelValues(Error.String()).Inc()
		if !errors.Is(err, consts.ErrPersistence) {
			err = fmt.Errorf("%w: greylist %s: %w", consts.ErrPersistence, k, err)
		}
		return Error, err
	}
	metrics.GreylistResults.WithLabelValues(result.String()).Inc()
	logger.DebugContext(ctx, "Greylist decision", "key", k.String(), "result", result.String())
	return result, nil
}

// Lookup returns the record for k.
func (e *Engine) Lookup(ctx context.Context, k Key) (Record, bool, error) {
	v, err := e.store.Get(ctx, k.StoreKey())
	if err != nil {
		return Record{}, false, err
	}
	if v.IsAbsent() {
		return Record{}, false, nil
	}
	r, err := RecordFromValue(v)
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

// Snapshot returns every stored record. A non-empty client, sender or
// recipient in filter restricts the result to matching records.
func (e *Engine) Snapshot(ctx context.Context, filter Key) ([]Record, error) {
	var out []Record
	err := e.store.Scan(ctx, KeyPrefix, func(key string, v value.Value) bool {
		r, err := RecordFromValue(v)
		if err != nil {
			logger.Warn("Greylist: skipping unreadable record", "key", key, "error", err)
			return true
		}
		if (filter.Client == "" || filter.Client == r.Key.Client) &&
			(filter.Sender == "" || filter.Sender == r.Key.Sender) &&
			(filter.Recipient == "" || filter.Recipient == r.Key.Recipient) {
			out = append(out, r)
		}
		return true
	})
	return out, err
}

// ForcePass validates k immediately, creating the record if needed.
func (e *Engine) ForcePass(ctx context.Context, k Key, now time.Time) (Record, error) {
	unlock := e.locks.lock(k)
	defer unlock()

	v, err := e.store.Update(ctx, k.StoreKey(), func(cur value.Value) (value.Value, store.Op, error) {
		r := e.newRecord(k, now)
		if !cur.IsAbsent() {
			if old, err := RecordFromValue(cur); err == nil {
				r = old
				r.Key = k
			}
		}
		r.Valid = true
		r.Forced = true
		r.Deadline = now
		r.VisaExpiry = now.Add(e.cfg.Visa)
		return r.Value(), store.OpPut, nil
	})
	if err != nil {
		return Record{}, err
	}
	logger.Info("Greylist: triplet force-passed", "key", k.String())
	return RecordFromValue(v)
}

// Remove deletes the record for k.
func (e *Engine) Remove(ctx context.Context, k Key) error {
	unlock := e.locks.lock(k)
	defer unlock()
	return e.store.Delete(ctx, k.StoreKey())
}

// Sweep deletes expired records and returns how many were removed.
// Unreadable records are removed as well.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (int, error) {
	var expired []Key
	var broken []string
	err := e.store.Scan(ctx, KeyPrefix, func(key string, v value.Value) bool {
		r, err := RecordFromValue(v)
		switch {
		case err != nil:
			broken = append(broken, key)
		case IsExpired(r, now, e.cfg.pendingExpiry()):
			expired = append(expired, r.Key)
		}
		return ctx.Err() == nil
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, key := range broken {
		if err := e.store.Delete(ctx, key); err != nil {
			return deleted, err
		}
		deleted++
	}
	for _, k := range expired {
		removed := false
		unlock := e.locks.lock(k)
		_, err := e.store.Update(ctx, k.StoreKey(), func(cur value.Value) (value.Value, store.Op, error) {
			removed = false
			if cur.IsAbsent() {
				return value.Absent, store.OpNone, nil
			}
			// It may have been renewed since the scan.
			if r, err := RecordFromValue(cur); err == nil && !IsExpired(r, now, e.cfg.pendingExpiry()) {
				return value.Absent, store.OpNone, nil
			}
			removed = true
			return value.Absent, store.OpDelete, nil
		})
		unlock()
		if err != nil {
			return deleted, err
		}
		if removed {
			deleted++
		}
	}
	return deleted, nil
}

// Stats counts pending and valid records for the metrics collector.
func (e *Engine) Stats(ctx context.Context) (metrics.GreylistStats, error) {
	var st metrics.GreylistStats
	err := e.store.Scan(ctx, KeyPrefix, func(_ string, v value.Value) bool {
		r, err := RecordFromValue(v)
		if err != nil {
			return true
		}
		if r.Valid {
			st.Valid++
		} else {
			st.Pending++
		}
		return true
	})
	return st, err
}

// keyLocks serializes Decide calls for the same triplet within the
// process. Entries are reference counted and dropped when unused.
type keyLocks struct {
	mu    sync.Mutex
	table *hashtable.Table[uint64, *keyLock]
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{table: hashtable.New[uint64, *keyLock](hashtable.Uint64Hash, hashtable.Options{})}
}

func (l *keyLocks) lock(k Key) func() {
	h := hashtable.Blake3Hash([]byte(k.Client), []byte(k.Sender), []byte(k.Recipient))

	l.mu.Lock()
	kl, ok := l.table.Lookup(h)
	if !ok {
		kl = &keyLock{}
		_ = l.table.Insert(h, kl)
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			l.table.Remove(h)
		}
		l.mu.Unlock()
	}
}

func (l *keyLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.table.Len()
}
