package greylist

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/policyd/config"
	"github.com/migadu/policyd/consts"
	"github.com/migadu/policyd/store"
	"github.com/migadu/policyd/value"
)

const (
	delay = 5 * time.Minute
	visa  = 24 * time.Hour
)

var t0 = time.Unix(1_700_000_000, 0)

func newEngine(refresh bool) (*Engine, *store.Memory) {
	m := store.NewMemory()
	return New(m, Config{Delay: delay, Visa: visa, RefreshVisa: refresh}), m
}

func testKey() Key {
	return Normalizer{}.Key(netip.MustParseAddr("192.0.2.7"), "<Sender@Example.org>", "rcpt@example.net")
}

func TestDecideLifecycle(t *testing.T) {
	e, _ := newEngine(false)
	ctx := context.Background()
	k := testKey()

	res, err := e.Decide(ctx, k, t0)
	require.NoError(t, err)
	assert.Equal(t, Delay, res)
	r, ok, err := e.Lookup(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t0.Add(delay), r.Deadline)
	assert.False(t, r.Valid)

	res, err = e.Decide(ctx, k, t0.Add(delay))
	require.NoError(t, err)
	assert.Equal(t, Pass, res)
	r, _, _ = e.Lookup(ctx, k)
	assert.True(t, r.Valid)
	assert.Equal(t, t0.Add(delay+visa), r.VisaExpiry)

	res, err = e.Decide(ctx, k, t0.Add(delay+visa+time.Second))
	require.NoError(t, err)
	assert.Equal(t, Delay, res)
	r, _, _ = e.Lookup(ctx, k)
	assert.False(t, r.Valid)
	assert.Equal(t, t0.Add(delay+visa+time.Second+delay), r.Deadline)
}

func TestDelayedRetryDoesNotMutate(t *testing.T) {
	e, m := newEngine(false)
	ctx := context.Background()
	k := testKey()

	_, err := e.Decide(ctx, k, t0)
	require.NoError(t, err)
	before, _ := m.Get(ctx, k.StoreKey())

	res, err := e.Decide(ctx, k, t0.Add(delay-time.Second))
	require.NoError(t, err)
	assert.Equal(t, Delay, res)
	after, _ := m.Get(ctx, k.StoreKey())
	assert.True(t, value.Identical(before, after))
}

func TestValidPassAndRefresh(t *testing.T) {
	for _, refresh := range []bool{false, true} {
		e, _ := newEngine(refresh)
		ctx := context.Background()
		k := testKey()
		_, _ = e.Decide(ctx, k, t0)
		_, _ = e.Decide(ctx, k, t0.Add(delay))

		later := t0.Add(delay + time.Hour)
		res, err := e.Decide(ctx, k, later)
		require.NoError(t, err)
		assert.Equal(t, Pass, res)

		r, _, _ := e.Lookup(ctx, k)
		assert.Equal(t, int64(2), r.Passes)
		if refresh {
			assert.Equal(t, later.Add(visa), r.VisaExpiry)
		} else {
			assert.Equal(t, t0.Add(delay+visa), r.VisaExpiry)
		}
	}
}

func TestTwoQuickRetriesThenPass(t *testing.T) {
	e, _ := newEngine(true)
	ctx := context.Background()
	k := testKey()

	for _, at := range []time.Time{t0, t0.Add(30 * time.Second)} {
		res, err := e.Decide(ctx, k, at)
		require.NoError(t, err)
		assert.Equal(t, Delay, res)
	}
	res, err := e.Decide(ctx, k, t0.Add(delay+time.Second))
	require.NoError(t, err)
	assert.Equal(t, Pass, res)
}

func TestAbandonedPendingRecordStartsOver(t *testing.T) {
	e, _ := newEngine(false)
	ctx := context.Background()
	k := testKey()
	_, _ = e.Decide(ctx, k, t0)

	res, err := e.Decide(ctx, k, t0.Add(delay+visa))
	require.NoError(t, err)
	assert.Equal(t, Delay, res)
}

func TestIsExpired(t *testing.T) {
	pending := Record{Deadline: t0.Add(delay)}
	assert.False(t, IsExpired(pending, t0.Add(delay+visa-time.Second), visa))
	assert.True(t, IsExpired(pending, t0.Add(delay+visa), visa))
	assert.True(t, IsExpired(pending, t0.Add(delay+time.Hour), time.Hour))

	valid := Record{Deadline: t0, Valid: true, VisaExpiry: t0.Add(visa)}
	assert.False(t, IsExpired(valid, t0.Add(visa-time.Second), time.Hour))
	assert.True(t, IsExpired(valid, t0.Add(visa), time.Hour))
}

func TestPendingExpiry(t *testing.T) {
	ctx := context.Background()
	k := testKey()
	e := New(store.NewMemory(), Config{Delay: delay, Visa: visa, PendingExpiry: time.Hour})

	_, err := e.Decide(ctx, k, t0)
	require.NoError(t, err)
	res, err := e.Decide(ctx, k, t0.Add(delay+time.Hour-time.Second))
	require.NoError(t, err)
	assert.Equal(t, Pass, res, "a late retry inside the pending window still validates")

	other := Normalizer{}.Key(netip.MustParseAddr("192.0.2.8"), "a@example.org", "b@example.net")
	_, err = e.Decide(ctx, other, t0)
	require.NoError(t, err)
	later := t0.Add(delay + time.Hour)
	res, err = e.Decide(ctx, other, later)
	require.NoError(t, err)
	assert.Equal(t, Delay, res, "an expired pending record starts over")
	r, ok, err := e.Lookup(ctx, other)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, r.Valid)
	assert.True(t, r.Deadline.Equal(later.Add(delay)))

	// Unset falls back to the visa.
	assert.Equal(t, visa, Config{Visa: visa}.pendingExpiry())
}

// failing wraps a store and fails every operation.
type failing struct{ store.Store }

func (failing) Update(context.Context, string, store.UpdateFunc) (value.Value, error) {
	return value.Absent, errors.New("disk on fire")
}

func TestPersistenceFailureIsError(t *testing.T) {
	e := New(failing{store.NewMemory()}, Config{Delay: delay, Visa: visa})
	res, err := e.Decide(context.Background(), testKey(), t0)
	assert.Equal(t, Error, res)
	assert.ErrorIs(t, err, consts.ErrPersistence)
}

func TestUnreadableRecordIsReplaced(t *testing.T) {
	e, m := newEngine(false)
	ctx := context.Background()
	k := testKey()
	require.NoError(t, m.Put(ctx, k.StoreKey(), value.String("garbage")))
	res, err := e.Decide(ctx, k, t0)
	require.NoError(t, err)
	assert.Equal(t, Delay, res)
	_, ok, err := e.Lookup(ctx, k)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConcurrentDecideSameKey(t *testing.T) {
	e, _ := newEngine(false)
	ctx := context.Background()
	k := testKey()
	_, _ = e.Decide(ctx, k, t0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	results := map[Result]int{}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.Decide(ctx, k, t0.Add(delay))
			assert.NoError(t, err)
			mu.Lock()
			results[res]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, results[Pass])
	r, _, _ := e.Lookup(ctx, k)
	assert.Equal(t, int64(20), r.Passes, "every pass is counted exactly once")
	assert.Equal(t, 0, e.locks.len(), "key locks are released")
}

func TestNormalizer(t *testing.T) {
	n := Normalizer{IPv4Prefix: 24, IPv6Prefix: 64, SenderDomainOnly: true}
	k := n.Key(netip.MustParseAddr("::ffff:198.51.100.77"), "<Bob@Mail.Example.COM>", "<Alice@Example.net>")
	assert.Equal(t, "198.51.100.0/24", k.Client)
	assert.Equal(t, "mail.example.com", k.Sender)
	assert.Equal(t, "alice@example.net", k.Recipient)

	k = n.Key(netip.MustParseAddr("2001:db8:1:2:3:4:5:6"), "<>", "x@y")
	assert.Equal(t, "2001:db8:1:2::/64", k.Client)
	assert.Equal(t, "", k.Sender, "null sender stays empty")

	k = Normalizer{}.Key(netip.MustParseAddr("192.0.2.1"), "a@b", "c@d")
	assert.Equal(t, "192.0.2.1", k.Client)
	assert.Equal(t, "a@b", k.Sender)
}

func TestStoreKeyEscaping(t *testing.T) {
	a := Key{Client: "1.2.3.4", Sender: "a|b", Recipient: "c"}
	b := Key{Client: "1.2.3.4", Sender: "a", Recipient: "b|c"}
	assert.NotEqual(t, a.StoreKey(), b.StoreKey())
	assert.Equal(t, "greylist|1.2.3.4|a%7Cb|c", a.StoreKey())
}

func TestSnapshotForcePassRemove(t *testing.T) {
	e, _ := newEngine(false)
	ctx := context.Background()
	k1 := Key{Client: "192.0.2.1", Sender: "a@x", Recipient: "r@y"}
	k2 := Key{Client: "192.0.2.2", Sender: "b@x", Recipient: "r@y"}
	_, _ = e.Decide(ctx, k1, t0)
	_, _ = e.Decide(ctx, k2, t0)

	all, err := e.Snapshot(ctx, Key{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	some, err := e.Snapshot(ctx, Key{Client: "192.0.2.2"})
	require.NoError(t, err)
	require.Len(t, some, 1)
	assert.Equal(t, k2, some[0].Key)

	r, err := e.ForcePass(ctx, k1, t0.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, r.Valid)
	assert.True(t, r.Forced)
	res, err := e.Decide(ctx, k1, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, Pass, res)

	require.NoError(t, e.Remove(ctx, k2))
	_, ok, err := e.Lookup(ctx, k2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweepAndStats(t *testing.T) {
	e, m := newEngine(false)
	ctx := context.Background()
	old := Key{Client: "192.0.2.1", Sender: "old@x", Recipient: "r@y"}
	fresh := Key{Client: "192.0.2.2", Sender: "new@x", Recipient: "r@y"}
	valid := Key{Client: "192.0.2.3", Sender: "ok@x", Recipient: "r@y"}

	_, _ = e.Decide(ctx, old, t0)
	_, _ = e.Decide(ctx, valid, t0)
	_, _ = e.Decide(ctx, valid, t0.Add(delay))
	later := t0.Add(delay + visa)
	_, _ = e.Decide(ctx, fresh, later)
	require.NoError(t, m.Put(ctx, KeyPrefix+"broken", value.Int(1)))
	require.NoError(t, m.Put(ctx, "unrelated", value.Int(1)))

	st, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Pending)
	assert.Equal(t, int64(1), st.Valid)

	n, err := e.Sweep(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "old pending, expired visa and the broken record")

	all, err := e.Snapshot(ctx, Key{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, fresh, all[0].Key)
	v, _ := m.Get(ctx, "unrelated")
	assert.False(t, v.IsAbsent())
}

func TestConfigFrom(t *testing.T) {
	c := config.NewDefaultConfig().Greylist
	cfg, err := ConfigFrom(&c)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Delay)
	assert.Equal(t, 36*24*time.Hour, cfg.Visa)
	assert.True(t, cfg.RefreshVisa)
	assert.Zero(t, cfg.PendingExpiry)
	assert.Equal(t, 32, cfg.IPv4Prefix)

	c.PendingExpiry = "2d"
	cfg, err = ConfigFrom(&c)
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, cfg.PendingExpiry)
	c.PendingExpiry = ""

	c.Delay = "soon"
	_, err = ConfigFrom(&c)
	assert.Error(t, err)
}
