// Package hashtable implements a separately chained hash table with an
// injected hash function, explicit growth and compaction, and cursors that
// detect structural modification.
//
// A Table is not safe for concurrent mutation. Callers that share a table
// between goroutines must serialize writers themselves.
package hashtable

import (
	"errors"
	"math/bits"
)

var (
	ErrDuplicateKey = errors.New("hashtable: duplicate key")
	ErrNotFound     = errors.New("hashtable: key not found")
	ErrModified     = errors.New("hashtable: modified during iteration")
)

// HashFunc maps a key to a 64-bit hash. Equal keys must hash equally.
type HashFunc[K comparable] func(K) uint64

const (
	DefaultInitialBuckets = 16
	DefaultMaxLoadFactor  = 0.75
)

// Options configures a new table. Zero values select the defaults.
type Options struct {
	InitialBuckets int
	MaxLoadFactor  float64
}

type node[K comparable, V any] struct {
	key   K
	value V
	hash  uint64
	next  *node[K, V]
}

// Table is a generic hash table.
type Table[K comparable, V any] struct {
	buckets []*node[K, V]
	count   int
	hash    HashFunc[K]
	maxLoad float64
	minSize int
	// generation is bumped on every structural change (insert, remove,
	// resize). Replace does not change the structure.
	generation uint64
}

// New returns an empty table using hash to place keys.
func New[K comparable, V any](hash HashFunc[K], opts Options) *Table[K, V] {
	if hash == nil {
		panic("hashtable: nil hash function")
	}
	size := opts.InitialBuckets
	if size <= 0 {
		size = DefaultInitialBuckets
	}
	size = nextPow2(size)
	maxLoad := opts.MaxLoadFactor
	if maxLoad <= 0 {
		maxLoad = DefaultMaxLoadFactor
	}
	return &Table[K, V]{
		buckets: make([]*node[K, V], size),
		hash:    hash,
		maxLoad: maxLoad,
		minSize: size,
	}
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

func (t *Table[K, V]) index(h uint64) int {
	return int(h & uint64(len(t.buckets)-1))
}

func (t *Table[K, V]) find(key K) (*node[K, V], uint64) {
	h := t.hash(key)
	for n := t.buckets[t.index(h)]; n != nil; n = n.next {
		if n.hash == h && n.key == key {
			return n, h
		}
	}
	return nil, h
}

// Len returns the number of entries.
func (t *Table[K, V]) Len() int {
	return t.count
}

// LoadFactor returns entries per bucket.
func (t *Table[K, V]) LoadFactor() float64 {
	return float64(t.count) / float64(len(t.buckets))
}

// MaxLoadFactor returns the configured growth threshold.
func (t *Table[K, V]) MaxLoadFactor() float64 {
	return t.maxLoad
}

// Insert adds key. It fails with ErrDuplicateKey if the key is present.
func (t *Table[K, V]) Insert(key K, value V) error {
	n, h := t.find(key)
	if n != nil {
		return ErrDuplicateKey
	}
	for float64(t.count+1)/float64(len(t.buckets)) > t.maxLoad {
		t.resize(len(t.buckets) * 2)
	}
	i := t.index(h)
	t.buckets[i] = &node[K, V]{key: key, value: value, hash: h, next: t.buckets[i]}
	t.count++
	t.generation++
	return nil
}

// Lookup returns the value stored under key.
func (t *Table[K, V]) Lookup(key K) (V, bool) {
	if n, _ := t.find(key); n != nil {
		return n.value, true
	}
	var zero V
	return zero, false
}

// Replace overwrites the value of an existing key.
func (t *Table[K, V]) Replace(key K, value V) error {
	n, _ := t.find(key)
	if n == nil {
		return ErrNotFound
	}
	n.value = value
	return nil
}

// Upsert inserts or replaces key and reports whether it was inserted.
func (t *Table[K, V]) Upsert(key K, value V) bool {
	if n, _ := t.find(key); n != nil {
		n.value = value
		return false
	}
	// Insert cannot fail here: the key is absent.
	_ = t.Insert(key, value)
	return true
}

// Remove deletes key and returns its value.
func (t *Table[K, V]) Remove(key K) (V, bool) {
	h := t.hash(key)
	i := t.index(h)
	var prev *node[K, V]
	for n := t.buckets[i]; n != nil; prev, n = n, n.next {
		if n.hash != h || n.key != key {
			continue
		}
		if prev == nil {
			t.buckets[i] = n.next
		} else {
			prev.next = n.next
		}
		t.count--
		t.generation++
		return n.value, true
	}
	var zero V
	return zero, false
}

// Clear removes all entries without shrinking.
func (t *Table[K, V]) Clear() {
	if t.count == 0 {
		return
	}
	clear(t.buckets)
	t.count = 0
	t.generation++
}

// Compact shrinks the bucket array to the smallest power of two that keeps
// the load factor within bounds, never below the initial size. Tables never
// shrink on their own.
func (t *Table[K, V]) Compact() {
	size := t.minSize
	for float64(t.count)/float64(size) > t.maxLoad {
		size *= 2
	}
	if size < len(t.buckets) {
		t.resize(size)
	}
}

func (t *Table[K, V]) resize(size int) {
	old := t.buckets
	t.buckets = make([]*node[K, V], size)
	for _, head := range old {
		for n := head; n != nil; {
			next := n.next
			i := t.index(n.hash)
			n.next = t.buckets[i]
			t.buckets[i] = n
			n = next
		}
	}
	t.generation++
}

// Stats describes the table layout.
type Stats struct {
	Buckets      int
	Entries      int
	LoadFactor   float64
	Collisions   int // entries that share a bucket with an earlier entry
	LongestChain int
}

// Stats walks the table and reports its layout.
func (t *Table[K, V]) Stats() Stats {
	s := Stats{Buckets: len(t.buckets), Entries: t.count, LoadFactor: t.LoadFactor()}
	for _, head := range t.buckets {
		chain := 0
		for n := head; n != nil; n = n.next {
			chain++
		}
		if chain > 1 {
			s.Collisions += chain - 1
		}
		if chain > s.LongestChain {
			s.LongestChain = chain
		}
	}
	return s
}

// Cursor is an explicit iteration position. Iteration order is unspecified.
// Any insert, remove or resize after the cursor was created makes Next
// return false and Err return ErrModified. Replacing a value is allowed.
type Cursor[K comparable, V any] struct {
	t          *Table[K, V]
	generation uint64
	bucket     int
	cur        *node[K, V]
	err        error
}

// Cursor returns a cursor positioned before the first entry.
func (t *Table[K, V]) Cursor() *Cursor[K, V] {
	return &Cursor[K, V]{t: t, generation: t.generation, bucket: -1}
}

// Next advances to the next entry.
func (c *Cursor[K, V]) Next() bool {
	if c.err != nil {
		return false
	}
	if c.generation != c.t.generation {
		c.err = ErrModified
		c.cur = nil
		return false
	}
	if c.cur != nil && c.cur.next != nil {
		c.cur = c.cur.next
		return true
	}
	for c.bucket++; c.bucket < len(c.t.buckets); c.bucket++ {
		if head := c.t.buckets[c.bucket]; head != nil {
			c.cur = head
			return true
		}
	}
	c.cur = nil
	return false
}

func (c *Cursor[K, V]) Key() K {
	if c.cur == nil {
		var zero K
		return zero
	}
	return c.cur.key
}

func (c *Cursor[K, V]) Value() V {
	if c.cur == nil {
		var zero V
		return zero
	}
	return c.cur.value
}

// Err returns ErrModified if iteration was cut short by a structural change.
func (c *Cursor[K, V]) Err() error {
	return c.err
}

// Keys returns a snapshot of all keys.
func (t *Table[K, V]) Keys() []K {
	keys := make([]K, 0, t.count)
	for c := t.Cursor(); c.Next(); {
		keys = append(keys, c.Key())
	}
	return keys
}
