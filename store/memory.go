package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/migadu/policyd/consts"
	"github.com/migadu/policyd/hashtable"
	"github.com/migadu/policyd/value"
)

const memoryShards = 32

var errClosed = fmt.Errorf("%w: %w", consts.ErrPersistence, consts.ErrStoreClosed)

type memoryShard struct {
	mu      sync.Mutex
	records *hashtable.Table[string, value.Value]
}

// Memory keeps records in process memory. Records are lost on restart.
type Memory struct {
	shards [memoryShards]memoryShard
	closed atomic.Bool
}

func NewMemory() *Memory {
	m := &Memory{}
	for i := range m.shards {
		m.shards[i].records = hashtable.New[string, value.Value](hashtable.StringHash, hashtable.Options{})
	}
	return m
}

func (m *Memory) shard(key string) *memoryShard {
	return &m.shards[hashtable.StringHash(key)%memoryShards]
}

func (m *Memory) check(key string) error {
	if m.closed.Load() {
		return errClosed
	}
	return validKey(key)
}

func (m *Memory) Get(_ context.Context, key string) (value.Value, error) {
	if err := m.check(key); err != nil {
		return value.Absent, err
	}
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, _ := s.records.Lookup(key)
	return value.Copy(v), nil
}

func (m *Memory) Put(_ context.Context, key string, v value.Value) error {
	if err := m.check(key); err != nil {
		return err
	}
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.IsAbsent() {
		s.records.Remove(key)
		return nil
	}
	s.records.Upsert(key, value.Copy(v))
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	if err := m.check(key); err != nil {
		return err
	}
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records.Remove(key)
	return nil
}

func (m *Memory) Update(_ context.Context, key string, fn UpdateFunc) (value.Value, error) {
	if err := m.check(key); err != nil {
		return value.Absent, err
	}
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	current, _ := s.records.Lookup(key)
	next, op, err := apply(fn, value.Copy(current))
	if err != nil {
		return value.Absent, err
	}
	switch op {
	case OpPut:
		s.records.Upsert(key, value.Copy(next))
	case OpDelete:
		s.records.Remove(key)
	}
	return next, nil
}

func (m *Memory) Scan(ctx context.Context, prefix string, fn ScanFunc) error {
	if m.closed.Load() {
		return errClosed
	}
	for i := range m.shards {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Collect first so fn may call back into the store.
		var keys []string
		var vals []value.Value
		s := &m.shards[i]
		s.mu.Lock()
		for c := s.records.Cursor(); c.Next(); {
			if strings.HasPrefix(c.Key(), prefix) {
				keys = append(keys, c.Key())
				vals = append(vals, value.Copy(c.Value()))
			}
		}
		s.mu.Unlock()
		for j := range keys {
			if !fn(keys[j], vals[j]) {
				return nil
			}
		}
	}
	return nil
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += s.records.Len()
		s.mu.Unlock()
	}
	return n
}

func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}
