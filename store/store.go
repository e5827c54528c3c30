// Package store is the keyed persistence service behind stateful actions.
//
// Records are value.Value tables encoded with the value JSON codec. Every
// backend provides an atomic read-modify-write (Update) so that concurrent
// writers of the same key, in this process or another one, never lose an
// update.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/migadu/policyd/consts"
	"github.com/migadu/policyd/value"
)

// Op is what an UpdateFunc asks the store to do with the key.
type Op uint8

const (
	OpNone Op = iota
	OpPut
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	}
	return "none"
}

// UpdateFunc receives the current record (Absent when missing) and returns
// the record to write and what to do with it. It may be called more than
// once by backends that retry on conflict, so it must not have side effects.
type UpdateFunc func(current value.Value) (value.Value, Op, error)

// ScanFunc is called for every record under a prefix. Returning false stops
// the scan.
type ScanFunc func(key string, v value.Value) bool

type Store interface {
	// Get returns the record under key, Absent when there is none.
	Get(ctx context.Context, key string) (value.Value, error)
	Put(ctx context.Context, key string, v value.Value) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Update atomically applies fn to the record under key and returns the
	// record as stored afterwards.
	Update(ctx context.Context, key string, fn UpdateFunc) (value.Value, error)
	// Scan visits records whose key starts with prefix, in no particular
	// order.
	Scan(ctx context.Context, prefix string, fn ScanFunc) error
	Close() error
}

// apply runs fn and computes the resulting record.
func apply(fn UpdateFunc, current value.Value) (value.Value, Op, error) {
	next, op, err := fn(current)
	if err != nil {
		return value.Absent, OpNone, err
	}
	switch op {
	case OpNone:
		return current, op, nil
	case OpDelete:
		return value.Absent, op, nil
	case OpPut:
		if next.IsAbsent() {
			return value.Absent, OpDelete, nil
		}
		return next, op, nil
	}
	return value.Absent, OpNone, fmt.Errorf("store: unknown op %d", op)
}

func encode(v value.Value) ([]byte, error) {
	data, err := value.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %w", consts.ErrPersistence, err)
	}
	return data, nil
}

func decode(key string, data []byte) (value.Value, error) {
	v, err := value.Decode(data)
	if err != nil {
		return value.Absent, fmt.Errorf("%w: decode %q: %w", consts.ErrPersistence, key, err)
	}
	return v, nil
}

func validKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", consts.ErrPersistence)
	}
	if strings.ContainsRune(key, 0) {
		return fmt.Errorf("%w: key contains NUL", consts.ErrPersistence)
	}
	return nil
}
