package hashtable

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStringTable() *Table[string, int] {
	return New[string, int](StringHash, Options{})
}

func TestInsertLookupRemove(t *testing.T) {
	tbl := newStringTable()

	require.NoError(t, tbl.Insert("a", 1))
	require.NoError(t, tbl.Insert("b", 2))
	assert.ErrorIs(t, tbl.Insert("a", 3), ErrDuplicateKey)
	assert.Equal(t, 2, tbl.Len())

	v, ok := tbl.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	require.NoError(t, tbl.Replace("a", 10))
	v, _ = tbl.Lookup("a")
	assert.Equal(t, 10, v)
	assert.ErrorIs(t, tbl.Replace("zzz", 1), ErrNotFound)

	old, ok := tbl.Remove("a")
	require.True(t, ok)
	assert.Equal(t, 10, old)
	_, ok = tbl.Lookup("a")
	assert.False(t, ok, "lookup after remove must miss")
	assert.Equal(t, 1, tbl.Len())

	_, ok = tbl.Remove("a")
	assert.False(t, ok)
}

func TestUpsert(t *testing.T) {
	tbl := newStringTable()
	assert.True(t, tbl.Upsert("k", 1))
	assert.False(t, tbl.Upsert("k", 2))
	v, _ := tbl.Lookup("k")
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, tbl.Len())
}

func TestLoadFactorBoundAfterEveryInsert(t *testing.T) {
	tbl := New[string, int](StringHash, Options{InitialBuckets: 2, MaxLoadFactor: 0.5})
	for i := 0; i < 1000; i++ {
		require.NoError(t, tbl.Insert(fmt.Sprintf("key-%d", i), i))
		require.LessOrEqual(t, tbl.LoadFactor(), tbl.MaxLoadFactor(), "after insert %d", i)
		require.Equal(t, i+1, tbl.Len())
	}
	for i := 0; i < 1000; i++ {
		v, ok := tbl.Lookup(fmt.Sprintf("key-%d", i))
		require.True(t, ok)
		require.Equal(t, i, v)
	}
}

func TestSizeMatchesInsertsMinusRemoves(t *testing.T) {
	tbl := New[uint64, struct{}](Uint64Hash, Options{})
	for i := uint64(0); i < 500; i++ {
		require.NoError(t, tbl.Insert(i, struct{}{}))
	}
	removed := 0
	for i := uint64(0); i < 500; i += 3 {
		_, ok := tbl.Remove(i)
		require.True(t, ok)
		removed++
	}
	assert.Equal(t, 500-removed, tbl.Len())
	assert.Equal(t, tbl.Len(), tbl.Stats().Entries)
}

func TestCollisionsWithConstantHash(t *testing.T) {
	tbl := New[string, int](func(string) uint64 { return 42 }, Options{InitialBuckets: 4, MaxLoadFactor: 100})
	for i := 0; i < 10; i++ {
		require.NoError(t, tbl.Insert(fmt.Sprint(i), i))
	}
	st := tbl.Stats()
	assert.Equal(t, 10, st.LongestChain)
	assert.Equal(t, 9, st.Collisions)

	_, ok := tbl.Remove("5")
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		_, ok := tbl.Lookup(fmt.Sprint(i))
		assert.Equal(t, i != 5, ok, "key %d", i)
	}
}

func TestCompact(t *testing.T) {
	tbl := New[string, int](StringHash, Options{InitialBuckets: 4})
	for i := 0; i < 100; i++ {
		require.NoError(t, tbl.Insert(fmt.Sprint(i), i))
	}
	grown := tbl.Stats().Buckets
	for i := 0; i < 98; i++ {
		tbl.Remove(fmt.Sprint(i))
	}
	assert.Equal(t, grown, tbl.Stats().Buckets, "tables never shrink on their own")

	tbl.Compact()
	assert.Equal(t, 4, tbl.Stats().Buckets)
	assert.LessOrEqual(t, tbl.LoadFactor(), tbl.MaxLoadFactor())
	v, ok := tbl.Lookup("99")
	require.True(t, ok)
	assert.Equal(t, 99, v)
}

func TestCursor(t *testing.T) {
	tbl := newStringTable()
	want := map[string]int{}
	for i := 0; i < 50; i++ {
		k := fmt.Sprint("k", i)
		want[k] = i
		require.NoError(t, tbl.Insert(k, i))
	}

	got := map[string]int{}
	c := tbl.Cursor()
	for c.Next() {
		got[c.Key()] = c.Value()
		// Replacing values is not a structural change.
		require.NoError(t, tbl.Replace(c.Key(), c.Value()))
	}
	require.NoError(t, c.Err())
	assert.Equal(t, want, got)
}

func TestCursorDetectsModification(t *testing.T) {
	tbl := newStringTable()
	require.NoError(t, tbl.Insert("a", 1))
	require.NoError(t, tbl.Insert("b", 2))

	c := tbl.Cursor()
	require.True(t, c.Next())
	require.NoError(t, tbl.Insert("c", 3))
	assert.False(t, c.Next())
	assert.ErrorIs(t, c.Err(), ErrModified)

	c = tbl.Cursor()
	tbl.Remove("a")
	assert.False(t, c.Next())
	assert.ErrorIs(t, c.Err(), ErrModified)
}

func TestBlake3HashFieldBoundaries(t *testing.T) {
	a := Blake3Hash([]byte("ab"), []byte("c"))
	b := Blake3Hash([]byte("a"), []byte("bc"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, Blake3Hash([]byte("ab"), []byte("c")))
}

func TestClear(t *testing.T) {
	tbl := newStringTable()
	require.NoError(t, tbl.Insert("a", 1))
	tbl.Clear()
	assert.Equal(t, 0, tbl.Len())
	_, ok := tbl.Lookup("a")
	assert.False(t, ok)
}
