package hashtable

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"lukechampine.com/blake3"
)

// StringHash hashes string keys by content.
func StringHash(s string) uint64 {
	return xxhash.Sum64String(s)
}

// Uint64Hash spreads integer keys over the table.
func Uint64Hash(v uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return xxhash.Sum64(b[:])
}

// Blake3Hash hashes a composite key made of several byte fields. Each field
// is length-prefixed so that ("ab", "c") and ("a", "bc") hash differently.
func Blake3Hash(fields ...[]byte) uint64 {
	h := blake3.New(8, nil)
	var n [4]byte
	for _, f := range fields {
		binary.BigEndian.PutUint32(n[:], uint32(len(f)))
		h.Write(n[:])
		h.Write(f)
	}
	return binary.LittleEndian.Uint64(h.Sum(nil))
}
