package ctrie

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/minio/blake2b-simd"
)

// StringHash is the default hash for string keys.
func StringHash(s string) uint64 {
	return BytesHash([]byte(s))
}

// BytesHash is the default hash for []byte keys.  BLAKE2b keeps the
// hash stable across processes, so serialized maps land their entries
// in the same shape wherever they are rebuilt.
func BytesHash(b []byte) uint64 {
	sum := blake2b.Sum256(b)
	return binary.BigEndian.Uint64(sum[:8])
}

// Uint64Hash is the default hash for integer keys.
func Uint64Hash(v uint64) uint64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return BytesHash(buf[:])
}

// defaultHash picks a hash function by key type.
func defaultHash[K any]() func(K) uint64 {
	var k K
	switch (interface{})(k).(type) {
	case string:
		return func(k K) uint64 { return StringHash((interface{})(k).(string)) }
	case []byte:
		return func(k K) uint64 { return BytesHash((interface{})(k).([]byte)) }
	case int:
		return func(k K) uint64 { return Uint64Hash(uint64((interface{})(k).(int))) }
	case int32:
		return func(k K) uint64 { return Uint64Hash(uint64((interface{})(k).(int32))) }
	case int64:
		return func(k K) uint64 { return Uint64Hash(uint64((interface{})(k).(int64))) }
	case uint:
		return func(k K) uint64 { return Uint64Hash(uint64((interface{})(k).(uint))) }
	case uint32:
		return func(k K) uint64 { return Uint64Hash(uint64((interface{})(k).(uint32))) }
	case uint64:
		return func(k K) uint64 { return Uint64Hash((interface{})(k).(uint64)) }
	default:
		panic(fmt.Sprintf("ctrie: no hash function known for %T; set Config.Hash", k))
	}
}

// defaultKeyEqual picks an equality relation by key type.
func defaultKeyEqual[K any]() func(K, K) bool {
	var k K
	switch (interface{})(k).(type) {
	case []byte:
		return func(a, b K) bool {
			return bytes.Equal((interface{})(a).([]byte), (interface{})(b).([]byte))
		}
	case string, int, int32, int64, uint, uint32, uint64:
		return func(a, b K) bool { return (interface{})(a) == (interface{})(b) }
	default:
		panic(fmt.Sprintf("ctrie: no equality relation known for %T; set Config.KeyEqual", k))
	}
}
