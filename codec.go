package ctrie

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MarshalBinary serializes a point-in-time snapshot of the map: a
// uvarint entry count followed by length-prefixed key and value bodies
// produced by the configured Marshal function.  Entry order is the
// trie's hash order and carries no meaning.
func (m *Map[K, V]) MarshalBinary() ([]byte, error) {
	snap := m.Snapshot()
	buf := appendLength(nil, snap.Len())
	err := snap.Iter(func(key K, value V) error {
		kb, err := m.marshal(key)
		if err != nil {
			return fmt.Errorf("marshal key: %w", err)
		}
		vb, err := m.marshal(value)
		if err != nil {
			return fmt.Errorf("marshal value: %w", err)
		}
		buf = appendLength(buf, len(kb))
		buf = append(buf, kb...)
		buf = appendLength(buf, len(vb))
		buf = append(buf, vb...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// UnmarshalMap rebuilds a map serialized by MarshalBinary.  cfg must
// carry the same Unmarshal (and hashing) the writer used.
func UnmarshalMap[K, V any](data []byte, cfg Config[K, V]) (*Map[K, V], error) {
	m := New(cfg)
	buf := data
	var n int
	buf, err := decodeLength(buf, &n)
	if err != nil {
		return nil, fmt.Errorf("entry count: %w", err)
	}
	for i := 0; i < n; i++ {
		var kb, vb []byte
		buf, err = decodeBytes(buf, &kb)
		if err != nil {
			return nil, fmt.Errorf("key[%d]: %w", i, err)
		}
		buf, err = decodeBytes(buf, &vb)
		if err != nil {
			return nil, fmt.Errorf("value[%d]: %w", i, err)
		}
		var key K
		if err := m.unmarshal(kb, &key); err != nil {
			return nil, fmt.Errorf("unmarshal key[%d]: %w", i, err)
		}
		var value V
		if err := m.unmarshal(vb, &value); err != nil {
			return nil, fmt.Errorf("unmarshal value[%d]: %w", i, err)
		}
		m.Insert(key, value)
	}
	if len(buf) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after %d entries", len(buf), n)
	}
	return m, nil
}

func appendLength(buf []byte, n int) []byte {
	var tmpbuf [8]byte
	used := binary.PutUvarint(tmpbuf[:], uint64(n))
	return append(buf, tmpbuf[:used]...)
}

func decodeLength(buf []byte, n *int) ([]byte, error) {
	k, used := binary.Uvarint(buf)
	if used <= 0 {
		return nil, errors.New("bad length")
	}
	*n = int(k)
	return buf[used:], nil
}

func decodeBytes(buf []byte, body *[]byte) ([]byte, error) {
	var n int
	buf, err := decodeLength(buf, &n)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		*body = nil
		return buf, nil
	}
	if len(buf) < n {
		return nil, errors.New("bad body length")
	}
	*body = buf[:n]
	return buf[n:], nil
}
