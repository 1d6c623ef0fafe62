package ctrie

import (
	"errors"
	"fmt"
)

var errStopDiff = errors.New("diff stopped")

// DiffIter invokes the given callback for every entry that is
// different from the given map, typically an earlier Snapshot of this
// one.  Subtrees the two maps still share are skipped wholesale.  The
// iteration stops if the callback returns keepGoing==false or an
// error.  Callback invocation with added==removed==true signifies
// entries whose values have changed.
func (m *Map[K, V]) DiffIter(
	old *Map[K, V],
	f func(added, removed bool, key K, addedValue, removedValue V) (bool, error),
) error {
	newSnap := m.Snapshot()
	oldSnap := old.Snapshot()
	err := newSnap.diffNodes(oldSnap, newSnap.root.child.Load(), oldSnap.root.child.Load(), f)
	if errors.Is(err, errStopDiff) {
		return nil
	}
	return err
}

func (m *Map[K, V]) diffNodes(
	old *Map[K, V],
	a, b *node[K, V],
	f func(added, removed bool, key K, addedValue, removedValue V) (bool, error),
) error {
	if a == b {
		return nil
	}
	ab, bb := a.branch, b.branch
	if ab == nil || bb == nil {
		// Shapes differ, or both sides are leaves: resolve entry by
		// entry against the other map.
		return m.diffLeaves(old, a, b, f)
	}
	// Two branches at the same level: walk them slot by slot.  A
	// refresh changes branch identity but shares the leaves, so the
	// pointer check above still prunes untouched subtrees below.
	var zero V
	apos, bpos := 0, 0
	for flag := uint32(1); flag != 0; flag <<= 1 {
		ain := ab.bitmap&flag != 0
		bin := bb.bitmap&flag != 0
		switch {
		case ain && bin:
			err := m.diffNodes(old, ab.children[apos].Load(), bb.children[bpos].Load(), f)
			if err != nil {
				return err
			}
			apos++
			bpos++
		case ain:
			// The old map has nothing under this hash prefix.
			err := iterNode(ab.children[apos].Load(), func(key K, value V) error {
				return diffEmit(f, true, false, key, value, zero)
			})
			if err != nil {
				return err
			}
			apos++
		case bin:
			err := iterNode(bb.children[bpos].Load(), func(key K, oldValue V) error {
				return diffEmit(f, false, true, key, zero, oldValue)
			})
			if err != nil {
				return err
			}
			bpos++
		}
	}
	return nil
}

// diffLeaves reports the differences under the pair (a, b) by looking
// each side's entries up in the other map.
func (m *Map[K, V]) diffLeaves(
	old *Map[K, V],
	a, b *node[K, V],
	f func(added, removed bool, key K, addedValue, removedValue V) (bool, error),
) error {
	var zero V
	err := iterNode(a, func(key K, value V) error {
		oldValue, ok := old.Get(key)
		switch {
		case !ok:
			return diffEmit(f, true, false, key, value, zero)
		case !m.valueEqual(value, oldValue):
			return diffEmit(f, true, true, key, value, oldValue)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return iterNode(b, func(key K, oldValue V) error {
		if _, ok := m.Get(key); !ok {
			return diffEmit(f, false, true, key, zero, oldValue)
		}
		return nil
	})
}

func diffEmit[K, V any](
	f func(added, removed bool, key K, addedValue, removedValue V) (bool, error),
	added, removed bool, key K, addedValue, removedValue V,
) error {
	keepGoing, err := f(added, removed, key, addedValue, removedValue)
	if err != nil {
		return fmt.Errorf("callback: %w", err)
	}
	if !keepGoing {
		return errStopDiff
	}
	return nil
}
