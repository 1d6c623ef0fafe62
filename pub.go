package ctrie

import (
	"encoding/json"
	"reflect"
)

// Config sets the key and value behavior for a Map.  Zero fields get
// defaults: hashing and equality are derived from the key type for
// common types (see hash.go), value equality falls back to
// reflect.DeepEqual, and Marshal/Unmarshal default to JSON.
type Config[K, V any] struct {
	// Hash maps a key to 64 hash bits.  The trie consumes 5 bits per
	// level; keys whose hashes still collide at the deepest level are
	// kept together in a collisions leaf.
	Hash func(K) uint64

	// KeyEqual is the equality relation over keys.
	KeyEqual func(K, K) bool

	// ValueEqual is used by Replace and RemoveIf to compare the
	// expected value.
	ValueEqual func(V, V) bool

	// Marshal function for keys and values, defaults to JSON.
	Marshal func(interface{}) ([]byte, error)

	// Unmarshal function for keys and values, defaults to JSON.
	Unmarshal func([]byte, interface{}) error
}

// Map is a concurrent, lock-free hash trie map.  All methods are safe
// for concurrent use by multiple goroutines.  The zero Map is not
// usable; call New.
type Map[K, V any] struct {
	root       *rootNode[K, V]
	hash       func(K) uint64
	keyEqual   func(K, K) bool
	valueEqual func(V, V) bool
	marshal    func(interface{}) ([]byte, error)
	unmarshal  func([]byte, interface{}) error
}

// New returns a new empty Map configured by cfg.
func New[K, V any](cfg Config[K, V]) *Map[K, V] {
	if cfg.Hash == nil {
		cfg.Hash = defaultHash[K]()
	}
	if cfg.KeyEqual == nil {
		cfg.KeyEqual = defaultKeyEqual[K]()
	}
	if cfg.ValueEqual == nil {
		cfg.ValueEqual = func(a, b V) bool { return reflect.DeepEqual(a, b) }
	}
	if cfg.Marshal == nil {
		cfg.Marshal = json.Marshal
	}
	if cfg.Unmarshal == nil {
		cfg.Unmarshal = json.Unmarshal
	}
	return &Map[K, V]{
		root:       newRoot[K, V](newGeneration()),
		hash:       cfg.Hash,
		keyEqual:   cfg.KeyEqual,
		valueEqual: cfg.ValueEqual,
		marshal:    cfg.Marshal,
		unmarshal:  cfg.Unmarshal,
	}
}

func (m *Map[K, V]) withRoot(root *rootNode[K, V]) *Map[K, V] {
	m2 := *m
	m2.root = root
	return &m2
}

// Outcome reports how a conditional operation resolved.
type Outcome uint8

const (
	// Applied means the operation took effect.
	Applied Outcome = iota
	// Mismatch means the key was present but its value was not the
	// expected one; nothing changed.
	Mismatch
	// Absent means the key was not present; nothing changed.
	Absent
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Mismatch:
		return "mismatch"
	case Absent:
		return "absent"
	}
	return "unknown"
}

// Get returns the value for the given key and whether it was present.
// Get never writes to the trie, not even the lazy generation refresh.
func (m *Map[K, V]) Get(key K) (V, bool) {
	var zero V
	hash := m.hash(key)
	cur := m.root.child.Load()
	for level := uint(0); ; level += levelBits {
		b := cur.branch
		flag, pos := slotFlag(hash, level, b.bitmap)
		if b.bitmap&flag == 0 {
			return zero, false
		}
		kid := b.children[pos].Load()
		switch {
		case kid.branch != nil:
			cur = kid
		case kid.single != nil:
			if m.keyEqual(kid.single.key, key) {
				return kid.single.value, true
			}
			return zero, false
		default:
			return kid.multi.lookup(key, m.keyEqual)
		}
	}
}

// Insert adds or replaces the value for the given key, returning the
// previous value if there was one.
func (m *Map[K, V]) Insert(key K, value V) (V, bool) {
	prev, found, _ := m.update(updInsert, key, value, *new(V))
	return prev, found
}

// PutIfAbsent installs the value only if the key is absent.  It
// returns the value that is in the map afterwards and whether the key
// was already present.
func (m *Map[K, V]) PutIfAbsent(key K, value V) (V, bool) {
	prev, found, _ := m.update(updPutIfAbsent, key, value, *new(V))
	if found {
		return prev, true
	}
	return value, false
}

// Replace swaps in newValue only if the key is currently mapped to
// expected, per the map's ValueEqual.
func (m *Map[K, V]) Replace(key K, expected, newValue V) Outcome {
	_, _, outcome := m.update(updReplace, key, newValue, expected)
	return outcome
}

// Remove deletes the entry for the given key, returning the removed
// value if there was one.
func (m *Map[K, V]) Remove(key K) (V, bool) {
	prev, found, _ := m.update(updRemove, key, *new(V), *new(V))
	return prev, found
}

// RemoveIf deletes the entry only if the key is currently mapped to
// expected, per the map's ValueEqual.
func (m *Map[K, V]) RemoveIf(key K, expected V) Outcome {
	_, _, outcome := m.update(updRemoveIf, key, *new(V), expected)
	return outcome
}

// Snapshot returns, in amortized O(1), an independent Map holding the
// current contents.  The two maps share subtrees and copy them lazily
// as either side writes, so neither sees the other's later updates.
func (m *Map[K, V]) Snapshot() *Map[K, V] {
	for {
		if cur := m.root.status.Load(); cur != nil {
			complete(cur)
			continue
		}
		s := &desc[K, V]{
			kind:       descSnap,
			root:       m.root,
			oldGen:     m.root.gen.Load(),
			newTrieGen: newGeneration(),
			newSnapGen: newGeneration(),
		}
		if !m.root.status.CompareAndSwap(nil, s) {
			continue
		}
		frozen := completeSnap(s)
		if !s.committed() {
			continue
		}
		return m.withRoot(frozen)
	}
}

// Iter invokes f for every entry of a point-in-time snapshot of the
// map, in no particular order, stopping at the first error.
func (m *Map[K, V]) Iter(f func(K, V) error) error {
	return iterNode(m.Snapshot().root.child.Load(), f)
}

// Len returns the number of entries.  This operation is O(n).
func (m *Map[K, V]) Len() int {
	n := 0
	_ = m.Iter(func(K, V) error {
		n++
		return nil
	})
	return n
}

func iterNode[K, V any](n *node[K, V], f func(K, V) error) error {
	switch {
	case n.branch != nil:
		for i := range n.branch.children {
			if err := iterNode(n.branch.children[i].Load(), f); err != nil {
				return err
			}
		}
		return nil
	case n.single != nil:
		return f(n.single.key, n.single.value)
	default:
		for i := range n.multi.entries {
			if err := f(n.multi.entries[i].key, n.multi.entries[i].value); err != nil {
				return err
			}
		}
		return nil
	}
}

type updateKind uint8

const (
	updInsert updateKind = iota
	updPutIfAbsent
	updReplace
	updRemove
	updRemoveIf
)

// update is the shared walk behind every mutating operation.  It
// descends with the generation read at the top, refreshing stale
// branches on the way down, and retries from the root whenever a CAS
// race or a helped descriptor invalidates the walk.
func (m *Map[K, V]) update(kind updateKind, key K, value V, expected V) (V, bool, Outcome) {
	var zero V
	hash := m.hash(key)
retry:
	for {
		root := m.root
		gen := root.gen.Load()
		cur := root.child.Load()
		if tb := cur.branch; tb.gen != gen {
			// Refresh the top-level branch.  The target generation is
			// re-read inside build, where the descriptor holds the
			// root and the generation cannot move.
			var d *desc[K, V]
			d = mutateAtRoot(root, cur, func() replacement[K, V] {
				nb := tb.refreshed(root.gen.Load())
				nb.status.Store(d)
				return replacement[K, V]{node: branchWrap(nb)}
			})
			run(d)
			continue retry
		}

		var (
			parentRoot   = root
			parentBranch *branchNode[K, V]
			index        int
		)
		for level := uint(0); ; {
			b := cur.branch
			flag, pos := slotFlag(hash, level, b.bitmap)

			if b.bitmap&flag == 0 {
				// Nothing to descend into; the key is absent here.
				switch kind {
				case updRemove:
					return zero, false, Absent
				case updRemoveIf, updReplace:
					return zero, false, Absent
				}
				// Install by replacing b with a copy that has the new
				// leaf, under b's own container.
				var d *desc[K, V]
				build := func() replacement[K, V] {
					nb := b.withInserted(flag, pos, singleWrap(hash, key, value), gen)
					nb.status.Store(d)
					return replacement[K, V]{node: branchWrap(nb)}
				}
				if d = makeMutate(parentRoot, parentBranch, index, cur, build); run(d) {
					return zero, false, Applied
				}
				continue retry
			}

			kid := b.children[pos].Load()

			if kb := kid.branch; kb != nil {
				if kb.gen != gen {
					var d *desc[K, V]
					d = mutateAtBranch(b, pos, kid, func() replacement[K, V] {
						nb := kb.refreshed(gen)
						nb.status.Store(d)
						return replacement[K, V]{node: branchWrap(nb)}
					})
					run(d)
					continue retry
				}
				parentRoot, parentBranch, index = nil, b, pos
				cur = kid
				level += levelBits
				continue
			}

			if s := kid.single; s != nil {
				if !m.keyEqual(s.key, key) {
					switch kind {
					case updRemove, updRemoveIf, updReplace:
						return zero, false, Absent
					}
					// Extend the trie so it holds both keys.
					var d *desc[K, V]
					d = mutateAtBranch(b, pos, kid, func() replacement[K, V] {
						n := expandLeaves(s, &singleNode[K, V]{hash: hash, key: key, value: value}, level+levelBits, gen)
						if nb := n.branch; nb != nil {
							nb.status.Store(d)
						}
						return replacement[K, V]{node: n}
					})
					if run(d) {
						return zero, false, Applied
					}
					continue retry
				}
				// The key is present in this Single.
				switch kind {
				case updPutIfAbsent:
					return s.value, true, Applied
				case updInsert, updReplace:
					if kind == updReplace && !m.valueEqual(s.value, expected) {
						return s.value, true, Mismatch
					}
					d := mutateAtBranch(b, pos, kid, func() replacement[K, V] {
						return replacement[K, V]{node: singleWrap(hash, key, value), prev: s.value, found: true}
					})
					if run(d) {
						return s.value, true, Applied
					}
					continue retry
				default: // updRemove, updRemoveIf
					if kind == updRemoveIf && !m.valueEqual(s.value, expected) {
						return s.value, true, Mismatch
					}
					repl, ok := m.removeFromBranch(kind, parentRoot, parentBranch, index, cur, flag, pos, key, expected, gen)
					if !ok || repl.rewalk {
						continue retry
					}
					return repl.prev, true, Applied
				}
			}

			// Collisions leaf.
			c := kid.multi
			existing, found := c.lookup(key, m.keyEqual)
			switch kind {
			case updPutIfAbsent, updInsert:
				if found && kind == updPutIfAbsent {
					return existing, true, Applied
				}
				d := mutateAtBranch(b, pos, kid, func() replacement[K, V] {
					return replacement[K, V]{
						node:  &node[K, V]{multi: c.withPut(hash, key, value, m.keyEqual)},
						prev:  existing,
						found: found,
					}
				})
				if run(d) {
					return existing, found, Applied
				}
				continue retry
			case updReplace:
				if !found {
					return zero, false, Absent
				}
				if !m.valueEqual(existing, expected) {
					return existing, true, Mismatch
				}
				d := mutateAtBranch(b, pos, kid, func() replacement[K, V] {
					return replacement[K, V]{
						node:  &node[K, V]{multi: c.withPut(hash, key, value, m.keyEqual)},
						prev:  existing,
						found: true,
					}
				})
				if run(d) {
					return existing, true, Applied
				}
				continue retry
			default: // updRemove, updRemoveIf
				if !found {
					return zero, false, Absent
				}
				if kind == updRemoveIf && !m.valueEqual(existing, expected) {
					return existing, true, Mismatch
				}
				if len(c.entries) > 1 {
					d := mutateAtBranch(b, pos, kid, func() replacement[K, V] {
						return replacement[K, V]{
							node:  c.withDeleted(key, m.keyEqual),
							prev:  existing,
							found: true,
						}
					})
					if run(d) {
						return existing, true, Applied
					}
					continue retry
				}
				// Last colliding pair: clear the slot instead.
				repl, ok := m.removeFromBranch(kind, parentRoot, parentBranch, index, cur, flag, pos, key, expected, gen)
				if !ok || repl.rewalk {
					continue retry
				}
				return repl.prev, true, Applied
			}
		}
	}
}

// removeFromBranch clears the logical slot holding key by replacing
// the whole branch under its container.  Because the replacement is
// built only after the branch is pinned, it re-derives the removal
// from the branch's final contents; if the slot no longer holds the
// key as the walk saw it, it installs an unchanged copy and asks the
// caller to re-walk.
func (m *Map[K, V]) removeFromBranch(
	kind updateKind,
	parentRoot *rootNode[K, V], parentBranch *branchNode[K, V], index int,
	cur *node[K, V], flag uint32, pos int,
	key K, expected V, gen *generation,
) (replacement[K, V], bool) {
	b := cur.branch
	var d *desc[K, V]
	build := func() replacement[K, V] {
		now := b.children[pos].Load()
		var (
			prev  V
			match bool
		)
		if s := now.single; s != nil && m.keyEqual(s.key, key) {
			prev, match = s.value, true
		} else if now.multi != nil && len(now.multi.entries) == 1 && m.keyEqual(now.multi.entries[0].key, key) {
			prev, match = now.multi.entries[0].value, true
		}
		if match && kind == updRemoveIf && !m.valueEqual(prev, expected) {
			match = false
		}
		if !match {
			nb := b.refreshed(gen)
			nb.status.Store(d)
			return replacement[K, V]{node: branchWrap(nb), rewalk: true}
		}
		nb := b.withRemoved(flag, pos, gen)
		nb.status.Store(d)
		return replacement[K, V]{node: branchWrap(nb), prev: prev, found: true}
	}
	if d = makeMutate(parentRoot, parentBranch, index, cur, build); run(d) {
		return *d.replaced.Load(), true
	}
	return replacement[K, V]{}, false
}

func makeMutate[K, V any](
	parentRoot *rootNode[K, V], parentBranch *branchNode[K, V], index int,
	child *node[K, V], build func() replacement[K, V],
) *desc[K, V] {
	if parentRoot != nil {
		return mutateAtRoot(parentRoot, child, build)
	}
	return mutateAtBranch(parentBranch, index, child, build)
}
