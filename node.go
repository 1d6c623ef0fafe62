package ctrie

import (
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	// levelBits is how many hash bits select a child at each level.
	levelBits = 5

	// branchWidth is the fan-out of a Branch node.
	branchWidth = 1 << levelBits

	// maxLevel is the first level at which the hash is considered
	// exhausted; keys that still collide there go into a collisions
	// leaf instead of a deeper Branch.
	maxLevel = 32
)

// generation demarcates snapshots.  Two generations are the same iff
// they are the same object; the uuid exists only so that dumps and
// invariant failures can name them.
type generation struct {
	id uuid.UUID
}

func newGeneration() *generation {
	return &generation{id: uuid.New()}
}

func (g *generation) String() string {
	return g.id.String()[:8]
}

// node is exactly one of the three node shapes.  Child slots hold *node
// so that a slot can be swung between shapes with a single CAS.
type node[K, V any] struct {
	branch *branchNode[K, V]
	single *singleNode[K, V]
	multi  *collisionsNode[K, V]
}

// branchNode is an interior node with up to branchWidth children keyed
// by a 5-bit hash slice.  bitmap and gen never change after
// construction; children slots and status are the CAS targets of the
// mutation protocol in status.go.
type branchNode[K, V any] struct {
	bitmap   uint32
	gen      *generation
	status   atomic.Pointer[desc[K, V]]
	children []atomic.Pointer[node[K, V]]
}

// singleNode is a leaf holding one pair.  Leaves are deep-immutable
// once published and carry no status or generation.
type singleNode[K, V any] struct {
	hash  uint64
	key   K
	value V
}

// collisionsNode is a leaf holding pairs whose hashes collide past
// maxLevel.  The entry order carries no meaning.
type collisionsNode[K, V any] struct {
	entries []collisionEntry[K, V]
}

type collisionEntry[K, V any] struct {
	hash  uint64
	key   K
	value V
}

// rootNode is the externally addressable entry point of one Map.  All
// three fields are mutable; child always refers to a Branch.
type rootNode[K, V any] struct {
	status atomic.Pointer[desc[K, V]]
	child  atomic.Pointer[node[K, V]]
	gen    atomic.Pointer[generation]
}

func newRoot[K, V any](gen *generation) *rootNode[K, V] {
	r := &rootNode[K, V]{}
	r.gen.Store(gen)
	r.child.Store(branchWrap(&branchNode[K, V]{gen: gen}))
	return r
}

func branchWrap[K, V any](b *branchNode[K, V]) *node[K, V] {
	return &node[K, V]{branch: b}
}

func singleWrap[K, V any](hash uint64, key K, value V) *node[K, V] {
	return &node[K, V]{single: &singleNode[K, V]{hash: hash, key: key, value: value}}
}

// slotFlag returns the bitmap bit for the logical slot the hash selects
// at the given level, and the physical index of that slot within a
// dense child array laid out under bitmap.
func slotFlag(hash uint64, level uint, bitmap uint32) (flag uint32, pos int) {
	flag = uint32(1) << (uint32(hash>>level) & (branchWidth - 1))
	pos = bits.OnesCount32(bitmap & (flag - 1))
	return flag, pos
}

// newBranch builds a Branch around the given dense child list.  The
// children must already be in bitmap order.
func newBranch[K, V any](bitmap uint32, gen *generation, kids []*node[K, V]) *branchNode[K, V] {
	if bits.OnesCount32(bitmap) != len(kids) {
		panic(fmt.Sprintf("branch bitmap %032b describes %d slots, got %d children",
			bitmap, bits.OnesCount32(bitmap), len(kids)))
	}
	b := &branchNode[K, V]{
		bitmap:   bitmap,
		gen:      gen,
		children: make([]atomic.Pointer[node[K, V]], len(kids)),
	}
	for i, kid := range kids {
		b.children[i].Store(kid)
	}
	return b
}

// snapshotChildren reads the current value of every slot.  Callers use
// this only on branches whose status pins them to the calling
// descriptor, so the result cannot be torn.
func (b *branchNode[K, V]) snapshotChildren() []*node[K, V] {
	kids := make([]*node[K, V], len(b.children))
	for i := range b.children {
		kids[i] = b.children[i].Load()
	}
	return kids
}

// withInserted returns a copy of b with an extra child at the logical
// slot described by flag, retagged to gen.
func (b *branchNode[K, V]) withInserted(flag uint32, pos int, kid *node[K, V], gen *generation) *branchNode[K, V] {
	old := b.snapshotChildren()
	kids := make([]*node[K, V], len(old)+1)
	copy(kids, old[:pos])
	kids[pos] = kid
	copy(kids[pos+1:], old[pos:])
	return newBranch(b.bitmap|flag, gen, kids)
}

// withRemoved returns a copy of b with the logical slot described by
// flag cleared.
func (b *branchNode[K, V]) withRemoved(flag uint32, pos int, gen *generation) *branchNode[K, V] {
	old := b.snapshotChildren()
	kids := make([]*node[K, V], len(old)-1)
	copy(kids, old[:pos])
	copy(kids[pos:], old[pos+1:])
	return newBranch(b.bitmap&^flag, gen, kids)
}

// refreshed returns a shallow copy of b tagged with gen.  The children
// themselves are shared and retagged lazily on later descents.
func (b *branchNode[K, V]) refreshed(gen *generation) *branchNode[K, V] {
	return newBranch(b.bitmap, gen, b.snapshotChildren())
}

// expandLeaves builds the subtree that distinguishes two leaves whose
// hashes agree on all bits below level.  Branches beyond maxLevel are
// not possible, so full collisions become a collisions leaf.
func expandLeaves[K, V any](a, b *singleNode[K, V], level uint, gen *generation) *node[K, V] {
	if level >= maxLevel {
		return &node[K, V]{multi: &collisionsNode[K, V]{entries: []collisionEntry[K, V]{
			{hash: a.hash, key: a.key, value: a.value},
			{hash: b.hash, key: b.key, value: b.value},
		}}}
	}
	aflag, _ := slotFlag(a.hash, level, 0)
	bflag, _ := slotFlag(b.hash, level, 0)
	switch {
	case aflag == bflag:
		inner := expandLeaves(a, b, level+levelBits, gen)
		return branchWrap(newBranch(aflag, gen, []*node[K, V]{inner}))
	case aflag < bflag:
		return branchWrap(newBranch(aflag|bflag, gen, []*node[K, V]{
			{single: a}, {single: b},
		}))
	default:
		return branchWrap(newBranch(aflag|bflag, gen, []*node[K, V]{
			{single: b}, {single: a},
		}))
	}
}

// lookup scans a collisions leaf.
func (c *collisionsNode[K, V]) lookup(key K, eq func(K, K) bool) (V, bool) {
	for i := range c.entries {
		if eq(c.entries[i].key, key) {
			return c.entries[i].value, true
		}
	}
	var zero V
	return zero, false
}

// withPut returns a copy of c with key set to value.
func (c *collisionsNode[K, V]) withPut(hash uint64, key K, value V, eq func(K, K) bool) *collisionsNode[K, V] {
	entries := make([]collisionEntry[K, V], 0, len(c.entries)+1)
	for i := range c.entries {
		if !eq(c.entries[i].key, key) {
			entries = append(entries, c.entries[i])
		}
	}
	entries = append(entries, collisionEntry[K, V]{hash: hash, key: key, value: value})
	return &collisionsNode[K, V]{entries: entries}
}

// withDeleted returns c without key.  If a lone pair remains it is
// demoted to a Single so the leaf shape stays minimal.
func (c *collisionsNode[K, V]) withDeleted(key K, eq func(K, K) bool) *node[K, V] {
	entries := make([]collisionEntry[K, V], 0, len(c.entries))
	for i := range c.entries {
		if !eq(c.entries[i].key, key) {
			entries = append(entries, c.entries[i])
		}
	}
	if len(entries) == 1 {
		return singleWrap(entries[0].hash, entries[0].key, entries[0].value)
	}
	return &node[K, V]{multi: &collisionsNode[K, V]{entries: entries}}
}
