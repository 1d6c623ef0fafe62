/*
Package ctrie provides a concurrent, lock-free hash array mapped trie
with O(1) snapshots.  A Map can be read and written from any number of
goroutines without locks; Snapshot() returns, in amortized constant
time, an independent Map that shares unmodified subtrees with its
parent and evolves separately from it.

# How it works

The trie is "shallow": there are no indirection nodes.  Interior Branch
nodes hold up to 32 children selected by 5-bit slices of the key hash,
stored densely under a bitmap.  Every multi-step mutation is described
by a small descriptor object installed into per-node status fields with
single-word compare-and-swap; any goroutine that encounters a
descriptor helps drive it to completion, so a preempted writer can
never stall the structure.

Snapshots work by swapping the root's generation token.  Nodes of older
generations are copied, one node at a time, the first time a writer
descends through them, so the cost of a snapshot is paid lazily and
only for the parts of the trie that actually change afterwards.

# Uses

  - Shared caches and indexes with many writers

  - Consistent point-in-time reads (iteration, serialization, diff)
    concurrent with updates

  - Copy-on-write alternative to a mutex-guarded Go map

# Inspiration

The design descends from the snapshottable concurrent tries of Prokopec
et al. ("Concurrent Tries with Efficient Non-Blocking Snapshots"),
reworked to remove the indirection nodes: coordination happens through
node status descriptors instead of I-node main-node chains.
*/
package ctrie
