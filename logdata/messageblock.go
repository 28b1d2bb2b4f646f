// Package logdata holds the in-memory, per-storage-team message log
// for a single (group, generation): MessageBlock arenas, per-team
// TeamIndex deques, and GenerationData's commit/spill/peek algorithms
// (spec.md §4.3). It generalizes the teacher's valueMemBlock/TOC-entry
// pair (a shared byte arena plus fixed-size index records pointing
// into it) from "point key -> value location" to "team -> ordered
// version slice."
package logdata

// MessageBlock is an append-only, fixed-capacity byte arena shared by
// every storage team's index entries that were appended while it was
// the generation's tail block. Unlike the teacher's valueMemBlock,
// which tracks an explicit reference count so it can be deliberately
// recycled into a free-list, MessageBlock relies on ordinary Go
// garbage collection: once every MessageRef pointing into a block has
// been popped or spilled out of its TeamIndex, the block becomes
// unreachable and is reclaimed automatically. This still satisfies
// spec.md's "reclaimed when last referencing version is popped"
// invariant, just via the runtime instead of manual bookkeeping.
type MessageBlock struct {
	buf    []byte
	sealed bool
}

// newMessageBlock allocates a block with the given capacity.
func newMessageBlock(capacity int) *MessageBlock {
	return &MessageBlock{buf: make([]byte, 0, capacity)}
}

// append copies data into the block and returns its offset, or ok=false
// if the block lacks capacity.
func (b *MessageBlock) append(data []byte) (offset int32, ok bool) {
	if b.sealed || len(b.buf)+len(data) > cap(b.buf) {
		return 0, false
	}
	offset = int32(len(b.buf))
	b.buf = append(b.buf, data...)
	return offset, true
}

func (b *MessageBlock) seal() { b.sealed = true }

// MessageRef is a (version, slice-into-MessageBlock) entry, the
// generalization of the teacher's TOC entry (keyA, keyB, offset,
// length referencing a values file) to (version, offset, length
// referencing a MessageBlock).
type MessageRef struct {
	Version int64
	block   *MessageBlock
	offset  int32
	length  int32
}

// Bytes returns the referenced message payload.
func (r MessageRef) Bytes() []byte {
	return r.block.buf[r.offset : r.offset+r.length]
}

// Len returns the referenced payload's length.
func (r MessageRef) Len() int { return int(r.length) }
