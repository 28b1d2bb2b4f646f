package logdata

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrOutOfOrder is returned when a caller tries to append a version at
// or behind a team's current tail, violating the "a team's deque is
// version-ordered with no duplicates" invariant.
var ErrOutOfOrder = errors.New("logdata: message version out of order for team")

// teamEntry is one slot in a TeamIndex deque: a version and the bytes
// committed for it, plus the disk location of the QueueEntry it was
// framed into (set once the commit handler has pushed it, used for
// SpillReference).
type teamEntry struct {
	ref MessageRef
	loc queueLocation
}

// queueLocation is a disk location recorded against a teamEntry once
// its QueueEntry has been pushed. It is defined here rather than
// imported from diskqueue, so that TeamIndex itself does not depend on
// the disk representation; GenerationData converts to/from
// diskqueue.Location at its boundary.
type queueLocation struct {
	value int64
	set   bool
}

// TeamIndex is the per-storage-team, version-ordered deque of message
// records described by spec.md §4.3. It generalizes the teacher's
// valuelocmap (a hash map from key to the single current location of
// that key's value) into an ordered sequence, since a team's log
// needs every undrained version, not just the newest.
type TeamIndex struct {
	mu             sync.Mutex
	entries        []teamEntry
	poppedThrough  int64 // highest version removed from the deque by Pop
	spilledThrough int64 // highest version removed from the deque by spill
	hasEntries     bool
	maxVersion     int64

	// pinnedLocs holds the disk location of every reference-spilled
	// version that has not yet been popped, oldest first. A
	// reference-spilled version's bytes live only in the DiskQueue (the
	// KV store holds a pointer to them, not a copy), so unlike a
	// value-spilled version its location must keep pinning the queue's
	// reclaim point until PopThrough actually retires it.
	pinnedLocs []pinnedLoc
}

type pinnedLoc struct {
	version int64
	loc     int64
}

// NewTeamIndex returns an empty TeamIndex.
func NewTeamIndex() *TeamIndex {
	return &TeamIndex{poppedThrough: -1, spilledThrough: -1}
}

// Append adds (version, ref) to the back of the deque. version must be
// strictly greater than every version already appended.
func (ti *TeamIndex) Append(ref MessageRef) error {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	if ti.hasEntries && ref.Version <= ti.maxVersion {
		return errors.Wrapf(ErrOutOfOrder, "version %d <= tail %d", ref.Version, ti.maxVersion)
	}
	ti.entries = append(ti.entries, teamEntry{ref: ref})
	ti.maxVersion = ref.Version
	ti.hasEntries = true
	return nil
}

// SetLocation records the disk location of the most recently appended
// entry for version, once the commit handler has durably pushed it.
func (ti *TeamIndex) SetLocation(version int64, loc int64) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	for i := len(ti.entries) - 1; i >= 0; i-- {
		if ti.entries[i].ref.Version == version {
			ti.entries[i].loc = queueLocation{value: loc, set: true}
			return
		}
		if ti.entries[i].ref.Version < version {
			return
		}
	}
}

// PopThrough discards every entry with version <= upTo and advances
// poppedThrough. It is a no-op for versions already popped.
func (ti *TeamIndex) PopThrough(upTo int64) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	if upTo <= ti.poppedThrough {
		return
	}
	i := 0
	for ; i < len(ti.entries); i++ {
		if ti.entries[i].ref.Version > upTo {
			break
		}
	}
	ti.entries = ti.entries[i:]
	ti.poppedThrough = upTo
	if ti.spilledThrough < upTo {
		ti.spilledThrough = upTo
	}
	j := 0
	for ; j < len(ti.pinnedLocs); j++ {
		if ti.pinnedLocs[j].version > upTo {
			break
		}
	}
	ti.pinnedLocs = ti.pinnedLocs[j:]
}

// PoppedThrough returns the highest version popped so far, or -1.
func (ti *TeamIndex) PoppedThrough() int64 {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.poppedThrough
}

// OldestUnspilled returns up to n entries still resident in memory
// that have not yet been spilled, oldest first.
func (ti *TeamIndex) OldestUnspilled(n int) []teamEntry {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	var out []teamEntry
	for _, e := range ti.entries {
		if e.ref.Version <= ti.spilledThrough {
			continue
		}
		out = append(out, e)
		if len(out) == n {
			break
		}
	}
	return out
}

// MarkSpilled removes from memory every entry with version <= upTo,
// recording that those versions are now only reachable through the KV
// store (or already popped). When pinLocations is true (reference
// spill), the evicted entries' disk locations are retained in
// pinnedLocs so OldestLocation keeps reporting them as required until
// a real pop retires them. A reference-spilled version's only copy of
// its bytes is the DiskQueue record the KV store points at, so the
// queue must not reclaim that range out from under it. Value-spilled
// entries need no such pin: their bytes are already duplicated into
// the KV store.
func (ti *TeamIndex) MarkSpilled(upTo int64, pinLocations bool) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	if upTo <= ti.spilledThrough {
		return
	}
	i := 0
	for ; i < len(ti.entries); i++ {
		if ti.entries[i].ref.Version > upTo {
			break
		}
		if pinLocations && ti.entries[i].loc.set {
			ti.pinnedLocs = append(ti.pinnedLocs, pinnedLoc{version: ti.entries[i].ref.Version, loc: ti.entries[i].loc.value})
		}
	}
	ti.entries = ti.entries[i:]
	ti.spilledThrough = upTo
}

// Peek returns every in-memory entry with begin <= version <= end, in
// version order.
func (ti *TeamIndex) Peek(begin, end int64) []teamEntry {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	var out []teamEntry
	for _, e := range ti.entries {
		if e.ref.Version < begin {
			continue
		}
		if e.ref.Version > end {
			break
		}
		out = append(out, e)
	}
	return out
}

// MaxVersion returns the highest version ever appended, or -1 if none.
func (ti *TeamIndex) MaxVersion() int64 {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	if !ti.hasEntries {
		return -1
	}
	return ti.maxVersion
}

// IsEmpty reports whether the deque holds no in-memory entries.
func (ti *TeamIndex) IsEmpty() bool {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return len(ti.entries) == 0
}

// OldestLocation returns the disk location still required by this
// team: either the oldest pinned reference-spilled-but-unpopped
// location, or (if none) the oldest entry still resident in the deque,
// used to compute how far a group's DiskQueue may reclaim. pinnedLocs
// is always older than any resident entry, since an entry only ever
// reaches pinnedLocs once it has been spilled out of entries. ok is
// false if nothing pins the queue: no pinned spill and either the
// deque is empty or the oldest entry's location has not been recorded
// yet (its QueueEntry push has not completed).
func (ti *TeamIndex) OldestLocation() (loc int64, ok bool) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	if len(ti.pinnedLocs) > 0 {
		return ti.pinnedLocs[0].loc, true
	}
	if len(ti.entries) == 0 || !ti.entries[0].loc.set {
		return 0, false
	}
	return ti.entries[0].loc.value, true
}
