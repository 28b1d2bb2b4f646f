package logdata

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/jzhou77/partlog/diskqueue"
	"github.com/jzhou77/partlog/kvstore"
	"github.com/jzhou77/partlog/runtime"
)

// TxsTeam is the reserved storage team id that always spills by value
// regardless of the generation's configured SpillType, per spec.md
// §4.3 ("the transaction-state team's messages are small and read on
// every recovery, so they are always kept cheap to reread"). It is the
// all-zero UUID so it can never collide with a real, randomly
// generated StorageTeamID.
var TxsTeam = uuid.Nil

// GenerationData is the per-(group, generation) message log: an
// in-memory MessageBlock arena plus one TeamIndex per storage team,
// backed by a FramedQueue for durability and a KeyValueStore for
// overflow. It plays the role the teacher's valuestore.go
// (ValuesStore) plays for a single store instance, generalized from
// "one flat key space" to "one version-ordered deque per team."
type GenerationData struct {
	cfg    *runtime.Config
	logID  uuid.UUID
	kv     kvstore.Store
	fq     *diskqueue.FramedQueue
	logger *zap.SugaredLogger

	spillType           runtime.SpillType
	defaultBlockBytes   uint32
	maxMessageSize      uint32
	spillThresholdBytes uint64

	version                      *runtime.VersionWatch
	knownCommittedVersion        *runtime.VersionWatch
	queueCommittedVersion        *runtime.VersionWatch
	durableKnownCommittedVersion *runtime.VersionWatch
	minKnownCommittedVersion     atomic.Int64
	stopped                      *runtime.Trigger
	initialized                  atomic.Bool

	teamsMu sync.RWMutex
	teams   map[uuid.UUID]*TeamIndex

	blockMu   sync.Mutex
	tailBlock *MessageBlock

	bytesInput   atomic.Int64
	bytesDurable atomic.Int64

	peekLimiter *semaphore.Weighted
}

// New creates an empty GenerationData for logID, persisting spilled
// records and metadata to kv and raw commit records to fq.
func New(cfg *runtime.Config, logID uuid.UUID, kv kvstore.Store, fq *diskqueue.FramedQueue) *GenerationData {
	return &GenerationData{
		cfg:                   cfg,
		logID:                 logID,
		kv:                    kv,
		fq:                    fq,
		logger:                cfg.Logger,
		spillType:             cfg.SpillType,
		defaultBlockBytes:     cfg.DefaultBlockBytes,
		maxMessageSize:        cfg.MaxMessageSize,
		spillThresholdBytes:   cfg.SpillThresholdBytes,
		version:                      runtime.NewVersionWatch(0),
		knownCommittedVersion:        runtime.NewVersionWatch(0),
		queueCommittedVersion:        runtime.NewVersionWatch(0),
		durableKnownCommittedVersion: runtime.NewVersionWatch(0),
		stopped:                      runtime.NewTrigger(),
		teams:                        make(map[uuid.UUID]*TeamIndex),
		peekLimiter:           semaphore.NewWeighted(cfg.PeekMemoryBytes),
	}
}

// LogID returns this generation's own id, used to namespace its keys
// in the shared KeyValueStore.
func (gd *GenerationData) LogID() uuid.UUID { return gd.logID }

// KV returns the KeyValueStore this generation spills into and
// persists metadata to, for callers (ServerData's initPersistentState)
// that need to write generation-lifecycle keys directly.
func (gd *GenerationData) KV() kvstore.Store { return gd.kv }

func (gd *GenerationData) teamIndex(team uuid.UUID) *TeamIndex {
	gd.teamsMu.RLock()
	ti := gd.teams[team]
	gd.teamsMu.RUnlock()
	if ti != nil {
		return ti
	}
	gd.teamsMu.Lock()
	defer gd.teamsMu.Unlock()
	if ti = gd.teams[team]; ti == nil {
		ti = NewTeamIndex()
		gd.teams[team] = ti
	}
	return ti
}

// CommitMessages appends data for team at version into the
// generation's MessageBlock arena, per spec.md §4.3 steps 1-5: an
// empty payload is silently refused (no entry, no error — it is how a
// team with nothing to say at this version is represented); an
// oversized payload is accepted but logged, since TLog does not
// enforce a hard message size ceiling, only warns about one.
func (gd *GenerationData) CommitMessages(team uuid.UUID, version int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if uint32(len(data)) > gd.maxMessageSize {
		gd.logger.Warnw("message exceeds configured max size", "team", team, "version", version, "bytes", len(data))
	}

	ref, err := gd.appendToArena(version, data)
	if err != nil {
		return err
	}
	if err := gd.teamIndex(team).Append(ref); err != nil {
		return err
	}
	gd.bytesInput.Add(int64(len(data)))
	return nil
}

func (gd *GenerationData) appendToArena(version int64, data []byte) (MessageRef, error) {
	gd.blockMu.Lock()
	defer gd.blockMu.Unlock()
	if gd.tailBlock == nil {
		blockCap := gd.defaultBlockBytes
		if uint32(len(data)) > blockCap {
			blockCap = uint32(len(data))
		}
		gd.tailBlock = newMessageBlock(int(blockCap))
	}
	offset, ok := gd.tailBlock.append(data)
	if !ok {
		gd.tailBlock.seal()
		blockCap := gd.defaultBlockBytes
		if uint32(len(data)) > blockCap {
			blockCap = uint32(len(data))
		}
		gd.tailBlock = newMessageBlock(int(blockCap))
		offset, ok = gd.tailBlock.append(data)
		if !ok {
			return MessageRef{}, errors.Errorf("logdata: message of %d bytes exceeds fresh block capacity", len(data))
		}
	}
	return MessageRef{Version: version, block: gd.tailBlock, offset: offset, length: int32(len(data))}, nil
}

// PushQueueEntry encodes a QueueEntry for (team, version, messages)
// and appends it to the FramedQueue, recording the location against
// the team's in-memory entry for later reference-spilling. The entry
// becomes durable only at the queue's next Commit.
func (gd *GenerationData) PushQueueEntry(team uuid.UUID, version int64, messages []byte) (diskqueue.Location, diskqueue.Location, error) {
	entry := &QueueEntry{
		StorageTeamID:         team,
		Version:               version,
		KnownCommittedVersion: gd.knownCommittedVersion.Get(),
		Messages:              messages,
	}
	start, end, err := gd.fq.Push(entry.Encode())
	if err != nil {
		return start, end, err
	}
	gd.teamIndex(team).SetLocation(version, int64(start))
	return start, end, nil
}

// AdvanceVersion records version as the latest version this
// generation has committed.
func (gd *GenerationData) AdvanceVersion(version int64) { gd.version.Set(version) }

// Version returns the latest committed version.
func (gd *GenerationData) Version() int64 { return gd.version.Get() }

// VersionWatch exposes the underlying watch so callers can block until
// a target version is reached (e.g. peek waiting for new data).
func (gd *GenerationData) VersionWatch() *runtime.VersionWatch { return gd.version }

// AdvanceKnownCommittedVersion records the latest known-committed
// version; it never moves backwards.
func (gd *GenerationData) AdvanceKnownCommittedVersion(version int64) {
	gd.knownCommittedVersion.Set(version)
}

// KnownCommittedVersion returns the latest known-committed version.
func (gd *GenerationData) KnownCommittedVersion() int64 { return gd.knownCommittedVersion.Get() }

// QueueCommittedVersion returns the highest version whose FramedQueue
// write is known durable.
func (gd *GenerationData) QueueCommittedVersion() int64 { return gd.queueCommittedVersion.Get() }

// AdvanceQueueCommittedVersion records that the FramedQueue is durable
// at least through version; it never moves backwards.
func (gd *GenerationData) AdvanceQueueCommittedVersion(version int64) {
	gd.queueCommittedVersion.Set(version)
}

// QueueCommittedVersionWatch exposes the watch for commitQueue's wait
// loop and for peek waiters that need to know when a version is safe
// to serve.
func (gd *GenerationData) QueueCommittedVersionWatch() *runtime.VersionWatch {
	return gd.queueCommittedVersion
}

// DurableKnownCommittedVersion returns the known-committed version last
// captured by a completed queue commit.
func (gd *GenerationData) DurableKnownCommittedVersion() int64 {
	return gd.durableKnownCommittedVersion.Get()
}

// AdvanceDurableKnownCommittedVersion records version as durable; it
// never moves backwards.
func (gd *GenerationData) AdvanceDurableKnownCommittedVersion(version int64) {
	gd.durableKnownCommittedVersion.Set(version)
}

// UpdateMinKnownCommittedVersion advances the generation's
// minKnownCommittedVersion to max(current, version) and returns the
// resulting value.
func (gd *GenerationData) UpdateMinKnownCommittedVersion(version int64) int64 {
	for {
		cur := gd.minKnownCommittedVersion.Load()
		if version <= cur {
			return cur
		}
		if gd.minKnownCommittedVersion.CompareAndSwap(cur, version) {
			return version
		}
	}
}

// MinKnownCommittedVersion returns the current minKnownCommittedVersion.
func (gd *GenerationData) MinKnownCommittedVersion() int64 {
	return gd.minKnownCommittedVersion.Load()
}

// MarkInitialized records that this generation's persistent metadata
// keys have been written and KV-committed (spec.md §4.7 Initialized).
func (gd *GenerationData) MarkInitialized() { gd.initialized.Store(true) }

// Initialized reports whether MarkInitialized has been called.
func (gd *GenerationData) Initialized() bool { return gd.initialized.Load() }

// Teams returns the ids of every storage team this generation has ever
// seen a commit for.
func (gd *GenerationData) Teams() []uuid.UUID {
	gd.teamsMu.RLock()
	defer gd.teamsMu.RUnlock()
	out := make([]uuid.UUID, 0, len(gd.teams))
	for id := range gd.teams {
		out = append(out, id)
	}
	return out
}

// OldestRequiredLocation returns the lowest DiskQueue location still
// needed by any of this generation's teams (the location of each
// team's oldest undrained entry), or ok=false if nothing pins the
// queue anymore (either no team has ever committed, or every
// committed entry has been popped or spilled and its disk bytes are
// no longer referenced). GroupData uses this to compute how far the
// shared DiskQueue may reclaim without losing data this generation
// still needs.
func (gd *GenerationData) OldestRequiredLocation() (loc int64, ok bool) {
	gd.teamsMu.RLock()
	defer gd.teamsMu.RUnlock()
	for _, ti := range gd.teams {
		l, found := ti.OldestLocation()
		if !found {
			continue
		}
		if !ok || l < loc {
			loc = l
			ok = true
		}
	}
	return loc, ok
}

// Stop marks the generation as no longer accepting new commits.
func (gd *GenerationData) Stop() { gd.stopped.Fire() }

// Stopped reports whether Stop has been called.
func (gd *GenerationData) Stopped() bool { return gd.stopped.Fired() }

// StopTrigger exposes the stop signal for composition with select
// statements elsewhere (e.g. group.GroupData's commit queue loop).
func (gd *GenerationData) StopTrigger() *runtime.Trigger { return gd.stopped }

// PopThrough discards every in-memory and spilled record for team with
// version <= upTo, persists the new pop point, and commits the
// KeyValueStore mutations so the pop is durable before returning, per
// spec.md §4.6's "after next KV commit" boundary. Staging and
// committing happen together here rather than being left to a later
// pass, since nothing else in the running server drives a KV commit on
// team state that a pop alone touches.
func (gd *GenerationData) PopThrough(ctx context.Context, team uuid.UUID, upTo int64) error {
	ti := gd.teamIndex(team)
	ti.PopThrough(upTo)
	gd.kv.Clear(kvstore.TagMsgRangePrefix(gd.logID, team), kvstore.VersionAfterPrefix(kvstore.TagMsgRangePrefix(gd.logID, team), upTo))
	gd.kv.Clear(kvstore.TagMsgRefRangePrefix(gd.logID, team), kvstore.VersionAfterPrefix(kvstore.TagMsgRefRangePrefix(gd.logID, team), upTo))
	gd.kv.Set(kvstore.TagPopKey(gd.logID, team), encodeInt64(ti.PoppedThrough()))
	if err := gd.kv.Commit(ctx); err != nil {
		return errors.Wrap(err, "logdata: commit pop")
	}
	return nil
}

// PoppedThrough returns the highest version popped for team, or -1 if
// team has never been popped.
func (gd *GenerationData) PoppedThrough(team uuid.UUID) int64 {
	return gd.teamIndex(team).PoppedThrough()
}

// BytesPendingSpill reports how many committed bytes have not yet been
// made durable in the KeyValueStore, the trigger spec.md §4.3's spill
// algorithm compares against SpillThresholdBytes.
func (gd *GenerationData) BytesPendingSpill() uint64 {
	pending := gd.bytesInput.Load() - gd.bytesDurable.Load()
	if pending < 0 {
		return 0
	}
	return uint64(pending)
}

// SpillOnce spills up to maxEntries of team's oldest unspilled
// in-memory records to the KeyValueStore, per the generation's
// configured SpillType (always by value for TxsTeam regardless of
// that setting), and commits the mutation. It returns the number of
// records spilled.
func (gd *GenerationData) SpillOnce(ctx context.Context, team uuid.UUID, maxEntries int) (int, error) {
	ti := gd.teamIndex(team)
	entries := ti.OldestUnspilled(maxEntries)
	if len(entries) == 0 {
		return 0, nil
	}
	byValue := gd.spillType == runtime.SpillValue || team == TxsTeam

	var spilledThrough int64 = -1
	var spilledBytes int64
	spilled := 0
	for _, e := range entries {
		if byValue {
			gd.kv.Set(kvstore.TagMsgKey(gd.logID, team, e.ref.Version), e.ref.Bytes())
		} else {
			if !e.loc.set {
				// The commit handler has not yet durably pushed this
				// version's QueueEntry; stop here rather than spill a
				// reference to a location that might not survive a crash.
				break
			}
			gd.kv.Set(kvstore.TagMsgRefKey(gd.logID, team, e.ref.Version), encodeInt64(e.loc.value))
		}
		spilledThrough = e.ref.Version
		spilledBytes += int64(e.ref.Len())
		spilled++
	}
	if spilledThrough < 0 {
		return 0, nil
	}
	if err := gd.kv.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "logdata: commit spill")
	}
	ti.MarkSpilled(spilledThrough, !byValue)
	gd.bytesDurable.Add(spilledBytes)
	return spilled, nil
}

// PeekMessage is one version's worth of committed bytes for a team.
type PeekMessage struct {
	Version int64
	Data    []byte
}

// PeekResult is the outcome of a Peek call.
type PeekResult struct {
	Messages                 []PeekMessage
	EndVersion               int64
	MaxKnownVersion          int64
	MinKnownCommittedVersion int64
}

// Peek returns every message for team with version in [begin,
// gd.Version()], reading spilled records back from the KeyValueStore
// (and, for SpillReference, the FramedQueue) ahead of whatever is
// still resident in memory, bounded by the generation's peek memory
// limit. If returnIfBlocked is true and nothing is yet available at or
// after begin, Peek returns immediately with an empty result rather
// than the caller blocking inside it — per spec.md §4.6, blocking is
// the caller's responsibility via VersionWatch.WhenAtLeast.
func (gd *GenerationData) Peek(ctx context.Context, team uuid.UUID, begin int64, returnIfBlocked bool) (*PeekResult, error) {
	maxVersion := gd.Version()
	result := &PeekResult{
		EndVersion:               begin,
		MaxKnownVersion:          maxVersion,
		MinKnownCommittedVersion: gd.MinKnownCommittedVersion(),
	}
	if begin > maxVersion {
		return result, nil
	}
	if returnIfBlocked && gd.teamIndex(team).IsEmpty() && !gd.hasSpilledSince(ctx, team, begin) {
		return result, nil
	}

	weight := gd.cfg.PeekMemoryBytes
	if err := gd.peekLimiter.Acquire(ctx, weight); err != nil {
		return nil, errors.Wrap(err, "logdata: peek memory limit")
	}
	defer gd.peekLimiter.Release(weight)

	var totalBytes int64
	budget := gd.cfg.PeekMemoryBytes

	if gd.spillType == runtime.SpillValue || team == TxsTeam {
		kvs, err := gd.kv.ReadRange(ctx, kvstore.TagMsgKey(gd.logID, team, begin), kvstore.VersionAfterPrefix(kvstore.TagMsgRangePrefix(gd.logID, team), maxVersion))
		if err != nil {
			return nil, errors.Wrap(err, "logdata: read spilled values")
		}
		for _, kv := range kvs {
			version, ok := versionFromTagMsgKey(kv.Key)
			if !ok {
				continue
			}
			result.Messages = append(result.Messages, PeekMessage{Version: version, Data: kv.Value})
			result.EndVersion = version
			totalBytes += int64(len(kv.Value))
			if totalBytes >= budget {
				return result, nil
			}
		}
	} else {
		kvs, err := gd.kv.ReadRange(ctx, kvstore.TagMsgRefKey(gd.logID, team, begin), kvstore.VersionAfterPrefix(kvstore.TagMsgRefRangePrefix(gd.logID, team), maxVersion))
		if err != nil {
			return nil, errors.Wrap(err, "logdata: read spilled references")
		}
		for _, kv := range kvs {
			version, ok := versionFromTagMsgRefKey(kv.Key)
			if !ok {
				continue
			}
			loc, ok := decodeInt64(kv.Value)
			if !ok {
				continue
			}
			payload, err := gd.readQueueEntryMessages(diskqueue.Location(loc))
			if err != nil {
				return nil, errors.Wrap(err, "logdata: read spilled reference payload")
			}
			result.Messages = append(result.Messages, PeekMessage{Version: version, Data: payload})
			result.EndVersion = version
			totalBytes += int64(len(payload))
			if totalBytes >= budget {
				return result, nil
			}
		}
	}

	for _, e := range gd.teamIndex(team).Peek(begin, maxVersion) {
		result.Messages = append(result.Messages, PeekMessage{Version: e.ref.Version, Data: e.ref.Bytes()})
		result.EndVersion = e.ref.Version
		totalBytes += int64(e.ref.Len())
		if totalBytes >= budget {
			break
		}
	}
	return result, nil
}

func (gd *GenerationData) hasSpilledSince(ctx context.Context, team uuid.UUID, begin int64) bool {
	kvs, err := gd.kv.ReadRange(ctx, kvstore.TagMsgKey(gd.logID, team, begin), kvstore.VersionAfterPrefix(kvstore.TagMsgRangePrefix(gd.logID, team), 1<<62))
	if err == nil && len(kvs) > 0 {
		return true
	}
	kvs, err = gd.kv.ReadRange(ctx, kvstore.TagMsgRefKey(gd.logID, team, begin), kvstore.VersionAfterPrefix(kvstore.TagMsgRefRangePrefix(gd.logID, team), 1<<62))
	return err == nil && len(kvs) > 0
}

func (gd *GenerationData) readQueueEntryMessages(loc diskqueue.Location) ([]byte, error) {
	rr := gd.fq.NewRecordReader(loc)
	frame, err := rr.ReadNext()
	if err != nil {
		return nil, err
	}
	entry, err := DecodeQueueEntry(frame)
	if err != nil {
		return nil, err
	}
	return entry.Messages, nil
}
