// Package group implements GroupData (spec.md §4.4): the set of
// generations — current plus any still-draining priors — sharing one
// DiskQueue and one KeyValueStore, the pop/spill ordering across
// those generations, and the commitQueue actor that keeps the shared
// queue's durable prefix moving forward. It generalizes the teacher's
// groupstore_GEN_.go (a flat set of peer stores replicating one key
// range) from "replica set" to "generation set sharing one log."
package group

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/jzhou77/partlog/diskqueue"
	"github.com/jzhou77/partlog/kvstore"
	"github.com/jzhou77/partlog/logdata"
	"github.com/jzhou77/partlog/runtime"
)

// spillBatchEntries bounds how many records RunSpiller asks SpillStep
// to spill per team on each pass, the same small-batch idiom
// tlog.Commit's backpressure loop uses (retry in small steps rather
// than draining everything in one call).
const spillBatchEntries = 256

// spillPollInterval is how long RunSpiller sleeps between checks once
// no generation is over its spill threshold.
const spillPollInterval = 20 * time.Millisecond

// ErrGroupStopped is returned by operations that require an active
// generation once the group has none (every generation stopped and no
// replacement recruited yet).
var ErrGroupStopped = errors.New("group: no active generation")

// GroupData is a TLog group: a set of generations that share one
// DiskQueue/FramedQueue and one KeyValueStore.
type GroupData struct {
	cfg     *runtime.Config
	groupID uuid.UUID
	kv      kvstore.Store
	dq      *diskqueue.DiskQueue
	fq      *diskqueue.FramedQueue

	mu          sync.Mutex
	generations map[uuid.UUID]*logdata.GenerationData
	popOrder    []uuid.UUID // oldest first
	spillOrder  []uuid.UUID // oldest first
	activeID    uuid.UUID
	hasActive   bool
	newLogData  *runtime.Trigger

	persistentDataCommitLock sync.Mutex

	pendingCommitBytes int64
}

// New creates an empty GroupData backed by dq/kv, which it owns for
// the lifetime of every generation it holds.
func New(cfg *runtime.Config, groupID uuid.UUID, kv kvstore.Store, dq *diskqueue.DiskQueue) *GroupData {
	return &GroupData{
		cfg:         cfg,
		groupID:     groupID,
		kv:          kv,
		dq:          dq,
		fq:          diskqueue.NewFramedQueue(dq),
		generations: make(map[uuid.UUID]*logdata.GenerationData),
		newLogData:  runtime.NewTrigger(),
	}
}

// FramedQueue returns the group's shared FramedQueue, for constructing
// new GenerationData instances with logdata.New.
func (g *GroupData) FramedQueue() *diskqueue.FramedQueue { return g.fq }

// KeyValueStore returns the group's shared KeyValueStore.
func (g *GroupData) KeyValueStore() kvstore.Store { return g.kv }

// AddGeneration registers gen under logID as the group's new active
// generation, stopping whichever generation was previously active (at
// most one active generation exists per group, per spec.md §4.4).
// Prior generations remain registered — still poppable, still
// spillable — until retired via Retire.
func (g *GroupData) AddGeneration(logID uuid.UUID, gen *logdata.GenerationData) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.hasActive {
		if prev := g.generations[g.activeID]; prev != nil {
			prev.Stop()
		}
	}
	g.generations[logID] = gen
	g.popOrder = append(g.popOrder, logID)
	g.spillOrder = append(g.spillOrder, logID)
	g.activeID = logID
	g.hasActive = true
	g.newLogData.Fire()
	g.newLogData = runtime.NewTrigger()
}

// ActiveGeneration returns the group's single non-stopped generation,
// if any.
func (g *GroupData) ActiveGeneration() (*logdata.GenerationData, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.hasActive {
		return nil, false
	}
	return g.generations[g.activeID], true
}

// Generations returns every generation currently registered with the
// group (active and still-draining priors alike).
func (g *GroupData) Generations() []*logdata.GenerationData {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*logdata.GenerationData, 0, len(g.generations))
	for _, gen := range g.generations {
		out = append(out, gen)
	}
	return out
}

// Generation returns the generation registered under logID, if any.
func (g *GroupData) Generation(logID uuid.UUID) (*logdata.GenerationData, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	gen, ok := g.generations[logID]
	return gen, ok
}

// StopActive stops the current active generation without recruiting a
// replacement, e.g. on worker_removed.
func (g *GroupData) StopActive() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.hasActive {
		return
	}
	if gen := g.generations[g.activeID]; gen != nil {
		gen.Stop()
	}
	g.hasActive = false
}

// Retire unregisters a drained generation (spec.md §4.7 Removed),
// dropping it from popOrder/spillOrder. It is a no-op if logID is the
// current active generation or is unknown.
func (g *GroupData) Retire(logID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.hasActive && logID == g.activeID {
		return
	}
	delete(g.generations, logID)
	g.popOrder = removeID(g.popOrder, logID)
	g.spillOrder = removeID(g.spillOrder, logID)
}

func removeID(ids []uuid.UUID, target uuid.UUID) []uuid.UUID {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// AddPendingCommitBytes records that a commit handler pushed n bytes
// to the shared FramedQueue since the last flush, for the commitQueue
// loop's maxQueueCommitBytes force-commit check.
func (g *GroupData) AddPendingCommitBytes(n int) {
	g.mu.Lock()
	g.pendingCommitBytes += int64(n)
	g.mu.Unlock()
}

func (g *GroupData) pendingBytesExceeded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return uint64(g.pendingCommitBytes) >= g.cfg.MaxQueueCommitBytes
}

// flush durably commits the shared FramedQueue and then advances
// every registered generation's queueCommittedVersion/
// durableKnownCommittedVersion up to its own current version, since a
// single FramedQueue.Commit covers every generation's writes made
// before it was called — this is what lands the "missing final
// commit" for a generation that was stopped mid-flight (spec.md
// §4.4).
func (g *GroupData) flush(ctx context.Context) error {
	g.persistentDataCommitLock.Lock()
	defer g.persistentDataCommitLock.Unlock()
	if err := g.fq.Commit(); err != nil {
		return errors.Wrap(err, "group: commit framed queue")
	}
	g.mu.Lock()
	g.pendingCommitBytes = 0
	gens := make([]*logdata.GenerationData, 0, len(g.generations))
	for _, gen := range g.generations {
		gens = append(gens, gen)
	}
	g.mu.Unlock()
	for _, gen := range gens {
		v := gen.Version()
		if gen.QueueCommittedVersion() < v {
			gen.AdvanceQueueCommittedVersion(v)
			gen.AdvanceDurableKnownCommittedVersion(gen.KnownCommittedVersion())
		}
	}
	return nil
}

// RunCommitQueue is the group's commitQueue actor (spec.md §4.4): it
// waits for the active generation's version to advance past its last
// queue-committed point, then flushes the shared queue. It runs until
// ctx is canceled.
func (g *GroupData) RunCommitQueue(ctx context.Context) error {
	for {
		active, ok := g.ActiveGeneration()
		if !ok {
			select {
			case <-g.waitForNewLogData():
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		target := active.QueueCommittedVersion() + 1
		err := active.VersionWatch().WhenAtLeast(ctx, target, active.StopTrigger())
		if err != nil {
			if err == runtime.ErrStopped {
				continue
			}
			return err
		}
		if err := g.flush(ctx); err != nil {
			return err
		}
	}
}

func (g *GroupData) waitForNewLogData() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.newLogData.Done()
}

// AdvancePop recomputes how far the shared DiskQueue may reclaim,
// applying the cross-generation pop rule of spec.md §4.6: the queue
// only pops up to the minimum location still required by the oldest
// generation in popOrder. Generations that no longer pin any location
// and have been stopped are retired from popOrder so the next oldest
// generation can gate in their place.
func (g *GroupData) AdvancePop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for len(g.popOrder) > 0 {
		oldestID := g.popOrder[0]
		gen := g.generations[oldestID]
		if gen == nil {
			g.popOrder = g.popOrder[1:]
			continue
		}
		loc, pinned := gen.OldestRequiredLocation()
		if pinned {
			g.fq.Pop(diskqueue.Location(loc))
			return
		}
		if gen.Stopped() {
			g.popOrder = g.popOrder[1:]
			continue
		}
		return
	}
	g.fq.Pop(g.fq.CommittedLocation())
}

// SpillStep spills up to maxEntriesPerTeam records from the oldest
// generation in spillOrder that still has unspilled in-memory
// messages, across every team that generation has seen. It returns
// the total number of records spilled.
func (g *GroupData) SpillStep(ctx context.Context, maxEntriesPerTeam int) (int, error) {
	g.mu.Lock()
	order := append([]uuid.UUID(nil), g.spillOrder...)
	g.mu.Unlock()

	for _, genID := range order {
		gen, ok := g.Generation(genID)
		if !ok || gen.BytesPendingSpill() == 0 {
			continue
		}
		total := 0
		for _, team := range gen.Teams() {
			n, err := gen.SpillOnce(ctx, team, maxEntriesPerTeam)
			if err != nil {
				return total, err
			}
			total += n
		}
		if total > 0 {
			return total, nil
		}
	}
	return 0, nil
}

// RunSpiller is the group's background spiller actor: whenever any
// registered generation's BytesPendingSpill crosses
// cfg.SpillThresholdBytes, it drives SpillStep until that generation
// stops making progress, then goes back to polling. Without this loop
// nothing ever reclaims memory once a generation crosses its spill
// threshold, so commits eventually wedge forever against
// tlog.Commit's HardLimitBytes backpressure wait. It runs until ctx is
// canceled.
func (g *GroupData) RunSpiller(ctx context.Context) error {
	for {
		if g.anyGenerationOverSpillThreshold() {
			n, err := g.SpillStep(ctx, spillBatchEntries)
			if err != nil {
				return err
			}
			if n > 0 {
				continue
			}
		}
		select {
		case <-g.cfg.Clock.After(spillPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *GroupData) anyGenerationOverSpillThreshold() bool {
	g.mu.Lock()
	gens := make([]*logdata.GenerationData, 0, len(g.generations))
	for _, gen := range g.generations {
		gens = append(gens, gen)
	}
	g.mu.Unlock()
	for _, gen := range gens {
		if gen.BytesPendingSpill() >= g.cfg.SpillThresholdBytes {
			return true
		}
	}
	return false
}

// ShouldForceCommit reports whether pending uncommitted FramedQueue
// bytes have crossed maxQueueCommitBytes, per spec.md §4.4's
// "If pending bytes exceed maxQueueCommitBytes, force commit
// immediately" rule. Callers (the commit handler) use this to trigger
// an out-of-band flush instead of waiting for the next commitQueue
// wakeup.
func (g *GroupData) ShouldForceCommit() bool { return g.pendingBytesExceeded() }

// Flush exposes flush for callers (e.g. the commit handler's
// largeDiskQueueCommitBytes path) that need to force a commit
// immediately rather than wait for the commitQueue loop's own wakeup.
func (g *GroupData) Flush(ctx context.Context) error { return g.flush(ctx) }

// Close releases the group's DiskQueue and KeyValueStore.
func (g *GroupData) Close() error {
	kvErr := g.kv.Close()
	dqErr := g.dq.Close()
	if kvErr != nil {
		return kvErr
	}
	return dqErr
}
