package tlog

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/jzhou77/partlog/group"
	"github.com/jzhou77/partlog/logdata"
	"github.com/jzhou77/partlog/runtime"
)

// CommitRequest is the input to the commit handler, spec.md §4.5.
type CommitRequest struct {
	SpanID                   uuid.UUID
	StorageTeamID            uuid.UUID
	Messages                 []byte
	PrevVersion              int64
	Version                  int64
	KnownCommittedVersion    int64
	MinKnownCommittedVersion int64
	DebugID                  string
}

// CommitReply is the commit handler's successful response.
type CommitReply struct {
	DurableKnownCommittedVersion int64
}

// backpressureJitterBase is the base delay used while a generation is
// over its hard memory limit, matching the teacher's style of a small
// fixed retry delay rather than exponential backoff, since the signal
// clearing (spill catching up) is expected on the order of
// milliseconds, not seconds.
const backpressureJitterBase = 5 * time.Millisecond

// Commit runs the full commit algorithm of spec.md §4.5 against gen,
// using grp for the shared FramedQueue push-accounting and force-flush
// threshold.
func Commit(ctx context.Context, cfg *runtime.Config, grp *group.GroupData, gen *logdata.GenerationData, req CommitRequest) (CommitReply, error) {
	gen.UpdateMinKnownCommittedVersion(req.MinKnownCommittedVersion)

	// Step 2: serialize commits within a generation by prior-version
	// chain.
	if err := gen.VersionWatch().WhenAtLeast(ctx, req.PrevVersion, gen.StopTrigger()); err != nil {
		return CommitReply{}, classifyWait(err)
	}

	// Step 3: backpressure against the hard memory limit.
	for gen.BytesPendingSpill() >= cfg.HardLimitBytes {
		if gen.Stopped() {
			return CommitReply{}, New(KindTLogStopped)
		}
		jitter := backpressureJitterBase + time.Duration(rand.Int63n(int64(backpressureJitterBase)))
		select {
		case <-cfg.Clock.After(jitter):
		case <-gen.StopTrigger().Done():
			return CommitReply{}, New(KindTLogStopped)
		case <-ctx.Done():
			return CommitReply{}, New(KindOperationCanceled)
		}
	}
	if gen.Stopped() {
		return CommitReply{}, New(KindTLogStopped)
	}

	// Step 4: duplicate detection. The generation's version may only
	// have moved on from req.PrevVersion if this exact commit (or a
	// retry of it) already landed, since commits within a generation
	// are serialized by the prevVersion->version chain.
	if gen.Version() != req.PrevVersion {
		return CommitReply{DurableKnownCommittedVersion: gen.DurableKnownCommittedVersion()}, nil
	}

	// Step 5: apply the commit.
	if err := gen.CommitMessages(req.StorageTeamID, req.Version, req.Messages); err != nil {
		return CommitReply{}, err
	}
	gen.AdvanceKnownCommittedVersion(req.KnownCommittedVersion)

	// An empty commit (spec.md §8: "messages.len==0") is accepted
	// without advancing the generation's version and producing no queue
	// entry; it carries no data to serialize a future commit against, so
	// there is nothing for step 6 to wait on either. Return immediately
	// rather than waiting for a queue commit that will never reach a
	// version this commit never advanced to.
	if len(req.Messages) == 0 {
		return CommitReply{DurableKnownCommittedVersion: gen.DurableKnownCommittedVersion()}, nil
	}

	if _, _, err := gen.PushQueueEntry(req.StorageTeamID, req.Version, req.Messages); err != nil {
		return CommitReply{}, Wrap(KindIODegraded, err, "push queue entry")
	}
	grp.AddPendingCommitBytes(len(req.Messages))
	if grp.ShouldForceCommit() {
		if err := grp.Flush(ctx); err != nil {
			return CommitReply{}, Wrap(KindIODegraded, err, "force flush over-threshold commit")
		}
	}
	gen.AdvanceVersion(req.Version)

	// Step 6: wait for the queue commit to catch up to this version,
	// warning (not failing) if it takes more than WarningTimeoutSeconds.
	if err := waitQueueCommitted(ctx, cfg, gen, req.Version); err != nil {
		return CommitReply{}, err
	}

	return CommitReply{DurableKnownCommittedVersion: gen.DurableKnownCommittedVersion()}, nil
}

func waitQueueCommitted(ctx context.Context, cfg *runtime.Config, gen *logdata.GenerationData, version int64) error {
	done := make(chan error, 1)
	go func() {
		done <- gen.QueueCommittedVersionWatch().WhenAtLeast(ctx, version, gen.StopTrigger())
	}()
	select {
	case err := <-done:
		return classifyWait(err)
	case <-cfg.Clock.After(cfg.WarningTimeoutSeconds):
		cfg.Logger.Warnw("commit queue-commit wait exceeded warning timeout", "version", version)
		return classifyWait(<-done)
	}
}

func classifyWait(err error) error {
	switch err {
	case nil:
		return nil
	case runtime.ErrStopped:
		return New(KindTLogStopped)
	default:
		return New(KindOperationCanceled)
	}
}
