package logdata

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jzhou77/partlog/diskqueue"
	"github.com/jzhou77/partlog/kvstore"
	"github.com/jzhou77/partlog/runtime"
)

func newTestGeneration(t *testing.T, spillType runtime.SpillType) (*GenerationData, uuid.UUID) {
	t.Helper()
	logger := zap.NewNop().Sugar()
	cfg := &runtime.Config{
		SpillType:           spillType,
		DefaultBlockBytes:   4096,
		MaxMessageSize:      1 << 20,
		SpillThresholdBytes: 1,
		PeekMemoryBytes:     1 << 20,
		Logger:              logger,
	}
	dq, err := diskqueue.Open(diskqueue.Config{
		Fs:          afero.NewMemMapFs(),
		Dir:         "/tlog",
		Prefix:      "q",
		SegmentSize: 1 << 16,
	})
	require.NoError(t, err)
	t.Cleanup(func() { dq.Close() })
	fq := diskqueue.NewFramedQueue(dq)

	kv, err := kvstore.OpenBoltStore(t.TempDir() + "/tlog.bolt")
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	logID := uuid.New()
	return New(cfg, logID, kv, fq), logID
}

func TestCommitMessagesOrderingInvariant(t *testing.T) {
	gd, _ := newTestGeneration(t, runtime.SpillValue)
	team := uuid.New()

	require.NoError(t, gd.CommitMessages(team, 10, []byte("a")))
	require.NoError(t, gd.CommitMessages(team, 20, []byte("b")))
	require.NoError(t, gd.CommitMessages(team, 30, []byte("c")))
	gd.AdvanceVersion(30)

	entries := gd.teamIndex(team).Peek(0, 30)
	require.Len(t, entries, 3)
	require.Equal(t, []int64{10, 20, 30}, []int64{entries[0].ref.Version, entries[1].ref.Version, entries[2].ref.Version})

	err := gd.CommitMessages(team, 20, []byte("dup"))
	require.Error(t, err, "committing a version at or behind the tail must fail")
}

func TestEmptyCommitIsANoOp(t *testing.T) {
	gd, _ := newTestGeneration(t, runtime.SpillValue)
	team := uuid.New()
	require.NoError(t, gd.CommitMessages(team, 10, nil))
	require.True(t, gd.teamIndex(team).IsEmpty())
}

func TestSpillByValueThenPeekReadsFromKV(t *testing.T) {
	gd, _ := newTestGeneration(t, runtime.SpillValue)
	ctx := context.Background()
	team := uuid.New()

	require.NoError(t, gd.CommitMessages(team, 10, []byte("hello")))
	gd.AdvanceVersion(10)

	n, err := gd.SpillOnce(ctx, team, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, gd.teamIndex(team).IsEmpty(), "spilled entry must leave the in-memory deque")

	result, err := gd.Peek(ctx, team, 0, false)
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	require.Equal(t, int64(10), result.Messages[0].Version)
	require.Equal(t, []byte("hello"), result.Messages[0].Data)
}

func TestSpillByReferenceThenPeekReadsFromFramedQueue(t *testing.T) {
	gd, _ := newTestGeneration(t, runtime.SpillReference)
	ctx := context.Background()
	team := uuid.New()

	require.NoError(t, gd.CommitMessages(team, 10, []byte("ref-me")))
	_, _, err := gd.PushQueueEntry(team, 10, []byte("ref-me"))
	require.NoError(t, err)
	require.NoError(t, gd.fq.Commit())
	gd.AdvanceVersion(10)

	n, err := gd.SpillOnce(ctx, team, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	result, err := gd.Peek(ctx, team, 0, false)
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	require.Equal(t, []byte("ref-me"), result.Messages[0].Data)
}

func TestSpillByReferenceWithoutLocationDoesNotSpill(t *testing.T) {
	gd, _ := newTestGeneration(t, runtime.SpillReference)
	ctx := context.Background()
	team := uuid.New()

	require.NoError(t, gd.CommitMessages(team, 10, []byte("no-location-yet")))
	gd.AdvanceVersion(10)

	n, err := gd.SpillOnce(ctx, team, 10)
	require.NoError(t, err)
	require.Equal(t, 0, n, "a message with no durable queue location must not be spilled by reference")
	require.False(t, gd.teamIndex(team).IsEmpty())
}

func TestTxsTeamAlwaysSpillsByValue(t *testing.T) {
	gd, _ := newTestGeneration(t, runtime.SpillReference)
	ctx := context.Background()

	require.NoError(t, gd.CommitMessages(TxsTeam, 10, []byte("txs-state")))
	gd.AdvanceVersion(10)

	n, err := gd.SpillOnce(ctx, TxsTeam, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	result, err := gd.Peek(ctx, TxsTeam, 0, false)
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	require.Equal(t, []byte("txs-state"), result.Messages[0].Data)
}

func TestPopThroughRemovesFromMemoryAndSpill(t *testing.T) {
	gd, logID := newTestGeneration(t, runtime.SpillValue)
	ctx := context.Background()
	team := uuid.New()

	require.NoError(t, gd.CommitMessages(team, 10, []byte("a")))
	require.NoError(t, gd.CommitMessages(team, 20, []byte("b")))
	gd.AdvanceVersion(20)

	_, err := gd.SpillOnce(ctx, team, 1) // spill only version 10
	require.NoError(t, err)

	require.NoError(t, gd.PopThrough(ctx, team, 20))

	require.True(t, gd.teamIndex(team).IsEmpty())
	require.Equal(t, int64(20), gd.PoppedThrough(team))

	kvs, err := gd.kv.ReadRange(ctx, kvstore.TagMsgRangePrefix(logID, team), kvstore.VersionAfterPrefix(kvstore.TagMsgRangePrefix(logID, team), 1<<40))
	require.NoError(t, err)
	require.Empty(t, kvs, "popped versions must be cleared from the spill store too")
}

func TestPeekReturnIfBlockedWhenNothingAvailable(t *testing.T) {
	gd, _ := newTestGeneration(t, runtime.SpillValue)
	ctx := context.Background()
	team := uuid.New()

	result, err := gd.Peek(ctx, team, 5, true)
	require.NoError(t, err)
	require.Empty(t, result.Messages)
	require.Equal(t, int64(5), result.EndVersion)
}

// TestSpillByReferenceLocationStaysPinnedUntilPopped guards against a
// reference-spilled version's disk location being forgotten once it
// leaves the in-memory deque: the location must still be reported as
// required until an actual pop retires that version, or the shared
// DiskQueue could reclaim bytes a TagMsgRef entry still points at.
func TestSpillByReferenceLocationStaysPinnedUntilPopped(t *testing.T) {
	gd, _ := newTestGeneration(t, runtime.SpillReference)
	ctx := context.Background()
	team := uuid.New()

	require.NoError(t, gd.CommitMessages(team, 10, []byte("ref-me")))
	start, _, err := gd.PushQueueEntry(team, 10, []byte("ref-me"))
	require.NoError(t, err)
	require.NoError(t, gd.fq.Commit())
	gd.AdvanceVersion(10)

	n, err := gd.SpillOnce(ctx, team, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	loc, ok := gd.OldestRequiredLocation()
	require.True(t, ok, "a reference-spilled, unpopped version must still pin a location")
	require.Equal(t, int64(start), loc)

	require.NoError(t, gd.PopThrough(ctx, team, 10))
	_, ok = gd.OldestRequiredLocation()
	require.False(t, ok, "once popped, the reference-spilled version's location must no longer be pinned")
}

func TestBytesPendingSpillTracksInputVsDurable(t *testing.T) {
	gd, _ := newTestGeneration(t, runtime.SpillValue)
	ctx := context.Background()
	team := uuid.New()

	require.NoError(t, gd.CommitMessages(team, 10, []byte("12345")))
	require.Equal(t, uint64(5), gd.BytesPendingSpill())

	gd.AdvanceVersion(10)
	_, err := gd.SpillOnce(ctx, team, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(0), gd.BytesPendingSpill())
}
