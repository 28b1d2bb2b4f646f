package group

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jzhou77/partlog/diskqueue"
	"github.com/jzhou77/partlog/kvstore"
	"github.com/jzhou77/partlog/logdata"
	"github.com/jzhou77/partlog/runtime"
)

func newTestGroup(t *testing.T) *GroupData {
	t.Helper()
	cfg := &runtime.Config{
		SpillType:           runtime.SpillValue,
		DefaultBlockBytes:   4096,
		MaxMessageSize:      1 << 20,
		SpillThresholdBytes: 1,
		PeekMemoryBytes:     1 << 20,
		MaxQueueCommitBytes: 1 << 20,
		Logger:              zap.NewNop().Sugar(),
		Clock:               runtime.RealClock{},
	}
	dq, err := diskqueue.Open(diskqueue.Config{
		Fs:          afero.NewMemMapFs(),
		Dir:         "/tlog",
		Prefix:      "q",
		SegmentSize: 1 << 16,
	})
	require.NoError(t, err)
	t.Cleanup(func() { dq.Close() })
	kv, err := kvstore.OpenBoltStore(t.TempDir() + "/tlog.bolt")
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return New(cfg, uuid.New(), kv, dq)
}

func commitOne(t *testing.T, g *GroupData, gen *logdata.GenerationData, team uuid.UUID, version int64, data []byte) {
	t.Helper()
	require.NoError(t, gen.CommitMessages(team, version, data))
	_, _, err := gen.PushQueueEntry(team, version, data)
	require.NoError(t, err)
	g.AddPendingCommitBytes(len(data))
	gen.AdvanceVersion(version)
}

func TestAddGenerationStopsPreviousActive(t *testing.T) {
	g := newTestGroup(t)
	cfg := &runtime.Config{DefaultBlockBytes: 4096, MaxMessageSize: 1 << 20, PeekMemoryBytes: 1 << 20, SpillType: runtime.SpillValue, Logger: zap.NewNop().Sugar()}
	genA := logdata.New(cfg, uuid.New(), g.KeyValueStore(), g.FramedQueue())
	genB := logdata.New(cfg, uuid.New(), g.KeyValueStore(), g.FramedQueue())

	g.AddGeneration(uuid.New(), genA)
	require.False(t, genA.Stopped())

	g.AddGeneration(uuid.New(), genB)
	require.True(t, genA.Stopped(), "recruiting a new generation must stop the previous active one")
	require.False(t, genB.Stopped())

	active, ok := g.ActiveGeneration()
	require.True(t, ok)
	require.Same(t, genB, active)
}

func TestCommitQueueFlushesAndAdvancesQueueCommitted(t *testing.T) {
	g := newTestGroup(t)
	cfg := &runtime.Config{DefaultBlockBytes: 4096, MaxMessageSize: 1 << 20, PeekMemoryBytes: 1 << 20, SpillType: runtime.SpillValue, Logger: zap.NewNop().Sugar()}
	gen := logdata.New(cfg, uuid.New(), g.KeyValueStore(), g.FramedQueue())
	team := uuid.New()
	logID := uuid.New()
	g.AddGeneration(logID, gen)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.RunCommitQueue(ctx) }()

	commitOne(t, g, gen, team, 10, []byte("a"))

	require.Eventually(t, func() bool {
		return gen.QueueCommittedVersion() >= 10
	}, time.Second, time.Millisecond, "commitQueue should flush and advance queueCommittedVersion")

	cancel()
	<-done
}

func TestRunSpillerDrainsBytesPendingSpillOnceOverThreshold(t *testing.T) {
	g := newTestGroup(t)
	cfg := &runtime.Config{DefaultBlockBytes: 4096, MaxMessageSize: 1 << 20, PeekMemoryBytes: 1 << 20, SpillType: runtime.SpillValue, SpillThresholdBytes: 1, Logger: zap.NewNop().Sugar(), Clock: runtime.RealClock{}}
	gen := logdata.New(cfg, uuid.New(), g.KeyValueStore(), g.FramedQueue())
	team := uuid.New()
	g.AddGeneration(uuid.New(), gen)

	commitOne(t, g, gen, team, 10, []byte("over-threshold"))
	require.True(t, gen.BytesPendingSpill() >= cfg.SpillThresholdBytes)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.RunSpiller(ctx) }()

	require.Eventually(t, func() bool {
		return gen.BytesPendingSpill() == 0
	}, time.Second, time.Millisecond, "RunSpiller should drain pending-spill bytes once over threshold")

	cancel()
	<-done
}

func TestMissingFinalCommitForcedOnStoppedGeneration(t *testing.T) {
	g := newTestGroup(t)
	cfg := &runtime.Config{DefaultBlockBytes: 4096, MaxMessageSize: 1 << 20, PeekMemoryBytes: 1 << 20, SpillType: runtime.SpillValue, Logger: zap.NewNop().Sugar()}
	genA := logdata.New(cfg, uuid.New(), g.KeyValueStore(), g.FramedQueue())
	team := uuid.New()
	g.AddGeneration(uuid.New(), genA)

	commitOne(t, g, genA, team, 10, []byte("a"))
	require.Equal(t, int64(0), genA.QueueCommittedVersion())

	genB := logdata.New(cfg, uuid.New(), g.KeyValueStore(), g.FramedQueue())
	g.AddGeneration(uuid.New(), genB) // stops genA with its v=10 commit never flushed

	require.NoError(t, g.Flush(context.Background()))
	require.Equal(t, int64(10), genA.QueueCommittedVersion(), "a stopped generation's trailing write must still land once the shared queue is flushed")
}

func TestAdvancePopRespectsOldestGeneration(t *testing.T) {
	g := newTestGroup(t)
	cfg := &runtime.Config{DefaultBlockBytes: 4096, MaxMessageSize: 1 << 20, PeekMemoryBytes: 1 << 20, SpillType: runtime.SpillValue, Logger: zap.NewNop().Sugar()}
	genA := logdata.New(cfg, uuid.New(), g.KeyValueStore(), g.FramedQueue())
	team := uuid.New()
	g.AddGeneration(uuid.New(), genA)

	commitOne(t, g, genA, team, 10, []byte("a"))
	commitOne(t, g, genA, team, 20, []byte("b"))
	require.NoError(t, g.Flush(context.Background()))

	require.NoError(t, genA.PopThrough(context.Background(), team, 10)) // v=20 still undrained

	genB := logdata.New(cfg, uuid.New(), g.KeyValueStore(), g.FramedQueue())
	g.AddGeneration(uuid.New(), genB)
	commitOne(t, g, genB, team, 30, []byte("c"))
	require.NoError(t, g.Flush(context.Background()))

	before := g.fq.PoppedLocation()
	g.AdvancePop()
	after := g.fq.PoppedLocation()
	require.GreaterOrEqual(t, after, before)

	locA, pinnedA := genA.OldestRequiredLocation()
	require.True(t, pinnedA)
	require.LessOrEqual(t, after, locA, "pop must not advance past what generation A's oldest undrained version still needs")
}
