package tlog

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jzhou77/partlog/runtime"
)

func newTestConfig() *runtime.Config {
	return &runtime.Config{
		SpillType:             runtime.SpillValue,
		DefaultBlockBytes:     4096,
		MaxMessageSize:        1 << 20,
		SpillThresholdBytes:   1,
		HardLimitBytes:        1 << 30,
		MaxQueueCommitBytes:   1 << 20,
		PeekMemoryBytes:       1 << 20,
		TLogMaxCreateDuration: time.Second,
		WarningTimeoutSeconds: 50 * time.Millisecond,
		Logger:                zap.NewNop().Sugar(),
		Clock:                 runtime.RealClock{},
	}
}

func newTestServer(t *testing.T) *ServerData {
	t.Helper()
	return NewServerData(newTestConfig(), afero.NewOsFs(), t.TempDir())
}

// recruit is the single-group, single-team S1 recruitment shared by
// these tests.
func recruit(t *testing.T, s *ServerData, team uuid.UUID) *Interface {
	t.Helper()
	ctx := context.Background()
	iface, err := s.InitializeTLog(ctx, InitializeRequest{
		Epoch: 1,
		Groups: []GroupTeams{
			{GroupID: uuid.New(), Teams: []uuid.UUID{team}},
		},
		SpillType:     runtime.SpillValue,
		Locality:      "test",
		IsPrimary:     true,
		RecruitmentID: uuid.New(),
	})
	require.NoError(t, err)
	return iface
}

// TestSingleGenerationCommitThenPeek exercises scenario S1: a fresh
// generation accepts a commit and a subsequent peek observes it.
func TestSingleGenerationCommitThenPeek(t *testing.T) {
	s := newTestServer(t)
	team := uuid.New()
	iface := recruit(t, s, team)

	ctx := context.Background()
	reply, err := iface.Commit(ctx, CommitRequest{
		StorageTeamID:         team,
		Messages:              []byte("hello"),
		PrevVersion:           0,
		Version:               10,
		KnownCommittedVersion: 10,
	})
	require.NoError(t, err)
	require.Equal(t, int64(10), reply.DurableKnownCommittedVersion)

	result, err := iface.Peek(ctx, PeekRequest{Team: team, BeginVersion: 0})
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	require.Equal(t, int64(10), result.Messages[0].Version)
	require.Equal(t, []byte("hello"), result.Messages[0].Data)
}

// TestDuplicateCommitIsIdempotent exercises scenario S2: resubmitting a
// commit whose prevVersion has already been consumed must not re-apply
// it, returning the already-durable reply instead.
func TestDuplicateCommitIsIdempotent(t *testing.T) {
	s := newTestServer(t)
	team := uuid.New()
	iface := recruit(t, s, team)
	ctx := context.Background()

	req := CommitRequest{
		StorageTeamID:         team,
		Messages:              []byte("hello"),
		PrevVersion:           0,
		Version:               10,
		KnownCommittedVersion: 10,
	}
	first, err := iface.Commit(ctx, req)
	require.NoError(t, err)

	second, err := iface.Commit(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first.DurableKnownCommittedVersion, second.DurableKnownCommittedVersion)

	result, err := iface.Peek(ctx, PeekRequest{Team: team, BeginVersion: 0})
	require.NoError(t, err)
	require.Len(t, result.Messages, 1, "a duplicate commit must not double-apply its messages")
}

// TestCommitAfterStopFails exercises scenario S3: once a group's
// active generation is stopped, a commit routed to it fails with
// tlog_stopped rather than hanging or silently dropping the write.
func TestCommitAfterStopFails(t *testing.T) {
	s := newTestServer(t)
	team := uuid.New()
	iface := recruit(t, s, team)
	ctx := context.Background()

	groupID := s.teamToGroup[team]
	grp := s.groups[groupID]
	grp.StopActive()

	_, err := iface.Commit(ctx, CommitRequest{
		StorageTeamID: team,
		PrevVersion:   0,
		Version:       10,
	})
	require.Error(t, err)
	require.True(t, IsKind(err, KindTLogStopped))
}

// TestCommitUnknownTeamReturnsGroupNotFound covers invariant 6: a
// commit for a team this server was never recruited to serve must
// fail identifiably rather than being silently accepted or panicking.
func TestCommitUnknownTeamReturnsGroupNotFound(t *testing.T) {
	s := newTestServer(t)
	_ = recruit(t, s, uuid.New())
	ctx := context.Background()

	_, err := s.commit(ctx, CommitRequest{StorageTeamID: uuid.New(), PrevVersion: 0, Version: 1})
	require.Error(t, err)
	require.True(t, IsKind(err, KindGroupNotFound))
}

// TestInitializeTLogDedupsByRecruitmentID covers invariant 3's
// recruitment idempotency: calling InitializeTLog twice with the same
// RecruitmentID must return the same Interface rather than recruiting
// a second generation.
func TestInitializeTLogDedupsByRecruitmentID(t *testing.T) {
	s := newTestServer(t)
	groupID := uuid.New()
	team := uuid.New()
	req := InitializeRequest{
		Epoch:         1,
		Groups:        []GroupTeams{{GroupID: groupID, Teams: []uuid.UUID{team}}},
		SpillType:     runtime.SpillValue,
		RecruitmentID: uuid.New(),
	}

	ctx := context.Background()
	first, err := s.InitializeTLog(ctx, req)
	require.NoError(t, err)
	second, err := s.InitializeTLog(ctx, req)
	require.NoError(t, err)
	require.Same(t, first, second)
}

// TestStopAllStopsEveryGroup covers invariant 2 (worker_removed must
// cascade to every group this server hosts, not just one).
func TestStopAllStopsEveryGroup(t *testing.T) {
	s := newTestServer(t)
	teamA, teamB := uuid.New(), uuid.New()
	ctx := context.Background()
	_, err := s.InitializeTLog(ctx, InitializeRequest{
		Epoch: 1,
		Groups: []GroupTeams{
			{GroupID: uuid.New(), Teams: []uuid.UUID{teamA}},
			{GroupID: uuid.New(), Teams: []uuid.UUID{teamB}},
		},
		SpillType:     runtime.SpillValue,
		RecruitmentID: uuid.New(),
	})
	require.NoError(t, err)

	s.StopAll()

	for _, grp := range s.groups {
		_, ok := grp.ActiveGeneration()
		require.False(t, ok, "StopAll must stop every group's active generation")
	}
}
