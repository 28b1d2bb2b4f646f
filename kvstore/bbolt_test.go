package kvstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tlog.bolt")
	s, err := OpenBoltStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetCommitReadValue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	logID := uuid.New()
	s.Set(VersionKey(logID), []byte{0, 0, 0, 0, 0, 0, 0, 42})
	_, found, err := s.ReadValue(ctx, VersionKey(logID))
	require.NoError(t, err)
	require.False(t, found, "uncommitted Set must not be visible")

	require.NoError(t, s.Commit(ctx))
	value, found, err := s.ReadValue(ctx, VersionKey(logID))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 42}, value)
}

func TestReadRangeOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	logID, tag := uuid.New(), uuid.New()
	for _, v := range []int64{30, 10, 20} {
		s.Set(TagMsgKey(logID, tag, v), []byte{byte(v)})
	}
	require.NoError(t, s.Commit(ctx))

	kvs, err := s.ReadRange(ctx, TagMsgRangePrefix(logID, tag), VersionAfterPrefix(TagMsgRangePrefix(logID, tag), 1<<62))
	require.NoError(t, err)
	require.Len(t, kvs, 3)
	require.Equal(t, []byte{10}, kvs[0].Value)
	require.Equal(t, []byte{20}, kvs[1].Value)
	require.Equal(t, []byte{30}, kvs[2].Value)
}

func TestClearRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	logID, tag := uuid.New(), uuid.New()
	for _, v := range []int64{10, 20, 30} {
		s.Set(TagMsgKey(logID, tag, v), []byte{byte(v)})
	}
	require.NoError(t, s.Commit(ctx))

	s.Clear(TagMsgRangePrefix(logID, tag), TagMsgKey(logID, tag, 21))
	require.NoError(t, s.Commit(ctx))

	kvs, err := s.ReadRange(ctx, TagMsgRangePrefix(logID, tag), VersionAfterPrefix(TagMsgRangePrefix(logID, tag), 1<<62))
	require.NoError(t, err)
	require.Len(t, kvs, 1)
	require.Equal(t, []byte{30}, kvs[0].Value)
}
