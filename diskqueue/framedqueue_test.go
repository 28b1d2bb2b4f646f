package diskqueue

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestFramedQueuePushCommitRecover(t *testing.T) {
	dq := newTestQueue(t, 4096)
	fq := NewFramedQueue(dq)
	start, _, err := fq.Push([]byte("v10"))
	require.NoError(t, err)
	_, _, err = fq.Push([]byte("v20"))
	require.NoError(t, err)
	require.NoError(t, fq.Commit())

	records, end, err := Recover(fq, start)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("v10"), []byte("v20")}, records)
	require.Equal(t, fq.CommittedLocation(), end)
}

// TestCrashMidRecordIsInvisible exercises scenario S4: a frame for
// v=30 is torn (its valid byte never lands on disk). Recovery must
// yield v=10 and v=20 only, and the queue must accept new pushes
// cleanly afterward.
func TestCrashMidRecordIsInvisible(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := Config{Fs: fs, Dir: "/q", Prefix: "t-", SegmentSize: 4096}
	dq, err := Open(cfg)
	require.NoError(t, err)
	fq := NewFramedQueue(dq)

	start, _, err := fq.Push([]byte("v10"))
	require.NoError(t, err)
	_, mid, err := fq.Push([]byte("v20"))
	require.NoError(t, err)
	require.NoError(t, fq.Commit())
	committedBeforeTear := dq.CommittedLocation()
	require.Equal(t, mid, committedBeforeTear)

	// Simulate a torn write: push v=30's frame but sever its valid byte
	// by truncating the physical file one byte short, then re-commit
	// without ever writing that final byte.
	_, full, err := fq.Push([]byte("v30"))
	require.NoError(t, err)
	require.NoError(t, dq.TruncateTo(Location(int64(full)-1)))
	require.NoError(t, dq.Commit())

	records, endLoc, err := Recover(fq, start)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("v10"), []byte("v20")}, records)
	require.Equal(t, mid, endLoc)

	require.NoError(t, dq.TruncateTo(endLoc))
	_, _, err = fq.Push([]byte("v40"))
	require.NoError(t, err)
	require.NoError(t, fq.Commit())

	records, _, err = Recover(fq, start)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("v10"), []byte("v20"), []byte("v40")}, records)
}

func TestRecoverEmptyQueue(t *testing.T) {
	dq := newTestQueue(t, 4096)
	fq := NewFramedQueue(dq)
	records, end, err := Recover(fq, 0)
	require.NoError(t, err)
	require.Nil(t, records)
	require.Equal(t, Location(0), end)
}
