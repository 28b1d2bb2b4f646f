package logdata

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// queueEntryHeaderSize is the size in bytes of QueueEntry's fixed
// header: StorageTeamID(16) + Version(8) + KnownCommittedVersion(8).
const queueEntryHeaderSize = 16 + 8 + 8

// ErrCorruptQueueEntry marks a QueueEntry frame that is too short to
// hold its fixed header; it should be classified as corrupt_log, never
// silently skipped.
var ErrCorruptQueueEntry = errors.New("logdata: queue entry shorter than header")

// QueueEntry is the unit pushed through a generation's FramedQueue:
// one storage team's committed message bytes for one version, plus
// the knownCommittedVersion in effect at commit time. It is the
// on-disk analogue of the teacher's _VALUE_FILE_ENTRY record in
// valuestorefile_GEN_.go (fixed header, variable-length payload,
// trailing valid byte added one layer down by FramedQueue).
type QueueEntry struct {
	StorageTeamID         uuid.UUID
	Version               int64
	KnownCommittedVersion int64
	Messages              []byte
}

// Encode serializes the entry for FramedQueue.Push.
func (e *QueueEntry) Encode() []byte {
	out := make([]byte, queueEntryHeaderSize+len(e.Messages))
	teamBytes, _ := e.StorageTeamID.MarshalBinary()
	copy(out[0:16], teamBytes)
	binary.BigEndian.PutUint64(out[16:24], uint64(e.Version))
	binary.BigEndian.PutUint64(out[24:32], uint64(e.KnownCommittedVersion))
	copy(out[32:], e.Messages)
	return out
}

// DecodeQueueEntry parses a frame previously produced by Encode.
func DecodeQueueEntry(b []byte) (*QueueEntry, error) {
	if len(b) < queueEntryHeaderSize {
		return nil, ErrCorruptQueueEntry
	}
	teamID, err := uuid.FromBytes(b[0:16])
	if err != nil {
		return nil, errors.Wrap(err, "logdata: decode queue entry team id")
	}
	e := &QueueEntry{
		StorageTeamID:         teamID,
		Version:               int64(binary.BigEndian.Uint64(b[16:24])),
		KnownCommittedVersion: int64(binary.BigEndian.Uint64(b[24:32])),
	}
	if len(b) > queueEntryHeaderSize {
		e.Messages = append([]byte(nil), b[queueEntryHeaderSize:]...)
	}
	return e, nil
}
