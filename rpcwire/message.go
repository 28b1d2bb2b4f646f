// Package rpcwire implements the wire framing and message catalogue
// for the external interfaces of spec.md §6: commit, peekMessages,
// popMessages, lock, getQueuingMetrics, confirmRunning, waitFailure,
// recoveryFinished, snapRequest, disablePopRequest, enablePopRequest.
// It generalizes the teacher's msg.go ([1-byte type][3-byte length]
// framing over a raw net.Conn, dispatched through a msgType ->
// msgUnmarshaller map) to a type+length+gob-payload framing big enough
// to carry a full peek response, dispatched through a registered
// MessageType -> handler table instead of the teacher's package-level
// singleton map.
package rpcwire

import "github.com/google/uuid"

// MessageType identifies a frame's payload, taking over the role of
// the teacher's msgType for a far larger set of RPCs.
type MessageType uint8

const (
	MsgCommitRequest MessageType = iota + 1
	MsgCommitReply
	MsgPeekRequest
	MsgPeekReply
	MsgPopRequest
	MsgLockRequest
	MsgLockReply
	MsgQueuingMetricsRequest
	MsgQueuingMetricsReply
	MsgConfirmRunning
	MsgWaitFailure
	MsgRecoveryFinished
	MsgSnapRequest
	MsgDisablePopRequest
	MsgEnablePopRequest
	MsgErrorReply
)

// fileIdentifiers gives every wire type a stable numeric id, the
// counterpart of the source system's Flatbuffers file_identifier
// annotations. The ids are exposed through FileIdentifier only: frames
// carry just the MessageType, and Conn neither writes nor checks an
// identifier.
var fileIdentifiers = map[MessageType]int32{
	MsgCommitRequest:         0x434d5401,
	MsgCommitReply:           0x434d5402,
	MsgPeekRequest:           0x50454b01,
	MsgPeekReply:             0x50454b02,
	MsgPopRequest:            0x504f5001,
	MsgLockRequest:           0x4c434b01,
	MsgLockReply:             0x4c434b02,
	MsgQueuingMetricsRequest: 0x514d5401,
	MsgQueuingMetricsReply:   0x514d5402,
	MsgConfirmRunning:        0x43524e01,
	MsgWaitFailure:           0x57464c01,
	MsgRecoveryFinished:      0x52434f01,
	MsgSnapRequest:           0x534e5001,
	MsgDisablePopRequest:     0x44495001,
	MsgEnablePopRequest:      0x454e5001,
	MsgErrorReply:            0x45525201,
}

// FileIdentifier returns the stable schema id for t, or false if t is
// unknown.
func (t MessageType) FileIdentifier() (int32, bool) {
	id, ok := fileIdentifiers[t]
	return id, ok
}

// CommitRequest is the wire form of tlog.CommitRequest.
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

// CommitReply is the wire form of tlog.CommitReply.
type CommitReply struct {
	DurableKnownCommittedVersion int64
}

// PeekRequest is the wire form of tlog.PeekRequest.
type PeekRequest struct {
	Team            uuid.UUID
	BeginVersion    int64
	ClientID        uuid.UUID
	Sequence        int64
	ReturnIfBlocked bool
}

// PeekMessage is one message within a PeekReply.
type PeekMessage struct {
	Version int64
	Data    []byte
}

// PeekReply is the wire form of logdata.PeekResult.
type PeekReply struct {
	Messages                 []PeekMessage
	EndVersion               int64
	MaxKnownVersion          int64
	MinKnownCommittedVersion int64
}

// PopRequest is the wire form of tlog.PopRequest.
type PopRequest struct {
	Team                         uuid.UUID
	Version                      int64
	DurableKnownCommittedVersion int64
	Tag                          uuid.UUID
}

// LockRequest asks a TLog interface to stop accepting new generations
// and report its current durability point, the handshake a recovering
// master uses before recruiting a replacement generation
// (spec.md §4.8's "isPrimary"/recruitment ordering).
type LockRequest struct {
	RecruitmentID uuid.UUID
}

// LockReply reports the locked generation's durability point.
type LockReply struct {
	KnownCommittedVersion int64
	Locality              string
}

// QueuingMetricsRequest asks for the current queue depth/byte-pressure
// snapshot of a group, used by the cluster controller to decide
// whether to throttle commits or recruit more TLogs.
type QueuingMetricsRequest struct {
	GroupID uuid.UUID
}

// QueuingMetricsReply reports one group's current pressure.
type QueuingMetricsReply struct {
	BytesInput     int64
	BytesDurable   int64
	Version        int64
	DurableVersion int64
}

// ConfirmRunning is a liveness probe sent by the cluster controller;
// the acknowledgement is a MsgConfirmRunning frame carrying the
// serving interface's RecruitmentID.
type ConfirmRunning struct {
	RecruitmentID uuid.UUID
}

// WaitFailure registers interest in being notified once a recruitment
// becomes unreachable. cmd/tlogd registers no handler for it, so a
// WaitFailure frame is skipped and never answered.
type WaitFailure struct {
	RecruitmentID uuid.UUID
}

// RecoveryFinished tells a TLog group it may stop retaining data only
// needed for a recovery attempt that has now completed.
type RecoveryFinished struct {
	GroupID uuid.UUID
	Version int64
}

// SnapRequest asks every group to pause popping (see
// DisablePopRequest) long enough for a consistent snapshot/backup to
// be taken across the cluster.
type SnapRequest struct {
	SnapUID uuid.UUID
}

// DisablePopRequest suppresses PopController.apply until a matching
// EnablePopRequest, per spec.md §4.6's ignorePopRequest mode.
type DisablePopRequest struct {
	GroupID uuid.UUID
}

// EnablePopRequest clears DisablePopRequest's suppression and replays
// any pops queued while it was active.
type EnablePopRequest struct {
	GroupID uuid.UUID
}

// ErrorReply is sent in place of the expected reply type when a
// handler fails; Kind mirrors tlog.Kind's string values so a remote
// peer can classify the failure without importing the tlog package.
type ErrorReply struct {
	Kind    string
	Message string
}
