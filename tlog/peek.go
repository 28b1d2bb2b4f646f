package tlog

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/jzhou77/partlog/logdata"
)

// ErrStaleSequence marks a peek request whose (clientID, sequence)
// pair is not strictly greater than one already served for that
// client. Such requests are not served: Peek returns this error (kind
// operation_cancelled) in place of a result.
var ErrStaleSequence = New(KindOperationCanceled)

// sequenceTracker enforces that a single peek consumer's requests are
// strictly increasing in sequence number.
type sequenceTracker struct {
	mu   sync.Mutex
	last map[uuid.UUID]int64
}

func newSequenceTracker() *sequenceTracker {
	return &sequenceTracker{last: make(map[uuid.UUID]int64)}
}

// accept reports whether sequence is acceptable for clientID (strictly
// greater than the last accepted sequence for that client) and, if so,
// records it.
func (s *sequenceTracker) accept(clientID uuid.UUID, sequence int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.last[clientID]; ok && sequence <= last {
		return false
	}
	s.last[clientID] = sequence
	return true
}

// PeekRequest is the input to the peek handler.
type PeekRequest struct {
	Team            uuid.UUID
	BeginVersion    int64
	ClientID        uuid.UUID
	Sequence        int64
	ReturnIfBlocked bool
}

// Peek serves spec.md §4.3/§4.6's peek operation against gen, enforcing
// per-client monotonic request sequencing via tracker.
func Peek(ctx context.Context, tracker *sequenceTracker, gen *logdata.GenerationData, req PeekRequest) (*logdata.PeekResult, error) {
	if req.ClientID != uuid.Nil && !tracker.accept(req.ClientID, req.Sequence) {
		return nil, ErrStaleSequence
	}
	return gen.Peek(ctx, req.Team, req.BeginVersion, req.ReturnIfBlocked)
}

// PeekController owns the sequence tracker for one group's peek
// traffic; ServerData keeps one per group and replaces it each time a
// new generation is recruited for that group.
type PeekController struct {
	tracker *sequenceTracker
}

// NewPeekController returns a PeekController ready to serve peeks.
func NewPeekController() *PeekController {
	return &PeekController{tracker: newSequenceTracker()}
}

// Peek serves req against gen.
func (p *PeekController) Peek(ctx context.Context, gen *logdata.GenerationData, req PeekRequest) (*logdata.PeekResult, error) {
	return Peek(ctx, p.tracker, gen, req)
}
