package tlog

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/jzhou77/partlog/group"
)

// PopRequest is the input to the pop handler, spec.md §4.6.
type PopRequest struct {
	Team                         uuid.UUID
	Version                      int64
	DurableKnownCommittedVersion int64
	Tag                          uuid.UUID
}

// PopController applies pop requests against one group, and
// supports the "ignorePopRequest" snapshot-backup mode (spec.md §4.6):
// while active, pops are queued in toBePopped instead of applied, and
// replayed once the mode is cleared. A pop for team T applies to every
// generation currently registered with the group, since
// Version numbering is global across a group's generations and a
// single pop request may cover versions spanning an epoch boundary
// (spec.md scenario S5).
type PopController struct {
	mu            sync.Mutex
	grp           *group.GroupData
	ignorePopping bool
	toBePopped    []PopRequest
}

// NewPopController returns a PopController applying pops to grp.
func NewPopController(grp *group.GroupData) *PopController {
	return &PopController{grp: grp}
}

// Pop applies (or, while ignoring, queues) req across every generation
// of the controller's group.
func (p *PopController) Pop(ctx context.Context, req PopRequest) error {
	p.mu.Lock()
	if p.ignorePopping {
		p.toBePopped = append(p.toBePopped, req)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.apply(ctx, req)
}

func (p *PopController) apply(ctx context.Context, req PopRequest) error {
	for _, gen := range p.grp.Generations() {
		if err := gen.PopThrough(ctx, req.Team, req.Version); err != nil {
			return Wrap(KindIODegraded, err, "commit pop")
		}
	}
	p.grp.AdvancePop()
	return nil
}

// SetIgnorePopRequest toggles snapshot-backup pop suppression. Clearing
// it (passing false) replays every queued pop in the order it was
// received.
func (p *PopController) SetIgnorePopRequest(ctx context.Context, ignore bool) error {
	p.mu.Lock()
	p.ignorePopping = ignore
	var queued []PopRequest
	if !ignore {
		queued = p.toBePopped
		p.toBePopped = nil
	}
	p.mu.Unlock()
	for _, req := range queued {
		if err := p.apply(ctx, req); err != nil {
			return err
		}
	}
	return nil
}
