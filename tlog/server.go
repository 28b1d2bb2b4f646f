package tlog

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/jzhou77/partlog/diskqueue"
	"github.com/jzhou77/partlog/group"
	"github.com/jzhou77/partlog/kvstore"
	"github.com/jzhou77/partlog/logdata"
	"github.com/jzhou77/partlog/runtime"
)

// currentProtocolVersion is the value persisted under
// kvstore.ProtocolVersionKey for every generation this build creates.
const currentProtocolVersion = 1

// defaultSegmentSize is the DiskQueue segment size used for every
// group this ServerData creates, absent a more specific per-group
// knob in spec.md's configuration surface.
const defaultSegmentSize = 64 << 20

// GroupTeams assigns a set of storage teams to a TLog group for one
// InitializeTLog call.
type GroupTeams struct {
	GroupID uuid.UUID
	Teams   []uuid.UUID
}

// InitializeRequest is ServerData's recruitment input, spec.md §4.8.
type InitializeRequest struct {
	Epoch         int64
	Groups        []GroupTeams
	SpillType     runtime.SpillType
	Locality      string
	IsPrimary     bool
	RecruitmentID uuid.UUID
}

// ServerData is a TLog process: a map of groups, the routing table
// from storage team to group, and the recruitment/liveness machinery
// of spec.md §4.8. It plays the role the teacher's brimstore-valuesstore
// main.go plays for a single ValuesStore instance, generalized from
// "one store process" to "one process hosting many groups."
type ServerData struct {
	cfg *runtime.Config
	fs  afero.Fs
	dir string

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	groups          map[uuid.UUID]*group.GroupData
	teamToGroup     map[uuid.UUID]uuid.UUID
	peekControllers map[uuid.UUID]*PeekController
	popControllers  map[uuid.UUID]*PopController
	recruitments    map[uuid.UUID]*Interface
	removed         bool
}

// NewServerData creates an empty ServerData persisting every group's
// DiskQueue under fs/dir and its KeyValueStore alongside it.
func NewServerData(cfg *runtime.Config, fs afero.Fs, dir string) *ServerData {
	ctx, cancel := context.WithCancel(context.Background())
	return &ServerData{
		cfg:             cfg,
		fs:              fs,
		dir:             dir,
		ctx:             ctx,
		cancel:          cancel,
		groups:          make(map[uuid.UUID]*group.GroupData),
		teamToGroup:     make(map[uuid.UUID]uuid.UUID),
		peekControllers: make(map[uuid.UUID]*PeekController),
		popControllers:  make(map[uuid.UUID]*PopController),
		recruitments:    make(map[uuid.UUID]*Interface),
	}
}

// Interface is the constructed TLog endpoint set handed back to a
// recruiter by InitializeTLog, spec.md §4.8's "TLog interface".
type Interface struct {
	RecruitmentID uuid.UUID
	GroupIDs      []uuid.UUID
	server        *ServerData
}

// Commit dispatches req to the group owning req.StorageTeamID.
func (i *Interface) Commit(ctx context.Context, req CommitRequest) (CommitReply, error) {
	return i.server.commit(ctx, req)
}

// Peek dispatches req to the group owning req.Team.
func (i *Interface) Peek(ctx context.Context, req PeekRequest) (*logdata.PeekResult, error) {
	return i.server.peek(ctx, req)
}

// Pop dispatches req to the group owning req.Team.
func (i *Interface) Pop(ctx context.Context, req PopRequest) error {
	return i.server.pop(ctx, req)
}

// SetIgnorePopRequest toggles pop suppression for every group this
// interface was recruited over (used around snapshot-based backups).
func (i *Interface) SetIgnorePopRequest(ctx context.Context, ignore bool) error {
	i.server.mu.Lock()
	controllers := make([]*PopController, 0, len(i.GroupIDs))
	for _, groupID := range i.GroupIDs {
		if pc, ok := i.server.popControllers[groupID]; ok {
			controllers = append(controllers, pc)
		}
	}
	i.server.mu.Unlock()
	for _, pc := range controllers {
		if err := pc.SetIgnorePopRequest(ctx, ignore); err != nil {
			return err
		}
	}
	return nil
}

// InitializeTLog recruits (or, if RecruitmentID has already been seen,
// returns the existing) TLog interface for the given groups.
func (s *ServerData) InitializeTLog(ctx context.Context, req InitializeRequest) (*Interface, error) {
	s.mu.Lock()
	if iface, ok := s.recruitments[req.RecruitmentID]; ok {
		s.mu.Unlock()
		return iface, nil
	}
	s.mu.Unlock()

	createCtx, cancel := context.WithTimeout(ctx, s.cfg.TLogMaxCreateDuration)
	defer cancel()
	eg, _ := errgroup.WithContext(createCtx)

	var mu sync.Mutex
	groups := make(map[uuid.UUID]*group.GroupData, len(req.Groups))
	for _, gt := range req.Groups {
		gt := gt
		eg.Go(func() error {
			grp, err := s.ensureGroup(gt.GroupID)
			if err != nil {
				return Wrap(KindRecruitmentFailed, err, "ensure group")
			}
			mu.Lock()
			groups[gt.GroupID] = grp
			mu.Unlock()
			return nil
		})
	}
	waitErr := make(chan error, 1)
	go func() { waitErr <- eg.Wait() }()
	select {
	case err := <-waitErr:
		if err != nil {
			return nil, err
		}
	case <-createCtx.Done():
		return nil, Wrap(KindIOTimeout, createCtx.Err(), "create groups")
	}

	logID := uuid.New()
	groupIDs := make([]uuid.UUID, 0, len(req.Groups))
	for _, gt := range req.Groups {
		grp := groups[gt.GroupID]
		gen := logdata.New(s.cfg, logID, grp.KeyValueStore(), grp.FramedQueue())
		if err := s.initPersistentState(ctx, gen, req); err != nil {
			return nil, Wrap(KindRecruitmentFailed, err, "init persistent state")
		}
		grp.AddGeneration(logID, gen)

		s.mu.Lock()
		for _, team := range gt.Teams {
			s.teamToGroup[team] = gt.GroupID
		}
		s.groups[gt.GroupID] = grp
		s.peekControllers[gt.GroupID] = NewPeekController()
		s.popControllers[gt.GroupID] = NewPopController(grp)
		s.mu.Unlock()

		go grp.RunCommitQueue(s.ctx)
		go grp.RunSpiller(s.ctx)
		groupIDs = append(groupIDs, gt.GroupID)
	}

	iface := &Interface{RecruitmentID: req.RecruitmentID, GroupIDs: groupIDs, server: s}
	s.mu.Lock()
	s.recruitments[req.RecruitmentID] = iface
	s.mu.Unlock()
	return iface, nil
}

func (s *ServerData) ensureGroup(groupID uuid.UUID) (*group.GroupData, error) {
	s.mu.Lock()
	if grp, ok := s.groups[groupID]; ok {
		s.mu.Unlock()
		return grp, nil
	}
	s.mu.Unlock()

	groupDir := filepath.Join(s.dir, groupID.String())
	dq, err := diskqueue.Open(diskqueue.Config{
		Fs:          s.fs,
		Dir:         filepath.Join(groupDir, "queue"),
		Prefix:      "q",
		SegmentSize: defaultSegmentSize,
	})
	if err != nil {
		return nil, err
	}
	kv, err := kvstore.OpenBoltStore(filepath.Join(groupDir, "tlog.bolt"))
	if err != nil {
		dq.Close()
		return nil, err
	}
	return group.New(s.cfg, groupID, kv, dq), nil
}

func (s *ServerData) initPersistentState(ctx context.Context, gen *logdata.GenerationData, req InitializeRequest) error {
	kv := gen.KV()
	logID := gen.LogID()
	kv.Set(kvstore.FormatKey(), []byte{1})
	kv.Set(kvstore.VersionKey(logID), encodeInt64(0))
	kv.Set(kvstore.KnownCommittedKey(logID), encodeInt64(0))
	kv.Set(kvstore.LocalityKey(logID), []byte(req.Locality))
	kv.Set(kvstore.DbRecoveryCountKey(logID), encodeInt64(req.Epoch))
	kv.Set(kvstore.ProtocolVersionKey(logID), encodeInt64(currentProtocolVersion))
	spillByte := byte(0)
	if req.SpillType == runtime.SpillValue {
		spillByte = 1
	}
	kv.Set(kvstore.SpillTypeKey(logID), []byte{spillByte})
	if err := kv.Commit(ctx); err != nil {
		return err
	}
	gen.MarkInitialized()
	return nil
}

func (s *ServerData) routeTeam(team uuid.UUID) (*group.GroupData, *PeekController, *PopController, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	groupID, ok := s.teamToGroup[team]
	if !ok {
		return nil, nil, nil, false
	}
	return s.groups[groupID], s.peekControllers[groupID], s.popControllers[groupID], true
}

func (s *ServerData) commit(ctx context.Context, req CommitRequest) (CommitReply, error) {
	grp, _, _, ok := s.routeTeam(req.StorageTeamID)
	if !ok {
		return CommitReply{}, New(KindGroupNotFound)
	}
	gen, ok := grp.ActiveGeneration()
	if !ok {
		return CommitReply{}, New(KindTLogStopped)
	}
	return Commit(ctx, s.cfg, grp, gen, req)
}

func (s *ServerData) peek(ctx context.Context, req PeekRequest) (*logdata.PeekResult, error) {
	grp, pc, _, ok := s.routeTeam(req.Team)
	if !ok {
		return nil, New(KindGroupNotFound)
	}
	gen, ok := grp.ActiveGeneration()
	if !ok {
		return nil, New(KindTLogStopped)
	}
	return pc.Peek(ctx, gen, req)
}

func (s *ServerData) pop(ctx context.Context, req PopRequest) error {
	_, _, popc, ok := s.routeTeam(req.Team)
	if !ok {
		return New(KindGroupNotFound)
	}
	return popc.Pop(ctx, req)
}

// RejoinMastersCheck reports the cluster-membership facts ServerData's
// liveness loop needs: whether this generation is still referenced by
// the cluster's log system config, and the recovery count the cluster
// currently observes for this worker's position in it. ServerData
// treats every concrete decision ("am I stale") as a pure function of
// these fields so the actual cluster-info source (out of scope per
// spec.md §1) can be injected by the caller.
type RejoinMastersCheck struct {
	PresentInLogSystem      bool
	PresentInPriorCommitted bool
	ObservedRecoveryCount   int64
	FullyRecovered          bool
}

// RunRejoinMasters is ServerData's rejoinMasters liveness loop
// (spec.md §4.8): it repeatedly asks poll for the current cluster view
// and, once this generation is absent from both the active log system
// and the prior-committed log servers and the observed recovery count
// has moved past ours (or equals ours with the cluster fully
// recovered), stops every group (worker_removed) and returns. It runs until ctx is canceled or removal is detected.
func (s *ServerData) RunRejoinMasters(ctx context.Context, epoch int64, poll func(ctx context.Context) (RejoinMastersCheck, error)) error {
	for {
		select {
		case <-ctx.Done():
			return New(KindOperationCanceled)
		case <-s.cfg.Clock.After(s.cfg.WarningTimeoutSeconds):
		}
		check, err := poll(ctx)
		if err != nil {
			continue
		}
		stale := check.ObservedRecoveryCount > epoch || (check.ObservedRecoveryCount == epoch && check.FullyRecovered)
		if !check.PresentInLogSystem && !check.PresentInPriorCommitted && stale {
			s.StopAll()
			return New(KindWorkerRemoved)
		}
	}
}

// StopAll stops every group's active generation (cascading from
// worker_removed) and cancels every background commitQueue loop this
// ServerData started.
func (s *ServerData) StopAll() {
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return
	}
	s.removed = true
	groups := make([]*group.GroupData, 0, len(s.groups))
	for _, grp := range s.groups {
		groups = append(groups, grp)
	}
	s.mu.Unlock()
	for _, grp := range groups {
		grp.StopActive()
	}
	s.cancel()
}

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}
