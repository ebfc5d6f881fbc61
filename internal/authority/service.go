// Package authority implements the placement authority: the single source
// of truth for block-to-node placement. It is purely reactive; every call
// here answers a storage node's request, and the only channel back to a
// node is the command returned from its next heartbeat or block report.
package authority

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/blockdfs/blockdfs/internal/metrics"
	"github.com/blockdfs/blockdfs/internal/model"
	"github.com/blockdfs/blockdfs/internal/protocol"
)

// Service implements protocol.DatanodeProtocol on top of the session
// registry and the block map.
type Service struct {
	namespace model.NamespaceInfo
	registry  *SessionRegistry
	blocks    *BlockMap
	upgrades  *UpgradeRegistry
	metrics   *metrics.AuthorityMetrics
	logger    *zap.Logger
}

var _ protocol.DatanodeProtocol = (*Service)(nil)

// NewService wires the authority service. metrics may be nil.
func NewService(
	namespace model.NamespaceInfo,
	registry *SessionRegistry,
	blocks *BlockMap,
	upgrades *UpgradeRegistry,
	m *metrics.AuthorityMetrics,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		namespace: namespace,
		registry:  registry,
		blocks:    blocks,
		upgrades:  upgrades,
		metrics:   m,
		logger:    logger,
	}
}

// VersionRequest returns the namespace identity. Compatibility is the
// node's decision; the authority only states what it speaks.
func (s *Service) VersionRequest(ctx context.Context) (*model.NamespaceInfo, error) {
	ns := s.namespace
	return &ns, nil
}

// Register establishes a clean session for the node. Re-registering with
// the same storage ID resets the session rather than erroring; that is the
// recovery path behind the register command.
func (s *Service) Register(ctx context.Context, reg *model.DatanodeRegistration, networkLocation string) (*model.DatanodeRegistration, error) {
	start := time.Now()
	out := s.registry.Register(reg, networkLocation)
	s.metrics.RecordRegistration()
	s.metrics.UpdateDatanodesActive(s.registry.ActiveCount())
	s.metrics.RecordCall("register", time.Since(start).Seconds())
	return out, nil
}

// SendHeartbeat updates the node's liveness and load snapshot, then hands
// back the head of its pending-command queue. An unrecognized registration
// short-circuits to a register command; nothing else is consulted.
func (s *Service) SendHeartbeat(ctx context.Context, reg *model.DatanodeRegistration, capacity, remaining int64, xmitsInProgress, xceiverCount int) (model.Command, error) {
	start := time.Now()
	defer func() { s.metrics.RecordCall("heartbeat", time.Since(start).Seconds()) }()

	session, ok := s.registry.Lookup(reg.StorageID, reg.RegistrationToken)
	if !ok {
		s.metrics.RecordCommand(model.ActionRegister.String())
		return model.RegisterCommand{}, nil
	}

	info := reg.DatanodeInfo
	info.Capacity = capacity
	info.Remaining = remaining
	session.touch(info, xmitsInProgress, xceiverCount)

	session.mu.Lock()
	cmd := session.dequeue()
	session.mu.Unlock()

	if cmd != nil {
		s.metrics.RecordCommand(cmd.Action().String())
		s.logger.Debug("command delivered",
			zap.String("storage_id", reg.StorageID),
			zap.Stringer("action", cmd.Action()))
		if cmd.Action() == model.ActionShutdown {
			s.retire(reg.StorageID)
		}
	}
	return cmd, nil
}

// BlockReport reconciles the node's full inventory against authority
// metadata and returns the blocks the node must delete. Only this node's
// session is locked while the report is processed, so other nodes'
// heartbeats never wait on it.
func (s *Service) BlockReport(ctx context.Context, reg *model.DatanodeRegistration, blocks []model.Block) (model.Command, error) {
	start := time.Now()
	defer func() { s.metrics.RecordCall("block_report", time.Since(start).Seconds()) }()
	s.metrics.RecordBlockReport(len(blocks))

	session, ok := s.registry.Lookup(reg.StorageID, reg.RegistrationToken)
	if !ok {
		s.metrics.RecordCommand(model.ActionRegister.String())
		return model.RegisterCommand{}, nil
	}

	// The first report after (re)registration lands inside the grace
	// window: authority metadata may not yet reflect blocks the node
	// legitimately holds, so the report is merged instead of diffed.
	grace := s.registry.InGrace(reg.StorageID)

	session.mu.Lock()
	var invalid []model.Block
	newKnown := make(map[int64]model.Block, len(blocks))
	for _, b := range blocks {
		if _, known := session.known[b.ID]; known || grace {
			newKnown[b.ID] = b
			s.blocks.AddReplica(b, reg.StorageID, reg.DatanodeInfo)
			continue
		}
		invalid = append(invalid, b)
	}
	for id := range session.known {
		if _, still := newKnown[id]; !still {
			s.blocks.RemoveReplica(id, reg.StorageID)
		}
	}
	session.known = newKnown
	session.mu.Unlock()

	s.metrics.UpdateBlocksTracked(s.blocks.Len())

	if len(invalid) == 0 {
		return nil, nil
	}
	s.metrics.RecordCommand(model.ActionInvalidate.String())
	s.logger.Info("block report produced invalidations",
		zap.String("storage_id", reg.StorageID),
		zap.Int("reported", len(blocks)),
		zap.Int("invalidated", len(invalid)))
	return model.InvalidateCommand{Blocks: invalid}, nil
}

// BlockReceived records freshly landed replicas without waiting for the
// next full report. Duplicate delivery leaves metadata unchanged.
func (s *Service) BlockReceived(ctx context.Context, reg *model.DatanodeRegistration, blocks []model.Block) error {
	start := time.Now()
	defer func() { s.metrics.RecordCall("block_received", time.Since(start).Seconds()) }()

	session, ok := s.registry.Lookup(reg.StorageID, reg.RegistrationToken)
	if !ok {
		return protocol.ErrNotRegistered
	}

	session.mu.Lock()
	for _, b := range blocks {
		session.known[b.ID] = b
		s.blocks.AddReplica(b, reg.StorageID, reg.DatanodeInfo)
	}
	session.mu.Unlock()

	s.metrics.UpdateBlocksTracked(s.blocks.Len())
	return nil
}

// ErrorReport logs a node's diagnostic. It never alters placement metadata;
// a disk fault only flips the session's health flag for operators.
func (s *Service) ErrorReport(ctx context.Context, reg *model.DatanodeRegistration, code model.ErrorCode, message string) error {
	s.metrics.RecordErrorReport(code.String())

	session, ok := s.registry.Lookup(reg.StorageID, reg.RegistrationToken)
	if !ok {
		return protocol.ErrNotRegistered
	}

	if code == model.ErrorDiskFault {
		session.mu.Lock()
		session.diskFaulted = true
		session.mu.Unlock()
	}

	// One noisy node must not drown the log.
	if session.errLimiter.Allow() {
		s.logger.Warn("datanode error report",
			zap.String("storage_id", reg.StorageID),
			zap.Stringer("code", code),
			zap.String("message", message))
	}
	return nil
}

// ProcessUpgradeCommand routes the opaque exchange through the upgrade
// registry.
func (s *Service) ProcessUpgradeCommand(ctx context.Context, cmd *model.UpgradeCommand) (*model.UpgradeCommand, error) {
	return s.upgrades.Dispatch(ctx, cmd)
}

// BlockCrcLocations resolves one block's replica locations for the legacy
// migration path.
func (s *Service) BlockCrcLocations(ctx context.Context, b model.Block) (*model.BlockCrcInfo, error) {
	located, ok := s.blocks.Locate(b.ID)
	if !ok {
		return nil, protocol.ErrUnknownBlock
	}
	return &model.BlockCrcInfo{Block: located.Block, Locations: located.Locations}, nil
}

// EnqueueCommand queues a command for a node's next heartbeat. Admin and
// monitor surface.
func (s *Service) EnqueueCommand(storageID string, cmd model.Command) bool {
	session, ok := s.registry.Get(storageID)
	if !ok {
		return false
	}
	session.Enqueue(cmd)
	return true
}

// Locate answers a client-facing location query.
func (s *Service) Locate(blockID int64) (model.LocatedBlock, bool) {
	return s.blocks.Locate(blockID)
}

// Sessions lists session snapshots for the admin surface.
func (s *Service) Sessions() []SessionSnapshot {
	return s.registry.Snapshots()
}

// retire marks a node terminal and drops its replicas.
func (s *Service) retire(storageID string) {
	s.registry.Retire(storageID)
	s.blocks.RemoveNode(storageID)
	s.metrics.UpdateDatanodesActive(s.registry.ActiveCount())
	s.metrics.UpdateBlocksTracked(s.blocks.Len())
}
