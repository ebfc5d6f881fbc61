package authority

import (
	"context"
	"fmt"
	"sync"

	"github.com/blockdfs/blockdfs/internal/model"
	"github.com/blockdfs/blockdfs/internal/protocol"
)

// UpgradeTypeBlockCrc is the built-in upgrade exchange: the payload is an
// encoded block, the reply payload is the encoded location record. Nodes
// that missed the cluster-wide block-CRC upgrade use it to resolve replica
// locations out of band.
const UpgradeTypeBlockCrc uint32 = 1

// UpgradeHandler interprets one upgrade type's opaque payloads and produces
// the opaque reply. Handlers version independently of the base protocol.
type UpgradeHandler func(ctx context.Context, cmd *model.UpgradeCommand) (*model.UpgradeCommand, error)

// UpgradeRegistry maps upgrade-type tags to handlers, so new upgrade
// procedures are added without touching the base protocol.
type UpgradeRegistry struct {
	mu       sync.RWMutex
	handlers map[uint32]UpgradeHandler
}

// NewUpgradeRegistry creates an empty registry.
func NewUpgradeRegistry() *UpgradeRegistry {
	return &UpgradeRegistry{handlers: make(map[uint32]UpgradeHandler)}
}

// Register binds a handler to an upgrade type, replacing any previous one.
func (r *UpgradeRegistry) Register(upgradeType uint32, h UpgradeHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[upgradeType] = h
}

// Dispatch routes an upgrade command to its handler. A nil command or an
// unregistered type is an upgrade-sequencing error.
func (r *UpgradeRegistry) Dispatch(ctx context.Context, cmd *model.UpgradeCommand) (*model.UpgradeCommand, error) {
	if cmd == nil {
		return nil, fmt.Errorf("%w: empty upgrade command", protocol.ErrUpgradeSequence)
	}
	r.mu.RLock()
	h, ok := r.handlers[cmd.UpgradeType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no handler for upgrade type %d", protocol.ErrUpgradeSequence, cmd.UpgradeType)
	}
	return h(ctx, cmd)
}

// NewBlockCrcUpgradeHandler builds the handler behind UpgradeTypeBlockCrc.
// Request payload: the block's fixed binary encoding. Reply payload: the
// binary location record for that block.
func NewBlockCrcUpgradeHandler(blocks *BlockMap) UpgradeHandler {
	return func(_ context.Context, cmd *model.UpgradeCommand) (*model.UpgradeCommand, error) {
		var b model.Block
		if err := b.UnmarshalBinary(cmd.Payload); err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrUpgradeSequence, err)
		}
		located, ok := blocks.Locate(b.ID)
		if !ok {
			return nil, protocol.ErrUnknownBlock
		}
		payload, err := located.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("encode located block: %w", err)
		}
		return &model.UpgradeCommand{UpgradeType: UpgradeTypeBlockCrc, Payload: payload}, nil
	}
}
