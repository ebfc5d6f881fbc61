package authority

import (
	"sync"

	"github.com/blockdfs/blockdfs/internal/model"
)

type replica struct {
	storageID string
	info      model.DatanodeInfo
}

type blockEntry struct {
	block    model.Block
	replicas []replica
}

// BlockMap is the authority's block-to-replica-location index. Location
// records are computed from it on demand and never persisted.
type BlockMap struct {
	mu     sync.RWMutex
	blocks map[int64]*blockEntry
}

// NewBlockMap creates an empty index.
func NewBlockMap() *BlockMap {
	return &BlockMap{blocks: make(map[int64]*blockEntry)}
}

// AddReplica records that the given node holds a replica of b. Adding an
// already-known replica is a no-op, which keeps at-least-once redelivery of
// blockReceived harmless. Returns true when the replica was new.
func (m *BlockMap) AddReplica(b model.Block, storageID string, info model.DatanodeInfo) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.blocks[b.ID]
	if !ok {
		m.blocks[b.ID] = &blockEntry{
			block:    b,
			replicas: []replica{{storageID: storageID, info: info}},
		}
		return true
	}
	// A newer generation supersedes the recorded block value.
	if b.Generation >= e.block.Generation {
		e.block = b
	}
	for i := range e.replicas {
		if e.replicas[i].storageID == storageID {
			e.replicas[i].info = info
			return false
		}
	}
	e.replicas = append(e.replicas, replica{storageID: storageID, info: info})
	return true
}

// RemoveReplica drops one node's replica of a block. The entry disappears
// when its last replica goes.
func (m *BlockMap) RemoveReplica(blockID int64, storageID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.blocks[blockID]
	if !ok {
		return
	}
	for i := range e.replicas {
		if e.replicas[i].storageID == storageID {
			e.replicas = append(e.replicas[:i], e.replicas[i+1:]...)
			break
		}
	}
	if len(e.replicas) == 0 {
		delete(m.blocks, blockID)
	}
}

// RemoveNode drops every replica attributed to a node. Used when a session
// is retired or expires.
func (m *BlockMap) RemoveNode(storageID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, e := range m.blocks {
		kept := e.replicas[:0]
		for _, r := range e.replicas {
			if r.storageID != storageID {
				kept = append(kept, r)
			}
		}
		e.replicas = kept
		if len(e.replicas) == 0 {
			delete(m.blocks, id)
		}
	}
}

// Holds reports whether the node is recorded as holding the block.
func (m *BlockMap) Holds(blockID int64, storageID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.blocks[blockID]
	if !ok {
		return false
	}
	for _, r := range e.replicas {
		if r.storageID == storageID {
			return true
		}
	}
	return false
}

// Locate answers a location query for one block. The replica order is the
// recorded insertion order; it round-trips through the wire encoding exactly.
func (m *BlockMap) Locate(blockID int64) (model.LocatedBlock, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.blocks[blockID]
	if !ok {
		return model.LocatedBlock{}, false
	}
	locs := make([]model.DatanodeInfo, len(e.replicas))
	for i, r := range e.replicas {
		locs[i] = r.info
	}
	return model.NewLocatedBlock(e.block, locs), true
}

// Len returns the number of tracked blocks.
func (m *BlockMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blocks)
}
