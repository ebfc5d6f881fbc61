package authority

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockdfs/blockdfs/internal/model"
)

func TestBlockMapAddReplicaDedup(t *testing.T) {
	m := NewBlockMap()
	b := model.Block{ID: 1, NumBytes: 10, Generation: 1}
	info := model.DatanodeInfo{Addr: "dn1:50010"}

	assert.True(t, m.AddReplica(b, "DS-1", info))
	assert.False(t, m.AddReplica(b, "DS-1", info), "same replica is a no-op")
	assert.True(t, m.AddReplica(b, "DS-2", model.DatanodeInfo{Addr: "dn2:50010"}))

	located, ok := m.Locate(b.ID)
	require.True(t, ok)
	assert.Len(t, located.Locations, 2)
}

func TestBlockMapNewerGenerationSupersedes(t *testing.T) {
	m := NewBlockMap()
	m.AddReplica(model.Block{ID: 1, NumBytes: 10, Generation: 1}, "DS-1", model.DatanodeInfo{Addr: "dn1"})
	m.AddReplica(model.Block{ID: 1, NumBytes: 12, Generation: 3}, "DS-2", model.DatanodeInfo{Addr: "dn2"})

	located, ok := m.Locate(1)
	require.True(t, ok)
	assert.Equal(t, int64(3), located.Block.Generation)
	assert.Equal(t, int64(12), located.Block.NumBytes)

	// A stale generation does not roll the record back.
	m.AddReplica(model.Block{ID: 1, NumBytes: 10, Generation: 1}, "DS-3", model.DatanodeInfo{Addr: "dn3"})
	located, _ = m.Locate(1)
	assert.Equal(t, int64(3), located.Block.Generation)
}

func TestBlockMapRemoveReplica(t *testing.T) {
	m := NewBlockMap()
	b := model.Block{ID: 1, Generation: 1}
	m.AddReplica(b, "DS-1", model.DatanodeInfo{Addr: "dn1"})
	m.AddReplica(b, "DS-2", model.DatanodeInfo{Addr: "dn2"})

	m.RemoveReplica(1, "DS-1")
	assert.False(t, m.Holds(1, "DS-1"))
	assert.True(t, m.Holds(1, "DS-2"))

	// The entry goes away with its last replica.
	m.RemoveReplica(1, "DS-2")
	_, ok := m.Locate(1)
	assert.False(t, ok)
	assert.Zero(t, m.Len())
}

func TestBlockMapRemoveNode(t *testing.T) {
	m := NewBlockMap()
	m.AddReplica(model.Block{ID: 1}, "DS-1", model.DatanodeInfo{Addr: "dn1"})
	m.AddReplica(model.Block{ID: 2}, "DS-1", model.DatanodeInfo{Addr: "dn1"})
	m.AddReplica(model.Block{ID: 2}, "DS-2", model.DatanodeInfo{Addr: "dn2"})

	m.RemoveNode("DS-1")
	assert.False(t, m.Holds(1, "DS-1"))
	assert.False(t, m.Holds(2, "DS-1"))
	assert.True(t, m.Holds(2, "DS-2"))
	assert.Equal(t, 1, m.Len())
}

func TestBlockMapLocatePreservesInsertionOrder(t *testing.T) {
	m := NewBlockMap()
	b := model.Block{ID: 5, NumBytes: 1, Generation: 1}
	addrs := []string{"dn3:50010", "dn1:50010", "dn2:50010"}
	for i, addr := range addrs {
		m.AddReplica(b, addr, model.DatanodeInfo{Addr: addr, Capacity: int64(i)})
	}

	located, ok := m.Locate(5)
	require.True(t, ok)
	require.Len(t, located.Locations, 3)
	for i, addr := range addrs {
		assert.Equal(t, addr, located.Locations[i].Addr)
	}
	assert.Equal(t, model.OffsetUnknown, located.Offset)
}
