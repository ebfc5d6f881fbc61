package authority

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/blockdfs/blockdfs/internal/model"
	"github.com/blockdfs/blockdfs/internal/protocol"
)

func newTestService(t *testing.T, gracePeriod time.Duration) *Service {
	t.Helper()
	registry := NewSessionRegistry(gracePeriod, zap.NewNop())
	t.Cleanup(registry.Close)

	blocks := NewBlockMap()
	upgrades := NewUpgradeRegistry()
	upgrades.Register(UpgradeTypeBlockCrc, NewBlockCrcUpgradeHandler(blocks))

	ns := model.NamespaceInfo{
		ClusterID:     "test-cluster",
		NamespaceID:   1,
		LayoutVersion: model.LayoutVersion,
		CTime:         time.Now().Unix(),
	}
	return NewService(ns, registry, blocks, upgrades, nil, zap.NewNop())
}

func registerNode(t *testing.T, s *Service, addr string) *model.DatanodeRegistration {
	t.Helper()
	reg, err := s.Register(context.Background(), &model.DatanodeRegistration{
		DatanodeInfo: model.DatanodeInfo{Addr: addr, Capacity: 100, Remaining: 50},
	}, "/default-rack")
	require.NoError(t, err)
	return reg
}

func TestRegisterMintsIdentity(t *testing.T) {
	s := newTestService(t, 0)

	reg := registerNode(t, s, "dn1:50010")
	assert.NotEmpty(t, reg.StorageID)
	assert.Contains(t, reg.StorageID, "DS-")
	assert.NotEmpty(t, reg.RegistrationToken)
}

func TestReregisterKeepsStorageIDRotatesToken(t *testing.T) {
	s := newTestService(t, 0)

	first := registerNode(t, s, "dn1:50010")
	second, err := s.Register(context.Background(), &model.DatanodeRegistration{
		DatanodeInfo: first.DatanodeInfo,
		StorageID:    first.StorageID,
	}, "/default-rack")
	require.NoError(t, err)

	assert.Equal(t, first.StorageID, second.StorageID)
	assert.NotEqual(t, first.RegistrationToken, second.RegistrationToken)

	// The old token is dead; a heartbeat with it is told to register.
	cmd, err := s.SendHeartbeat(context.Background(), first, 100, 50, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, model.ActionRegister, cmd.Action())
}

func TestVersionRequest(t *testing.T) {
	s := newTestService(t, 0)

	ns, err := s.VersionRequest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test-cluster", ns.ClusterID)
	assert.True(t, ns.CompatibleWith(model.LayoutVersion))
	assert.False(t, ns.CompatibleWith(model.LayoutVersion-1))
}

func TestHeartbeatUnknownNodeGetsRegisterCommand(t *testing.T) {
	s := newTestService(t, 0)

	ghost := &model.DatanodeRegistration{
		DatanodeInfo: model.DatanodeInfo{Addr: "ghost:50010"},
		StorageID:    "DS-never-registered",
	}
	cmd, err := s.SendHeartbeat(context.Background(), ghost, 1, 1, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, model.ActionRegister, cmd.Action())
}

func TestHeartbeatDeliversCommandsInOrderExactlyOnce(t *testing.T) {
	s := newTestService(t, 0)
	reg := registerNode(t, s, "dn1:50010")

	queued := []model.Command{
		model.InvalidateCommand{Blocks: []model.Block{{ID: 1}}},
		model.TransferCommand{
			Blocks:  []model.Block{{ID: 2}},
			Targets: [][]model.DatanodeInfo{{{Addr: "dn2:50010"}}},
		},
		model.FinalizeCommand{},
	}
	for _, cmd := range queued {
		require.True(t, s.EnqueueCommand(reg.StorageID, cmd))
	}

	for i, want := range queued {
		got, err := s.SendHeartbeat(context.Background(), reg, 100, 50, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, want, got, "delivery %d out of order", i)
	}

	// The queue is drained; nothing is redelivered.
	got, err := s.SendHeartbeat(context.Background(), reg, 100, 50, 0, 0)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestHeartbeatShutdownRetiresSession(t *testing.T) {
	s := newTestService(t, 0)
	reg := registerNode(t, s, "dn1:50010")

	require.True(t, s.EnqueueCommand(reg.StorageID, model.ShutdownCommand{}))
	cmd, err := s.SendHeartbeat(context.Background(), reg, 100, 50, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, model.ActionShutdown, cmd.Action())

	// The session is terminal; the node is told to start over if it returns.
	cmd, err = s.SendHeartbeat(context.Background(), reg, 100, 50, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, model.ActionRegister, cmd.Action())
}

func TestConcurrentHeartbeatsDoNotCrossQueues(t *testing.T) {
	s := newTestService(t, 0)
	regA := registerNode(t, s, "dnA:50010")
	regB := registerNode(t, s, "dnB:50010")

	cmdA := model.InvalidateCommand{Blocks: []model.Block{{ID: 100}}}
	require.True(t, s.EnqueueCommand(regA.StorageID, cmdA))

	var wg sync.WaitGroup
	gotA := make([]model.Command, 0, 1)
	var muA sync.Mutex
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			cmd, err := s.SendHeartbeat(context.Background(), regA, 1, 1, 0, 0)
			assert.NoError(t, err)
			if cmd != nil {
				muA.Lock()
				gotA = append(gotA, cmd)
				muA.Unlock()
			}
		}()
		go func() {
			defer wg.Done()
			cmd, err := s.SendHeartbeat(context.Background(), regB, 1, 1, 0, 0)
			assert.NoError(t, err)
			// B never sees A's command.
			assert.Nil(t, cmd)
		}()
	}
	wg.Wait()

	require.Len(t, gotA, 1)
	assert.Equal(t, cmdA, gotA[0])
}

func TestBlockReportInvalidatesUnknownBlocksOutsideGrace(t *testing.T) {
	s := newTestService(t, 0)
	reg := registerNode(t, s, "dn1:50010")

	b1 := model.Block{ID: 1, NumBytes: 10, Generation: 1}
	b2 := model.Block{ID: 2, NumBytes: 10, Generation: 1}
	b3 := model.Block{ID: 3, NumBytes: 10, Generation: 1}
	require.NoError(t, s.BlockReceived(context.Background(), reg, []model.Block{b1}))

	cmd, err := s.BlockReport(context.Background(), reg, []model.Block{b1, b2, b3})
	require.NoError(t, err)
	require.NotNil(t, cmd)
	inv, ok := cmd.(model.InvalidateCommand)
	require.True(t, ok)
	assert.ElementsMatch(t, []model.Block{b2, b3}, inv.Blocks)

	// The invalidated blocks never entered placement metadata.
	assert.True(t, s.blocks.Holds(b1.ID, reg.StorageID))
	assert.False(t, s.blocks.Holds(b2.ID, reg.StorageID))
	assert.False(t, s.blocks.Holds(b3.ID, reg.StorageID))
}

func TestBlockReportMergesWithinGraceWindow(t *testing.T) {
	s := newTestService(t, time.Minute)
	reg := registerNode(t, s, "dn1:50010")

	b1 := model.Block{ID: 1, NumBytes: 10, Generation: 1}
	b2 := model.Block{ID: 2, NumBytes: 10, Generation: 1}

	cmd, err := s.BlockReport(context.Background(), reg, []model.Block{b1, b2})
	require.NoError(t, err)
	assert.Nil(t, cmd, "no invalidations inside the grace window")

	assert.True(t, s.blocks.Holds(b1.ID, reg.StorageID))
	assert.True(t, s.blocks.Holds(b2.ID, reg.StorageID))
}

func TestBlockReceivedThenReportIsClean(t *testing.T) {
	s := newTestService(t, 0)
	reg := registerNode(t, s, "dn1:50010")

	b4 := model.Block{ID: 4, NumBytes: 10, Generation: 1}
	require.NoError(t, s.BlockReceived(context.Background(), reg, []model.Block{b4}))

	cmd, err := s.BlockReport(context.Background(), reg, []model.Block{b4})
	require.NoError(t, err)
	assert.Nil(t, cmd)
}

func TestBlockReportDropsReplicasNoLongerHeld(t *testing.T) {
	s := newTestService(t, time.Minute)
	reg := registerNode(t, s, "dn1:50010")

	b1 := model.Block{ID: 1, NumBytes: 10, Generation: 1}
	b2 := model.Block{ID: 2, NumBytes: 10, Generation: 1}
	_, err := s.BlockReport(context.Background(), reg, []model.Block{b1, b2})
	require.NoError(t, err)

	// The node lost b2; the next report no longer lists it.
	_, err = s.BlockReport(context.Background(), reg, []model.Block{b1})
	require.NoError(t, err)
	assert.True(t, s.blocks.Holds(b1.ID, reg.StorageID))
	assert.False(t, s.blocks.Holds(b2.ID, reg.StorageID))
}

func TestBlockReportUnknownNodeGetsRegisterCommand(t *testing.T) {
	s := newTestService(t, 0)

	ghost := &model.DatanodeRegistration{StorageID: "DS-ghost"}
	cmd, err := s.BlockReport(context.Background(), ghost, []model.Block{{ID: 1}})
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, model.ActionRegister, cmd.Action())
}

func TestBlockReceivedIsIdempotent(t *testing.T) {
	s := newTestService(t, 0)
	reg := registerNode(t, s, "dn1:50010")

	b := model.Block{ID: 10, NumBytes: 64, Generation: 1}
	require.NoError(t, s.BlockReceived(context.Background(), reg, []model.Block{b}))
	require.NoError(t, s.BlockReceived(context.Background(), reg, []model.Block{b}))

	located, ok := s.Locate(b.ID)
	require.True(t, ok)
	assert.Len(t, located.Locations, 1)
}

func TestBlockReceivedRequiresRegistration(t *testing.T) {
	s := newTestService(t, 0)

	ghost := &model.DatanodeRegistration{StorageID: "DS-ghost"}
	err := s.BlockReceived(context.Background(), ghost, []model.Block{{ID: 1}})
	assert.True(t, errors.Is(err, protocol.ErrNotRegistered))
}

func TestErrorReportFlagsDiskFault(t *testing.T) {
	s := newTestService(t, 0)
	reg := registerNode(t, s, "dn1:50010")

	require.NoError(t, s.ErrorReport(context.Background(), reg, model.ErrorDiskFault, "ioerr on /data"))

	snaps := s.Sessions()
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].DiskFaulted)
}

func TestErrorReportRequiresRegistration(t *testing.T) {
	s := newTestService(t, 0)

	ghost := &model.DatanodeRegistration{StorageID: "DS-ghost"}
	err := s.ErrorReport(context.Background(), ghost, model.ErrorNotify, "hello")
	assert.True(t, errors.Is(err, protocol.ErrNotRegistered))
}

func TestBlockCrcLocations(t *testing.T) {
	s := newTestService(t, 0)
	reg := registerNode(t, s, "dn1:50010")

	b := model.Block{ID: 77, NumBytes: 128, Generation: 2}
	require.NoError(t, s.BlockReceived(context.Background(), reg, []model.Block{b}))

	info, err := s.BlockCrcLocations(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, b, info.Block)
	require.Len(t, info.Locations, 1)
	assert.Equal(t, "dn1:50010", info.Locations[0].Addr)

	_, err = s.BlockCrcLocations(context.Background(), model.Block{ID: 404})
	assert.True(t, errors.Is(err, protocol.ErrUnknownBlock))
}

func TestEnqueueCommandUnknownNode(t *testing.T) {
	s := newTestService(t, 0)
	assert.False(t, s.EnqueueCommand("DS-ghost", model.ShutdownCommand{}))
}
