package datanode

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/blockdfs/blockdfs/internal/model"
)

// fakeAuthority is a scriptable in-process authority for daemon tests.
type fakeAuthority struct {
	mu            sync.Mutex
	registrations int
	heartbeats    int
	reports       [][]model.Block
	received      []model.Block

	namespace  model.NamespaceInfo
	heartbeatQ []model.Command
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{
		namespace: model.NamespaceInfo{
			ClusterID:     "fake",
			LayoutVersion: model.LayoutVersion,
		},
	}
}

func (f *fakeAuthority) VersionRequest(ctx context.Context) (*model.NamespaceInfo, error) {
	ns := f.namespace
	return &ns, nil
}

func (f *fakeAuthority) Register(ctx context.Context, reg *model.DatanodeRegistration, networkLocation string) (*model.DatanodeRegistration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registrations++
	out := *reg
	if out.StorageID == "" {
		out.StorageID = "DS-fake"
	}
	out.RegistrationToken = "token"
	return &out, nil
}

func (f *fakeAuthority) SendHeartbeat(ctx context.Context, reg *model.DatanodeRegistration, capacity, remaining int64, xmitsInProgress, xceiverCount int) (model.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	if len(f.heartbeatQ) == 0 {
		return nil, nil
	}
	cmd := f.heartbeatQ[0]
	f.heartbeatQ = f.heartbeatQ[1:]
	return cmd, nil
}

func (f *fakeAuthority) BlockReport(ctx context.Context, reg *model.DatanodeRegistration, blocks []model.Block) (model.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, blocks)
	return nil, nil
}

func (f *fakeAuthority) BlockReceived(ctx context.Context, reg *model.DatanodeRegistration, blocks []model.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, blocks...)
	return nil
}

func (f *fakeAuthority) ErrorReport(ctx context.Context, reg *model.DatanodeRegistration, code model.ErrorCode, message string) error {
	return nil
}

func (f *fakeAuthority) ProcessUpgradeCommand(ctx context.Context, cmd *model.UpgradeCommand) (*model.UpgradeCommand, error) {
	return cmd, nil
}

func (f *fakeAuthority) BlockCrcLocations(ctx context.Context, b model.Block) (*model.BlockCrcInfo, error) {
	return &model.BlockCrcInfo{Block: b}, nil
}

func newTestDatanode(t *testing.T, fake *fakeAuthority) *Datanode {
	t.Helper()
	logger := zap.NewNop()
	store, err := NewBlockStore(t.TempDir(), logger)
	require.NoError(t, err)
	peers := NewPeerServer("127.0.0.1:0", store, logger)

	d := New(Options{
		Addr:                "127.0.0.1:0",
		HeartbeatInterval:   10 * time.Millisecond,
		BlockReportInterval: time.Hour,
	}, Conn(fake, nil), store, peers, nil, logger)
	t.Cleanup(func() { d.pool.Stop(time.Second) })
	return d
}

func TestRunRejectsIncompatibleNamespace(t *testing.T) {
	fake := newFakeAuthority()
	fake.namespace.LayoutVersion = model.LayoutVersion + 1
	d := newTestDatanode(t, fake)

	err := d.Run(context.Background())
	assert.Error(t, err)
	assert.Zero(t, fake.registrations, "must not register against an incompatible namespace")
}

func TestRunStopsOnShutdownCommand(t *testing.T) {
	fake := newFakeAuthority()
	fake.heartbeatQ = []model.Command{model.ShutdownCommand{}}
	d := newTestDatanode(t, fake)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err, "authority shutdown is a clean exit")
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop on shutdown command")
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 1, fake.registrations)
	assert.GreaterOrEqual(t, len(fake.reports), 1, "initial report announces the inventory")
}

func TestRunReregistersOnCommand(t *testing.T) {
	fake := newFakeAuthority()
	fake.heartbeatQ = []model.Command{model.RegisterCommand{}, model.ShutdownCommand{}}
	d := newTestDatanode(t, fake)

	require.NoError(t, d.Run(context.Background()))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 2, fake.registrations, "register command forces a re-registration")
}

func TestExecuteInvalidateDeletesReplicas(t *testing.T) {
	fake := newFakeAuthority()
	d := newTestDatanode(t, fake)

	b := model.Block{ID: 5, Generation: 1}
	require.NoError(t, d.store.Put(b, []byte("doomed")))

	err := d.execute(context.Background(), model.InvalidateCommand{Blocks: []model.Block{b}})
	require.NoError(t, err)
	assert.False(t, d.store.Has(b.ID))
}

func TestExecuteNilCommandIsNoop(t *testing.T) {
	d := newTestDatanode(t, newFakeAuthority())
	assert.NoError(t, d.execute(context.Background(), nil))
}

func TestExecuteFinalizeMarksUpgrade(t *testing.T) {
	d := newTestDatanode(t, newFakeAuthority())
	require.NoError(t, d.execute(context.Background(), model.FinalizeCommand{}))
	d.mu.RLock()
	defer d.mu.RUnlock()
	assert.True(t, d.upgraded)
}

func TestReceivedLoopNotifiesArrivals(t *testing.T) {
	fake := newFakeAuthority()
	d := newTestDatanode(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	var stopped atomic.Bool
	go func() {
		d.receivedLoop(ctx)
		stopped.Store(true)
	}()

	b := model.Block{ID: 3, Generation: 1}
	require.NoError(t, d.store.Put(b, []byte("landed")))

	require.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return len(fake.received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, stopped.Load, 2*time.Second, 10*time.Millisecond)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, b.ID, fake.received[0].ID)
}
