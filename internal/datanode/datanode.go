// Package datanode implements the autonomous storage node daemon. The node
// drives every exchange with the authority: a version check at startup,
// registration, then independent heartbeat and block-report loops. Commands
// only ever arrive as responses to those calls.
package datanode

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/blockdfs/blockdfs/internal/metrics"
	"github.com/blockdfs/blockdfs/internal/model"
	"github.com/blockdfs/blockdfs/internal/protocol"
	"github.com/blockdfs/blockdfs/internal/util/workerpool"
)

// errShutdownRequested stops the run group when the authority orders a
// shutdown.
var errShutdownRequested = errors.New("shutdown requested by authority")

// Options configures the daemon.
type Options struct {
	Addr                string
	NetworkLocation     string
	HeartbeatInterval   time.Duration
	BlockReportInterval time.Duration
	RegisterMaxRetries  int
	RegisterRetryDelay  time.Duration
	TransferWorkers     int
	TransferQueueSize   int
}

// Datanode is the storage node daemon.
type Datanode struct {
	opts    Options
	client  *authorityConn
	store   *BlockStore
	peers   *PeerServer
	pool    *workerpool.Pool
	metrics *metrics.DatanodeMetrics
	logger  *zap.Logger

	mu  sync.RWMutex
	reg model.DatanodeRegistration

	forceReport chan struct{}
	upgraded    bool
}

// authorityConn narrows the protocol interface to what the daemon needs,
// plus the client's registration retry helper.
type authorityConn struct {
	protocol.DatanodeProtocol
	registerWithRetry func(ctx context.Context, reg *model.DatanodeRegistration, networkLocation string, maxRetries int, retryInterval time.Duration) (*model.DatanodeRegistration, error)
}

// Conn adapts any protocol implementation for the daemon. retry may be nil,
// in which case plain Register is used on every attempt.
func Conn(p protocol.DatanodeProtocol, retry func(context.Context, *model.DatanodeRegistration, string, int, time.Duration) (*model.DatanodeRegistration, error)) *authorityConn {
	return &authorityConn{DatanodeProtocol: p, registerWithRetry: retry}
}

// New creates the daemon. metrics may be nil.
func New(opts Options, conn *authorityConn, store *BlockStore, peers *PeerServer, m *metrics.DatanodeMetrics, logger *zap.Logger) *Datanode {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool := workerpool.New(&workerpool.Config{
		Name:       "transfers",
		MaxWorkers: opts.TransferWorkers,
		QueueSize:  opts.TransferQueueSize,
		Logger:     logger,
	})
	return &Datanode{
		opts:        opts,
		client:      conn,
		store:       store,
		peers:       peers,
		pool:        pool,
		metrics:     m,
		logger:      logger,
		forceReport: make(chan struct{}, 1),
	}
}

// Run joins the cluster and drives the session loops until the context is
// canceled or the authority orders a shutdown.
func (d *Datanode) Run(ctx context.Context) error {
	ns, err := d.client.VersionRequest(ctx)
	if err != nil {
		return fmt.Errorf("version request: %w", err)
	}
	if !ns.CompatibleWith(model.LayoutVersion) {
		// Fatal and local: the authority cannot override this decision.
		return fmt.Errorf("%w: authority speaks layout %d, this build speaks %d",
			protocol.ErrIncompatibleVersion, ns.LayoutVersion, model.LayoutVersion)
	}
	d.logger.Info("namespace compatible",
		zap.String("cluster_id", ns.ClusterID),
		zap.Int32("layout_version", ns.LayoutVersion))

	if err := d.register(ctx); err != nil {
		return err
	}
	// The first report announces the full inventory right after joining.
	d.requestReport()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.heartbeatLoop(ctx) })
	g.Go(func() error { return d.reportLoop(ctx) })
	g.Go(func() error { return d.receivedLoop(ctx) })

	err = g.Wait()
	d.pool.Stop(10 * time.Second)
	if errors.Is(err, errShutdownRequested) {
		d.logger.Info("datanode stopped on authority shutdown command")
		return nil
	}
	return err
}

// register (re-)establishes the session, presenting the persisted storage
// ID when one exists so identity survives restarts.
func (d *Datanode) register(ctx context.Context) error {
	storageID, err := d.store.LoadStorageID()
	if err != nil {
		return err
	}
	capacity, remaining, err := d.store.Capacity()
	if err != nil {
		d.logger.Warn("capacity probe failed", zap.Error(err))
	}

	reg := &model.DatanodeRegistration{
		DatanodeInfo: model.DatanodeInfo{Addr: d.opts.Addr, Capacity: capacity, Remaining: remaining},
		StorageID:    storageID,
	}

	var out *model.DatanodeRegistration
	if d.client.registerWithRetry != nil {
		out, err = d.client.registerWithRetry(ctx, reg, d.opts.NetworkLocation, d.opts.RegisterMaxRetries, d.opts.RegisterRetryDelay)
	} else {
		out, err = d.client.Register(ctx, reg, d.opts.NetworkLocation)
	}
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if err := d.store.SaveStorageID(out.StorageID); err != nil {
		return err
	}

	d.mu.Lock()
	d.reg = *out
	d.mu.Unlock()

	d.logger.Info("registered with authority",
		zap.String("storage_id", out.StorageID))
	return nil
}

func (d *Datanode) registration() model.DatanodeRegistration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reg
}

func (d *Datanode) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		capacity, remaining, err := d.store.Capacity()
		if err != nil {
			d.logger.Warn("capacity probe failed", zap.Error(err))
		}
		d.metrics.UpdateBytesRemaining(remaining)
		d.metrics.UpdateBlocksHeld(len(d.store.List()))

		reg := d.registration()
		cmd, err := d.client.SendHeartbeat(ctx, &reg, capacity, remaining,
			d.pool.InProgress(), d.peers.XceiverCount())
		if err != nil {
			// Transport failure: the next tick is the retry.
			d.metrics.RecordHeartbeat("error")
			d.logger.Warn("heartbeat failed", zap.Error(err))
			continue
		}
		d.metrics.RecordHeartbeat("ok")

		if err := d.execute(ctx, cmd); err != nil {
			return err
		}
	}
}

func (d *Datanode) reportLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.BlockReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-d.forceReport:
		}

		reg := d.registration()
		blocks := d.store.List()
		cmd, err := d.client.BlockReport(ctx, &reg, blocks)
		if err != nil {
			d.logger.Warn("block report failed", zap.Error(err))
			continue
		}
		d.metrics.RecordBlockReport()
		d.logger.Info("block report sent", zap.Int("blocks", len(blocks)))

		if err := d.execute(ctx, cmd); err != nil {
			return err
		}
	}
}

func (d *Datanode) receivedLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b := <-d.store.Arrivals():
			reg := d.registration()
			if err := d.client.BlockReceived(ctx, &reg, []model.Block{b}); err != nil {
				// Lost notifications are repaired by the next full report.
				d.logger.Warn("block received notification failed",
					zap.Int64("block_id", b.ID),
					zap.Error(err))
			}
		}
	}
}

// requestReport schedules an immediate full block report.
func (d *Datanode) requestReport() {
	select {
	case d.forceReport <- struct{}{}:
	default:
	}
}

// execute carries out at most one command from a heartbeat or report
// response.
func (d *Datanode) execute(ctx context.Context, cmd model.Command) error {
	if cmd == nil {
		return nil
	}
	action := cmd.Action()
	d.logger.Info("executing command", zap.Stringer("action", action))

	switch c := cmd.(type) {
	case model.TransferCommand:
		d.scheduleTransfers(c)
	case model.InvalidateCommand:
		for _, b := range c.Blocks {
			if err := d.store.Delete(b.ID); err != nil {
				d.metrics.RecordCommand(action.String(), "error")
				d.logger.Error("failed to invalidate block",
					zap.Int64("block_id", b.ID),
					zap.Error(err))
				continue
			}
			d.logger.Info("block invalidated", zap.Int64("block_id", b.ID))
		}
	case model.ShutdownCommand:
		d.metrics.RecordCommand(action.String(), "ok")
		return errShutdownRequested
	case model.RegisterCommand:
		if err := d.register(ctx); err != nil {
			d.metrics.RecordCommand(action.String(), "error")
			return err
		}
		d.requestReport()
	case model.FinalizeCommand:
		d.mu.Lock()
		d.upgraded = true
		d.mu.Unlock()
		d.logger.Info("pending upgrade finalized")
	default:
		d.logger.Warn("ignoring unknown command", zap.Stringer("action", action))
		return nil
	}
	d.metrics.RecordCommand(action.String(), "ok")
	return nil
}

// scheduleTransfers fans replica pushes out onto the worker pool so a big
// transfer command cannot stall the heartbeat loop.
func (d *Datanode) scheduleTransfers(cmd model.TransferCommand) {
	httpClient := &http.Client{Timeout: defaultPushTimeout}
	for i, b := range cmd.Blocks {
		if i >= len(cmd.Targets) {
			break
		}
		block, targets := b, cmd.Targets[i]
		err := d.pool.Submit(workerpool.Task{
			ID: fmt.Sprintf("transfer-%d", block.ID),
			Fn: func(context.Context) error {
				return d.transfer(block, targets, httpClient)
			},
		})
		if err != nil {
			d.metrics.RecordTransfer("rejected")
			d.logger.Warn("transfer rejected by pool",
				zap.Int64("block_id", block.ID),
				zap.Error(err))
		}
	}
}

func (d *Datanode) transfer(b model.Block, targets []model.DatanodeInfo, httpClient *http.Client) error {
	stored, data, err := d.store.Get(b.ID)
	if err != nil {
		d.metrics.RecordTransfer("error")
		if errors.Is(err, ErrCorruptReplica) {
			reg := d.registration()
			d.client.ErrorReport(context.Background(), &reg, model.ErrorInvalidBlock,
				fmt.Sprintf("replica of block %d failed checksum", b.ID))
		}
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultPushTimeout)
	defer cancel()
	for _, target := range targets {
		if err := PushReplica(ctx, httpClient, target, stored, data); err != nil {
			d.metrics.RecordTransfer("error")
			d.logger.Warn("replica push failed",
				zap.Int64("block_id", b.ID),
				zap.String("target", target.Addr),
				zap.Error(err))
			continue
		}
		d.metrics.RecordTransfer("ok")
		d.logger.Info("replica pushed",
			zap.Int64("block_id", b.ID),
			zap.String("target", target.Addr))
	}
	return nil
}
