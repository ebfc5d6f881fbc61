package authority

import (
	"time"

	"go.uber.org/zap"

	"github.com/blockdfs/blockdfs/internal/metrics"
)

// Monitor is the background liveness sweep. A node silent past the expiry
// interval is retired and its replicas dropped; if it comes back, its next
// heartbeat is answered with a register command and the session starts over.
type Monitor struct {
	registry *SessionRegistry
	blocks   *BlockMap
	expiry   time.Duration
	interval time.Duration
	metrics  *metrics.AuthorityMetrics
	logger   *zap.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitor creates a liveness monitor. metrics may be nil.
func NewMonitor(registry *SessionRegistry, blocks *BlockMap, expiry, interval time.Duration, m *metrics.AuthorityMetrics, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		registry: registry,
		blocks:   blocks,
		expiry:   expiry,
		interval: interval,
		metrics:  m,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (m *Monitor) Start() {
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
	m.logger.Info("liveness monitor started",
		zap.Duration("expiry", m.expiry),
		zap.Duration("interval", m.interval))
}

// Stop halts the sweep loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

// sweep retires every active session whose last heartbeat is too old.
func (m *Monitor) sweep() {
	cutoff := time.Now().Add(-m.expiry)
	for _, snap := range m.registry.Snapshots() {
		if snap.State != StateActive.String() || !snap.LastHeartbeat.Before(cutoff) {
			continue
		}
		m.logger.Warn("datanode expired",
			zap.String("storage_id", snap.StorageID),
			zap.Time("last_heartbeat", snap.LastHeartbeat))
		m.registry.Retire(snap.StorageID)
		m.blocks.RemoveNode(snap.StorageID)
	}
	m.metrics.UpdateDatanodesActive(m.registry.ActiveCount())
	m.metrics.UpdateBlocksTracked(m.blocks.Len())
}
