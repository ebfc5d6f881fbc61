package authority

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/blockdfs/blockdfs/internal/model"
)

// SessionState tracks a node's authority-side lifecycle.
type SessionState int32

const (
	// StateActive means the node registered and its token is recognized.
	StateActive SessionState = iota
	// StateRetired is terminal; reached when the authority shuts a node down.
	StateRetired
)

// String implements fmt.Stringer.
func (s SessionState) String() string {
	if s == StateRetired {
		return "retired"
	}
	return "active"
}

// Session is the per-node record: liveness timestamp, load snapshot,
// pending-command queue, and the set of blocks the authority attributes to
// the node. All fields are guarded by mu; critical sections stay short so
// one node's report never blocks another node's heartbeat.
type Session struct {
	mu sync.Mutex

	storageID       string
	token           string
	info            model.DatanodeInfo
	networkLocation string
	state           SessionState

	lastHeartbeat   time.Time
	xmitsInProgress int
	xceiverCount    int
	diskFaulted     bool

	known   map[int64]model.Block
	pending []model.Command

	errLimiter *rate.Limiter
}

// StorageID returns the node's stable identifier.
func (s *Session) StorageID() string { return s.storageID }

// Enqueue appends a command to the node's pending queue.
func (s *Session) Enqueue(cmd model.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, cmd)
}

// dequeue removes and returns the head of the pending queue, or nil. The
// command is gone the moment it is handed out; a delivery lost in transit is
// repaired by the next full block report, not by re-queueing.
func (s *Session) dequeue() model.Command {
	if len(s.pending) == 0 {
		return nil
	}
	cmd := s.pending[0]
	s.pending = s.pending[1:]
	return cmd
}

// touch records a heartbeat's liveness and load snapshot.
func (s *Session) touch(info model.DatanodeInfo, xmits, xceivers int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = info
	s.xmitsInProgress = xmits
	s.xceiverCount = xceivers
	s.lastHeartbeat = time.Now()
}

// SessionSnapshot is a read-only copy of a session for admin listings.
type SessionSnapshot struct {
	StorageID       string             `json:"storage_id"`
	Addr            string             `json:"addr"`
	NetworkLocation string             `json:"network_location"`
	State           string             `json:"state"`
	LastHeartbeat   time.Time          `json:"last_heartbeat"`
	Capacity        int64              `json:"capacity"`
	Remaining       int64              `json:"remaining"`
	XmitsInProgress int                `json:"xmits_in_progress"`
	XceiverCount    int                `json:"xceiver_count"`
	DiskFaulted     bool               `json:"disk_faulted"`
	KnownBlocks     int                `json:"known_blocks"`
	PendingCommands int                `json:"pending_commands"`
}

func (s *Session) snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSnapshot{
		StorageID:       s.storageID,
		Addr:            s.info.Addr,
		NetworkLocation: s.networkLocation,
		State:           s.state.String(),
		LastHeartbeat:   s.lastHeartbeat,
		Capacity:        s.info.Capacity,
		Remaining:       s.info.Remaining,
		XmitsInProgress: s.xmitsInProgress,
		XceiverCount:    s.xceiverCount,
		DiskFaulted:     s.diskFaulted,
		KnownBlocks:     len(s.known),
		PendingCommands: len(s.pending),
	}
}

// SessionRegistry holds one session per storage ID. The registry map is
// read-locked on the hot path; per-node mutation happens under each
// session's own lock.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	grace       *ttlcache.Cache[string, time.Time]
	gracePeriod time.Duration

	errReportRate  rate.Limit
	errReportBurst int

	logger *zap.Logger
}

// NewSessionRegistry creates a registry. gracePeriod controls how long
// after (re)registration block reports are merged instead of diffed; zero
// disables the window entirely.
func NewSessionRegistry(gracePeriod time.Duration, logger *zap.Logger) *SessionRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &SessionRegistry{
		sessions:       make(map[string]*Session),
		gracePeriod:    gracePeriod,
		errReportRate:  rate.Limit(1),
		errReportBurst: 5,
		logger:         logger,
	}
	if gracePeriod > 0 {
		r.grace = ttlcache.New[string, time.Time](
			ttlcache.WithTTL[string, time.Time](gracePeriod),
			ttlcache.WithDisableTouchOnHit[string, time.Time](),
		)
		go r.grace.Start()
	}
	return r
}

// Register creates or resets the session for the presented registration and
// returns the authoritative copy. A missing storage ID gets a fresh one; the
// registration token is minted anew on every call, which is what makes
// re-registration the authority's own recovery mechanism.
func (r *SessionRegistry) Register(reg *model.DatanodeRegistration, networkLocation string) *model.DatanodeRegistration {
	out := *reg
	if out.StorageID == "" {
		out.StorageID = "DS-" + uuid.New().String()
	}
	out.RegistrationToken = uuid.New().String()

	s := &Session{
		storageID:       out.StorageID,
		token:           out.RegistrationToken,
		info:            out.DatanodeInfo,
		networkLocation: networkLocation,
		state:           StateActive,
		lastHeartbeat:   time.Now(),
		known:           make(map[int64]model.Block),
		errLimiter:      rate.NewLimiter(r.errReportRate, r.errReportBurst),
	}

	r.mu.Lock()
	r.sessions[out.StorageID] = s
	r.mu.Unlock()

	if r.grace != nil {
		r.grace.Set(out.StorageID, time.Now(), ttlcache.DefaultTTL)
	}

	r.logger.Info("datanode registered",
		zap.String("storage_id", out.StorageID),
		zap.String("addr", out.Addr),
		zap.String("network_location", networkLocation))
	return &out
}

// Lookup resolves an active session by storage ID and token. It fails when
// the node was never registered here, presents a stale token, or was
// retired — all of which the caller answers with a register command.
func (r *SessionRegistry) Lookup(storageID, token string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[storageID]
	r.mu.RUnlock()
	if !ok || s.token != token {
		return nil, false
	}
	s.mu.Lock()
	active := s.state == StateActive
	s.mu.Unlock()
	if !active {
		return nil, false
	}
	return s, true
}

// InGrace reports whether the node is inside its post-registration grace
// window.
func (r *SessionRegistry) InGrace(storageID string) bool {
	return r.grace != nil && r.grace.Has(storageID)
}

// Retire marks a session terminal. Subsequent lookups fail, so the node is
// told to re-register if it ever comes back.
func (r *SessionRegistry) Retire(storageID string) {
	r.mu.RLock()
	s, ok := r.sessions[storageID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.state = StateRetired
	s.mu.Unlock()
	r.logger.Info("datanode retired", zap.String("storage_id", storageID))
}

// Get returns the session for a storage ID regardless of token or state.
// Admin surface only; protocol calls go through Lookup.
func (r *SessionRegistry) Get(storageID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[storageID]
	return s, ok
}

// Snapshots lists every session for the admin surface.
func (r *SessionRegistry) Snapshots() []SessionSnapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// ActiveCount returns the number of active sessions.
func (r *SessionRegistry) ActiveCount() int {
	n := 0
	for _, snap := range r.Snapshots() {
		if snap.State == StateActive.String() {
			n++
		}
	}
	return n
}

// Close stops the grace-window expiry loop.
func (r *SessionRegistry) Close() {
	if r.grace != nil {
		r.grace.Stop()
	}
}
