package datanode

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/blockdfs/blockdfs/internal/model"
	"github.com/blockdfs/blockdfs/internal/util"
)

// ErrCorruptReplica means a replica file failed its checksum.
var ErrCorruptReplica = errors.New("corrupt replica")

// ErrNoReplica means the requested block is not held locally.
var ErrNoReplica = errors.New("no local replica")

const storageIDFile = "storage_id"

// BlockStore holds block replicas as flat files named blk_<id>_<gen>, each
// framed with a trailing CRC32. Arrivals are announced on a channel so the
// daemon can send block-received notifications without polling.
type BlockStore struct {
	dir    string
	logger *zap.Logger

	mu     sync.Mutex
	blocks map[int64]model.Block

	arrivals chan model.Block
}

// NewBlockStore opens (creating if needed) the store at dir and indexes
// the replicas already present.
func NewBlockStore(dir string, logger *zap.Logger) (*BlockStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("block store directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create block store dir: %w", err)
	}

	s := &BlockStore{
		dir:      dir,
		logger:   logger,
		blocks:   make(map[int64]model.Block),
		arrivals: make(chan model.Block, 256),
	}
	if err := s.scan(); err != nil {
		return nil, err
	}
	logger.Info("block store opened",
		zap.String("dir", dir),
		zap.Int("replicas", len(s.blocks)))
	return s, nil
}

func (s *BlockStore) scan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scan block store: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		b, err := model.ParseBlockFilename(e.Name())
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		b.NumBytes = info.Size() - 4
		if b.NumBytes < 0 {
			b.NumBytes = 0
		}
		s.blocks[b.ID] = b
	}
	return nil
}

// Put stores a replica. Writing a replica that already exists at the same
// or an older generation is a no-op, which keeps duplicate transfers and
// redelivered pushes harmless.
func (s *BlockStore) Put(b model.Block, data []byte) error {
	s.mu.Lock()
	if existing, ok := s.blocks[b.ID]; ok && existing.Generation >= b.Generation {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	b.NumBytes = int64(len(data))
	framed := util.AppendChecksum(data)

	tmp := filepath.Join(s.dir, b.Filename()+".tmp")
	if err := os.WriteFile(tmp, framed, 0o644); err != nil {
		return fmt.Errorf("write replica: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, b.Filename())); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit replica: %w", err)
	}

	s.mu.Lock()
	if existing, ok := s.blocks[b.ID]; ok && existing.Generation < b.Generation {
		// Superseded generation; the old file is dead weight.
		os.Remove(filepath.Join(s.dir, existing.Filename()))
	}
	s.blocks[b.ID] = b
	s.mu.Unlock()

	select {
	case s.arrivals <- b:
	default:
		s.logger.Warn("arrival queue full, dropping notification; next block report will cover it",
			zap.Int64("block_id", b.ID))
	}
	return nil
}

// Get reads and verifies a replica.
func (s *BlockStore) Get(blockID int64) (model.Block, []byte, error) {
	s.mu.Lock()
	b, ok := s.blocks[blockID]
	s.mu.Unlock()
	if !ok {
		return model.Block{}, nil, ErrNoReplica
	}

	framed, err := os.ReadFile(filepath.Join(s.dir, b.Filename()))
	if err != nil {
		return model.Block{}, nil, fmt.Errorf("read replica: %w", err)
	}
	data, valid := util.ValidateAndStripChecksum(framed)
	if !valid {
		return model.Block{}, nil, fmt.Errorf("%w: block %d", ErrCorruptReplica, blockID)
	}
	return b, data, nil
}

// Delete removes a replica. Deleting an absent replica is a no-op.
func (s *BlockStore) Delete(blockID int64) error {
	s.mu.Lock()
	b, ok := s.blocks[blockID]
	if ok {
		delete(s.blocks, blockID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := os.Remove(filepath.Join(s.dir, b.Filename())); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete replica: %w", err)
	}
	return nil
}

// Has reports whether a replica is held locally.
func (s *BlockStore) Has(blockID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blocks[blockID]
	return ok
}

// List returns the complete local inventory, ordered by block ID for
// stable reports.
func (s *BlockStore) List() []model.Block {
	s.mu.Lock()
	out := make([]model.Block, 0, len(s.blocks))
	for _, b := range s.blocks {
		out = append(out, b)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Arrivals announces replicas as they land.
func (s *BlockStore) Arrivals() <-chan model.Block {
	return s.arrivals
}

// Capacity returns the total and remaining bytes of the store's volume.
func (s *BlockStore) Capacity() (capacity, remaining int64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(s.dir, &stat); err != nil {
		return 0, 0, fmt.Errorf("statfs %s: %w", s.dir, err)
	}
	bsize := int64(stat.Bsize)
	return int64(stat.Blocks) * bsize, int64(stat.Bavail) * bsize, nil
}

// LoadStorageID reads the persisted storage ID, empty when the node has
// never been assigned one.
func (s *BlockStore) LoadStorageID() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, storageIDFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read storage id: %w", err)
	}
	return string(data), nil
}

// SaveStorageID persists the authority-assigned storage ID so it survives
// restarts.
func (s *BlockStore) SaveStorageID(id string) error {
	if err := os.WriteFile(filepath.Join(s.dir, storageIDFile), []byte(id), 0o644); err != nil {
		return fmt.Errorf("persist storage id: %w", err)
	}
	return nil
}
