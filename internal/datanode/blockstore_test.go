package datanode

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/blockdfs/blockdfs/internal/model"
)

func newTestStore(t *testing.T) *BlockStore {
	t.Helper()
	s, err := NewBlockStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestBlockStorePutGetDelete(t *testing.T) {
	s := newTestStore(t)
	b := model.Block{ID: 1, Generation: 1}
	data := []byte("replica payload")

	require.NoError(t, s.Put(b, data))
	assert.True(t, s.Has(1))

	got, payload, err := s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, data, payload)
	assert.Equal(t, int64(len(data)), got.NumBytes)

	require.NoError(t, s.Delete(1))
	assert.False(t, s.Has(1))
	_, _, err = s.Get(1)
	assert.True(t, errors.Is(err, ErrNoReplica))
}

func TestBlockStoreDeleteAbsentIsNoop(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Delete(404))
}

func TestBlockStoreDuplicatePutIsNoop(t *testing.T) {
	s := newTestStore(t)
	b := model.Block{ID: 1, Generation: 2}

	require.NoError(t, s.Put(b, []byte("first")))
	require.NoError(t, s.Put(b, []byte("second")))

	_, payload, err := s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), payload, "redelivered replica must not overwrite")

	// Older generation is ignored too.
	require.NoError(t, s.Put(model.Block{ID: 1, Generation: 1}, []byte("stale")))
	_, payload, err = s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), payload)
}

func TestBlockStoreNewerGenerationReplaces(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(model.Block{ID: 1, Generation: 1}, []byte("old")))
	require.NoError(t, s.Put(model.Block{ID: 1, Generation: 5}, []byte("newer")))

	got, payload, err := s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Generation)
	assert.Equal(t, []byte("newer"), payload)

	// One file per block; the superseded generation is gone.
	_, err = os.Stat(filepath.Join(s.dir, model.Block{ID: 1, Generation: 1}.Filename()))
	assert.True(t, os.IsNotExist(err))
}

func TestBlockStoreDetectsCorruption(t *testing.T) {
	s := newTestStore(t)
	b := model.Block{ID: 1, Generation: 1}
	require.NoError(t, s.Put(b, []byte("pristine")))

	path := filepath.Join(s.dir, b.Filename())
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[0] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, _, err = s.Get(1)
	assert.True(t, errors.Is(err, ErrCorruptReplica))
}

func TestBlockStoreScansExistingReplicas(t *testing.T) {
	dir := t.TempDir()
	first, err := NewBlockStore(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, first.Put(model.Block{ID: 7, Generation: 3}, []byte("persisted")))
	require.NoError(t, first.Put(model.Block{ID: 8, Generation: 1}, []byte("x")))

	reopened, err := NewBlockStore(dir, zap.NewNop())
	require.NoError(t, err)

	blocks := reopened.List()
	require.Len(t, blocks, 2)
	assert.Equal(t, int64(7), blocks[0].ID)
	assert.Equal(t, int64(3), blocks[0].Generation)
	assert.Equal(t, int64(len("persisted")), blocks[0].NumBytes)
	assert.Equal(t, int64(8), blocks[1].ID)
}

func TestBlockStoreAnnouncesArrivals(t *testing.T) {
	s := newTestStore(t)
	b := model.Block{ID: 11, Generation: 1}
	require.NoError(t, s.Put(b, []byte("fresh")))

	select {
	case got := <-s.Arrivals():
		assert.Equal(t, b.ID, got.ID)
	default:
		t.Fatal("expected an arrival notification")
	}
}

func TestBlockStoreStorageIDPersistence(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBlockStore(dir, zap.NewNop())
	require.NoError(t, err)

	id, err := s.LoadStorageID()
	require.NoError(t, err)
	assert.Empty(t, id, "fresh store has no identity")

	require.NoError(t, s.SaveStorageID("DS-abc"))

	reopened, err := NewBlockStore(dir, zap.NewNop())
	require.NoError(t, err)
	id, err = reopened.LoadStorageID()
	require.NoError(t, err)
	assert.Equal(t, "DS-abc", id)

	// The identity file must not be indexed as a replica.
	assert.Empty(t, reopened.List())
}

func TestBlockStoreCapacity(t *testing.T) {
	s := newTestStore(t)
	capacity, remaining, err := s.Capacity()
	require.NoError(t, err)
	assert.Positive(t, capacity)
	assert.GreaterOrEqual(t, capacity, remaining)
}
