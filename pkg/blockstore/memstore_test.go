package blockstore

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestMemStore(t *testing.T, blockSize uint64) *MemStore {
	t.Helper()
	s, err := NewMemStore(blockSize, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestMemStoreCreateLoadRoundTrip(t *testing.T) {
	s := newTestMemStore(t, 64)
	content := make([]byte, 64)
	copy(content, []byte("hello"))

	id, err := s.Create(content)
	require.NoError(t, err)

	got, err := s.Load(id)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestMemStoreLoadMissingReturnsNotFound(t *testing.T) {
	s := newTestMemStore(t, 64)
	_, err := s.Load(Null)
	require.ErrorIs(t, err, ErrBlockNotFound)
}

func TestMemStoreOverwritePreservesIdentifier(t *testing.T) {
	s := newTestMemStore(t, 64)
	id, err := s.Create(make([]byte, 64))
	require.NoError(t, err)

	updated := make([]byte, 64)
	copy(updated, []byte("updated"))
	require.NoError(t, s.Overwrite(id, updated))

	got, err := s.Load(id)
	require.NoError(t, err)
	require.Equal(t, updated, got)
}

func TestMemStoreRemove(t *testing.T) {
	s := newTestMemStore(t, 64)
	id, err := s.Create(make([]byte, 64))
	require.NoError(t, err)

	existed, err := s.Remove(id)
	require.NoError(t, err)
	require.True(t, existed)

	_, err = s.Load(id)
	require.ErrorIs(t, err, ErrBlockNotFound)

	existed, err = s.Remove(id)
	require.NoError(t, err)
	require.False(t, existed)
}

func TestMemStoreWrongSizeRejected(t *testing.T) {
	s := newTestMemStore(t, 64)
	_, err := s.Create(make([]byte, 32))
	require.ErrorIs(t, err, ErrWrongBlockSize)
}

func TestMemStoreForEachBlock(t *testing.T) {
	s := newTestMemStore(t, 64)
	ids := map[BlockId]bool{}
	for i := 0; i < 5; i++ {
		id, err := s.Create(make([]byte, 64))
		require.NoError(t, err)
		ids[id] = true
	}

	seen := map[BlockId]bool{}
	require.NoError(t, s.ForEachBlock(func(id BlockId) error {
		seen[id] = true
		return nil
	}))
	require.Equal(t, ids, seen)
}

func TestMemStoreClosedRejectsOperations(t *testing.T) {
	s := newTestMemStore(t, 64)
	require.NoError(t, s.Close())
	_, err := s.Create(make([]byte, 64))
	require.ErrorIs(t, err, ErrStoreClosed)
}
