package blobstore

import (
	"testing"

	"github.com/cryfs/blobstore-on-blocks/pkg/blockstore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	blocks, err := blockstore.NewMemStore(72, zerolog.Nop())
	require.NoError(t, err)
	store, err := Open(blocks, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	return store
}

func TestCreateLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	b, err := s.Create()
	require.NoError(t, err)
	id := b.Id()

	require.NoError(t, b.Write([]byte("hello"), 0, 5))
	require.NoError(t, b.Close())

	loaded, err := s.Load(id)
	require.NoError(t, err)
	defer loaded.Close()

	dst := make([]byte, 5)
	require.NoError(t, loaded.Read(dst, 0, 5))
	require.Equal(t, []byte("hello"), dst)
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	var bogus BlockId
	_, err := s.Load(bogus)
	require.ErrorIs(t, err, ErrBlobNotFound)
}

func TestRemoveCascadesAllBlocks(t *testing.T) {
	s := newTestStore(t)
	b, err := s.Create()
	require.NoError(t, err)
	require.NoError(t, b.Resize(10_000))

	before, err := s.NumBlocks()
	require.NoError(t, err)
	require.Greater(t, before, uint64(1))

	id := b.Id()
	require.NoError(t, s.Remove(b))

	_, err = s.Load(id)
	require.ErrorIs(t, err, ErrBlobNotFound)

	after, err := s.NumBlocks()
	require.NoError(t, err)
	require.Equal(t, uint64(0), after)
}

func TestTwoLoadsShareOneTree(t *testing.T) {
	s := newTestStore(t)
	b, err := s.Create()
	require.NoError(t, err)
	id := b.Id()
	require.NoError(t, b.Write([]byte("x"), 0, 1))

	second, err := s.Load(id)
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, b.Write([]byte("y"), 1, 1))
	dst := make([]byte, 2)
	require.NoError(t, second.Read(dst, 0, 2))
	require.Equal(t, []byte("xy"), dst, "a concurrent handle must observe writes through the shared tree")

	require.NoError(t, b.Close())
}
