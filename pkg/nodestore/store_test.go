package nodestore

import (
	"testing"

	"github.com/cryfs/blobstore-on-blocks/pkg/blockstore"
	"github.com/cryfs/blobstore-on-blocks/pkg/node"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	blocks, err := blockstore.NewMemStore(64, zerolog.Nop())
	require.NoError(t, err)
	s, err := New(blocks, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestCreateLoadLeaf(t *testing.T) {
	s := newTestStore(t)
	id, leaf, err := s.CreateLeaf([]byte("abc"))
	require.NoError(t, err)
	require.EqualValues(t, 3, leaf.NumBytes())

	variant, err := s.Load(id)
	require.NoError(t, err)
	require.NotNil(t, variant.Leaf)
	require.EqualValues(t, 3, variant.Leaf.NumBytes())
}

func TestCreateLoadInner(t *testing.T) {
	s := newTestStore(t)
	leafID, _, err := s.CreateLeaf(nil)
	require.NoError(t, err)

	innerID, _, err := s.CreateInner(1, []BlockId{leafID})
	require.NoError(t, err)

	variant, err := s.Load(innerID)
	require.NoError(t, err)
	require.NotNil(t, variant.Inner)
	require.EqualValues(t, 1, variant.Inner.NumChildren())
}

func TestOverwritePreservesIdentity(t *testing.T) {
	s := newTestStore(t)
	id, _, err := s.CreateLeaf([]byte("old"))
	require.NoError(t, err)

	replacement, err := node.NewLeaf(s.Layout(), []byte("new-content"))
	require.NoError(t, err)

	require.NoError(t, s.Overwrite(id, replacement.View()))

	variant, err := s.Load(id)
	require.NoError(t, err)
	require.NotNil(t, variant.Leaf)
	require.EqualValues(t, len("new-content"), variant.Leaf.NumBytes())
}

func TestRemoveSubtreeFreesEveryDescendant(t *testing.T) {
	s := newTestStore(t)
	leaf1, _, err := s.CreateLeaf([]byte("a"))
	require.NoError(t, err)
	leaf2, _, err := s.CreateLeaf([]byte("b"))
	require.NoError(t, err)
	root, _, err := s.CreateInner(1, []BlockId{leaf1, leaf2})
	require.NoError(t, err)

	require.NoError(t, s.RemoveSubtree(root))

	_, err = s.Load(root)
	require.ErrorIs(t, err, ErrNodeNotFound)
	_, err = s.Load(leaf1)
	require.ErrorIs(t, err, ErrNodeNotFound)
	_, err = s.Load(leaf2)
	require.ErrorIs(t, err, ErrNodeNotFound)
}

func TestRemoveMissingIsNotFound(t *testing.T) {
	s := newTestStore(t)
	id, _, err := s.CreateLeaf(nil)
	require.NoError(t, err)
	require.NoError(t, s.Remove(id))

	err = s.Remove(id)
	require.ErrorIs(t, err, ErrNodeNotFound)
}
