package parallelaccess

import (
	"sync"
	"testing"
	"time"

	"github.com/cryfs/blobstore-on-blocks/pkg/blockstore"
	"github.com/cryfs/blobstore-on-blocks/pkg/datatree"
	"github.com/cryfs/blobstore-on-blocks/pkg/nodestore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestTree(t *testing.T) (*nodestore.Store, *datatree.Tree) {
	t.Helper()
	blocks, err := blockstore.NewMemStore(72, zerolog.Nop())
	require.NoError(t, err)
	nodes, err := nodestore.New(blocks, zerolog.Nop())
	require.NoError(t, err)
	tree, err := datatree.CreateEmpty(nodes, zerolog.Nop())
	require.NoError(t, err)
	return nodes, tree
}

func TestLoadReturnsSameTreeInstanceWhileLive(t *testing.T) {
	nodes, tree := newTestTree(t)
	id := tree.Key()
	store := New(zerolog.Nop())

	h1, err := store.Add(id, tree)
	require.NoError(t, err)

	loadCalled := 0
	loadFn := func(id BlockId) (*datatree.Tree, error) {
		loadCalled++
		return datatree.Load(nodes, id, zerolog.Nop())
	}

	h2, err := store.Load(id, loadFn)
	require.NoError(t, err)
	require.Same(t, h1.Tree(), h2.Tree())
	require.Equal(t, 0, loadCalled, "Load should not hit the loader while an entry is already live")

	require.NoError(t, store.Remove(h1))
	require.NoError(t, store.Remove(h2))
}

func TestAddFailsIfAlreadyRegistered(t *testing.T) {
	_, tree := newTestTree(t)
	store := New(zerolog.Nop())
	id := tree.Key()

	_, err := store.Add(id, tree)
	require.NoError(t, err)

	_, err = store.Add(id, tree)
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestRemoveEvictsOnlyOnLastReference(t *testing.T) {
	_, tree := newTestTree(t)
	store := New(zerolog.Nop())
	id := tree.Key()

	h1, err := store.Add(id, tree)
	require.NoError(t, err)

	loadFn := func(id BlockId) (*datatree.Tree, error) {
		t.Fatal("loader should not run while h1 is live")
		return nil, nil
	}
	h2, err := store.Load(id, loadFn)
	require.NoError(t, err)

	require.Equal(t, 1, store.NumLive())
	require.NoError(t, store.Remove(h1))
	require.Equal(t, 1, store.NumLive(), "one reference remains, tree must stay registered")

	require.NoError(t, store.Remove(h2))
	require.Equal(t, 0, store.NumLive())
}

func TestLoadBlocksUntilDestructionCompletes(t *testing.T) {
	nodes, tree := newTestTree(t)
	id := tree.Key()
	store := New(zerolog.Nop())

	h1, err := store.Add(id, tree)
	require.NoError(t, err)

	var wg sync.WaitGroup
	removed := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, store.Remove(h1))
		close(removed)
	}()

	// Give Remove a moment to mark the entry as destroying before Load
	// runs. The assertions below (a fresh load, a different Tree) rely
	// on Remove getting there first; a Load that wins the race would
	// share the still-live tree instead.
	time.Sleep(time.Millisecond)

	reloaded := 0
	h2, err := store.Load(id, func(id BlockId) (*datatree.Tree, error) {
		reloaded++
		return datatree.Load(nodes, id, zerolog.Nop())
	})
	require.NoError(t, err)
	require.Equal(t, 1, reloaded)
	require.NotSame(t, tree, h2.Tree())

	<-removed
	wg.Wait()
	require.NoError(t, store.Remove(h2))
}
