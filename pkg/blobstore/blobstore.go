// Package blobstore is the facade that wires the node store, data
// tree, blob, and parallel-access layers together into the exposed
// Blob API: create/load/remove/enumerate plus sizing helpers.
package blobstore

import (
	"errors"
	"fmt"

	"github.com/cryfs/blobstore-on-blocks/internal/blockid"
	"github.com/cryfs/blobstore-on-blocks/pkg/blob"
	"github.com/cryfs/blobstore-on-blocks/pkg/blockstore"
	"github.com/cryfs/blobstore-on-blocks/pkg/datatree"
	"github.com/cryfs/blobstore-on-blocks/pkg/nodestore"
	"github.com/cryfs/blobstore-on-blocks/pkg/parallelaccess"
	"github.com/rs/zerolog"
)

// BlockId re-exports the identifier type; a Blob's Id() is a BlockId.
type BlockId = blockid.BlockId

// ErrBlobNotFound is returned by Load when id does not name a live
// blob (its root block is absent).
var ErrBlobNotFound = errors.New("blobstore: blob not found")

// Options configures a Store; the zero value fills in sane defaults.
type Options struct {
	// Logger receives structured logging for create/load/remove
	// events and node format errors. The zero value is a valid,
	// silent logger.
	Logger zerolog.Logger
}

// Store is the top-level facade over a blockstore.Store: the entry
// point upstream consumers (filesystem-level blob types and the like)
// are built on.
type Store struct {
	blocks blockstore.Store
	nodes  *nodestore.Store
	access *parallelaccess.Store
	log    zerolog.Logger
}

// Open wires a Store over an already-open block store.
func Open(blocks blockstore.Store, opts Options) (*Store, error) {
	nodes, err := nodestore.New(blocks, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("blobstore: opening: %w", err)
	}
	log := opts.Logger.With().Str("component", "blobstore").Logger()
	return &Store{
		blocks: blocks,
		nodes:  nodes,
		access: parallelaccess.New(opts.Logger),
		log:    log,
	}, nil
}

// Blob is a handle a consumer holds on an open blob: the byte-range
// I/O of blob.Blob, plus the parallel-access reference that keeps
// exactly one in-memory Tree alive for this identifier while the
// handle is open. Consumers MUST call Close when done; Close
// does not remove the blob, it only releases this handle's reference
// (the tree is flushed and evicted only once every handle for the
// same id has been closed).
type Blob struct {
	*blob.Blob
	store  *Store
	handle *parallelaccess.Handle
}

// Close releases this handle's reference on the underlying tree. When
// it is the last live reference for this blob's identifier, the tree
// is flushed and evicted from the parallel-access coordinator.
func (b *Blob) Close() error {
	return b.store.access.Remove(b.handle)
}

// Create makes a new, empty blob (Size() == 0) and returns a handle to
// it.
func (s *Store) Create() (*Blob, error) {
	tree, err := datatree.CreateEmpty(s.nodes, s.log)
	if err != nil {
		return nil, fmt.Errorf("blobstore: creating blob: %w", err)
	}
	handle, err := s.access.Add(tree.Key(), tree)
	if err != nil {
		return nil, fmt.Errorf("blobstore: registering new blob: %w", err)
	}
	s.log.Info().Str("id", tree.Key().String()).Msg("created blob")
	return &Blob{Blob: blob.New(tree), store: s, handle: handle}, nil
}

// Load opens the blob identified by id, returning ErrBlobNotFound if
// its root block does not exist. Concurrent Load calls for the same
// id share a single in-memory Tree via the parallel-access
// coordinator: each caller gets its own Blob/Close pair, but all
// operate against the one shared Tree.
func (s *Store) Load(id BlockId) (*Blob, error) {
	handle, err := s.access.Load(id, func(id BlockId) (*datatree.Tree, error) {
		tree, err := datatree.Load(s.nodes, id, s.log)
		if err != nil {
			if errors.Is(err, nodestore.ErrNodeNotFound) {
				return nil, ErrBlobNotFound
			}
			return nil, err
		}
		return tree, nil
	})
	if err != nil {
		return nil, err
	}
	return &Blob{Blob: blob.New(handle.Tree()), store: s, handle: handle}, nil
}

// Remove closes b's handle (flushing and evicting its tree once b was
// the last reference) and cascades-frees every block reachable from
// its root. b must not be used after Remove returns.
func (s *Store) Remove(b *Blob) error {
	id := b.Id()
	if err := b.Close(); err != nil {
		return fmt.Errorf("blobstore: releasing blob %s before remove: %w", id, err)
	}
	if err := s.nodes.RemoveSubtree(id); err != nil {
		if errors.Is(err, nodestore.ErrNodeNotFound) {
			return ErrBlobNotFound
		}
		return fmt.Errorf("blobstore: removing blob %s: %w", id, err)
	}
	s.log.Info().Str("id", id.String()).Msg("removed blob")
	return nil
}

// RemoveID cascades-frees every block reachable from id without going
// through an open Blob handle; it is the right call when the blob is
// known not to be loaded (e.g. a filesystem-level directory entry
// deleting a blob it never opened this process lifetime).
func (s *Store) RemoveID(id BlockId) error {
	if err := s.nodes.RemoveSubtree(id); err != nil {
		if errors.Is(err, nodestore.ErrNodeNotFound) {
			return ErrBlobNotFound
		}
		return fmt.Errorf("blobstore: removing blob %s: %w", id, err)
	}
	s.log.Info().Str("id", id.String()).Msg("removed blob")
	return nil
}

// NumBlocks reports the total number of blocks in the underlying store,
// not just those reachable from any one blob; use a Blob's NumNodes
// for a single blob's footprint.
func (s *Store) NumBlocks() (uint64, error) {
	return s.blocks.NumBlocks()
}

// EstimateNumFreeBlocks reports the underlying store's free-space
// estimate.
func (s *Store) EstimateNumFreeBlocks() (uint64, error) {
	return s.blocks.EstimateNumFreeBlocks()
}

// BlockSizeBytes is B, the fixed physical block size of the
// underlying store.
func (s *Store) BlockSizeBytes() uint64 {
	return s.blocks.BlockSizeBytes()
}

// ForEachBlob enumerates every live block identifier. The block store
// has no notion of "is a root", so this reports every block
// unconditionally; callers building a higher-level directory structure
// are expected to track which identifiers are roots themselves. Not
// used on any hot path.
func (s *Store) ForEachBlob(callback func(BlockId) error) error {
	return s.blocks.ForEachBlock(callback)
}

// Close releases the underlying block store's resources. Any blob
// handles obtained from this Store must not be used afterward.
func (s *Store) Close() error {
	return s.blocks.Close()
}
