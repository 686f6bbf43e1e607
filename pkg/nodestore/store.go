// Package nodestore layers node-level operations (create/load/
// overwrite/copy/remove/cascading remove) over a blockstore.Store.
package nodestore

import (
	"errors"
	"fmt"

	"github.com/cryfs/blobstore-on-blocks/internal/blockid"
	"github.com/cryfs/blobstore-on-blocks/pkg/blockstore"
	"github.com/cryfs/blobstore-on-blocks/pkg/node"
	"github.com/rs/zerolog"
)

// BlockId re-exports the identifier type for convenience.
type BlockId = blockid.BlockId

// ErrNodeNotFound is returned by Load when id does not name a live
// block in the underlying store.
var ErrNodeNotFound = errors.New("nodestore: node not found")

// Store creates, loads, and destroys typed nodes over a block store.
type Store struct {
	blocks blockstore.Store
	layout node.Layout
	log    zerolog.Logger
}

// New derives a Store's node.Layout from the underlying block store's
// fixed block size.
func New(blocks blockstore.Store, log zerolog.Logger) (*Store, error) {
	layout, err := node.NewLayout(blocks.BlockSizeBytes())
	if err != nil {
		return nil, err
	}
	return &Store{
		blocks: blocks,
		layout: layout,
		log:    log.With().Str("component", "nodestore").Logger(),
	}, nil
}

// Layout returns the node layout (L, N) this store's blocks use.
func (s *Store) Layout() node.Layout { return s.layout }

// CreateLeaf allocates a new leaf block with the given initial content
// (len(initial) <= L).
func (s *Store) CreateLeaf(initial []byte) (BlockId, *node.Leaf, error) {
	leaf, err := node.NewLeaf(s.layout, initial)
	if err != nil {
		return blockid.Null, nil, err
	}
	id, err := s.blocks.Create(leaf.View().Bytes())
	if err != nil {
		return blockid.Null, nil, fmt.Errorf("nodestore: creating leaf: %w", err)
	}
	s.log.Debug().Str("id", id.String()).Msg("created leaf node")
	return id, leaf, nil
}

// CreateInner allocates a new inner block at the given depth with the
// given initial children.
func (s *Store) CreateInner(depth uint8, children []BlockId) (BlockId, *node.Inner, error) {
	inner, err := node.NewInner(s.layout, depth, children)
	if err != nil {
		return blockid.Null, nil, err
	}
	id, err := s.blocks.Create(inner.View().Bytes())
	if err != nil {
		return blockid.Null, nil, fmt.Errorf("nodestore: creating inner: %w", err)
	}
	s.log.Debug().Str("id", id.String()).Uint8("depth", depth).Msg("created inner node")
	return id, inner, nil
}

// Load reads and type-checks the node named by id.
func (s *Store) Load(id BlockId) (node.Variant, error) {
	raw, err := s.blocks.Load(id)
	if err != nil {
		if errors.Is(err, blockstore.ErrBlockNotFound) {
			return node.Variant{}, ErrNodeNotFound
		}
		return node.Variant{}, fmt.Errorf("nodestore: loading %s: %w", id, err)
	}
	variant, err := node.Load(s.layout, raw)
	if err != nil {
		var formatErr *node.ErrFormatUnsupported
		if errors.As(err, &formatErr) {
			s.log.Error().Str("id", id.String()).Uint16("formatVersion", formatErr.FormatVersion).
				Uint8("depth", formatErr.Depth).Msg("rejected node with unsupported format")
		}
		return node.Variant{}, err
	}
	var view *node.View
	if variant.Leaf != nil {
		view = variant.Leaf.View()
	} else {
		view = variant.Inner.View()
	}
	if r := view.ReservedByte(); r != 0 {
		s.log.Warn().Str("id", id.String()).Uint8("reserved", r).Msg("nonzero reserved header byte")
	}
	return variant, nil
}

// Overwrite replaces the content of the block named by id with v's
// bytes, preserving id. v must have been produced against this
// store's Layout.
func (s *Store) Overwrite(id BlockId, v *node.View) error {
	if err := s.blocks.Overwrite(id, v.Bytes()); err != nil {
		if errors.Is(err, blockstore.ErrBlockNotFound) {
			return ErrNodeNotFound
		}
		return fmt.Errorf("nodestore: overwriting %s: %w", id, err)
	}
	return nil
}

// CopyToNew allocates a fresh block with the same content as v,
// giving the copy an independent identifier.
func (s *Store) CopyToNew(v *node.View) (BlockId, error) {
	id, err := s.blocks.Create(v.Bytes())
	if err != nil {
		return blockid.Null, fmt.Errorf("nodestore: copying node: %w", err)
	}
	return id, nil
}

// Remove frees a single block. It does not descend into children; use
// RemoveSubtree to cascade.
func (s *Store) Remove(id BlockId) error {
	existed, err := s.blocks.Remove(id)
	if err != nil {
		return fmt.Errorf("nodestore: removing %s: %w", id, err)
	}
	if !existed {
		return ErrNodeNotFound
	}
	return nil
}

// RemoveSubtree recursively frees every block reachable from id,
// visiting children before their parent, so a failure partway through
// leaves the minimum number of already-freed blocks. Order among
// siblings is unspecified.
func (s *Store) RemoveSubtree(id BlockId) error {
	variant, err := s.Load(id)
	if err != nil {
		return err
	}
	if variant.Inner != nil {
		n := variant.Inner.NumChildren()
		for i := uint32(0); i < n; i++ {
			child, err := variant.Inner.ReadChild(i)
			if err != nil {
				return err
			}
			if err := s.RemoveSubtree(child); err != nil {
				return err
			}
		}
	}
	return s.Remove(id)
}
