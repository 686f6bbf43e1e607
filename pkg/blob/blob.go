// Package blob maps offset/count byte I/O onto datatree.Tree leaf-range
// traversals, hiding leaf structure from the blob consumer entirely.
package blob

import (
	"errors"
	"fmt"

	"github.com/cryfs/blobstore-on-blocks/internal/blockid"
	"github.com/cryfs/blobstore-on-blocks/pkg/datatree"
	"github.com/cryfs/blobstore-on-blocks/pkg/node"
)

// BlockId re-exports the identifier type; a Blob's Id() is a BlockId.
type BlockId = blockid.BlockId

// ErrOutOfBounds is returned by Read when offset+count exceeds the
// blob's current size. TryRead never returns it; it clamps instead.
var ErrOutOfBounds = errors.New("blob: read out of bounds")

// Blob is a variable-length, randomly addressable byte container
// backed 1:1 by a datatree.Tree.
type Blob struct {
	tree *datatree.Tree
}

// New wraps an already-open Tree as a Blob.
func New(tree *datatree.Tree) *Blob {
	return &Blob{tree: tree}
}

// Id is the blob's stable identifier: the underlying tree's root block
// identifier, unchanged across any Resize/Write/Flush.
func (b *Blob) Id() BlockId {
	return b.tree.Key()
}

// Size is the blob's current byte length.
func (b *Blob) Size() (uint64, error) {
	return b.tree.NumStoredBytes()
}

// Resize grows or shrinks the blob to exactly newSize bytes. Growing
// zero-fills the new region; shrinking truncates and frees the
// now-unreachable blocks.
func (b *Blob) Resize(newSize uint64) error {
	return b.tree.Resize(newSize)
}

// leafRange converts a byte range [offset, offset+count) into the leaf
// index range that covers it.
func leafRange(l uint64, offset, count uint64) (begin, end uint32) {
	if count == 0 {
		return uint32(offset / l), uint32(offset / l)
	}
	begin = uint32(offset / l)
	end = uint32((offset + count + l - 1) / l)
	return
}

// Read copies count bytes starting at offset into dst. Requires
// offset+count <= Size(); use TryRead for a bounds-permissive variant.
func (b *Blob) Read(dst []byte, offset, count uint64) error {
	size, err := b.Size()
	if err != nil {
		return err
	}
	if offset+count > size {
		return ErrOutOfBounds
	}
	if count == 0 {
		return nil
	}
	l := b.tree.MaxBytesPerLeaf()
	begin, end := leafRange(l, offset, count)
	return b.tree.TraverseLeavesReadOnly(begin, end, func(index uint32, _ bool, leaf *node.Leaf) error {
		leafStart := uint64(index) * l
		leafEnd := leafStart + uint64(leaf.NumBytes())
		copyStart := maxU64(offset, leafStart)
		copyEnd := minU64(offset+count, leafEnd)
		if copyEnd <= copyStart {
			return nil
		}
		srcOff := uint32(copyStart - leafStart)
		n := uint32(copyEnd - copyStart)
		dstOff := copyStart - offset
		return leaf.Read(dst[dstOff:dstOff+uint64(n)], srcOff, n)
	})
}

// TryRead behaves like Read but clamps count to max(0, Size()-offset)
// instead of failing when the requested range runs past the end of
// the blob. offset > Size() always yields zero bytes read and no
// error.
func (b *Blob) TryRead(dst []byte, offset, count uint64) (uint64, error) {
	size, err := b.Size()
	if err != nil {
		return 0, err
	}
	if offset >= size {
		return 0, nil
	}
	clamped := minU64(count, size-offset)
	if clamped == 0 {
		return 0, nil
	}
	if err := b.Read(dst[:clamped], offset, clamped); err != nil {
		return 0, err
	}
	return clamped, nil
}

// Write copies count bytes from src into the blob at offset, growing
// the blob first via Resize when offset+count exceeds the current
// size. If offset itself lies past the current size, the region
// between the old size and offset reads back as zero once the write
// completes, since the grow step's gap leaves are always zero-filled.
func (b *Blob) Write(src []byte, offset, count uint64) error {
	if count == 0 {
		return nil
	}
	size, err := b.Size()
	if err != nil {
		return err
	}
	if offset+count > size {
		if err := b.Resize(offset + count); err != nil {
			return fmt.Errorf("blob: extending for write: %w", err)
		}
	}
	l := b.tree.MaxBytesPerLeaf()
	begin, end := leafRange(l, offset, count)
	return b.tree.TraverseLeaves(begin, end,
		func(index uint32, _ bool, leaf *node.Leaf) error {
			leafStart := uint64(index) * l
			leafEnd := leafStart + uint64(leaf.NumBytes())
			copyStart := maxU64(offset, leafStart)
			copyEnd := minU64(offset+count, leafEnd)
			if copyEnd <= copyStart {
				return nil
			}
			dstOff := uint32(copyStart - leafStart)
			n := uint32(copyEnd - copyStart)
			srcOff := copyStart - offset
			return leaf.Write(src[srcOff:srcOff+uint64(n)], dstOff, n)
		},
		func(uint32) ([]byte, error) {
			return nil, fmt.Errorf("blob: write traversal unexpectedly needed to create a leaf after resize")
		},
	)
}

// Flush persists the blob's root block.
func (b *Blob) Flush() error {
	return b.tree.Flush()
}

// NumNodes is the blob's physical block footprint: every block
// reachable from its root, counted by a full tree walk.
func (b *Blob) NumNodes() (uint64, error) {
	return b.tree.NumNodes()
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
