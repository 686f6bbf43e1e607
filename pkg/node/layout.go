// Package node implements the typed views over a fixed-size block: the
// 8-byte header shared by every node, and the Leaf/Inner semantic
// views layered on top of it.
package node

import (
	"fmt"

	"github.com/cryfs/blobstore-on-blocks/internal/blockid"
)

// HeaderSizeBytes is H: the fixed header every block carries,
// regardless of block size.
const HeaderSizeBytes = 8

// MaxDepth bounds tree depth; loading a node whose depth exceeds this
// is rejected as corruption rather than trusted.
const MaxDepth = 10

// FormatVersion is the only on-wire format version this package
// understands.
const FormatVersion = 0

// Header field offsets, little-endian:
//
//	[0..2)  format version (u16)
//	[2..3)  reserved, must be zero
//	[3..4)  depth (u8)
//	[4..8)  size (u32)
const (
	offsetFormatVersion = 0
	offsetReserved      = 2
	offsetDepth         = 3
	offsetSize          = 4
)

// Layout captures the block-size-derived constants: L (max bytes per
// leaf) and N (max children per inner node), both a function of the
// fixed physical block size B.
type Layout struct {
	BlockSizeBytes uint64
}

// NewLayout validates blockSizeBytes against the minimum required to
// hold a header and at least two child identifiers, and returns the
// corresponding Layout.
func NewLayout(blockSizeBytes uint64) (Layout, error) {
	min := uint64(HeaderSizeBytes + 2*blockid.Size)
	if blockSizeBytes < min {
		return Layout{}, fmt.Errorf("node: block size %d below minimum %d", blockSizeBytes, min)
	}
	return Layout{BlockSizeBytes: blockSizeBytes}, nil
}

// DataSizeBytes is D = B - H, the payload region available past the
// header.
func (l Layout) DataSizeBytes() uint64 {
	return l.BlockSizeBytes - HeaderSizeBytes
}

// MaxBytesPerLeaf is L = D.
func (l Layout) MaxBytesPerLeaf() uint64 {
	return l.DataSizeBytes()
}

// MaxChildrenPerInner is N = floor(D / K), K = blockid.Size.
func (l Layout) MaxChildrenPerInner() uint32 {
	return uint32(l.DataSizeBytes() / blockid.Size)
}
