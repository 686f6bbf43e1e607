package node

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrFormatUnsupported is returned by LoadView when a block's format
// version is unrecognised or its depth exceeds MaxDepth. It carries
// the offending values so callers can log them usefully.
type ErrFormatUnsupported struct {
	FormatVersion uint16
	Depth         uint8
}

func (e *ErrFormatUnsupported) Error() string {
	return fmt.Sprintf("node: unsupported format (version=%d, depth=%d)", e.FormatVersion, e.Depth)
}

// ErrBlockTooSmall is returned when a byte slice handed to LoadView is
// shorter than the layout's block size.
var ErrBlockTooSmall = errors.New("node: block smaller than layout's block size")

// View is the bit-exact header accessor shared by Leaf and Inner. It
// wraps the raw block bytes (header + payload) in place; no copy is
// made.
type View struct {
	layout Layout
	data   []byte
}

// newView initialises a freshly allocated, zero-filled block of
// layout.BlockSizeBytes and writes format version 0 and the given
// depth into its header.
func newView(layout Layout, depth uint8) *View {
	data := make([]byte, layout.BlockSizeBytes)
	v := &View{layout: layout, data: data}
	binary.LittleEndian.PutUint16(data[offsetFormatVersion:], FormatVersion)
	data[offsetReserved] = 0
	data[offsetDepth] = depth
	return v
}

// LoadView interprets raw as an existing block's bytes. raw is used
// directly, not copied; callers that need an independent buffer must
// copy first. Returns ErrFormatUnsupported if the header's format
// version is not FormatVersion or its depth exceeds MaxDepth.
func LoadView(layout Layout, raw []byte) (*View, error) {
	if uint64(len(raw)) < layout.BlockSizeBytes {
		return nil, ErrBlockTooSmall
	}
	v := &View{layout: layout, data: raw}
	if v.FormatVersion() != FormatVersion {
		return nil, &ErrFormatUnsupported{FormatVersion: v.FormatVersion(), Depth: v.Depth()}
	}
	if v.Depth() > MaxDepth {
		return nil, &ErrFormatUnsupported{FormatVersion: v.FormatVersion(), Depth: v.Depth()}
	}
	return v, nil
}

func (v *View) FormatVersion() uint16 {
	return binary.LittleEndian.Uint16(v.data[offsetFormatVersion:])
}

func (v *View) Depth() uint8 {
	return v.data[offsetDepth]
}

// ReservedByte returns the header's reserved byte. It is written as
// zero and ignored on read; callers may log a nonzero value.
func (v *View) ReservedByte() byte {
	return v.data[offsetReserved]
}

func (v *View) size() uint32 {
	return binary.LittleEndian.Uint32(v.data[offsetSize:])
}

func (v *View) setSize(n uint32) {
	binary.LittleEndian.PutUint32(v.data[offsetSize:], n)
}

// IsLeaf reports whether this view's depth marks it a leaf (depth 0).
func (v *View) IsLeaf() bool {
	return v.Depth() == 0
}

// Payload returns the payload region of the block, i.e. everything
// past the fixed header.
func (v *View) Payload() []byte {
	return v.data[HeaderSizeBytes:]
}

// Bytes returns the full block (header + payload), suitable for
// passing to a blockstore.Store Create/Overwrite call.
func (v *View) Bytes() []byte {
	return v.data
}

// Layout returns the layout this view was loaded/created with.
func (v *View) Layout() Layout {
	return v.layout
}
