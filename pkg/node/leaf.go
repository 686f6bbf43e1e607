package node

import (
	"errors"
	"fmt"
)

// ErrOutOfBounds is returned for reads/writes/child accesses past the
// node's current live extent.
var ErrOutOfBounds = errors.New("node: access out of bounds")

// Leaf is the semantic view of a depth-0 block: up to L raw data
// bytes, where L = Layout.MaxBytesPerLeaf().
type Leaf struct {
	view *View
}

// NewLeaf creates a fresh leaf block whose live content is exactly
// initial (len(initial) <= L); the remainder of the payload stays
// zero.
func NewLeaf(layout Layout, initial []byte) (*Leaf, error) {
	if uint64(len(initial)) > layout.MaxBytesPerLeaf() {
		return nil, fmt.Errorf("node: initial leaf content %d bytes exceeds L=%d", len(initial), layout.MaxBytesPerLeaf())
	}
	v := newView(layout, 0)
	copy(v.Payload(), initial)
	v.setSize(uint32(len(initial)))
	return &Leaf{view: v}, nil
}

// asLeaf wraps an already-loaded, depth-0 View.
func asLeaf(v *View) *Leaf {
	return &Leaf{view: v}
}

// View exposes the underlying header/byte view, e.g. for passing to a
// blockstore.Store.
func (l *Leaf) View() *View { return l.view }

// NumBytes is the number of live data bytes currently stored.
func (l *Leaf) NumBytes() uint32 { return l.view.size() }

// MaxBytes is L, the leaf's reserved capacity.
func (l *Leaf) MaxBytes() uint64 { return l.view.layout.MaxBytesPerLeaf() }

// Read copies count bytes starting at offset into dst. Requires
// offset+count <= NumBytes().
func (l *Leaf) Read(dst []byte, offset, count uint32) error {
	if uint64(offset)+uint64(count) > uint64(l.NumBytes()) {
		return ErrOutOfBounds
	}
	copy(dst, l.view.Payload()[offset:offset+count])
	return nil
}

// Write copies count bytes from src into the leaf at offset. Requires
// offset+count <= NumBytes(); growing into the leaf's reserved but
// not-yet-live capacity requires Resize first.
func (l *Leaf) Write(src []byte, offset, count uint32) error {
	if uint64(offset)+uint64(count) > uint64(l.NumBytes()) {
		return ErrOutOfBounds
	}
	copy(l.view.Payload()[offset:offset+count], src[:count])
	return nil
}

// Resize changes the leaf's live byte count. newSize must not exceed
// L. Shrinking zero-fills the vacated bytes; growing is safe without
// further zeroing because the payload past the live region is always
// zero already (blocks are zero-initialised and writes never touch
// beyond the live region without a prior Resize).
func (l *Leaf) Resize(newSize uint32) error {
	if uint64(newSize) > l.view.layout.MaxBytesPerLeaf() {
		return fmt.Errorf("node: resize %d exceeds L=%d", newSize, l.view.layout.MaxBytesPerLeaf())
	}
	old := l.NumBytes()
	if newSize < old {
		payload := l.view.Payload()
		for i := newSize; i < old; i++ {
			payload[i] = 0
		}
	}
	l.view.setSize(newSize)
	return nil
}
