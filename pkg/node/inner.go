package node

import (
	"errors"
	"fmt"

	"github.com/cryfs/blobstore-on-blocks/internal/blockid"
)

// ErrInvariantViolation signals corruption or a caller contract
// violation detected by the node layer itself (e.g. removing the last
// child of a single-child inner node, or adding a child at the wrong
// depth).
var ErrInvariantViolation = errors.New("node: invariant violation")

// Inner is the semantic view of a depth>0 block: up to N child
// BlockIds, where N = Layout.MaxChildrenPerInner().
type Inner struct {
	view *View
}

// NewInner creates a fresh inner node at the given depth (>0) with
// the given initial children (1 <= len(children) <= N).
func NewInner(layout Layout, depth uint8, children []blockid.BlockId) (*Inner, error) {
	if depth == 0 {
		return nil, fmt.Errorf("node: inner node depth must be > 0")
	}
	if depth > MaxDepth {
		return nil, &ErrFormatUnsupported{FormatVersion: FormatVersion, Depth: depth}
	}
	n := layout.MaxChildrenPerInner()
	if len(children) < 1 || uint32(len(children)) > n {
		return nil, fmt.Errorf("node: inner node must have between 1 and %d children, got %d", n, len(children))
	}
	v := newView(layout, depth)
	payload := v.Payload()
	for i, child := range children {
		child.ToBinary(payload[i*blockid.Size : (i+1)*blockid.Size])
	}
	v.setSize(uint32(len(children)))
	return &Inner{view: v}, nil
}

func asInner(v *View) *Inner {
	return &Inner{view: v}
}

// View exposes the underlying header/byte view.
func (n *Inner) View() *View { return n.view }

// Depth is this node's depth in the tree (> 0).
func (n *Inner) Depth() uint8 { return n.view.Depth() }

// NumChildren is the number of valid children currently stored.
func (n *Inner) NumChildren() uint32 { return n.view.size() }

// MaxChildren is N, this node's reserved child capacity.
func (n *Inner) MaxChildren() uint32 { return n.view.layout.MaxChildrenPerInner() }

func (n *Inner) childSlot(i uint32) []byte {
	payload := n.view.Payload()
	off := int(i) * blockid.Size
	return payload[off : off+blockid.Size]
}

// ReadChild returns the identifier of child i, 0 <= i < NumChildren().
func (n *Inner) ReadChild(i uint32) (blockid.BlockId, error) {
	if i >= n.NumChildren() {
		return blockid.Null, ErrOutOfBounds
	}
	return blockid.FromBinary(n.childSlot(i))
}

// ReadLastChild returns the rightmost child's identifier.
func (n *Inner) ReadLastChild() (blockid.BlockId, error) {
	if n.NumChildren() == 0 {
		return blockid.Null, ErrInvariantViolation
	}
	return n.ReadChild(n.NumChildren() - 1)
}

// AddChild appends a new rightmost child. childDepth must equal
// Depth()-1 and there must be room (NumChildren() < MaxChildren()).
func (n *Inner) AddChild(child blockid.BlockId, childDepth uint8) error {
	if childDepth != n.Depth()-1 {
		return fmt.Errorf("%w: child depth %d, expected %d", ErrInvariantViolation, childDepth, n.Depth()-1)
	}
	count := n.NumChildren()
	if count >= n.MaxChildren() {
		return fmt.Errorf("%w: inner node full (%d children)", ErrInvariantViolation, count)
	}
	child.ToBinary(n.childSlot(count))
	n.view.setSize(count + 1)
	return nil
}

// RemoveLastChild drops the rightmost child slot, zeroing it. Requires
// NumChildren() > 1: an inner node may never be left with zero
// children by this operation (the caller is responsible for root
// canonicalisation when the count reaches 1).
func (n *Inner) RemoveLastChild() error {
	count := n.NumChildren()
	if count <= 1 {
		return fmt.Errorf("%w: cannot remove last remaining child", ErrInvariantViolation)
	}
	last := count - 1
	slot := n.childSlot(last)
	for i := range slot {
		slot[i] = 0
	}
	n.view.setSize(last)
	return nil
}
