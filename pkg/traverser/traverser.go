// Package traverser implements the leaf-range traversal: a single
// recursive pass that grows the tree, fills gaps with zero leaves,
// visits existing leaves, and collapses a single-child root.
package traverser

import (
	"errors"
	"fmt"

	"github.com/cryfs/blobstore-on-blocks/internal/blockid"
	"github.com/cryfs/blobstore-on-blocks/pkg/node"
	"github.com/cryfs/blobstore-on-blocks/pkg/nodestore"
)

// BlockId re-exports the identifier type for convenience.
type BlockId = blockid.BlockId

// ErrReadOnlyViolation is returned when a read-only traversal would
// need to grow, fill a gap, or otherwise mutate the tree.
var ErrReadOnlyViolation = errors.New("traverser: read-only traversal cannot mutate tree")

// OnExisting is invoked once for every leaf index already present in
// the traversal range. isRightBorder is true iff index == end-1.
type OnExisting func(index uint32, isRightBorder bool, leafID BlockId, leaf *node.Leaf) error

// OnCreate is invoked to obtain the initial content for a freshly
// created leaf inside the traversal range (never for a gap leaf
// outside it, which is always zero-filled). The returned bytes may be
// shorter than L only for the new trailing partial leaf.
type OnCreate func(index uint32) ([]byte, error)

// OnBacktrack is invoked exactly once per inner node, after all of its
// leaves (new or existing) have been visited.
type OnBacktrack func(innerID BlockId, inner *node.Inner) error

// Traverser runs leaf-range traversals against a single nodestore.Store.
type Traverser struct {
	store    *nodestore.Store
	readOnly bool
}

// New creates a Traverser. When readOnly is true, any traversal that
// would need to grow the tree, fill a gap, or create a node fails with
// ErrReadOnlyViolation instead of mutating anything.
func New(store *nodestore.Store, readOnly bool) *Traverser {
	return &Traverser{store: store, readOnly: readOnly}
}

type callbacks struct {
	onExisting  OnExisting
	onCreate    OnCreate
	onBacktrack OnBacktrack
}

// Traverse visits every leaf index in [begin, end), growing the tree
// rooted at rootID as needed. The returned root identifier always
// equals rootID: growth and shrink both preserve it by overwriting the
// root block in place (deepen, canonicalizeRoot).
func (t *Traverser) Traverse(rootID BlockId, begin, end uint32, onExisting OnExisting, onCreate OnCreate, onBacktrack OnBacktrack) (BlockId, error) {
	if begin > end {
		return rootID, fmt.Errorf("traverser: invalid range [%d, %d)", begin, end)
	}
	if onBacktrack == nil {
		onBacktrack = func(BlockId, *node.Inner) error { return nil }
	}
	cb := callbacks{onExisting: onExisting, onCreate: onCreate, onBacktrack: onBacktrack}
	return t.traverseAndUpdateRoot(rootID, uint64(begin), uint64(end), true, cb)
}

func variantView(v node.Variant) *node.View {
	if v.Leaf != nil {
		return v.Leaf.View()
	}
	return v.Inner.View()
}

func (t *Traverser) traverseAndUpdateRoot(rootID BlockId, begin, end uint64, isLeftBorder bool, cb callbacks) (BlockId, error) {
	for {
		variant, err := t.store.Load(rootID)
		if err != nil {
			return rootID, err
		}
		rootView := variantView(variant)
		n := rootView.Layout().MaxChildrenPerInner()
		maxLeaves := maxLeavesForDepth(n, rootView.Depth())
		growing := end > maxLeaves
		if t.readOnly && growing {
			return rootID, fmt.Errorf("%w: traversal needs to grow the tree", ErrReadOnlyViolation)
		}

		if rootView.Depth() == 0 {
			leaf := variant.Leaf
			dirty := false
			if growing && uint64(leaf.NumBytes()) != leaf.MaxBytes() {
				if err := leaf.Resize(uint32(leaf.MaxBytes())); err != nil {
					return rootID, err
				}
				dirty = true
			}
			if begin == 0 && end >= 1 {
				if err := cb.onExisting(0, end == 1, rootID, leaf); err != nil {
					return rootID, err
				}
				dirty = dirty || !t.readOnly
			}
			if dirty {
				if err := t.store.Overwrite(rootID, leaf.View()); err != nil {
					return rootID, err
				}
			}
		} else {
			inner := variant.Inner
			localBegin := minU64(begin, maxLeaves)
			localEnd := minU64(end, maxLeaves)
			if err := t.traverseInner(rootID, inner, localBegin, localEnd, 0, isLeftBorder, !growing, growing, cb); err != nil {
				return rootID, err
			}
		}

		if !growing {
			break
		}
		if err := t.deepen(rootID); err != nil {
			return rootID, err
		}
		if begin < maxLeaves {
			begin = maxLeaves
		}
		isLeftBorder = false
	}

	if t.readOnly {
		return rootID, nil
	}
	if err := t.canonicalizeRoot(rootID); err != nil {
		return rootID, err
	}
	return rootID, nil
}

// deepen clones root's current content into a fresh block, builds a
// new inner node one level deeper whose sole child is that clone, and
// overwrites the root block with the new inner node's content,
// preserving the root identifier.
func (t *Traverser) deepen(rootID BlockId) error {
	variant, err := t.store.Load(rootID)
	if err != nil {
		return err
	}
	rootView := variantView(variant)
	depth := rootView.Depth()

	cloneID, err := t.store.CopyToNew(rootView)
	if err != nil {
		return err
	}
	tempInnerID, tempInner, err := t.store.CreateInner(depth+1, []BlockId{cloneID})
	if err != nil {
		return err
	}
	if err := t.store.Overwrite(rootID, tempInner.View()); err != nil {
		return err
	}
	return t.store.Remove(tempInnerID)
}

// traverseInner handles the inner-node case: it descends into
// already-existing children, then synthesises any new (including gap)
// children, in that order.
func (t *Traverser) traverseInner(nodeID BlockId, inner *node.Inner, begin, end, leafOffset uint64, isLeftBorder, isRightBorderNode, growLastLeaf bool, cb callbacks) error {
	depth := inner.Depth()
	n := uint64(inner.View().Layout().MaxChildrenPerInner())
	leavesPerChild := maxLeavesForDepth(uint32(n), depth-1)

	beginChild := begin / leavesPerChild
	endChild := ceilDivision(end, leavesPerChild)
	numChildren := uint64(inner.NumChildren())
	shouldGrowLastExistingLeaf := growLastLeaf || endChild > numChildren
	dirty := false

	if isLeftBorder && beginChild >= numChildren {
		if numChildren == 0 {
			return fmt.Errorf("traverser: inner node has no children")
		}
		lastChildID, err := inner.ReadLastChild()
		if err != nil {
			return err
		}
		childOffset := (numChildren - 1) * leavesPerChild
		noop := callbacks{
			onExisting:  func(uint32, bool, BlockId, *node.Leaf) error { return fmt.Errorf("traverser: preflight should not visit leaves") },
			onCreate:    func(uint32) ([]byte, error) { return nil, fmt.Errorf("traverser: preflight should not create leaves") },
			onBacktrack: func(BlockId, *node.Inner) error { return nil },
		}
		if err := t.traverseExisting(lastChildID, depth-1, leavesPerChild, leavesPerChild, childOffset, true, false, true, noop); err != nil {
			return err
		}
	}

	lastExisting := minU64(endChild, numChildren)
	for childIndex := beginChild; childIndex < lastExisting; childIndex++ {
		childID, err := inner.ReadChild(uint32(childIndex))
		if err != nil {
			return err
		}
		childOffset := childIndex * leavesPerChild
		localBegin := maxZeroSubtraction(begin, childOffset)
		localEnd := minU64(leavesPerChild, end-childOffset)
		isFirstChild := childIndex == beginChild
		isLastExistingChild := childIndex == numChildren-1
		// The child holding leaf end-1 is the endChild-1 one; when the
		// range extends past the existing children, end-1 lives in a
		// child yet to be created and no existing child carries the flag.
		isLastChild := childIndex == endChild-1
		if err := t.traverseExisting(childID, depth-1, localBegin, localEnd, leafOffset+childOffset,
			isLeftBorder && isFirstChild, isRightBorderNode && isLastChild,
			shouldGrowLastExistingLeaf && isLastExistingChild, cb); err != nil {
			return err
		}
	}

	for childIndex := numChildren; childIndex < endChild; childIndex++ {
		if t.readOnly {
			return fmt.Errorf("%w: traversal needs to create a new node", ErrReadOnlyViolation)
		}
		childOffset := childIndex * leavesPerChild
		localBegin := minU64(leavesPerChild, maxZeroSubtraction(begin, childOffset))
		localEnd := minU64(leavesPerChild, end-childOffset)
		var creator OnCreate
		if childIndex >= beginChild {
			creator = cb.onCreate
		} else {
			creator = t.maxSizeZeroLeaf
		}
		childID, err := t.createNewSubtree(localBegin, localEnd, leafOffset+childOffset, depth-1, creator, cb.onBacktrack)
		if err != nil {
			return err
		}
		if err := inner.AddChild(childID, depth-1); err != nil {
			return err
		}
		dirty = true
	}

	if end > begin {
		if err := cb.onBacktrack(nodeID, inner); err != nil {
			return err
		}
		dirty = dirty || !t.readOnly
	}

	if dirty {
		if err := t.store.Overwrite(nodeID, inner.View()); err != nil {
			return err
		}
	}
	return nil
}

// traverseExisting loads nodeID, checks its depth matches, and
// dispatches to the leaf or inner case.
func (t *Traverser) traverseExisting(nodeID BlockId, depth uint8, begin, end, leafOffset uint64, isLeftBorder, isRightBorderNode, growLastLeaf bool, cb callbacks) error {
	if depth == 0 {
		if begin > 1 || end > 1 {
			return fmt.Errorf("traverser: leaf subtree accessed with indices %d..%d, must be 0 or 1", begin, end)
		}
		variant, err := t.store.Load(nodeID)
		if err != nil {
			return err
		}
		leaf := variant.Leaf
		if leaf == nil {
			return fmt.Errorf("traverser: node %s at depth 0 is not a leaf", nodeID)
		}
		dirty := false
		if growLastLeaf && uint64(leaf.NumBytes()) != leaf.MaxBytes() {
			if t.readOnly {
				return fmt.Errorf("%w: traversal needs to grow the last leaf", ErrReadOnlyViolation)
			}
			if err := leaf.Resize(uint32(leaf.MaxBytes())); err != nil {
				return err
			}
			dirty = true
		}
		if begin == 0 && end == 1 {
			if err := cb.onExisting(uint32(leafOffset), isRightBorderNode, nodeID, leaf); err != nil {
				return err
			}
			dirty = dirty || !t.readOnly
		}
		if dirty {
			if err := t.store.Overwrite(nodeID, leaf.View()); err != nil {
				return err
			}
		}
		return nil
	}

	variant, err := t.store.Load(nodeID)
	if err != nil {
		return err
	}
	if variant.Inner == nil {
		return fmt.Errorf("traverser: node %s expected depth %d inner node", nodeID, depth)
	}
	if variant.Inner.Depth() != depth {
		return fmt.Errorf("traverser: node %s has depth %d, expected %d", nodeID, variant.Inner.Depth(), depth)
	}
	return t.traverseInner(nodeID, variant.Inner, begin, end, leafOffset, isLeftBorder, isRightBorderNode, growLastLeaf, cb)
}

// createNewSubtree builds a fresh, left-maximal subtree of the given
// depth holding leaf indices [0, end) relative to leafOffset, using
// onCreate for the leaves in [begin, end) and full zero-filled gap
// leaves (maxSizeZeroLeaf) for the leaves before begin.
func (t *Traverser) createNewSubtree(begin, end, leafOffset uint64, depth uint8, onCreate OnCreate, onBacktrack OnBacktrack) (BlockId, error) {
	if depth == 0 {
		if begin > 1 || end != 1 {
			return blockid.Null, fmt.Errorf("traverser: depth-0 subtree must cover exactly one leaf index, got [%d,%d)", begin, end)
		}
		creator := onCreate
		if begin != 0 {
			creator = t.maxSizeZeroLeaf
		}
		content, err := creator(uint32(leafOffset))
		if err != nil {
			return blockid.Null, err
		}
		id, _, err := t.store.CreateLeaf(content)
		return id, err
	}

	layout := t.store.Layout()
	leavesPerChild := maxLeavesForDepth(layout.MaxChildrenPerInner(), depth-1)
	beginChild := begin / leavesPerChild
	endChild := ceilDivision(end, leavesPerChild)

	children := make([]BlockId, 0, endChild)
	for childIndex := uint64(0); childIndex < beginChild; childIndex++ {
		childOffset := childIndex * leavesPerChild
		childID, err := t.createNewSubtree(leavesPerChild, leavesPerChild, leafOffset+childOffset, depth-1, t.maxSizeZeroLeaf, func(BlockId, *node.Inner) error { return nil })
		if err != nil {
			return blockid.Null, err
		}
		children = append(children, childID)
	}
	for childIndex := beginChild; childIndex < endChild; childIndex++ {
		childOffset := childIndex * leavesPerChild
		localBegin := maxZeroSubtraction(begin, childOffset)
		localEnd := minU64(leavesPerChild, end-childOffset)
		childID, err := t.createNewSubtree(localBegin, localEnd, leafOffset+childOffset, depth-1, onCreate, onBacktrack)
		if err != nil {
			return blockid.Null, err
		}
		children = append(children, childID)
	}

	id, inner, err := t.store.CreateInner(depth, children)
	if err != nil {
		return blockid.Null, err
	}
	if end > begin {
		if err := onBacktrack(id, inner); err != nil {
			return blockid.Null, err
		}
		if err := t.store.Overwrite(id, inner.View()); err != nil {
			return blockid.Null, err
		}
	}
	return id, nil
}

// maxSizeZeroLeaf is the gap-leaf generator: every gap leaf is a full,
// zero-filled leaf of L bytes.
func (t *Traverser) maxSizeZeroLeaf(uint32) ([]byte, error) {
	return make([]byte, t.store.Layout().MaxBytesPerLeaf()), nil
}

// canonicalizeRoot repeatedly replaces a single-child inner root with
// its child's content (preserving the root's identifier) until the
// root is a leaf or an inner node with more than one child.
func (t *Traverser) canonicalizeRoot(rootID BlockId) error {
	for {
		variant, err := t.store.Load(rootID)
		if err != nil {
			return err
		}
		if variant.Inner == nil || variant.Inner.NumChildren() != 1 {
			return nil
		}
		childID, err := variant.Inner.ReadChild(0)
		if err != nil {
			return err
		}
		collapsedID, err := t.collapseSingleChildChain(childID)
		if err != nil {
			return err
		}
		collapsedVariant, err := t.store.Load(collapsedID)
		if err != nil {
			return err
		}
		if err := t.store.Overwrite(rootID, variantView(collapsedVariant)); err != nil {
			return err
		}
		if err := t.store.Remove(collapsedID); err != nil {
			return err
		}
	}
}

// collapseSingleChildChain walks down a chain of single-child inner
// nodes starting at id, freeing each one it passes through, and
// returns the identifier of the first node that is either a leaf or an
// inner node with more than one child.
func (t *Traverser) collapseSingleChildChain(id BlockId) (BlockId, error) {
	variant, err := t.store.Load(id)
	if err != nil {
		return blockid.Null, err
	}
	if variant.Leaf != nil || variant.Inner.NumChildren() != 1 {
		return id, nil
	}
	childID, err := variant.Inner.ReadChild(0)
	if err != nil {
		return blockid.Null, err
	}
	result, err := t.collapseSingleChildChain(childID)
	if err != nil {
		return blockid.Null, err
	}
	if err := t.store.Remove(id); err != nil {
		return blockid.Null, err
	}
	return result, nil
}
