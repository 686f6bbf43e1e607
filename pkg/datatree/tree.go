// Package datatree implements the blob-level tree API: a balanced tree
// of fixed-size blocks addressed by a single, stable root identifier.
package datatree

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cryfs/blobstore-on-blocks/internal/blockid"
	"github.com/cryfs/blobstore-on-blocks/pkg/node"
	"github.com/cryfs/blobstore-on-blocks/pkg/nodestore"
	"github.com/cryfs/blobstore-on-blocks/pkg/traverser"
	"github.com/rs/zerolog"
)

// BlockId re-exports the identifier type for convenience.
type BlockId = blockid.BlockId

// ErrInvariantViolation is returned when the tree observes structural
// corruption it did not itself introduce (e.g. an inner node with zero
// children while loading the right spine).
var ErrInvariantViolation = errors.New("datatree: invariant violation")

// OnExistingLeaf is invoked for every already-present leaf a traversal
// visits, with its leaf index and whether it is the last index of the
// traversed range.
type OnExistingLeaf func(index uint32, isRightBorder bool, leaf *node.Leaf) error

// OnCreateLeaf supplies the initial content for a freshly created leaf.
type OnCreateLeaf func(index uint32) ([]byte, error)

// Tree is the in-memory handle over a single blob's on-block
// representation. Its identifier (Key()) is the root block identifier
// and never changes for the lifetime of the tree, across any number of
// grows, shrinks, or resizes.
type Tree struct {
	mu    sync.RWMutex
	store *nodestore.Store
	log   zerolog.Logger

	rootID BlockId

	// sizeKnown caches numLeaves/numBytes once computed; both are
	// invalidated together since both are derived from the same
	// right-spine walk.
	sizeKnown bool
	numLeaves uint32
	numBytes  uint64
}

// Load opens a Tree over an already-existing root block.
func Load(store *nodestore.Store, rootID BlockId, log zerolog.Logger) (*Tree, error) {
	if _, err := store.Load(rootID); err != nil {
		return nil, err
	}
	return &Tree{
		store:  store,
		rootID: rootID,
		log:    log.With().Str("component", "datatree").Str("root", rootID.String()).Logger(),
	}, nil
}

// CreateEmpty creates a brand-new tree consisting of a single empty
// leaf, whose block identifier becomes the tree's (and blob's) stable
// identifier.
func CreateEmpty(store *nodestore.Store, log zerolog.Logger) (*Tree, error) {
	id, _, err := store.CreateLeaf(nil)
	if err != nil {
		return nil, fmt.Errorf("datatree: creating empty tree: %w", err)
	}
	t := &Tree{
		store:  store,
		rootID: id,
		log:    log.With().Str("component", "datatree").Str("root", id.String()).Logger(),
	}
	t.sizeKnown = true
	t.numLeaves = 1
	t.numBytes = 0
	return t, nil
}

// Key is the tree's (and blob's) stable root block identifier.
func (t *Tree) Key() BlockId {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootID
}

// MaxBytesPerLeaf is L, derived from the underlying node layout.
func (t *Tree) MaxBytesPerLeaf() uint64 {
	return t.store.Layout().MaxBytesPerLeaf()
}

// maxChildrenPerInner is N.
func (t *Tree) maxChildrenPerInner() uint32 {
	return t.store.Layout().MaxChildrenPerInner()
}

// NumLeaves returns the tree's current leaf count, computing it (by
// walking only the right spine, per the left-maximal invariant) on
// first access or after any resize invalidates the cache.
func (t *Tree) NumLeaves() (uint32, error) {
	t.mu.RLock()
	if t.sizeKnown {
		defer t.mu.RUnlock()
		return t.numLeaves, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sizeKnown {
		return t.numLeaves, nil
	}
	if err := t.recomputeSizeLocked(); err != nil {
		return 0, err
	}
	return t.numLeaves, nil
}

// NumStoredBytes returns the tree's current byte count, via the same
// right-spine walk as NumLeaves.
func (t *Tree) NumStoredBytes() (uint64, error) {
	t.mu.RLock()
	if t.sizeKnown {
		defer t.mu.RUnlock()
		return t.numBytes, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sizeKnown {
		return t.numBytes, nil
	}
	if err := t.recomputeSizeLocked(); err != nil {
		return 0, err
	}
	return t.numBytes, nil
}

// recomputeSizeLocked walks the right spine from the root to the
// deepest rightmost leaf. A depth-d inner node with c children has
// (c-1)*N^(d-1) leaves from its full children plus the rightmost
// child's own leaf/byte count; only the right spine can taper.
func (t *Tree) recomputeSizeLocked() error {
	n := t.maxChildrenPerInner()
	leaves, bytes, err := t.walkRightSpine(t.rootID, n)
	if err != nil {
		return err
	}
	t.numLeaves = leaves
	t.numBytes = bytes
	t.sizeKnown = true
	return nil
}

func (t *Tree) walkRightSpine(id BlockId, n uint32) (uint32, uint64, error) {
	variant, err := t.store.Load(id)
	if err != nil {
		return 0, 0, err
	}
	if variant.Leaf != nil {
		return 1, uint64(variant.Leaf.NumBytes()), nil
	}
	inner := variant.Inner
	c := inner.NumChildren()
	if c == 0 {
		return 0, 0, fmt.Errorf("%w: inner node with zero children", ErrInvariantViolation)
	}
	leavesPerFullChild := maxLeavesForDepth(n, inner.Depth()-1)
	last, err := inner.ReadLastChild()
	if err != nil {
		return 0, 0, err
	}
	rightLeaves, rightBytes, err := t.walkRightSpine(last, n)
	if err != nil {
		return 0, 0, err
	}
	fullChildren := uint64(c - 1)
	leaves := fullChildren*leavesPerFullChild + uint64(rightLeaves)
	bytes := fullChildren*leavesPerFullChild*t.MaxBytesPerLeaf() + rightBytes
	return uint32(leaves), bytes, nil
}

func maxLeavesForDepth(n uint32, depth uint8) uint64 {
	result := uint64(1)
	base := uint64(n)
	for i := uint8(0); i < depth; i++ {
		result *= base
	}
	return result
}

// liftSizeCacheLocked invalidates the cached counts when a traversal
// may have extended the tree past the cached leaf count. The exact new
// byte/leaf counts depend on what the traversal actually did (gap-fill
// vs plain append), so the next query recomputes them.
func (t *Tree) liftSizeCacheLocked(end uint32) {
	if t.sizeKnown && end > t.numLeaves {
		t.sizeKnown = false
	}
}

// TraverseLeaves is a thin wrapper around the traverser: it runs under
// the tree's lock and persists a changed root, preserving the blob
// identifier.
func (t *Tree) TraverseLeaves(begin, end uint32, onExisting OnExistingLeaf, onCreate OnCreateLeaf) error {
	readOnly := false
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.traverseLocked(begin, end, onExisting, onCreate, readOnly)
}

// TraverseLeavesReadOnly runs a traversal that must not grow, gap-fill,
// or resize the last leaf; it takes only a shared lock.
func (t *Tree) TraverseLeavesReadOnly(begin, end uint32, onExisting OnExistingLeaf) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	trav := traverser.New(t.store, true)
	_, err := trav.Traverse(t.rootID, begin, end,
		func(index uint32, isRightBorder bool, _ BlockId, leaf *node.Leaf) error {
			return onExisting(index, isRightBorder, leaf)
		},
		func(uint32) ([]byte, error) {
			return nil, fmt.Errorf("datatree: read-only traversal must not create leaves")
		},
		nil,
	)
	return err
}

func (t *Tree) traverseLocked(begin, end uint32, onExisting OnExistingLeaf, onCreate OnCreateLeaf, readOnly bool) error {
	trav := traverser.New(t.store, readOnly)
	newRoot, err := trav.Traverse(t.rootID, begin, end,
		func(index uint32, isRightBorder bool, _ BlockId, leaf *node.Leaf) error {
			if onExisting == nil {
				return fmt.Errorf("datatree: traversal visited an existing leaf with no handler")
			}
			return onExisting(index, isRightBorder, leaf)
		},
		func(index uint32) ([]byte, error) {
			if onCreate == nil {
				return nil, fmt.Errorf("datatree: traversal needs to create a leaf with no handler")
			}
			return onCreate(index)
		},
		nil,
	)
	if err != nil {
		return err
	}
	// The traverser always preserves the root identifier (growth and
	// canonicalisation both overwrite root's block in place), but the
	// identifier is re-read defensively in case that contract is ever
	// relaxed.
	t.rootID = newRoot
	t.liftSizeCacheLocked(end)
	return nil
}

// Resize grows or shrinks the tree so NumStoredBytes() == newNumBytes.
func (t *Tree) Resize(newNumBytes uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.sizeKnown {
		if err := t.recomputeSizeLocked(); err != nil {
			return err
		}
	}
	l := t.MaxBytesPerLeaf()
	if newNumBytes == t.numBytes {
		return nil
	}

	newNumLeaves := uint32(1)
	if newNumBytes > 0 {
		newNumLeaves = uint32((newNumBytes + l - 1) / l)
	}
	newLastLeafSize := newNumBytes - uint64(newNumLeaves-1)*l

	if newNumBytes > t.numBytes {
		if err := t.growLocked(newNumLeaves, uint32(newLastLeafSize)); err != nil {
			return err
		}
	} else {
		if err := t.shrinkLocked(newNumLeaves, uint32(newLastLeafSize)); err != nil {
			return err
		}
	}
	t.numBytes = newNumBytes
	t.numLeaves = newNumLeaves
	t.sizeKnown = true
	return nil
}

// growLocked extends the tree to newNumLeaves zero-filled leaves (every
// new leaf gets full-capacity zero content from onCreate, and gap
// leaves are zero-filled by the traverser), then trims the new
// trailing leaf down to its exact size.
func (t *Tree) growLocked(newNumLeaves uint32, newLastLeafSize uint32) error {
	begin := t.numLeaves
	if begin > 0 {
		begin--
	}
	l := t.MaxBytesPerLeaf()
	err := t.traverseLocked(begin, newNumLeaves,
		func(uint32, bool, *node.Leaf) error { return nil },
		func(uint32) ([]byte, error) { return make([]byte, l), nil },
		false)
	if err != nil {
		return err
	}
	return t.resizeLastLeafLocked(newNumLeaves-1, newLastLeafSize)
}

// shrinkLocked removes right-spine children whose entire leaf range
// falls at or beyond newNumLeaves, collapses a single-child root down
// into its child chain, then trims the new trailing leaf.
func (t *Tree) shrinkLocked(newNumLeaves uint32, newLastLeafSize uint32) error {
	n := t.maxChildrenPerInner()
	if err := t.shrinkSubtree(t.rootID, n, 0, newNumLeaves); err != nil {
		return err
	}
	if _, err := t.canonicalize(t.rootID); err != nil {
		return err
	}
	return t.resizeLastLeafLocked(newNumLeaves-1, newLastLeafSize)
}

// shrinkSubtree removes trailing children of id (an inner node, or
// leaves id unchanged if it is already a leaf or nothing needs
// removing) so that it covers no leaf index at or beyond keepLeaves
// (an absolute leaf index; offset is id's first leaf index), freeing
// every subtree it drops. Identifiers are
// never replaced: an intermediate right-spine node left with a single
// child stays as it is, since only the root may be collapsed into its
// child (a non-root collapse would change the block's depth out from
// under its parent). It also does not resize the new trailing leaf;
// callers do that once at the end via resizeLastLeafLocked.
func (t *Tree) shrinkSubtree(id BlockId, n uint32, offset, keepLeaves uint32) error {
	variant, err := t.store.Load(id)
	if err != nil {
		return err
	}
	if variant.Leaf != nil {
		return nil
	}
	inner := variant.Inner
	leavesPerChild := uint32(maxLeavesForDepth(n, inner.Depth()-1))
	dirty := false
	for {
		c := inner.NumChildren()
		childOffset := offset + (c-1)*leavesPerChild
		if childOffset >= keepLeaves && c > 1 {
			last, err := inner.ReadLastChild()
			if err != nil {
				return err
			}
			if err := t.store.RemoveSubtree(last); err != nil {
				return err
			}
			if err := inner.RemoveLastChild(); err != nil {
				return err
			}
			dirty = true
			continue
		}
		break
	}
	c := inner.NumChildren()
	lastChildOffset := offset + (c-1)*leavesPerChild
	last, err := inner.ReadLastChild()
	if err != nil {
		return err
	}
	if err := t.shrinkSubtree(last, n, lastChildOffset, keepLeaves); err != nil {
		return err
	}
	if dirty {
		if err := t.store.Overwrite(id, inner.View()); err != nil {
			return err
		}
	}
	return nil
}

// canonicalize collapses id, while it is an inner node with exactly
// one child, down into that child's content, preserving id.
func (t *Tree) canonicalize(id BlockId) (BlockId, error) {
	for {
		variant, err := t.store.Load(id)
		if err != nil {
			return blockid.Null, err
		}
		if variant.Inner == nil || variant.Inner.NumChildren() != 1 {
			return id, nil
		}
		child, err := variant.Inner.ReadChild(0)
		if err != nil {
			return blockid.Null, err
		}
		childVariant, err := t.store.Load(child)
		if err != nil {
			return blockid.Null, err
		}
		var childView *node.View
		if childVariant.Leaf != nil {
			childView = childVariant.Leaf.View()
		} else {
			childView = childVariant.Inner.View()
		}
		if err := t.store.Overwrite(id, childView); err != nil {
			return blockid.Null, err
		}
		if err := t.store.Remove(child); err != nil {
			return blockid.Null, err
		}
	}
}

// resizeLastLeafLocked resizes the leaf at logical index lastIndex to
// exactly size, via a single-leaf traversal.
func (t *Tree) resizeLastLeafLocked(lastIndex uint32, size uint32) error {
	return t.traverseLocked(lastIndex, lastIndex+1,
		func(_ uint32, _ bool, leaf *node.Leaf) error {
			return leaf.Resize(size)
		},
		func(uint32) ([]byte, error) { return make([]byte, size), nil },
		false)
}

// Flush persists the root block; the block store is responsible for
// propagating any dirty descendants according to its own policy.
func (t *Tree) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	variant, err := t.store.Load(t.rootID)
	if err != nil {
		return err
	}
	if variant.Leaf != nil {
		return t.store.Overwrite(t.rootID, variant.Leaf.View())
	}
	return t.store.Overwrite(t.rootID, variant.Inner.View())
}

// NumNodes walks the entire tree (not just the right spine) and counts
// every block; the walk visits every reachable node exactly once.
func (t *Tree) NumNodes() (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.countNodes(t.rootID)
}

func (t *Tree) countNodes(id BlockId) (uint64, error) {
	variant, err := t.store.Load(id)
	if err != nil {
		return 0, err
	}
	if variant.Leaf != nil {
		return 1, nil
	}
	total := uint64(1)
	c := variant.Inner.NumChildren()
	for i := uint32(0); i < c; i++ {
		child, err := variant.Inner.ReadChild(i)
		if err != nil {
			return 0, err
		}
		n, err := t.countNodes(child)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}
