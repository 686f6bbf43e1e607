// Package parallelaccess implements the per-identifier serialization
// coordinator: a map from BlockId to a single live in-memory Tree plus
// a reference count, so concurrent holders of the same identifier
// always share one Tree instance. The coordinator is explicitly
// constructed and owned by whoever wires it up, never a process-wide
// singleton.
package parallelaccess

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cryfs/blobstore-on-blocks/internal/blockid"
	"github.com/cryfs/blobstore-on-blocks/pkg/datatree"
	"github.com/rs/zerolog"
)

// BlockId re-exports the identifier type for convenience.
type BlockId = blockid.BlockId

// ErrAlreadyExists is returned by Add when id is already registered.
var ErrAlreadyExists = errors.New("parallelaccess: id already registered")

// LoadFunc opens the Tree for id from durable storage. It is supplied
// by the caller (the blobstore facade) rather than baked into Store,
// so Store stays independent of any particular node store or block
// store wiring.
type LoadFunc func(id BlockId) (*datatree.Tree, error)

// Handle is a reference to a shared, in-memory Tree. Multiple Handles
// for the same BlockId, held by different goroutines, refer to the
// exact same Tree instance; the Tree's own lock serializes operations
// across them.
type Handle struct {
	store *Store
	id    BlockId
	tree  *datatree.Tree
}

// Tree returns the shared tree this handle refers to.
func (h *Handle) Tree() *datatree.Tree { return h.tree }

type entry struct {
	tree       *datatree.Tree
	refcount   int
	destroying bool
	// destroyed is closed once a destroying entry finishes flushing and
	// evicting itself, so a concurrent Load blocked behind destruction
	// can proceed to reload fresh afterwards.
	destroyed chan struct{}
}

// Store is the per-identifier coordinator. Its lifecycle is owned by
// whatever constructs it (the blobstore facade); it is never a
// process-wide singleton.
type Store struct {
	mu      sync.Mutex
	entries map[BlockId]*entry
	log     zerolog.Logger
}

// New creates an empty coordinator.
func New(log zerolog.Logger) *Store {
	return &Store{
		entries: make(map[BlockId]*entry),
		log:     log.With().Str("component", "parallelaccess").Logger(),
	}
}

// Load returns a Handle to the tree for id. If a live (non-destroying)
// entry already exists, the Handle refers to that exact Tree instance
// and the refcount is bumped. Otherwise load is invoked to open a
// fresh Tree from durable storage. If an entry for id is mid-
// destruction, Load blocks until destruction completes and then loads
// afresh.
func (s *Store) Load(id BlockId, load LoadFunc) (*Handle, error) {
	for {
		s.mu.Lock()
		e, ok := s.entries[id]
		if ok && !e.destroying {
			e.refcount++
			s.mu.Unlock()
			return &Handle{store: s, id: id, tree: e.tree}, nil
		}
		var wait chan struct{}
		if ok && e.destroying {
			wait = e.destroyed
		}
		s.mu.Unlock()

		if wait != nil {
			<-wait
			continue
		}

		tree, err := load(id)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		if existing, ok := s.entries[id]; ok {
			// Another goroutine raced us and registered first (or is
			// mid-destruction again); drop our freshly loaded tree and
			// retry through the existing entry/wait path.
			if existing.destroying {
				s.mu.Unlock()
				continue
			}
			existing.refcount++
			handle := &Handle{store: s, id: id, tree: existing.tree}
			s.mu.Unlock()
			return handle, nil
		}
		s.entries[id] = &entry{tree: tree, refcount: 1}
		s.mu.Unlock()
		s.log.Debug().Str("id", id.String()).Msg("loaded tree")
		return &Handle{store: s, id: id, tree: tree}, nil
	}
}

// Add registers a freshly created tree not yet known to the store.
// Subsequent Load calls for the same id return references to it.
func (s *Store) Add(id BlockId, tree *datatree.Tree) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	s.entries[id] = &entry{tree: tree, refcount: 1}
	s.log.Debug().Str("id", id.String()).Msg("registered new tree")
	return &Handle{store: s, id: id, tree: tree}, nil
}

// Remove drops one reference held by h. When the last reference
// vanishes, the tree is flushed and evicted from the map; any Load
// blocked on this id's destruction is released once that finishes. If
// h does not correspond to the last live reference, the tree stays
// alive and h is simply released.
func (s *Store) Remove(h *Handle) error {
	s.mu.Lock()
	e, ok := s.entries[h.id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	e.refcount--
	if e.refcount > 0 {
		s.mu.Unlock()
		return nil
	}
	e.destroying = true
	e.destroyed = make(chan struct{})
	s.mu.Unlock()

	err := e.tree.Flush()

	s.mu.Lock()
	delete(s.entries, h.id)
	s.mu.Unlock()
	close(e.destroyed)

	s.log.Debug().Str("id", h.id.String()).Msg("destroyed tree (last reference released)")
	return err
}

// NumLive reports the number of distinct identifiers currently held
// live, for diagnostics and tests.
func (s *Store) NumLive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
