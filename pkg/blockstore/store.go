// Package blockstore provides the fixed-size, identifier-keyed block
// storage that the node and tree layers are built on. It is an external
// collaborator from the core engine's point of view: blocks are opaque
// byte buffers to everything above this package.
package blockstore

import (
	"errors"

	"github.com/cryfs/blobstore-on-blocks/internal/blockid"
)

// BlockId re-exports the identifier type so callers of this package do
// not need to import internal/blockid directly.
type BlockId = blockid.BlockId

// Null is the zero-value BlockId, re-exported for convenience.
var Null = blockid.Null

// MinBlockSizeBytes is the smallest block size any store may be opened
// with: 8 header bytes plus two 16-byte identifiers' worth of payload,
// enough for an inner node with at least one real child slot.
const MinBlockSizeBytes = 8 + 2*blockid.Size

var (
	// ErrBlockNotFound is returned by Load/Overwrite/Remove when the
	// identifier does not name a live block.
	ErrBlockNotFound = errors.New("blockstore: block not found")
	// ErrBlockAlreadyExists is returned by TryCreate when the identifier
	// is already in use.
	ErrBlockAlreadyExists = errors.New("blockstore: block already exists")
	// ErrWrongBlockSize is returned when content handed to Create,
	// TryCreate, or Overwrite does not match BlockSizeBytes exactly.
	ErrWrongBlockSize = errors.New("blockstore: content size does not match block size")
	// ErrStoreClosed is returned by any operation on a closed store.
	ErrStoreClosed = errors.New("blockstore: store is closed")
)

// Store is the block store contract consumed by the node and tree
// layers. Every operation is safe for concurrent use and
// linearisable per block identifier; the store makes no multi-block
// atomicity guarantee.
type Store interface {
	// NumBlocks returns the total number of live blocks in the store.
	NumBlocks() (uint64, error)
	// EstimateNumFreeBlocks returns a (possibly approximate) count of
	// additional blocks the store believes it can still allocate.
	EstimateNumFreeBlocks() (uint64, error)
	// BlockSizeBytes returns the fixed size of every block in the store.
	BlockSizeBytes() uint64

	// Create allocates a new block with a fresh identifier and the
	// given content, which must be exactly BlockSizeBytes long.
	Create(content []byte) (BlockId, error)
	// TryCreate (re)initialises the block at id with content, which
	// must be exactly BlockSizeBytes long. It fails with
	// ErrBlockAlreadyExists if id is already live.
	TryCreate(id BlockId, content []byte) error
	// Load returns the content of the block named by id, or
	// ErrBlockNotFound if it does not exist.
	Load(id BlockId) ([]byte, error)
	// Overwrite replaces the content of an existing block in place,
	// preserving its identifier. content must be exactly
	// BlockSizeBytes long.
	Overwrite(id BlockId, content []byte) error
	// Remove deletes the block named by id. It reports whether a block
	// was actually present.
	Remove(id BlockId) (bool, error)
	// ForEachBlock enumerates every live block identifier. Enumeration
	// order is unspecified; it is not used on any hot path.
	ForEachBlock(callback func(BlockId) error) error

	// Close releases any resources (file handles, mappings, locks) held
	// by the store.
	Close() error
}
