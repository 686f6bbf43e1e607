// Package blockid defines the opaque 16-byte block identifier used to
// address blocks in the underlying store and, by extension, every node
// and blob built on top of it.
package blockid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Size is the fixed width of a BlockId in bytes.
const Size = 16

// BlockId is an opaque, totally ordered 16-byte identifier. It is never
// derived from block content; the block store assigns it on create.
type BlockId [Size]byte

// Null is the zero-value identifier, used as a sentinel for "no block".
var Null BlockId

// Random generates a new identifier from a cryptographically strong
// source. Collisions are not checked here; the block store is
// responsible for rejecting a create() that collides with a live id.
func Random() BlockId {
	var id BlockId
	if _, err := rand.Read(id[:]); err != nil {
		// crypto/rand.Read on a supported platform does not fail; if it
		// ever does, there is nothing sane left to do but panic rather
		// than hand back a non-random "random" id.
		panic(fmt.Sprintf("blockid: failed to read random bytes: %v", err))
	}
	return id
}

// Equal reports whether two identifiers denote the same block.
func (id BlockId) Equal(other BlockId) bool {
	return id == other
}

// Less reports whether id sorts strictly before other under the total
// byte order used for map/set iteration and the on-disk directory.
func (id BlockId) Less(other BlockId) bool {
	for i := 0; i < Size; i++ {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// IsNull reports whether id is the zero identifier.
func (id BlockId) IsNull() bool {
	return id == Null
}

// String renders the identifier as lowercase hex, matching the
// fixed-width on-disk binary representation byte for byte.
func (id BlockId) String() string {
	return hex.EncodeToString(id[:])
}

// FromBinary reinterprets a Size-byte slice as a BlockId. The caller
// must pass exactly Size bytes.
func FromBinary(src []byte) (BlockId, error) {
	var id BlockId
	if len(src) != Size {
		return id, fmt.Errorf("blockid: FromBinary: want %d bytes, got %d", Size, len(src))
	}
	copy(id[:], src)
	return id, nil
}

// ToBinary writes the identifier's Size-byte binary form into dst.
// dst must have length >= Size.
func (id BlockId) ToBinary(dst []byte) {
	copy(dst, id[:])
}

// FromString parses the hex form produced by String.
func FromString(s string) (BlockId, error) {
	var id BlockId
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("blockid: FromString: %w", err)
	}
	return FromBinary(b)
}
