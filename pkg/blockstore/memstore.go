package blockstore

import (
	"sync"

	"github.com/cryfs/blobstore-on-blocks/internal/blockid"
	"github.com/rs/zerolog"
)

// MemStore implements Store entirely in memory: a map guarded by a
// single RWMutex, no backing file at all. Nothing it holds survives
// Close; it is used by the tests.
type MemStore struct {
	mu        sync.RWMutex
	blockSize uint64
	blocks    map[BlockId][]byte
	log       zerolog.Logger
	closed    bool
}

// NewMemStore creates an empty in-memory block store with the given
// fixed block size.
func NewMemStore(blockSizeBytes uint64, log zerolog.Logger) (*MemStore, error) {
	if blockSizeBytes < MinBlockSizeBytes {
		return nil, ErrWrongBlockSize
	}
	return &MemStore{
		blockSize: blockSizeBytes,
		blocks:    make(map[BlockId][]byte),
		log:       log.With().Str("component", "blockstore.mem").Logger(),
	}, nil
}

func (m *MemStore) BlockSizeBytes() uint64 { return m.blockSize }

func (m *MemStore) NumBlocks() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStoreClosed
	}
	return uint64(len(m.blocks)), nil
}

// EstimateNumFreeBlocks has no real capacity limit for an in-memory
// store; it reports a large constant rather than claiming exactness.
func (m *MemStore) EstimateNumFreeBlocks() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStoreClosed
	}
	return 1 << 32, nil
}

func (m *MemStore) Create(content []byte) (BlockId, error) {
	if uint64(len(content)) != m.blockSize {
		return blockid.Null, ErrWrongBlockSize
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return blockid.Null, ErrStoreClosed
	}
	var id BlockId
	for {
		id = blockid.Random()
		if _, exists := m.blocks[id]; !exists {
			break
		}
	}
	stored := make([]byte, len(content))
	copy(stored, content)
	m.blocks[id] = stored
	m.log.Debug().Str("id", id.String()).Msg("created block")
	return id, nil
}

func (m *MemStore) TryCreate(id BlockId, content []byte) error {
	if uint64(len(content)) != m.blockSize {
		return ErrWrongBlockSize
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if _, exists := m.blocks[id]; exists {
		return ErrBlockAlreadyExists
	}
	stored := make([]byte, len(content))
	copy(stored, content)
	m.blocks[id] = stored
	return nil
}

func (m *MemStore) Load(id BlockId) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	data, ok := m.blocks[id]
	if !ok {
		return nil, ErrBlockNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemStore) Overwrite(id BlockId, content []byte) error {
	if uint64(len(content)) != m.blockSize {
		return ErrWrongBlockSize
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if _, ok := m.blocks[id]; !ok {
		return ErrBlockNotFound
	}
	stored := make([]byte, len(content))
	copy(stored, content)
	m.blocks[id] = stored
	return nil
}

func (m *MemStore) Remove(id BlockId) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrStoreClosed
	}
	if _, ok := m.blocks[id]; !ok {
		return false, nil
	}
	delete(m.blocks, id)
	return true, nil
}

func (m *MemStore) ForEachBlock(callback func(BlockId) error) error {
	m.mu.RLock()
	ids := make([]BlockId, 0, len(m.blocks))
	for id := range m.blocks {
		ids = append(ids, id)
	}
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrStoreClosed
	}
	for _, id := range ids {
		if err := callback(id); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.blocks = nil
	return nil
}

var _ Store = (*MemStore)(nil)
