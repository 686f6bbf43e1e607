package blockstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cryfs/blobstore-on-blocks/internal/blockid"
	"github.com/rs/zerolog"
)

// headerSizeBytes is the fixed, block-size-independent region at the
// start of the data file: magic, format version, block size, capacity.
// Bytes past those fields are reserved and left zero.
const headerSizeBytes = 64

const diskStoreMagic = "BSB1"

var errBadHeader = fmt.Errorf("blockstore: data file header is not a recognised blockstore file")

// DiskStore is a disk-backed Store: one growable mmap'd file holding
// fixed-size block slots back to back, plus a small on-disk directory
// mapping BlockId to slot index, persisted on Sync/Close. A directory
// lock file keeps a second process from opening the same store
// concurrently.
//
// Layout of the data file:
//
//	[0, headerSizeBytes)        header: magic, version, blockSize, capacity
//	[headerSizeBytes, ...)      capacity slots of blockSize bytes each
type DiskStore struct {
	mu sync.RWMutex

	dir       string
	blockSize uint64
	capacity  uint64 // number of slots currently backed by the file

	mapping  mmapping
	lockFile *os.File

	directory map[BlockId]uint64 // BlockId -> slot index
	freeSlots []uint64           // stack of vacated slot indices, reused first

	log zerolog.Logger

	closed bool
}

// mmapping is the platform-specific growable memory mapping; its
// concrete implementation lives in diskstore_mmap_unix.go.
type mmapping interface {
	bytes() []byte
	grow(newSize int64) error
	sync() error
	close() error
}

// Options configures a disk-backed block store, filled in with
// defaults by OpenDiskStore the same way pager.Options is filled in by
// pager.Open.
type Options struct {
	// BlockSizeBytes is the fixed size of every block. Zero selects
	// DefaultBlockSizeBytes. Ignored when opening an existing store,
	// whose block size was fixed at creation.
	BlockSizeBytes uint64
	// InitialCapacity is the number of block slots to preallocate when
	// creating a new store. Zero selects a small default; the store
	// grows on demand regardless.
	InitialCapacity uint64
	// Log receives structured events for store open and block
	// create/remove operations.
	// The zero value is a valid, silent logger.
	Log zerolog.Logger
}

// DefaultBlockSizeBytes is used when Options.BlockSizeBytes is zero.
const DefaultBlockSizeBytes = 32 * 1024

const defaultInitialCapacity = 16

// OpenDiskStore opens the disk-backed store rooted at dir, creating it
// (and dir, if necessary) when no data file exists yet.
func OpenDiskStore(dir string, opts Options) (*DiskStore, error) {
	if opts.BlockSizeBytes == 0 {
		opts.BlockSizeBytes = DefaultBlockSizeBytes
	}
	if opts.BlockSizeBytes < MinBlockSizeBytes {
		return nil, ErrWrongBlockSize
	}
	if opts.InitialCapacity == 0 {
		opts.InitialCapacity = defaultInitialCapacity
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blockstore: creating store directory: %w", err)
	}

	lockFile, err := acquireStoreLock(filepath.Join(dir, "LOCK"))
	if err != nil {
		return nil, err
	}

	dataPath := filepath.Join(dir, "blocks.dat")
	_, statErr := os.Stat(dataPath)
	creating := os.IsNotExist(statErr)

	var blockSize, capacity uint64
	if creating {
		blockSize = opts.BlockSizeBytes
		capacity = opts.InitialCapacity
	}

	mapping, header, err := openDataFile(dataPath, headerSizeBytes, blockSize, capacity)
	if err != nil {
		lockFile.Close()
		return nil, err
	}

	s := &DiskStore{
		dir:       dir,
		blockSize: header.blockSize,
		capacity:  header.capacity,
		mapping:   mapping,
		lockFile:  lockFile,
		directory: make(map[BlockId]uint64),
		log:       opts.Log.With().Str("component", "blockstore.disk").Logger(),
	}

	if err := s.loadDirectory(); err != nil {
		mapping.close()
		lockFile.Close()
		return nil, err
	}
	if creating {
		// Preallocated slots start out free, lowest index on top.
		for slot := s.capacity; slot > 0; slot-- {
			s.freeSlots = append(s.freeSlots, slot-1)
		}
	}

	s.log.Info().Str("dir", dir).Uint64("blockSize", s.blockSize).Uint64("capacity", s.capacity).
		Bool("created", creating).Msg("opened disk block store")
	return s, nil
}

func (s *DiskStore) BlockSizeBytes() uint64 { return s.blockSize }

func (s *DiskStore) NumBlocks() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	return uint64(len(s.directory)), nil
}

func (s *DiskStore) EstimateNumFreeBlocks() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	return uint64(len(s.freeSlots)) + (s.capacity - uint64(len(s.directory)) - uint64(len(s.freeSlots))), nil
}

func (s *DiskStore) Create(content []byte) (BlockId, error) {
	if uint64(len(content)) != s.blockSize {
		return blockid.Null, ErrWrongBlockSize
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return blockid.Null, ErrStoreClosed
	}
	var id BlockId
	for {
		id = blockid.Random()
		if _, exists := s.directory[id]; !exists {
			break
		}
	}
	slot, err := s.allocateSlotLocked()
	if err != nil {
		return blockid.Null, err
	}
	s.writeSlotLocked(slot, content)
	s.directory[id] = slot
	s.log.Debug().Str("id", id.String()).Uint64("slot", slot).Msg("created block")
	return id, nil
}

func (s *DiskStore) TryCreate(id BlockId, content []byte) error {
	if uint64(len(content)) != s.blockSize {
		return ErrWrongBlockSize
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, exists := s.directory[id]; exists {
		return ErrBlockAlreadyExists
	}
	slot, err := s.allocateSlotLocked()
	if err != nil {
		return err
	}
	s.writeSlotLocked(slot, content)
	s.directory[id] = slot
	return nil
}

func (s *DiskStore) Load(id BlockId) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	slot, ok := s.directory[id]
	if !ok {
		return nil, ErrBlockNotFound
	}
	out := make([]byte, s.blockSize)
	copy(out, s.slotBytesLocked(slot))
	return out, nil
}

func (s *DiskStore) Overwrite(id BlockId, content []byte) error {
	if uint64(len(content)) != s.blockSize {
		return ErrWrongBlockSize
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	slot, ok := s.directory[id]
	if !ok {
		return ErrBlockNotFound
	}
	s.writeSlotLocked(slot, content)
	return nil
}

func (s *DiskStore) Remove(id BlockId) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	slot, ok := s.directory[id]
	if !ok {
		return false, nil
	}
	delete(s.directory, id)
	s.freeSlots = append(s.freeSlots, slot)
	s.log.Debug().Str("id", id.String()).Msg("removed block")
	return true, nil
}

func (s *DiskStore) ForEachBlock(callback func(BlockId) error) error {
	s.mu.RLock()
	ids := make([]BlockId, 0, len(s.directory))
	for id := range s.directory {
		ids = append(ids, id)
	}
	closed := s.closed
	s.mu.RUnlock()
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

// Sync flushes the mapped block region and persists the directory.
func (s *DiskStore) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.syncLocked()
}

func (s *DiskStore) syncLocked() error {
	if err := s.mapping.sync(); err != nil {
		return fmt.Errorf("blockstore: syncing block region: %w", err)
	}
	if err := s.saveDirectory(); err != nil {
		return fmt.Errorf("blockstore: persisting directory: %w", err)
	}
	return nil
}

func (s *DiskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	err := s.syncLocked()
	if mErr := s.mapping.close(); mErr != nil && err == nil {
		err = mErr
	}
	if lErr := releaseStoreLock(s.lockFile); lErr != nil && err == nil {
		err = lErr
	}
	s.closed = true
	return err
}

// allocateSlotLocked returns a free slot index, reusing a vacated one
// before growing the file.
func (s *DiskStore) allocateSlotLocked() (uint64, error) {
	if n := len(s.freeSlots); n > 0 {
		slot := s.freeSlots[n-1]
		s.freeSlots = s.freeSlots[:n-1]
		return slot, nil
	}
	slot := s.capacity
	newCapacity := s.capacity + growthBatch
	newSize := int64(headerSizeBytes) + int64(newCapacity*s.blockSize)
	if err := s.mapping.grow(newSize); err != nil {
		return 0, fmt.Errorf("blockstore: growing data file: %w", err)
	}
	s.capacity = newCapacity
	writeHeader(s.mapping.bytes(), s.blockSize, s.capacity)
	for extra := newCapacity - 1; extra > slot; extra-- {
		s.freeSlots = append(s.freeSlots, extra)
	}
	return slot, nil
}

// growthBatch is how many additional slots are added each time the
// file must grow, amortising the cost of the mmap grow/remap dance.
const growthBatch = 64

func (s *DiskStore) slotBytesLocked(slot uint64) []byte {
	off := headerSizeBytes + slot*s.blockSize
	return s.mapping.bytes()[off : off+s.blockSize]
}

func (s *DiskStore) writeSlotLocked(slot uint64, content []byte) {
	copy(s.slotBytesLocked(slot), content)
}

type dataFileHeader struct {
	blockSize uint64
	capacity  uint64
}

func writeHeader(data []byte, blockSize, capacity uint64) {
	copy(data[0:4], diskStoreMagic)
	binary.LittleEndian.PutUint32(data[4:8], 1)
	binary.LittleEndian.PutUint32(data[8:12], uint32(blockSize))
	binary.LittleEndian.PutUint64(data[16:24], capacity)
}

func readHeader(data []byte) (dataFileHeader, error) {
	if len(data) < headerSizeBytes || string(data[0:4]) != diskStoreMagic {
		return dataFileHeader{}, errBadHeader
	}
	return dataFileHeader{
		blockSize: uint64(binary.LittleEndian.Uint32(data[8:12])),
		capacity:  binary.LittleEndian.Uint64(data[16:24]),
	}, nil
}

// loadDirectory reads the persisted BlockId->slot map and free-slot
// stack from directory.dat, if present.
func (s *DiskStore) loadDirectory() error {
	path := filepath.Join(s.dir, "directory.dat")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("blockstore: reading directory: %w", err)
	}
	if len(raw) < 8 {
		return nil
	}
	entryCount := binary.LittleEndian.Uint64(raw[0:8])
	pos := 8
	for i := uint64(0); i < entryCount; i++ {
		if pos+blockid.Size+8 > len(raw) {
			return fmt.Errorf("blockstore: directory file truncated")
		}
		id, err := blockid.FromBinary(raw[pos : pos+blockid.Size])
		if err != nil {
			return err
		}
		pos += blockid.Size
		slot := binary.LittleEndian.Uint64(raw[pos : pos+8])
		pos += 8
		s.directory[id] = slot
	}
	if pos+8 > len(raw) {
		return nil
	}
	freeCount := binary.LittleEndian.Uint64(raw[pos : pos+8])
	pos += 8
	s.freeSlots = make([]uint64, 0, freeCount)
	for i := uint64(0); i < freeCount; i++ {
		if pos+8 > len(raw) {
			return fmt.Errorf("blockstore: directory file truncated (free list)")
		}
		s.freeSlots = append(s.freeSlots, binary.LittleEndian.Uint64(raw[pos:pos+8]))
		pos += 8
	}
	return nil
}

// saveDirectory rewrites directory.dat in full; the directory is small
// relative to the block region, so incremental encoding is not worth
// the bookkeeping.
func (s *DiskStore) saveDirectory() error {
	buf := make([]byte, 0, 8+len(s.directory)*(blockid.Size+8)+8+len(s.freeSlots)*8)
	var head [8]byte
	binary.LittleEndian.PutUint64(head[:], uint64(len(s.directory)))
	buf = append(buf, head[:]...)

	for id, slot := range s.directory {
		var idBuf [blockid.Size]byte
		id.ToBinary(idBuf[:])
		buf = append(buf, idBuf[:]...)
		var slotBuf [8]byte
		binary.LittleEndian.PutUint64(slotBuf[:], slot)
		buf = append(buf, slotBuf[:]...)
	}

	var freeHead [8]byte
	binary.LittleEndian.PutUint64(freeHead[:], uint64(len(s.freeSlots)))
	buf = append(buf, freeHead[:]...)
	for _, slot := range s.freeSlots {
		var slotBuf [8]byte
		binary.LittleEndian.PutUint64(slotBuf[:], slot)
		buf = append(buf, slotBuf[:]...)
	}

	tmpPath := filepath.Join(s.dir, "directory.dat.tmp")
	finalPath := filepath.Join(s.dir, "directory.dat")
	if err := os.WriteFile(tmpPath, buf, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, finalPath)
}

var _ Store = (*DiskStore)(nil)
