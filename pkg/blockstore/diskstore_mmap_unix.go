//go:build unix || linux || darwin || freebsd || openbsd || netbsd

package blockstore

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// unixMapping is the growable mmap backing a DiskStore's data file.
// Growing must sync before unmapping, then truncate, then remap; any
// other ordering can lose writes still sitting in the old mapping.
type unixMapping struct {
	file *os.File
	data []byte
}

func (m *unixMapping) bytes() []byte { return m.data }

func (m *unixMapping) sync() error {
	if len(m.data) == 0 {
		return nil
	}
	return unix.Msync(m.data, unix.MS_SYNC)
}

func (m *unixMapping) grow(newSize int64) error {
	if int64(len(m.data)) >= newSize {
		return nil
	}
	if len(m.data) > 0 {
		if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
			return err
		}
		if err := syscall.Munmap(m.data); err != nil {
			return err
		}
		m.data = nil
	}
	if err := m.file.Truncate(newSize); err != nil {
		return err
	}
	data, err := syscall.Mmap(int(m.file.Fd()), 0, int(newSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return err
	}
	m.data = data
	return nil
}

func (m *unixMapping) close() error {
	var firstErr error
	if m.data != nil {
		if err := syscall.Munmap(m.data); err != nil && firstErr == nil {
			firstErr = err
		}
		m.data = nil
	}
	if m.file != nil {
		if err := m.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.file = nil
	}
	return firstErr
}

// openDataFile opens or creates the data file at path, ensuring it is
// at least large enough for the header plus requestedCapacity slots of
// requestedBlockSize bytes, and returns the resulting mapping along
// with the header actually in effect (which, for an existing file,
// overrides the requested block size).
func openDataFile(path string, header int, requestedBlockSize, requestedCapacity uint64) (mmapping, dataFileHeader, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, dataFileHeader{}, fmt.Errorf("blockstore: opening data file: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, dataFileHeader{}, err
	}

	creating := stat.Size() == 0
	var hdr dataFileHeader
	var fileSize int64

	if creating {
		hdr = dataFileHeader{blockSize: requestedBlockSize, capacity: requestedCapacity}
		fileSize = int64(header) + int64(hdr.capacity*hdr.blockSize)
		if err := f.Truncate(fileSize); err != nil {
			f.Close()
			return nil, dataFileHeader{}, err
		}
	} else {
		fileSize = stat.Size()
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(fileSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, dataFileHeader{}, fmt.Errorf("blockstore: mmap: %w", err)
	}

	if creating {
		writeHeader(data, hdr.blockSize, hdr.capacity)
	} else {
		hdr, err = readHeader(data)
		if err != nil {
			syscall.Munmap(data)
			f.Close()
			return nil, dataFileHeader{}, err
		}
	}

	return &unixMapping{file: f, data: data}, hdr, nil
}

// acquireStoreLock takes an exclusive, non-blocking flock on path.
func acquireStoreLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockstore: opening lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("blockstore: store already locked by another process")
		}
		return nil, err
	}
	return f, nil
}

func releaseStoreLock(f *os.File) error {
	if f == nil {
		return nil
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		return err
	}
	return f.Close()
}
