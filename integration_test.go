package tests

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/cryfs/blobstore-on-blocks/pkg/blobstore"
	"github.com/cryfs/blobstore-on-blocks/pkg/blockstore"
	"github.com/rs/zerolog"
)

// TestBlobLifecycleOnDisk drives the full stack against a real
// disk-backed block store: create, write, sparse write, shrink, reopen,
// remove.
func TestBlobLifecycleOnDisk(t *testing.T) {
	tmpDir := t.TempDir()
	storeDir := filepath.Join(tmpDir, "blocks")

	blocks, err := blockstore.OpenDiskStore(storeDir, blockstore.Options{BlockSizeBytes: 4096})
	if err != nil {
		t.Fatalf("Failed to open block store: %v", err)
	}

	store, err := blobstore.Open(blocks, blobstore.Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Failed to open blob store: %v", err)
	}

	t.Log("1. Creating a blob...")
	b, err := store.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	id := b.Id()
	if size, _ := b.Size(); size != 0 {
		t.Fatalf("new blob size = %d, want 0", size)
	}

	t.Log("2. Writing across several leaves...")
	payload := make([]byte, 20_000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	if err := b.Write(payload, 0, uint64(len(payload))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	readBack := make([]byte, len(payload))
	if err := b.Read(readBack, 0, uint64(len(readBack))); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(payload, readBack) {
		t.Fatal("read data does not match written data")
	}

	t.Log("3. Sparse write past the end...")
	if err := b.Write([]byte{0xFE}, 50_000, 1); err != nil {
		t.Fatalf("sparse Write failed: %v", err)
	}
	if size, _ := b.Size(); size != 50_001 {
		t.Fatalf("size after sparse write = %d, want 50001", size)
	}
	gap := make([]byte, 30_001)
	if err := b.Read(gap, 20_000, uint64(len(gap))); err != nil {
		t.Fatalf("gap Read failed: %v", err)
	}
	for i := 0; i < 30_000; i++ {
		if gap[i] != 0 {
			t.Fatalf("gap byte %d = %#x, want 0", i, gap[i])
		}
	}
	if gap[30_000] != 0xFE {
		t.Fatalf("sparse byte = %#x, want 0xFE", gap[30_000])
	}

	t.Log("4. Shrinking back down...")
	if err := b.Resize(100); err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	if b.Id() != id {
		t.Fatal("identifier changed across resize")
	}
	small := make([]byte, 100)
	if err := b.Read(small, 0, 100); err != nil {
		t.Fatalf("Read after shrink failed: %v", err)
	}
	if !bytes.Equal(small, payload[:100]) {
		t.Fatal("data corrupted by shrink")
	}

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("store Close failed: %v", err)
	}

	t.Log("5. Reopening the store...")
	blocks, err = blockstore.OpenDiskStore(storeDir, blockstore.Options{})
	if err != nil {
		t.Fatalf("Failed to reopen block store: %v", err)
	}
	store, err = blobstore.Open(blocks, blobstore.Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Failed to reopen blob store: %v", err)
	}
	defer store.Close()

	b, err = store.Load(id)
	if err != nil {
		t.Fatalf("Load after reopen failed: %v", err)
	}
	if size, _ := b.Size(); size != 100 {
		t.Fatalf("size after reopen = %d, want 100", size)
	}
	if err := b.Read(small, 0, 100); err != nil {
		t.Fatalf("Read after reopen failed: %v", err)
	}
	if !bytes.Equal(small, payload[:100]) {
		t.Fatal("data lost across reopen")
	}

	t.Log("6. Removing the blob...")
	if err := store.Remove(b); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := store.Load(id); err != blobstore.ErrBlobNotFound {
		t.Fatalf("Load after remove = %v, want ErrBlobNotFound", err)
	}
	n, err := store.NumBlocks()
	if err != nil {
		t.Fatalf("NumBlocks failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("%d blocks left after removing the only blob, want 0", n)
	}
}
