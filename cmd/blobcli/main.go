// Command blobcli is a small inspection/demo binary over a
// disk-backed blob store: create/write/read/resize/remove/stat a blob.
//
// Usage:
//
//	blobcli -dir=<store-dir> create
//	blobcli -dir=<store-dir> write <blob-id-hex> <offset> <data>
//	blobcli -dir=<store-dir> read <blob-id-hex> <offset> <count>
//	blobcli -dir=<store-dir> resize <blob-id-hex> <new-size>
//	blobcli -dir=<store-dir> remove <blob-id-hex>
//	blobcli -dir=<store-dir> stat <blob-id-hex>
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/cryfs/blobstore-on-blocks/internal/blockid"
	"github.com/cryfs/blobstore-on-blocks/pkg/blobstore"
	"github.com/cryfs/blobstore-on-blocks/pkg/blockstore"
	"github.com/rs/zerolog"
)

func main() {
	dir := flag.String("dir", "./blobstore-data", "blob store directory")
	blockSize := flag.Uint64("block-size", blockstore.DefaultBlockSizeBytes, "fixed block size in bytes (only honored when creating a new store)")
	verbose := flag.Bool("v", false, "log store activity to stderr")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	log := zerolog.Nop()
	if *verbose {
		log = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	blocks, err := blockstore.OpenDiskStore(*dir, blockstore.Options{
		BlockSizeBytes: *blockSize,
		Log:            log,
	})
	if err != nil {
		fatalf("opening block store: %v", err)
	}
	defer blocks.Close()

	store, err := blobstore.Open(blocks, blobstore.Options{Logger: log})
	if err != nil {
		fatalf("opening blob store: %v", err)
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "create":
		runCreate(store)
	case "write":
		runWrite(store, rest)
	case "read":
		runRead(store, rest)
	case "resize":
		runResize(store, rest)
	case "remove":
		runRemove(store, rest)
	case "stat":
		runStat(store, rest)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: blobcli [-dir=path] [-block-size=n] [-v] <create|write|read|resize|remove|stat> [args...]")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "blobcli: "+format+"\n", args...)
	os.Exit(1)
}

func parseID(s string) blockid.BlockId {
	id, err := blockid.FromString(s)
	if err != nil {
		fatalf("invalid blob id %q: %v", s, err)
	}
	return id
}

func runCreate(store *blobstore.Store) {
	b, err := store.Create()
	if err != nil {
		fatalf("creating blob: %v", err)
	}
	defer b.Close()
	fmt.Println(b.Id().String())
}

func runWrite(store *blobstore.Store, args []string) {
	if len(args) != 3 {
		fatalf("write requires <blob-id> <offset> <data>")
	}
	id := parseID(args[0])
	offset, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fatalf("invalid offset %q: %v", args[1], err)
	}
	data := []byte(args[2])

	b, err := store.Load(id)
	if err != nil {
		fatalf("loading blob: %v", err)
	}
	defer b.Close()

	if err := b.Write(data, offset, uint64(len(data))); err != nil {
		fatalf("writing: %v", err)
	}
	if err := b.Flush(); err != nil {
		fatalf("flushing: %v", err)
	}
}

func runRead(store *blobstore.Store, args []string) {
	if len(args) != 3 {
		fatalf("read requires <blob-id> <offset> <count>")
	}
	id := parseID(args[0])
	offset, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fatalf("invalid offset %q: %v", args[1], err)
	}
	count, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		fatalf("invalid count %q: %v", args[2], err)
	}

	b, err := store.Load(id)
	if err != nil {
		fatalf("loading blob: %v", err)
	}
	defer b.Close()

	dst := make([]byte, count)
	n, err := b.TryRead(dst, offset, count)
	if err != nil {
		fatalf("reading: %v", err)
	}
	os.Stdout.Write(dst[:n])
}

func runResize(store *blobstore.Store, args []string) {
	if len(args) != 2 {
		fatalf("resize requires <blob-id> <new-size>")
	}
	id := parseID(args[0])
	size, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fatalf("invalid size %q: %v", args[1], err)
	}

	b, err := store.Load(id)
	if err != nil {
		fatalf("loading blob: %v", err)
	}
	defer b.Close()

	if err := b.Resize(size); err != nil {
		fatalf("resizing: %v", err)
	}
}

func runRemove(store *blobstore.Store, args []string) {
	if len(args) != 1 {
		fatalf("remove requires <blob-id>")
	}
	id := parseID(args[0])

	b, err := store.Load(id)
	if err != nil {
		fatalf("loading blob: %v", err)
	}
	if err := store.Remove(b); err != nil {
		fatalf("removing: %v", err)
	}
}

func runStat(store *blobstore.Store, args []string) {
	if len(args) != 1 {
		fatalf("stat requires <blob-id>")
	}
	id := parseID(args[0])

	b, err := store.Load(id)
	if err != nil {
		fatalf("loading blob: %v", err)
	}
	defer b.Close()

	size, err := b.Size()
	if err != nil {
		fatalf("stat: %v", err)
	}
	nodes, err := b.NumNodes()
	if err != nil {
		fatalf("stat: %v", err)
	}
	fmt.Printf("id:     %s\n", b.Id())
	fmt.Printf("size:   %d\n", size)
	fmt.Printf("nodes:  %d\n", nodes)
}
