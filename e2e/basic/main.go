package main

import (
	"bytes"
	"context"
	"log"
	"os"
	"path/filepath"

	truevfs "github.com/valenpo/truevfs/pkg"
	"github.com/valenpo/truevfs/pkg/driver"
)

// Round-trips a file through a zip archive: write, sync, reopen, read.
func main() {
	truevfs.InitLogger(true, true)

	dir, err := os.MkdirTemp("", "truevfs-e2e-*")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	registry := truevfs.NewRegistry()
	driver.Register(registry, driver.NewStaticKeyProvider(truevfs.KeyConfig{Passphrase: "e2e"}))
	manager := truevfs.NewManager(truevfs.ManagerOptions{Registry: registry})
	vfs := truevfs.NewVFS(manager)
	ctx := context.Background()

	archive := filepath.Join(dir, "data.zip")
	payload := []byte("the quick brown fox jumps over the lazy dog")

	if err := vfs.WriteFile(ctx, archive+"/docs/pangram.txt", payload, truevfs.AccessNone); err != nil {
		log.Fatalf("write: %v", err)
	}
	if err := vfs.Sync(ctx, true); err != nil {
		log.Fatalf("sync: %v", err)
	}

	got, err := vfs.ReadFile(ctx, archive+"/docs/pangram.txt")
	if err != nil {
		log.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(got, payload) {
		log.Fatalf("payload mismatch: %q", got)
	}

	if err := manager.SyncAll(ctx); err != nil {
		log.Fatalf("final sync: %v", err)
	}
	truevfs.GetLogger().Infof("basic e2e ok: %d bytes round-tripped", len(got))
}
