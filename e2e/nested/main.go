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

// Exercises federation: a tar.gz inside a zip, written and read through
// one path, then re-read after a full unmount.
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

	inner := filepath.Join(dir, "outer.zip", "inner.tar.gz", "deep", "payload.bin")
	payload := bytes.Repeat([]byte("truevfs"), 1024)

	if err := vfs.WriteFile(ctx, inner, payload, truevfs.AccessNone); err != nil {
		log.Fatalf("write: %v", err)
	}

	// Visible before any sync.
	got, err := vfs.ReadFile(ctx, inner)
	if err != nil {
		log.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		log.Fatal("payload mismatch before sync")
	}

	if err := vfs.Sync(ctx, true); err != nil {
		log.Fatalf("sync: %v", err)
	}
	if n := manager.Size(); n != 0 {
		log.Fatalf("manager still holds %d controllers after umount", n)
	}

	got, err = vfs.ReadFile(ctx, inner)
	if err != nil {
		log.Fatalf("read after umount: %v", err)
	}
	if !bytes.Equal(got, payload) {
		log.Fatal("payload mismatch after umount")
	}

	if err := manager.SyncAll(ctx); err != nil {
		log.Fatalf("final sync: %v", err)
	}
	truevfs.GetLogger().Infof("nested e2e ok: %d bytes through two archive levels", len(got))
}
