package truevfs

import (
	"context"
	"fmt"
	"io"
)

// VFS is the high-level path façade over a manager: host paths with
// embedded archive files resolve transparently across file system
// boundaries, e.g. "/tmp/a.zip/b.tar/c".
type VFS struct {
	manager *Manager
}

func NewVFS(manager *Manager) *VFS {
	return &VFS{manager: manager}
}

func (v *VFS) Manager() *Manager { return v.manager }

func (v *VFS) resolve(path string, finalArchive bool) (Controller, *Path, error) {
	p, err := v.manager.Registry().Detect(path, finalArchive)
	if err != nil {
		return nil, nil, err
	}
	ctrl, err := v.manager.Controller(p.MountPoint())
	if err != nil {
		return nil, nil, err
	}
	return ctrl, p, nil
}

// Stat returns the entry metadata, or nil if the path names nothing.
func (v *VFS) Stat(ctx context.Context, path string) (Entry, error) {
	ctrl, p, err := v.resolve(path, false)
	if err != nil {
		return nil, err
	}
	return ctrl.Stat(ctx, AccessNone, p.EntryName())
}

// List returns the member names of a directory, where an archive file
// counts as a directory.
func (v *VFS) List(ctx context.Context, path string) ([]string, error) {
	entry, err := v.Stat(ctx, path)
	if err != nil {
		return nil, err
	}
	if entry != nil && entry.Type() == DirectoryType {
		return entry.Members(), nil
	}
	// Not a plain directory; try it as an archive.
	ctrl, p, err := v.resolve(path, true)
	if err != nil {
		return nil, err
	}
	if !p.MountPoint().IsFederated() {
		if entry == nil {
			return nil, fmt.Errorf("%s: %w", path, ErrNoSuchEntry)
		}
		return nil, fmt.Errorf("%s: %w", path, ErrNotDirectory)
	}
	inner, err := ctrl.Stat(ctx, AccessNone, p.EntryName())
	if err != nil {
		return nil, err
	}
	if inner == nil {
		if entry == nil {
			return nil, fmt.Errorf("%s: %w", path, ErrNoSuchEntry)
		}
		return nil, fmt.Errorf("%s: %w", path, ErrNotDirectory)
	}
	return inner.Members(), nil
}

// Open returns a stream reading the file at path.
func (v *VFS) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	ctrl, p, err := v.resolve(path, false)
	if err != nil {
		return nil, err
	}
	return ctrl.Input(AccessNone, p.EntryName()).OpenStream(ctx)
}

// ReadFile reads the whole file at path.
func (v *VFS) ReadFile(ctx context.Context, path string) ([]byte, error) {
	r, err := v.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Create returns a stream replacing the file at path, creating missing
// parent directories.
func (v *VFS) Create(ctx context.Context, path string, opts AccessOptions) (io.WriteCloser, error) {
	ctrl, p, err := v.resolve(path, false)
	if err != nil {
		return nil, err
	}
	return ctrl.Output(opts|AccessCreateParents, p.EntryName(), nil).OpenStream(ctx)
}

// WriteFile writes data to the file at path.
func (v *VFS) WriteFile(ctx context.Context, path string, data []byte, opts AccessOptions) error {
	w, err := v.Create(ctx, path, opts)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Mkdir creates a directory.
func (v *VFS) Mkdir(ctx context.Context, path string, opts AccessOptions) error {
	ctrl, p, err := v.resolve(path, false)
	if err != nil {
		return err
	}
	return ctrl.Mknod(ctx, opts, p.EntryName(), DirectoryType, nil)
}

// Remove unlinks a file or empty directory.
func (v *VFS) Remove(ctx context.Context, path string) error {
	ctrl, p, err := v.resolve(path, false)
	if err != nil {
		return err
	}
	return ctrl.Unlink(ctx, AccessNone, p.EntryName())
}

// CopyPath copies one file across any combination of file system
// boundaries, connecting the sockets so the drivers can exchange size
// hints.
func (v *VFS) CopyPath(ctx context.Context, src, dst string) (int64, error) {
	srcCtrl, srcPath, err := v.resolve(src, false)
	if err != nil {
		return 0, err
	}
	dstCtrl, dstPath, err := v.resolve(dst, false)
	if err != nil {
		return 0, err
	}
	in := srcCtrl.Input(AccessNone, srcPath.EntryName())
	out := dstCtrl.Output(AccessCreateParents, dstPath.EntryName(), nil)
	return Copy(ctx, in, out)
}

// Sync flushes every file system; with umount semantics when unmount is
// set.
func (v *VFS) Sync(ctx context.Context, unmount bool) error {
	opts := SyncFlush | SyncClearCache
	if unmount {
		opts = SyncUmount
	}
	return v.manager.Sync(ctx, opts, nil)
}

// SyncPath flushes the file systems at or below the archive containing
// path.
func (v *VFS) SyncPath(ctx context.Context, path string, opts SyncOptions) error {
	p, err := v.manager.Registry().Detect(path, true)
	if err != nil {
		return err
	}
	return v.manager.Sync(ctx, opts, p.MountPoint())
}
