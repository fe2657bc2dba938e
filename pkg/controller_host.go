package truevfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// hostController is the target controller of a leaf mount point. It maps
// entry names onto the host file system below the mount root and delegates
// to the os package. Host mounts carry no cache, context or false-positive
// layer; locking and resource accounting wrap this controller directly.
type hostController struct {
	model *Model
	root  string
}

func newHostController(model *Model) *hostController {
	return &hostController{
		model: model,
		root:  filepath.FromSlash(model.mountPoint.HostRoot()),
	}
}

func (c *hostController) Model() *Model      { return c.model }
func (c *hostController) Parent() Controller { return nil }

func (c *hostController) hostPath(name EntryName) string {
	if name.IsRoot() {
		return c.root
	}
	return filepath.Join(c.root, filepath.FromSlash(string(name)))
}

func hostEntry(name EntryName, fi fs.FileInfo) *EntryInfo {
	typ := FileType
	switch {
	case fi.IsDir():
		typ = DirectoryType
	case fi.Mode()&fs.ModeSymlink != 0:
		typ = SymlinkType
	case !fi.Mode().IsRegular():
		typ = SpecialType
	}
	info := &EntryInfo{
		EntryName: string(name),
		EntryType: typ,
		Sizes:     map[SizeKind]int64{},
		Times:     map[AccessKind]int64{WriteAccess: fi.ModTime().UnixMilli()},
	}
	if typ == FileType {
		info.Sizes[DataSize] = fi.Size()
		info.Sizes[StorageSize] = fi.Size()
	}
	return info
}

func (c *hostController) Stat(ctx context.Context, opts AccessOptions, name EntryName) (Entry, error) {
	fi, err := os.Lstat(c.hostPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	entry := hostEntry(name, fi)
	if fi.IsDir() {
		members, err := os.ReadDir(c.hostPath(name))
		if err == nil {
			names := make([]string, 0, len(members))
			for _, m := range members {
				names = append(names, m.Name())
			}
			sort.Strings(names)
			entry.Children = names
		}
	}
	return entry, nil
}

func (c *hostController) CheckAccess(ctx context.Context, opts AccessOptions, name EntryName, access AccessKind) error {
	fi, err := os.Lstat(c.hostPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", name, ErrNoSuchEntry)
		}
		return err
	}
	if access.Has(WriteAccess) && fi.Mode().Perm()&0o200 == 0 {
		return fmt.Errorf("%s: %w", name, ErrReadOnly)
	}
	if access.Has(ExecuteAccess) && fi.Mode().Perm()&0o100 == 0 {
		return fmt.Errorf("%s: %w", name, ErrAccessDenied)
	}
	return nil
}

func (c *hostController) SetReadOnly(ctx context.Context, name EntryName) error {
	return os.Chmod(c.hostPath(name), 0o444)
}

func (c *hostController) SetTime(ctx context.Context, opts AccessOptions, name EntryName, access AccessKind, millis int64) error {
	t := time.UnixMilli(millis)
	atime, mtime := t, t
	if !access.Has(ReadAccess) {
		atime = time.Now()
	}
	if !access.Has(WriteAccess) {
		fi, err := os.Stat(c.hostPath(name))
		if err != nil {
			return err
		}
		mtime = fi.ModTime()
	}
	return os.Chtimes(c.hostPath(name), atime, mtime)
}

func (c *hostController) Mknod(ctx context.Context, opts AccessOptions, name EntryName, typ EntryType, template Entry) error {
	path := c.hostPath(name)
	if opts.Has(AccessCreateParents) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
	}
	switch typ {
	case DirectoryType:
		err := os.Mkdir(path, 0o755)
		if errors.Is(err, fs.ErrExist) && !opts.Has(AccessExclusive) {
			if fi, statErr := os.Stat(path); statErr == nil && fi.IsDir() {
				return nil
			}
			return fmt.Errorf("%s: %w", name, ErrNotDirectory)
		}
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s: %w", name, ErrAlreadyExists)
		}
		return err
	case FileType:
		flags := os.O_WRONLY | os.O_CREATE
		if opts.Has(AccessExclusive) {
			flags |= os.O_EXCL
		}
		f, err := os.OpenFile(path, flags, 0o644)
		if err != nil {
			if errors.Is(err, fs.ErrExist) {
				return fmt.Errorf("%s: %w", name, ErrAlreadyExists)
			}
			return err
		}
		return f.Close()
	}
	return fmt.Errorf("%s: cannot create %s entry", name, typ)
}

func (c *hostController) Unlink(ctx context.Context, opts AccessOptions, name EntryName) error {
	path := c.hostPath(name)
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", name, ErrNoSuchEntry)
	}
	return err
}

func (c *hostController) Input(opts AccessOptions, name EntryName) InputSocket {
	s := &hostInputSocket{ctrl: c, name: name}
	s.init(s)
	return s
}

func (c *hostController) Output(opts AccessOptions, name EntryName, template Entry) OutputSocket {
	s := &hostOutputSocket{ctrl: c, opts: opts, name: name}
	s.init(s)
	return s
}

// Sync is a no-op: host file systems buffer nothing in the kernel.
func (c *hostController) Sync(ctx context.Context, opts SyncOptions, b *SyncBuilder) error {
	return nil
}

type hostInputSocket struct {
	inputSocketBase
	ctrl *hostController
	name EntryName
}

func (s *hostInputSocket) LocalTarget(ctx context.Context) (Entry, error) {
	entry, err := s.ctrl.Stat(ctx, AccessNone, s.name)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("%s: %w", s.name, ErrNoSuchEntry)
	}
	return entry, nil
}

func (s *hostInputSocket) OpenStream(ctx context.Context) (io.ReadCloser, error) {
	f, err := os.Open(s.ctrl.hostPath(s.name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", s.name, ErrNoSuchEntry)
		}
		return nil, err
	}
	if fi, err := f.Stat(); err == nil && fi.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s: %w", s.name, ErrIsDirectory)
	}
	return f, nil
}

type hostOutputSocket struct {
	outputSocketBase
	ctrl *hostController
	opts AccessOptions
	name EntryName
}

func (s *hostOutputSocket) LocalTarget(ctx context.Context) (Entry, error) {
	entry, err := s.ctrl.Stat(ctx, AccessNone, s.name)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return &EntryInfo{EntryName: string(s.name), EntryType: FileType}, nil
	}
	return entry, nil
}

func (s *hostOutputSocket) OpenStream(ctx context.Context) (io.WriteCloser, error) {
	path := s.ctrl.hostPath(s.name)
	if s.opts.Has(AccessCreateParents) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	flags := os.O_WRONLY | os.O_CREATE
	switch {
	case s.opts.Has(AccessExclusive):
		flags |= os.O_EXCL
	case s.opts.Has(AccessAppend):
		flags |= os.O_APPEND
	default:
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%s: %w", s.name, ErrAlreadyExists)
		}
		return nil, err
	}
	return f, nil
}
