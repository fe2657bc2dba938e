// Package filesystem exposes a truevfs manager as a read-only FUSE mount:
// archive files appear as directories and their entries as plain files,
// nested to any depth.
package filesystem

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"path"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	truevfs "github.com/valenpo/truevfs/pkg"
)

type FileSystemOpts struct {
	// MountPoint is the host directory to mount on.
	MountPoint string
	// Source is the host directory presented through the VFS, e.g. "/".
	Source  string
	Verbose bool
}

type VfsFs struct {
	vfs     *truevfs.VFS
	source  string
	verbose bool
}

func NewFileSystem(vfs *truevfs.VFS, opts FileSystemOpts) (*VfsFs, error) {
	source := opts.Source
	if source == "" {
		source = "/"
	}
	return &VfsFs{vfs: vfs, source: source, verbose: opts.Verbose}, nil
}

func (b *VfsFs) Root() (fs.InodeEmbedder, error) {
	return &FSNode{filesystem: b, path: b.source, isDir: true}, nil
}

// Mount mounts the file system and returns a start function plus a server
// error channel, following the reference mount protocol.
func Mount(vfs *truevfs.VFS, opts FileSystemOpts) (func() error, <-chan error, error) {
	logger := truevfs.GetLogger()
	logger.Infof("mounting %s on %s", opts.Source, opts.MountPoint)

	if _, err := os.Stat(opts.MountPoint); os.IsNotExist(err) {
		if err := os.MkdirAll(opts.MountPoint, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create mount point directory: %v", err)
		}
	}

	vfsfs, err := NewFileSystem(vfs, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("could not create filesystem: %v", err)
	}

	root, _ := vfsfs.Root()
	attrTimeout := time.Second * 60
	entryTimeout := time.Second * 60
	fsOptions := &fs.Options{
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
	}
	server, err := fuse.NewServer(fs.NewNodeFS(root, fsOptions), opts.MountPoint, &fuse.MountOptions{
		FsName:        "truevfs",
		Name:          "truevfs",
		DisableXAttrs: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("could not create server: %v", err)
	}

	serverError := make(chan error, 1)
	startServer := func() error {
		go func() {
			go server.Serve()

			if err := server.WaitMount(); err != nil {
				serverError <- err
				return
			}

			server.Wait()
			close(serverError)
		}()

		return nil
	}

	return startServer, serverError, nil
}

type FSNode struct {
	fs.Inode
	filesystem *VfsFs
	path       string
	isDir      bool
	size       int64
	mtime      int64
}

func (n *FSNode) log(format string, v ...interface{}) {
	if n.filesystem.verbose {
		truevfs.GetLogger().Debugf(fmt.Sprintf("(%s) %s", n.path, format), v...)
	}
}

func pathIno(p string) uint64 {
	sum := sha256.Sum256([]byte(p))
	return binary.LittleEndian.Uint64(sum[:8])
}

func (n *FSNode) mode() uint32 {
	if n.isDir {
		return fuse.S_IFDIR | 0o555
	}
	return fuse.S_IFREG | 0o444
}

func (n *FSNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.log("Getattr called")
	out.Ino = pathIno(n.path)
	out.Mode = n.mode()
	out.Nlink = 1
	if !n.isDir && n.size > 0 {
		out.Size = uint64(n.size)
	}
	if n.mtime > 0 {
		out.Mtime = uint64(n.mtime / 1000)
	}
	return fs.OK
}

// dirish reports whether the entry behaves like a directory in the
// mounted view: a real directory or an archive file.
func (n *VfsFs) dirish(name string, entry truevfs.Entry) bool {
	if entry != nil && entry.Type() == truevfs.DirectoryType {
		return true
	}
	_, isArchive := n.vfs.Manager().Registry().SchemeForName(name)
	return isArchive
}

func (n *FSNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	fullPath := path.Join(n.path, name)
	n.log("Lookup called with path: %s", fullPath)

	entry, err := n.filesystem.vfs.Stat(ctx, fullPath)
	if err != nil || entry == nil {
		return nil, syscall.ENOENT
	}

	child := &FSNode{
		filesystem: n.filesystem,
		path:       fullPath,
		isDir:      n.filesystem.dirish(name, entry),
		mtime:      entry.Time(truevfs.WriteAccess),
	}
	if sz := entry.Size(truevfs.DataSize); sz != truevfs.UnknownSize {
		child.size = sz
	}

	out.Ino = pathIno(fullPath)
	out.Mode = child.mode()
	node := n.NewInode(ctx, child, fs.StableAttr{Mode: child.mode(), Ino: out.Ino})
	return node, fs.OK
}

func (n *FSNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	n.log("Readdir called")
	members, err := n.filesystem.vfs.List(ctx, n.path)
	if err != nil {
		return nil, syscall.EIO
	}
	entries := make([]fuse.DirEntry, 0, len(members))
	for _, name := range members {
		mode := uint32(fuse.S_IFREG)
		if entry, err := n.filesystem.vfs.Stat(ctx, path.Join(n.path, name)); err == nil && n.filesystem.dirish(name, entry) {
			mode = fuse.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{
			Name: name,
			Mode: mode,
			Ino:  pathIno(path.Join(n.path, name)),
		})
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (n *FSNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	n.log("Open called")
	if n.isDir {
		return nil, 0, syscall.EISDIR
	}
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	data, err := n.filesystem.vfs.ReadFile(ctx, n.path)
	if err != nil {
		return nil, 0, syscall.EIO
	}
	return &fileHandle{data: data}, fuse.FOPEN_KEEP_CACHE, fs.OK
}

func (n *FSNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	handle, ok := fh.(*fileHandle)
	if !ok {
		return nil, syscall.EBADF
	}
	if off >= int64(len(handle.data)) {
		return fuse.ReadResultData(nil), fs.OK
	}
	end := off + int64(len(dest))
	if end > int64(len(handle.data)) {
		end = int64(len(handle.data))
	}
	return fuse.ReadResultData(handle.data[off:end]), fs.OK
}

type fileHandle struct {
	data []byte
}

var (
	_ = (fs.NodeGetattrer)((*FSNode)(nil))
	_ = (fs.NodeLookuper)((*FSNode)(nil))
	_ = (fs.NodeReaddirer)((*FSNode)(nil))
	_ = (fs.NodeOpener)((*FSNode)(nil))
	_ = (fs.NodeReader)((*FSNode)(nil))
)
