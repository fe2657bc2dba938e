package truevfs

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// IoPool allocates scratch buffers for entry data. The cache layer and the
// archive controllers stage bytes in pool buffers between user streams and
// the underlying container.
type IoPool interface {
	// Allocate returns an empty buffer.
	Allocate() (Buffer, error)
	// Close releases pool-wide resources, e.g. the temp directory.
	Close() error
}

// Buffer is one pool allocation. Readers see the bytes committed by the
// most recently closed writer.
type Buffer interface {
	// NewReader reads the buffer contents from the start. Multiple readers
	// may be open at once.
	NewReader() (io.ReadCloser, error)
	// NewWriter truncates the buffer and writes new contents, unless
	// appendTo is set.
	NewWriter(appendTo bool) (io.WriteCloser, error)
	// Size returns the committed byte count.
	Size() int64
	// Release returns the buffer to the pool. The buffer must not be used
	// afterwards.
	Release() error
}

const (
	IoPoolModeMemory string = "memory"
	IoPoolModeFile   string = "file"
)

// NewIoPool constructs a pool from configuration.
func NewIoPool(config IoPoolConfig) (IoPool, error) {
	switch config.Mode {
	case IoPoolModeMemory, "":
		return NewMemoryPool(), nil
	case IoPoolModeFile:
		return NewFilePool(config.Dir)
	}
	return nil, fmt.Errorf("invalid io pool mode: %q", config.Mode)
}

// Standard backing sizes aligned with typical entry payloads.
var (
	backingSize64KB = 64 * 1024
	backingSize1MB  = 1 * 1024 * 1024
	backingSize4MB  = 4 * 1024 * 1024
)

// MemoryPool keeps entry data on the heap, recycling backing arrays
// through size-bucketed sync.Pools to reduce allocations.
type MemoryPool struct {
	pools map[int]*sync.Pool
}

func NewMemoryPool() *MemoryPool {
	mp := &MemoryPool{
		pools: make(map[int]*sync.Pool),
	}

	for _, size := range []int{backingSize64KB, backingSize1MB, backingSize4MB} {
		size := size // capture for closure
		mp.pools[size] = &sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 0, size)
				return &buf
			},
		}
	}

	return mp
}

func (mp *MemoryPool) Allocate() (Buffer, error) {
	backing := mp.get(backingSize64KB)
	return &memoryBuffer{pool: mp, data: backing}, nil
}

func (mp *MemoryPool) Close() error { return nil }

func (mp *MemoryPool) get(size int) []byte {
	if pool, exists := mp.pools[mp.selectPoolSize(size)]; exists {
		bufPtr := pool.Get().(*[]byte)
		return (*bufPtr)[:0]
	}
	return make([]byte, 0, size)
}

func (mp *MemoryPool) put(buf []byte) {
	if buf == nil {
		return
	}
	if pool, exists := mp.pools[cap(buf)]; exists {
		buf = buf[:0]
		pool.Put(&buf)
	}
}

func (mp *MemoryPool) selectPoolSize(size int) int {
	if size <= backingSize64KB {
		return backingSize64KB
	} else if size <= backingSize1MB {
		return backingSize1MB
	}
	return backingSize4MB
}

type memoryBuffer struct {
	pool *MemoryPool
	mu   sync.Mutex
	data []byte
}

func (b *memoryBuffer) NewReader() (io.ReadCloser, error) {
	b.mu.Lock()
	snapshot := b.data
	b.mu.Unlock()
	return io.NopCloser(bytes.NewReader(snapshot)), nil
}

func (b *memoryBuffer) NewWriter(appendTo bool) (io.WriteCloser, error) {
	return &memoryBufferWriter{buf: b, appendTo: appendTo}, nil
}

func (b *memoryBuffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.data))
}

func (b *memoryBuffer) Release() error {
	b.mu.Lock()
	data := b.data
	b.data = nil
	b.mu.Unlock()
	b.pool.put(data)
	return nil
}

type memoryBufferWriter struct {
	buf      *memoryBuffer
	appendTo bool
	staged   []byte
	closed   bool
}

func (w *memoryBufferWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosedResource
	}
	w.staged = append(w.staged, p...)
	return len(p), nil
}

// Close commits the staged bytes. Readers opened before Close keep seeing
// the previous contents.
func (w *memoryBufferWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.buf.mu.Lock()
	defer w.buf.mu.Unlock()
	if w.appendTo {
		w.buf.data = append(w.buf.data, w.staged...)
	} else {
		w.buf.data = append(w.buf.data[:0], w.staged...)
	}
	w.staged = nil
	return nil
}

// FilePool spools entry data to temp files below a per-process directory.
type FilePool struct {
	dir string
}

func NewFilePool(dir string) (*FilePool, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	session := filepath.Join(dir, "truevfs-"+uuid.New().String()[:8])
	if err := os.MkdirAll(session, 0o700); err != nil {
		return nil, err
	}
	return &FilePool{dir: session}, nil
}

func (fp *FilePool) Allocate() (Buffer, error) {
	f, err := os.CreateTemp(fp.dir, "buf-*")
	if err != nil {
		return nil, err
	}
	name := f.Name()
	f.Close()
	return &fileBuffer{path: name}, nil
}

func (fp *FilePool) Close() error {
	return os.RemoveAll(fp.dir)
}

type fileBuffer struct {
	path string
}

func (b *fileBuffer) NewReader() (io.ReadCloser, error) {
	f, err := os.Open(b.path)
	if err != nil {
		return nil, err
	}
	// Buffer reads are one-shot sequential scans.
	fadviseSequential(f.Fd())
	return f, nil
}

func (b *fileBuffer) NewWriter(appendTo bool) (io.WriteCloser, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if appendTo {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(b.path, flags, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileBufferWriter{f: f}, nil
}

func (b *fileBuffer) Size() int64 {
	fi, err := os.Stat(b.path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (b *fileBuffer) Release() error {
	return os.Remove(b.path)
}

type fileBufferWriter struct {
	f *os.File
}

func (w *fileBufferWriter) Write(p []byte) (int, error) { return w.f.Write(p) }

func (w *fileBufferWriter) Close() error {
	// The staged bytes go back out through a reader exactly once; keeping
	// them in the page cache past that point just pollutes it.
	fadviseDontneed(w.f.Fd(), 0, 0)
	return w.f.Close()
}
