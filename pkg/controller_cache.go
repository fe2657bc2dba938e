package truevfs

import (
	"context"
	"io"
	"sort"
)

// cacheEntry tracks the write-back state of one entry. Clean read-through
// buffers live in the manager's shared ReadCache; the dirty buffer stays
// here until sync flushes it.
type cacheEntry struct {
	name     EntryName
	writeBuf Buffer
	dirty    bool
}

func (e *cacheEntry) dropWrite() {
	if e.writeBuf != nil {
		e.writeBuf.Release()
		e.writeBuf = nil
	}
	e.dirty = false
}

// cacheController serves reads through per-entry read buffers and
// accumulates writes in write-back buffers for operations carrying the
// CACHE option. Dirty buffers are flushed to the target on sync. All
// state is guarded by the file system lock held by the outer layers.
type cacheController struct {
	decoratingController
	model     *Model
	pool      IoPool
	readCache *ReadCache
	entries   map[EntryName]*cacheEntry
}

func newCacheController(model *Model, pool IoPool, readCache *ReadCache, inner Controller) Controller {
	return &cacheController{
		decoratingController: decoratingController{delegate: inner},
		model:                model,
		pool:                 pool,
		readCache:            readCache,
		entries:              make(map[EntryName]*cacheEntry),
	}
}

func (c *cacheController) entry(name EntryName) *cacheEntry {
	e, ok := c.entries[name]
	if !ok {
		e = &cacheEntry{name: name}
		c.entries[name] = e
	}
	return e
}

func (c *cacheController) Input(opts AccessOptions, name EntryName) InputSocket {
	if !opts.Has(AccessCache) {
		return c.delegate.Input(opts, name)
	}
	s := &cacheInputSocket{ctrl: c, opts: opts, name: name}
	s.init(s)
	return s
}

func (c *cacheController) Output(opts AccessOptions, name EntryName, template Entry) OutputSocket {
	if !opts.Has(AccessCache) {
		return c.delegate.Output(opts, name, template)
	}
	s := &cacheOutputSocket{ctrl: c, opts: opts, name: name, template: template}
	s.init(s)
	return s
}

func (c *cacheController) Unlink(ctx context.Context, opts AccessOptions, name EntryName) error {
	if err := c.delegate.Unlink(ctx, opts, name); err != nil {
		return err
	}
	c.readCache.drop(c.model.mountPoint, name)
	if e, ok := c.entries[name]; ok {
		e.dropWrite()
		delete(c.entries, name)
	}
	return nil
}

func (c *cacheController) Sync(ctx context.Context, opts SyncOptions, b *SyncBuilder) error {
	c.model.assertWriteLocked()
	if !opts.Has(SyncAbortChanges) {
		if err := c.flush(ctx, b); err != nil {
			return err
		}
	}
	if opts.Has(SyncClearCache) || opts.Has(SyncAbortChanges) {
		for name, e := range c.entries {
			c.readCache.drop(c.model.mountPoint, name)
			e.dropWrite()
			delete(c.entries, name)
		}
	}
	return c.delegate.Sync(ctx, opts, b)
}

// flush writes dirty buffers back through the target in lexicographic
// name order. A failure on one entry is recorded as destructive and the
// remaining entries are still flushed; control-flow errors abort so the
// lock controller can retry the whole sync with the entries still dirty.
func (c *cacheController) flush(ctx context.Context, b *SyncBuilder) error {
	var dirty []EntryName
	for name, e := range c.entries {
		if e.dirty {
			dirty = append(dirty, name)
		}
	}
	sort.Slice(dirty, func(i, j int) bool { return dirty[i] < dirty[j] })
	for _, name := range dirty {
		e := c.entries[name]
		if err := c.flushEntry(ctx, e); err != nil {
			if isControlFlow(err) {
				return err
			}
			b.Fail(c.model.mountPoint, err) // recorded; keep flushing
			continue
		}
		// The write buffer becomes the clean copy.
		e.dirty = false
		c.readCache.put(c.model.mountPoint, name, e.writeBuf)
		e.writeBuf = nil
	}
	return nil
}

func (c *cacheController) flushEntry(ctx context.Context, e *cacheEntry) error {
	in := newBufferInputSocket(e.writeBuf, string(e.name))
	out := c.delegate.Output(AccessNone, e.name, nil)
	_, err := Copy(ctx, in, out)
	return err
}

type cacheInputSocket struct {
	inputSocketBase
	ctrl *cacheController
	opts AccessOptions
	name EntryName
}

func (s *cacheInputSocket) LocalTarget(ctx context.Context) (Entry, error) {
	return s.ctrl.delegate.Input(s.opts, s.name).LocalTarget(ctx)
}

func (s *cacheInputSocket) OpenStream(ctx context.Context) (io.ReadCloser, error) {
	c := s.ctrl
	if e, ok := c.entries[s.name]; ok && e.dirty {
		return e.writeBuf.NewReader()
	}
	if buf, ok := c.readCache.get(c.model.mountPoint, s.name); ok {
		return buf.NewReader()
	}

	buf, err := c.pool.Allocate()
	if err != nil {
		return nil, err
	}
	in := c.delegate.Input(s.opts.Clear(AccessCache), s.name)
	if _, err := Copy(ctx, in, newBufferOutputSocket(buf, string(s.name))); err != nil {
		buf.Release()
		return nil, err
	}
	// Open the stream before handing the buffer to the cache: admission
	// may refuse and release it.
	stream, err := buf.NewReader()
	if err != nil {
		buf.Release()
		return nil, err
	}
	c.entry(s.name)
	c.readCache.put(c.model.mountPoint, s.name, buf)
	return stream, nil
}

type cacheOutputSocket struct {
	outputSocketBase
	ctrl     *cacheController
	opts     AccessOptions
	name     EntryName
	template Entry
}

func (s *cacheOutputSocket) LocalTarget(ctx context.Context) (Entry, error) {
	return s.ctrl.delegate.Output(s.opts, s.name, s.template).LocalTarget(ctx)
}

func (s *cacheOutputSocket) OpenStream(ctx context.Context) (io.WriteCloser, error) {
	buf, err := s.ctrl.pool.Allocate()
	if err != nil {
		return nil, err
	}
	w, err := buf.NewWriter(s.opts.Has(AccessAppend))
	if err != nil {
		buf.Release()
		return nil, err
	}
	return &cacheWriteStream{ctx: ctx, sock: s, buf: buf, w: w}, nil
}

// cacheWriteStream commits its buffer into the cache on close and
// materializes the entry in the target so it is immediately visible to
// stat, while the data itself stays write-back until sync.
type cacheWriteStream struct {
	ctx  context.Context
	sock *cacheOutputSocket
	buf  Buffer
	w    io.WriteCloser
}

func (s *cacheWriteStream) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *cacheWriteStream) Close() error {
	if err := s.w.Close(); err != nil {
		s.buf.Release()
		return err
	}
	ctrl := s.sock.ctrl
	e := ctrl.entry(s.sock.name)
	e.dropWrite()
	ctrl.readCache.drop(ctrl.model.mountPoint, s.sock.name)
	e.writeBuf = s.buf
	e.dirty = true
	return ctrl.delegate.Mknod(s.ctx, s.sock.opts, s.sock.name, FileType, s.sock.template)
}

// Buffer socket adapters used by the cache and the archive commit path.

type bufferInputSocket struct {
	inputSocketBase
	buf  Buffer
	name string
}

func newBufferInputSocket(buf Buffer, name string) InputSocket {
	s := &bufferInputSocket{buf: buf, name: name}
	s.init(s)
	return s
}

func (s *bufferInputSocket) LocalTarget(ctx context.Context) (Entry, error) {
	return &EntryInfo{
		EntryName: s.name,
		EntryType: FileType,
		Sizes:     map[SizeKind]int64{DataSize: s.buf.Size()},
	}, nil
}

func (s *bufferInputSocket) OpenStream(ctx context.Context) (io.ReadCloser, error) {
	return s.buf.NewReader()
}

type bufferOutputSocket struct {
	outputSocketBase
	buf  Buffer
	name string
}

func newBufferOutputSocket(buf Buffer, name string) OutputSocket {
	s := &bufferOutputSocket{buf: buf, name: name}
	s.init(s)
	return s
}

func (s *bufferOutputSocket) LocalTarget(ctx context.Context) (Entry, error) {
	return &EntryInfo{
		EntryName: s.name,
		EntryType: FileType,
		Sizes:     map[SizeKind]int64{DataSize: s.buf.Size()},
	}, nil
}

func (s *bufferOutputSocket) OpenStream(ctx context.Context) (io.WriteCloser, error) {
	return s.buf.NewWriter(false)
}
