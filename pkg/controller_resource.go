package truevfs

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

type resourceKind uint8

const (
	inputResource resourceKind = iota
	outputResource
)

// accountedResource is one live stream handed out to user code. It counts
// transferred bytes into the manager statistics and supports being killed
// by a forced sync, after which the owner's next read or write fails
// instead of silently observing a dead container.
type accountedResource struct {
	owner uint64
	kind  resourceKind
	acct  *accountant
	stats *IoStatistics

	mu     sync.Mutex
	closed bool
	in     io.ReadCloser
	out    io.WriteCloser
}

// Read holds the resource mutex across the underlying read so a forced
// close cannot race with in-flight I/O.
func (r *accountedResource) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, fmt.Errorf("read: %w", ErrClosedResource)
	}
	n, err := r.in.Read(p)
	r.stats.addRead(int64(n))
	return n, err
}

func (r *accountedResource) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, fmt.Errorf("write: %w", ErrClosedResource)
	}
	n, err := r.out.Write(p)
	r.stats.addWritten(int64(n))
	return n, err
}

func (r *accountedResource) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	r.acct.unaccount(r)
	return r.closeUnderlying()
}

// kill is the forced-close path taken by sync. The caller already holds
// the file system write lock, so the underlying stream is closed directly.
func (r *accountedResource) kill() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	r.acct.unaccount(r)
	return r.closeUnderlying()
}

func (r *accountedResource) closeUnderlying() error {
	if r.in != nil {
		return r.in.Close()
	}
	return r.out.Close()
}

// resourceController registers every stream returned by the inner layers
// with the accountant and intercepts sync to wait for or force-close open
// resources.
type resourceController struct {
	decoratingController
	model   *Model
	acct    *accountant
	stats   *IoStatistics
	timeout time.Duration
}

func newResourceController(model *Model, stats *IoStatistics, timeout time.Duration, inner Controller) Controller {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	return &resourceController{
		decoratingController: decoratingController{delegate: inner},
		model:                model,
		acct:                 newAccountant(),
		stats:                stats,
		timeout:              timeout,
	}
}

func (c *resourceController) Input(opts AccessOptions, name EntryName) InputSocket {
	s := &resourceInputSocket{ctrl: c, delegate: c.delegate.Input(opts, name)}
	s.init(s)
	return s
}

func (c *resourceController) Output(opts AccessOptions, name EntryName, template Entry) OutputSocket {
	s := &resourceOutputSocket{ctrl: c, delegate: c.delegate.Output(opts, name, template)}
	s.init(s)
	return s
}

func (c *resourceController) Sync(ctx context.Context, opts SyncOptions, b *SyncBuilder) error {
	c.model.assertWriteLocked()
	if err := c.waitIdle(opts, b); err != nil {
		return err
	}
	if opts.forceClose() {
		c.acct.closeAll(func(err error) {
			b.Warn(c.model.mountPoint, err)
		})
	}
	return c.delegate.Sync(ctx, opts, b)
}

// waitIdle implements the first step of the sync algorithm. Resources held
// by the calling goroutine always require force-close: waiting for them
// would deadlock, so without force the sync fails immediately, and with
// force their closure is surfaced as a warning rather than silently
// succeeding.
func (c *resourceController) waitIdle(opts SyncOptions, b *SyncBuilder) error {
	gid := goroutineID()
	force := opts.forceClose()
	_, local := c.acct.counts(gid)
	if local > 0 {
		if !force {
			return b.Fail(c.model.mountPoint, &BusyError{Total: local, Local: local})
		}
		b.Warn(c.model.mountPoint, &BusyError{Total: local, Local: local})
	}
	timeout := c.timeout
	if opts.waitClose() {
		timeout = 0 // wait indefinitely
	}
	// The write lock is released around each park so foreign closers can
	// acquire it to unregister; see the accountant.
	total := c.acct.awaitForeign(gid, timeout,
		func() {
			c.model.writer.Store(0)
			c.model.lock.Unlock()
		},
		func() {
			c.model.lock.Lock()
			c.model.writer.Store(gid)
		},
	)
	if total <= local {
		return nil
	}
	cause := &BusyError{Total: total, Local: local}
	if !force {
		return b.Fail(c.model.mountPoint, cause)
	}
	b.Warn(c.model.mountPoint, cause)
	return nil
}

type resourceInputSocket struct {
	inputSocketBase
	ctrl     *resourceController
	delegate InputSocket
}

func (s *resourceInputSocket) LocalTarget(ctx context.Context) (Entry, error) {
	return s.delegate.LocalTarget(ctx)
}

func (s *resourceInputSocket) OpenStream(ctx context.Context) (io.ReadCloser, error) {
	stream, err := s.delegate.Bind(s.self).OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	r := &accountedResource{
		owner: goroutineID(),
		kind:  inputResource,
		acct:  s.ctrl.acct,
		stats: s.ctrl.stats,
		in:    stream,
	}
	s.ctrl.acct.account(r)
	return r, nil
}

type resourceOutputSocket struct {
	outputSocketBase
	ctrl     *resourceController
	delegate OutputSocket
}

func (s *resourceOutputSocket) LocalTarget(ctx context.Context) (Entry, error) {
	return s.delegate.LocalTarget(ctx)
}

func (s *resourceOutputSocket) OpenStream(ctx context.Context) (io.WriteCloser, error) {
	stream, err := s.delegate.Bind(s.self).OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	r := &accountedResource{
		owner: goroutineID(),
		kind:  outputResource,
		acct:  s.ctrl.acct,
		stats: s.ctrl.stats,
		out:   stream,
	}
	s.ctrl.acct.account(r)
	return r, nil
}
