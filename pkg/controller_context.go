package truevfs

import (
	"context"
	"io"
	"sync"
)

// operationContexts snapshots the access options of the operation a
// goroutine is currently executing against one archive, so that deep
// driver helpers (compression selection, date conversion) see the intended
// flags without threading them through every call.
var operationContexts sync.Map // goroutine id -> []AccessOptions (stack)

// CurrentAccessOptions returns the access options of the archive operation
// the calling goroutine is inside of, or AccessNone outside any.
func CurrentAccessOptions() AccessOptions {
	if v, ok := operationContexts.Load(goroutineID()); ok {
		stack := v.([]AccessOptions)
		if len(stack) > 0 {
			return stack[len(stack)-1]
		}
	}
	return AccessNone
}

func pushAccessOptions(opts AccessOptions) {
	gid := goroutineID()
	var stack []AccessOptions
	if v, ok := operationContexts.Load(gid); ok {
		stack = v.([]AccessOptions)
	}
	operationContexts.Store(gid, append(stack, opts))
}

func popAccessOptions() {
	gid := goroutineID()
	v, ok := operationContexts.Load(gid)
	if !ok {
		return
	}
	stack := v.([]AccessOptions)
	if len(stack) <= 1 {
		operationContexts.Delete(gid)
		return
	}
	operationContexts.Store(gid, stack[:len(stack)-1])
}

// contextController maintains the per-operation snapshot around every
// delegated call.
type contextController struct {
	decoratingController
}

func newContextController(inner Controller) Controller {
	return &contextController{decoratingController{delegate: inner}}
}

func (c *contextController) inContext(opts AccessOptions, op func() error) error {
	pushAccessOptions(opts)
	defer popAccessOptions()
	return op()
}

func (c *contextController) Stat(ctx context.Context, opts AccessOptions, name EntryName) (Entry, error) {
	var entry Entry
	err := c.inContext(opts, func() error {
		var err error
		entry, err = c.delegate.Stat(ctx, opts, name)
		return err
	})
	return entry, err
}

func (c *contextController) CheckAccess(ctx context.Context, opts AccessOptions, name EntryName, access AccessKind) error {
	return c.inContext(opts, func() error {
		return c.delegate.CheckAccess(ctx, opts, name, access)
	})
}

func (c *contextController) SetTime(ctx context.Context, opts AccessOptions, name EntryName, access AccessKind, millis int64) error {
	return c.inContext(opts, func() error {
		return c.delegate.SetTime(ctx, opts, name, access, millis)
	})
}

func (c *contextController) Mknod(ctx context.Context, opts AccessOptions, name EntryName, typ EntryType, template Entry) error {
	return c.inContext(opts, func() error {
		return c.delegate.Mknod(ctx, opts, name, typ, template)
	})
}

func (c *contextController) Unlink(ctx context.Context, opts AccessOptions, name EntryName) error {
	return c.inContext(opts, func() error {
		return c.delegate.Unlink(ctx, opts, name)
	})
}

func (c *contextController) Input(opts AccessOptions, name EntryName) InputSocket {
	s := &contextInputSocket{ctrl: c, opts: opts, delegate: c.delegate.Input(opts, name)}
	s.init(s)
	return s
}

func (c *contextController) Output(opts AccessOptions, name EntryName, template Entry) OutputSocket {
	s := &contextOutputSocket{ctrl: c, opts: opts, delegate: c.delegate.Output(opts, name, template)}
	s.init(s)
	return s
}

type contextInputSocket struct {
	inputSocketBase
	ctrl     *contextController
	opts     AccessOptions
	delegate InputSocket
}

func (s *contextInputSocket) LocalTarget(ctx context.Context) (Entry, error) {
	var entry Entry
	err := s.ctrl.inContext(s.opts, func() error {
		var err error
		entry, err = s.delegate.LocalTarget(ctx)
		return err
	})
	return entry, err
}

func (s *contextInputSocket) OpenStream(ctx context.Context) (io.ReadCloser, error) {
	var stream io.ReadCloser
	err := s.ctrl.inContext(s.opts, func() error {
		var err error
		stream, err = s.delegate.Bind(s.self).OpenStream(ctx)
		return err
	})
	return stream, err
}

type contextOutputSocket struct {
	outputSocketBase
	ctrl     *contextController
	opts     AccessOptions
	delegate OutputSocket
}

func (s *contextOutputSocket) LocalTarget(ctx context.Context) (Entry, error) {
	var entry Entry
	err := s.ctrl.inContext(s.opts, func() error {
		var err error
		entry, err = s.delegate.LocalTarget(ctx)
		return err
	})
	return entry, err
}

func (s *contextOutputSocket) OpenStream(ctx context.Context) (io.WriteCloser, error) {
	var stream io.WriteCloser
	err := s.ctrl.inContext(s.opts, func() error {
		var err error
		stream, err = s.delegate.Bind(s.self).OpenStream(ctx)
		return err
	})
	return stream, err
}
