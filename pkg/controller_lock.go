package truevfs

import (
	"context"
	"io"
	"math/rand"
	"sync"
	"time"
)

// threadState is the per-goroutine lock bookkeeping. It mirrors what the
// lock-retry protocol needs to know: whether the goroutine is inside a
// locked frame already, and which models it holds at which level.
type threadState struct {
	locking int
	holds   map[*Model]AccessKind // ReadAccess or WriteAccess
}

var threadStates sync.Map // goroutine id -> *threadState

func currentThreadState(gid uint64) *threadState {
	if v, ok := threadStates.Load(gid); ok {
		return v.(*threadState)
	}
	st := &threadState{holds: make(map[*Model]AccessKind)}
	actual, _ := threadStates.LoadOrStore(gid, st)
	return actual.(*threadState)
}

func (st *threadState) release(gid uint64) {
	if st.locking == 0 && len(st.holds) == 0 {
		threadStates.Delete(gid)
	}
}

// lockController serializes concurrent goroutines per file system with the
// model's read-write lock and implements the lock-retry protocol: the
// outermost locked frame of a goroutine acquires blocking and retries on
// needsLockRetry after releasing all locks and pausing for a small random
// interval; nested frames only try-lock and convert failure into
// needsLockRetry for the outermost frame to handle.
type lockController struct {
	decoratingController
	model   *Model
	timeout time.Duration
}

func newLockController(model *Model, timeout time.Duration, inner Controller) Controller {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	return &lockController{
		decoratingController: decoratingController{delegate: inner},
		model:                model,
		timeout:              timeout,
	}
}

type lockKind uint8

const (
	readLock lockKind = iota
	writeLock
)

func (c *lockController) locked(ctx context.Context, kind lockKind, op func() error) error {
	gid := goroutineID()
	st := currentThreadState(gid)
	defer st.release(gid)

	if held, ok := st.holds[c.model]; ok {
		if kind == writeLock && held != WriteAccess {
			panic("read to write lock upgrade on " + c.model.mountPoint.String())
		}
		// Reentrant call on a model this goroutine already holds.
		return op()
	}

	acquire := func(try bool) bool {
		if kind == writeLock {
			if try {
				return c.model.lock.TryLock()
			}
			c.model.lock.Lock()
			return true
		}
		if try {
			return c.model.lock.TryRLock()
		}
		c.model.lock.RLock()
		return true
	}
	release := func() {
		if kind == writeLock {
			c.model.writer.Store(0)
			c.model.lock.Unlock()
		} else {
			c.model.lock.RUnlock()
		}
	}
	mark := func() {
		if kind == writeLock {
			c.model.writer.Store(gid)
			st.holds[c.model] = WriteAccess
		} else {
			st.holds[c.model] = ReadAccess
		}
	}

	if st.locking > 0 {
		if !acquire(true) {
			return &needsLockRetryError{mountPoint: c.model.mountPoint}
		}
		mark()
		st.locking++
		err := op()
		st.locking--
		delete(st.holds, c.model)
		release()
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		acquire(false)
		mark()
		st.locking++
		err := op()
		st.locking--
		delete(st.holds, c.model)
		release()
		if !isLockRetry(err) {
			return err
		}
		pause(c.timeout)
	}
}

// pause sleeps for a uniformly random interval in [1ms, timeout]. The
// random back-off converts a potential deadlock between nested archive
// operations into statistically bounded retry.
func pause(timeout time.Duration) {
	ms := int64(timeout / time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	time.Sleep(time.Duration(1+rand.Int63n(ms)) * time.Millisecond)
}

func (c *lockController) readOrWriteLocked(ctx context.Context, op func() error) error {
	err := c.locked(ctx, readLock, op)
	if isNeedsWriteLock(err) {
		err = c.locked(ctx, writeLock, op)
	}
	return err
}

func (c *lockController) Stat(ctx context.Context, opts AccessOptions, name EntryName) (Entry, error) {
	var entry Entry
	err := c.readOrWriteLocked(ctx, func() error {
		var err error
		entry, err = c.delegate.Stat(ctx, opts, name)
		return err
	})
	return entry, err
}

func (c *lockController) CheckAccess(ctx context.Context, opts AccessOptions, name EntryName, access AccessKind) error {
	return c.readOrWriteLocked(ctx, func() error {
		return c.delegate.CheckAccess(ctx, opts, name, access)
	})
}

func (c *lockController) SetReadOnly(ctx context.Context, name EntryName) error {
	return c.locked(ctx, writeLock, func() error {
		return c.delegate.SetReadOnly(ctx, name)
	})
}

func (c *lockController) SetTime(ctx context.Context, opts AccessOptions, name EntryName, access AccessKind, millis int64) error {
	return c.locked(ctx, writeLock, func() error {
		return c.delegate.SetTime(ctx, opts, name, access, millis)
	})
}

func (c *lockController) Mknod(ctx context.Context, opts AccessOptions, name EntryName, typ EntryType, template Entry) error {
	return c.locked(ctx, writeLock, func() error {
		return c.delegate.Mknod(ctx, opts, name, typ, template)
	})
}

func (c *lockController) Unlink(ctx context.Context, opts AccessOptions, name EntryName) error {
	return c.locked(ctx, writeLock, func() error {
		return c.delegate.Unlink(ctx, opts, name)
	})
}

func (c *lockController) Sync(ctx context.Context, opts SyncOptions, b *SyncBuilder) error {
	return c.locked(ctx, writeLock, func() error {
		return c.delegate.Sync(ctx, opts, b)
	})
}

func (c *lockController) Input(opts AccessOptions, name EntryName) InputSocket {
	s := &lockInputSocket{ctrl: c, delegate: c.delegate.Input(opts, name)}
	s.init(s)
	return s
}

func (c *lockController) Output(opts AccessOptions, name EntryName, template Entry) OutputSocket {
	s := &lockOutputSocket{ctrl: c, delegate: c.delegate.Output(opts, name, template)}
	s.init(s)
	return s
}

type lockInputSocket struct {
	inputSocketBase
	ctrl     *lockController
	delegate InputSocket
}

func (s *lockInputSocket) LocalTarget(ctx context.Context) (Entry, error) {
	var entry Entry
	err := s.ctrl.locked(ctx, writeLock, func() error {
		var err error
		entry, err = s.delegate.LocalTarget(ctx)
		return err
	})
	return entry, err
}

func (s *lockInputSocket) OpenStream(ctx context.Context) (io.ReadCloser, error) {
	var stream io.ReadCloser
	err := s.ctrl.locked(ctx, writeLock, func() error {
		var err error
		stream, err = s.delegate.Bind(s.self).OpenStream(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &lockReadStream{ctrl: s.ctrl, in: stream}, nil
}

type lockOutputSocket struct {
	outputSocketBase
	ctrl     *lockController
	delegate OutputSocket
}

func (s *lockOutputSocket) LocalTarget(ctx context.Context) (Entry, error) {
	var entry Entry
	err := s.ctrl.locked(ctx, writeLock, func() error {
		var err error
		entry, err = s.delegate.LocalTarget(ctx)
		return err
	})
	return entry, err
}

func (s *lockOutputSocket) OpenStream(ctx context.Context) (io.WriteCloser, error) {
	var stream io.WriteCloser
	err := s.ctrl.locked(ctx, writeLock, func() error {
		var err error
		stream, err = s.delegate.Bind(s.self).OpenStream(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &lockWriteStream{ctrl: s.ctrl, out: stream}, nil
}

// lockReadStream delegates reads without locking and closes under the
// write lock so close-side mutations are serialized with sync.
type lockReadStream struct {
	ctrl *lockController
	in   io.ReadCloser
}

func (s *lockReadStream) Read(p []byte) (int, error) { return s.in.Read(p) }

func (s *lockReadStream) Close() error {
	return s.ctrl.locked(context.Background(), writeLock, func() error {
		return s.in.Close()
	})
}

type lockWriteStream struct {
	ctrl *lockController
	out  io.WriteCloser
}

func (s *lockWriteStream) Write(p []byte) (int, error) { return s.out.Write(p) }

func (s *lockWriteStream) Close() error {
	return s.ctrl.locked(context.Background(), writeLock, func() error {
		return s.out.Close()
	})
}
