package truevfs

import (
	"context"
	"io"
)

// falsePositiveController fronts every federated controller chain. When
// the target signals that the archive file's bytes do not match the
// driver's format, the operation is rerouted to the parent controller with
// the file treated as a plain entry. Persistent verdicts are cached on the
// target until the next sync; transient ones (e.g. a missing key) are
// probed again on every operation.
type falsePositiveController struct {
	decoratingController
	model  *Model
	parent Controller
}

func newFalsePositiveController(model *Model, parent Controller, inner Controller) Controller {
	return &falsePositiveController{
		decoratingController: decoratingController{delegate: inner},
		model:                model,
		parent:               parent,
	}
}

// parentName resolves an entry name of this file system into the parent
// file system, relative to the archive file.
func (c *falsePositiveController) parentName(name EntryName) EntryName {
	return c.model.mountPoint.EntryNameInParent().Resolve(name)
}

func (c *falsePositiveController) Stat(ctx context.Context, opts AccessOptions, name EntryName) (Entry, error) {
	entry, err := c.delegate.Stat(ctx, opts, name)
	if _, ok := isFalsePositive(err); ok {
		if name.IsRoot() {
			// The file exists but is no archive, so there is no root
			// directory to report.
			return nil, nil
		}
		return c.parent.Stat(ctx, opts, c.parentName(name))
	}
	return entry, err
}

func (c *falsePositiveController) CheckAccess(ctx context.Context, opts AccessOptions, name EntryName, access AccessKind) error {
	err := c.delegate.CheckAccess(ctx, opts, name, access)
	if _, ok := isFalsePositive(err); ok {
		return c.parent.CheckAccess(ctx, opts, c.parentName(name), access)
	}
	return err
}

func (c *falsePositiveController) SetReadOnly(ctx context.Context, name EntryName) error {
	err := c.delegate.SetReadOnly(ctx, name)
	if _, ok := isFalsePositive(err); ok {
		return c.parent.SetReadOnly(ctx, c.parentName(name))
	}
	return err
}

func (c *falsePositiveController) SetTime(ctx context.Context, opts AccessOptions, name EntryName, access AccessKind, millis int64) error {
	err := c.delegate.SetTime(ctx, opts, name, access, millis)
	if _, ok := isFalsePositive(err); ok {
		return c.parent.SetTime(ctx, opts, c.parentName(name), access, millis)
	}
	return err
}

func (c *falsePositiveController) Mknod(ctx context.Context, opts AccessOptions, name EntryName, typ EntryType, template Entry) error {
	err := c.delegate.Mknod(ctx, opts, name, typ, template)
	if _, ok := isFalsePositive(err); ok {
		return c.parent.Mknod(ctx, opts, c.parentName(name), typ, template)
	}
	return err
}

func (c *falsePositiveController) Unlink(ctx context.Context, opts AccessOptions, name EntryName) error {
	err := c.delegate.Unlink(ctx, opts, name)
	if _, ok := isFalsePositive(err); ok {
		return c.parent.Unlink(ctx, opts, c.parentName(name))
	}
	return err
}

func (c *falsePositiveController) Input(opts AccessOptions, name EntryName) InputSocket {
	s := &fpInputSocket{ctrl: c, opts: opts, name: name}
	s.init(s)
	return s
}

func (c *falsePositiveController) Output(opts AccessOptions, name EntryName, template Entry) OutputSocket {
	s := &fpOutputSocket{ctrl: c, opts: opts, name: name, template: template}
	s.init(s)
	return s
}

type fpInputSocket struct {
	inputSocketBase
	ctrl *falsePositiveController
	opts AccessOptions
	name EntryName
}

func (s *fpInputSocket) LocalTarget(ctx context.Context) (Entry, error) {
	entry, err := s.ctrl.delegate.Input(s.opts, s.name).LocalTarget(ctx)
	if _, ok := isFalsePositive(err); ok {
		return s.ctrl.parent.Input(s.opts, s.ctrl.parentName(s.name)).LocalTarget(ctx)
	}
	return entry, err
}

func (s *fpInputSocket) OpenStream(ctx context.Context) (io.ReadCloser, error) {
	stream, err := s.ctrl.delegate.Input(s.opts, s.name).Bind(s.self).OpenStream(ctx)
	if _, ok := isFalsePositive(err); ok {
		return s.ctrl.parent.Input(s.opts, s.ctrl.parentName(s.name)).Bind(s.self).OpenStream(ctx)
	}
	return stream, err
}

type fpOutputSocket struct {
	outputSocketBase
	ctrl     *falsePositiveController
	opts     AccessOptions
	name     EntryName
	template Entry
}

func (s *fpOutputSocket) LocalTarget(ctx context.Context) (Entry, error) {
	entry, err := s.ctrl.delegate.Output(s.opts, s.name, s.template).LocalTarget(ctx)
	if _, ok := isFalsePositive(err); ok {
		return s.ctrl.parent.Output(s.opts, s.ctrl.parentName(s.name), s.template).LocalTarget(ctx)
	}
	return entry, err
}

func (s *fpOutputSocket) OpenStream(ctx context.Context) (io.WriteCloser, error) {
	stream, err := s.ctrl.delegate.Output(s.opts, s.name, s.template).Bind(s.self).OpenStream(ctx)
	if _, ok := isFalsePositive(err); ok {
		return s.ctrl.parent.Output(s.opts, s.ctrl.parentName(s.name), s.template).Bind(s.self).OpenStream(ctx)
	}
	return stream, err
}
