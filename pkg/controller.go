package truevfs

import (
	"context"
)

// Controller implements the operations of one federated file system. A
// controller has a single parent controller unless it fronts a host file
// system. Controllers are interned by the manager; identity is the mount
// point.
//
// Operations must be consistent under partial execution: if they return an
// error before committing, observable state is unchanged. The lock-retry
// protocol depends on this.
type Controller interface {
	// Model returns the shared mutable state.
	Model() *Model
	// Parent returns the parent file system controller, or nil.
	Parent() Controller

	// Stat returns the entry metadata, or nil if the entry is absent.
	Stat(ctx context.Context, opts AccessOptions, name EntryName) (Entry, error)
	// CheckAccess fails unless the entry exists and permits the given
	// access types.
	CheckAccess(ctx context.Context, opts AccessOptions, name EntryName, access AccessKind) error
	// SetReadOnly marks the entry read-only.
	SetReadOnly(ctx context.Context, name EntryName) error
	// SetTime sets the timestamps of the given kinds to millis.
	SetTime(ctx context.Context, opts AccessOptions, name EntryName, access AccessKind, millis int64) error
	// Input returns a lazy socket reading the named entry.
	Input(opts AccessOptions, name EntryName) InputSocket
	// Output returns a lazy socket writing the named entry. The optional
	// template donates metadata to the new entry.
	Output(opts AccessOptions, name EntryName, template Entry) OutputSocket
	// Mknod creates a file or directory entry.
	Mknod(ctx context.Context, opts AccessOptions, name EntryName, typ EntryType, template Entry) error
	// Unlink removes an entry. Directories must be empty.
	Unlink(ctx context.Context, opts AccessOptions, name EntryName) error

	// Sync flushes caches, commits the archive and optionally unmounts.
	// Failures are assembled into the builder; the returned error is
	// reserved for control flow and aborts.
	Sync(ctx context.Context, opts SyncOptions, b *SyncBuilder) error
}

// decoratingController forwards every operation to a delegate. Layers
// embed it and override what they intercept.
type decoratingController struct {
	delegate Controller
}

func (c *decoratingController) Model() *Model      { return c.delegate.Model() }
func (c *decoratingController) Parent() Controller { return c.delegate.Parent() }

func (c *decoratingController) Stat(ctx context.Context, opts AccessOptions, name EntryName) (Entry, error) {
	return c.delegate.Stat(ctx, opts, name)
}

func (c *decoratingController) CheckAccess(ctx context.Context, opts AccessOptions, name EntryName, access AccessKind) error {
	return c.delegate.CheckAccess(ctx, opts, name, access)
}

func (c *decoratingController) SetReadOnly(ctx context.Context, name EntryName) error {
	return c.delegate.SetReadOnly(ctx, name)
}

func (c *decoratingController) SetTime(ctx context.Context, opts AccessOptions, name EntryName, access AccessKind, millis int64) error {
	return c.delegate.SetTime(ctx, opts, name, access, millis)
}

func (c *decoratingController) Input(opts AccessOptions, name EntryName) InputSocket {
	return c.delegate.Input(opts, name)
}

func (c *decoratingController) Output(opts AccessOptions, name EntryName, template Entry) OutputSocket {
	return c.delegate.Output(opts, name, template)
}

func (c *decoratingController) Mknod(ctx context.Context, opts AccessOptions, name EntryName, typ EntryType, template Entry) error {
	return c.delegate.Mknod(ctx, opts, name, typ, template)
}

func (c *decoratingController) Unlink(ctx context.Context, opts AccessOptions, name EntryName) error {
	return c.delegate.Unlink(ctx, opts, name)
}

func (c *decoratingController) Sync(ctx context.Context, opts SyncOptions, b *SyncBuilder) error {
	return c.delegate.Sync(ctx, opts, b)
}
