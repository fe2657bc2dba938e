package truevfs

import (
	"context"
	"time"
)

// ArchiveEntry is the archive-level view of an entry. Directory entry
// names end with a separator at this level; the kernel maps them from and
// to canonical entry names.
type ArchiveEntry interface {
	Entry
}

// InputService enumerates and reads the entries of one mounted archive.
// It stays open between mount and sync so entry data can be streamed out
// lazily.
type InputService interface {
	// Entries lists the archive entries in archive order.
	Entries() []ArchiveEntry
	// Entry looks an entry up by its archive-level name, or nil.
	Entry(name string) ArchiveEntry
	// Input returns a socket reading the named entry's data.
	Input(name string) InputSocket
	Close() error
}

// OutputService writes the entries of one archive. Entries are written
// strictly sequentially; Close commits the container trailer, e.g. the zip
// central directory.
type OutputService interface {
	// Output returns a socket writing the given entry.
	Output(entry ArchiveEntry) OutputSocket
	Close() error
}

// ArchiveDriver implements one archive format. Drivers own the byte
// layout; the kernel owns mounting, caching, locking and sync.
type ArchiveDriver interface {
	// Scheme returns the scheme the driver is registered under.
	Scheme() Scheme
	// Encodable reports whether the name can be stored in the driver's
	// entry-name charset.
	Encodable(name string) bool
	// NewEntry constructs an archive entry. Directory names carry the
	// trailing separator. The optional template donates sizes and times.
	NewEntry(name string, typ EntryType, opts AccessOptions, template Entry) (ArchiveEntry, error)
	// NewInputService opens an archive for reading from the parent file
	// system. If the source bytes do not match the driver's format, the
	// returned error is wrapped as a false positive by the kernel.
	NewInputService(ctx context.Context, model *Model, source InputSocket) (InputService, error)
	// NewOutputService opens an archive for writing through the parent
	// file system. For update-in-place drivers the input service of the
	// mounted archive is passed along, or nil.
	NewOutputService(ctx context.Context, model *Model, sink OutputSocket, input InputService) (OutputService, error)
	// NewController assembles the controller chain for one archive file
	// system. Drivers normally delegate to NewArchiveControllerChain.
	NewController(params ControllerParams) Controller
}

// ControllerParams carries everything a driver needs to assemble the
// controller chain around its target controller.
type ControllerParams struct {
	Model     *Model
	Parent    Controller
	Driver    ArchiveDriver
	Pool      IoPool
	ReadCache *ReadCache
	Stats     *IoStatistics
	Timeout   time.Duration
}

// NewArchiveControllerChain assembles the canonical decorator stack for a
// federated file system: false-positive, locking, resource accounting,
// caching, operation context, and the archive target.
func NewArchiveControllerChain(p ControllerParams) Controller {
	target := newArchiveController(p.Model, p.Driver, p.Parent, p.Pool)
	chain := newContextController(target)
	chain = newCacheController(p.Model, p.Pool, p.ReadCache, chain)
	chain = newResourceController(p.Model, p.Stats, p.Timeout, chain)
	chain = newLockController(p.Model, p.Timeout, chain)
	return newFalsePositiveController(p.Model, p.Parent, chain)
}

// newHostControllerChain assembles the reduced stack for a host file
// system: locking, resource accounting and the host target. Host mounts
// need no cache, context or false-positive handling.
func newHostControllerChain(model *Model, stats *IoStatistics, timeout time.Duration) Controller {
	target := newHostController(model)
	chain := newResourceController(model, stats, timeout, target)
	return newLockController(model, timeout, chain)
}
