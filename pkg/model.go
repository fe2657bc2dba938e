package truevfs

import (
	"sync"
	"sync/atomic"
)

// Model is the mutable state shared by all controllers of one federated
// file system: the mount point, the touched flag and the read-write lock
// that serializes access.
type Model struct {
	mountPoint *MountPoint
	parent     *Model

	// touched is set when any write occurred since the last sync.
	touched atomic.Bool
	// mounted mirrors whether the archive directory is loaded.
	mounted atomic.Bool

	lock sync.RWMutex
	// writer is the id of the goroutine currently holding the write lock,
	// or zero. Maintained by the lock controller.
	writer atomic.Uint64
}

// NewModel constructs the state for a mount point. The parent model must
// belong to the parent mount point, or be nil for a leaf.
func NewModel(mountPoint *MountPoint, parent *Model) *Model {
	return &Model{mountPoint: mountPoint, parent: parent}
}

func (m *Model) MountPoint() *MountPoint { return m.mountPoint }

func (m *Model) Parent() *Model { return m.parent }

// Touched reports whether unsynced changes exist.
func (m *Model) Touched() bool { return m.touched.Load() }

func (m *Model) setTouched(v bool) { m.touched.Store(v) }

// Mounted reports whether the archive directory is currently loaded.
func (m *Model) Mounted() bool { return m.mounted.Load() }

func (m *Model) setMounted(v bool) { m.mounted.Store(v) }

// writeLockedByCurrent reports whether the calling goroutine holds the
// write lock. Target controllers use it to decide between executing a
// mutating step and signalling needsWriteLock.
func (m *Model) writeLockedByCurrent() bool {
	return m.writer.Load() == goroutineID()
}

// assertWriteLocked panics if the calling goroutine does not hold the
// write lock. Decorators below the lock controller run under that
// invariant.
func (m *Model) assertWriteLocked() {
	if !m.writeLockedByCurrent() {
		panic("operation requires the write lock of " + m.mountPoint.String())
	}
}
