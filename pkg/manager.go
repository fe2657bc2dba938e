package truevfs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ManagerOptions configures a manager instance. The zero value of a field
// selects the documented default.
type ManagerOptions struct {
	Registry    *Registry
	Pool        IoPool
	WaitTimeout time.Duration
	// MaxMounted bounds the pacemaker's LRU of mounted archive file
	// systems. Zero selects DefaultMaxMounted; negative disables the
	// pacemaker.
	MaxMounted int
	// ReadCacheBytes bounds the shared clean read-buffer cache. Zero
	// selects the default.
	ReadCacheBytes int64
}

// Manager interns controllers by mount point, maintains the parent chains
// and drives sync over all live file systems in deeper-first order.
type Manager struct {
	mu          sync.Mutex
	controllers map[string]Controller
	registry    *Registry
	pool        IoPool
	readCache   *ReadCache
	timeout     time.Duration
	stats       *IoStatistics
	pacemaker   *Pacemaker
}

func NewManager(opts ManagerOptions) *Manager {
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	pool := opts.Pool
	if pool == nil {
		pool = NewMemoryPool()
	}
	timeout := opts.WaitTimeout
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	readCache, err := NewReadCache(opts.ReadCacheBytes)
	if err != nil {
		panic(err) // the configuration is fixed and valid
	}
	m := &Manager{
		controllers: make(map[string]Controller),
		registry:    registry,
		pool:        pool,
		readCache:   readCache,
		timeout:     timeout,
		stats:       newIoStatistics(),
	}
	if opts.MaxMounted >= 0 {
		max := opts.MaxMounted
		if max == 0 {
			max = DefaultMaxMounted
		}
		m.pacemaker = newPacemaker(m, max)
	}
	return m
}

func (m *Manager) Registry() *Registry       { return m.registry }
func (m *Manager) Pool() IoPool              { return m.pool }
func (m *Manager) Statistics() *IoStatistics { return m.stats }

// Pacemaker returns the manager's pacemaker, or nil if disabled.
func (m *Manager) Pacemaker() *Pacemaker { return m.pacemaker }

// Controller interns the controller for a mount point, creating the
// parent chain bottom-up first. Concurrent calls for the same mount point
// return the same controller.
func (m *Manager) Controller(mountPoint *MountPoint) (Controller, error) {
	m.mu.Lock()
	ctrl, err := m.controllerLocked(mountPoint)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if m.pacemaker != nil && mountPoint.IsFederated() {
		m.pacemaker.accessed(mountPoint)
	}
	return ctrl, nil
}

func (m *Manager) controllerLocked(mountPoint *MountPoint) (Controller, error) {
	if ctrl, ok := m.controllers[mountPoint.String()]; ok {
		return ctrl, nil
	}
	var ctrl Controller
	if !mountPoint.IsFederated() {
		model := NewModel(mountPoint, nil)
		ctrl = newHostControllerChain(model, m.stats, m.timeout)
	} else {
		parent, err := m.controllerLocked(mountPoint.Parent())
		if err != nil {
			return nil, err
		}
		driver, err := m.registry.Driver(mountPoint.Scheme())
		if err != nil {
			return nil, err
		}
		model := NewModel(mountPoint, parent.Model())
		ctrl = driver.NewController(ControllerParams{
			Model:     model,
			Parent:    parent,
			Driver:    driver,
			Pool:      m.pool,
			ReadCache: m.readCache,
			Stats:     m.stats,
			Timeout:   m.timeout,
		})
	}
	m.controllers[mountPoint.String()] = ctrl
	return ctrl, nil
}

// Size returns the number of live controllers.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.controllers)
}

// MountPoints lists the live mount points in topological order, deeper
// file systems first. Sync relies on this order so child archives commit
// into their parents before the parents commit.
func (m *Manager) MountPoints() []*MountPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mountPointsLocked(nil)
}

func (m *Manager) mountPointsLocked(prefix *MountPoint) []*MountPoint {
	mps := make([]*MountPoint, 0, len(m.controllers))
	for _, ctrl := range m.controllers {
		mp := ctrl.Model().MountPoint()
		if prefix != nil && !underMountPoint(mp, prefix) {
			continue
		}
		mps = append(mps, mp)
	}
	sort.Slice(mps, func(i, j int) bool {
		di, dj := mps[i].Depth(), mps[j].Depth()
		if di != dj {
			return di > dj
		}
		return mps[i].String() < mps[j].String()
	})
	return mps
}

// underMountPoint reports whether mp equals prefix or lives below it.
func underMountPoint(mp, prefix *MountPoint) bool {
	for p := mp; p != nil; p = p.Parent() {
		if p.String() == prefix.String() {
			return true
		}
	}
	return false
}

// Filter lists the live mount points at or below the given prefix, deeper
// first.
func (m *Manager) Filter(prefix *MountPoint) []*MountPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mountPointsLocked(prefix)
}

// MountedCount returns the number of file systems with a loaded archive
// directory.
func (m *Manager) MountedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ctrl := range m.controllers {
		if ctrl.Model().Mounted() {
			n++
		}
	}
	return n
}

// TouchedCount returns the number of file systems with unsynced changes.
func (m *Manager) TouchedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ctrl := range m.controllers {
		if ctrl.Model().Touched() {
			n++
		}
	}
	return n
}

// TopLevelArchiveCount returns the number of archive file systems mounted
// directly on a host file system.
func (m *Manager) TopLevelArchiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ctrl := range m.controllers {
		mp := ctrl.Model().MountPoint()
		if mp.IsFederated() && !mp.Parent().IsFederated() {
			n++
		}
	}
	return n
}

// Sync invokes sync on every live controller under the prefix (or all of
// them for a nil prefix) in deeper-first order, aggregating all failures
// into one composite. With the unmount flag set, successfully synced
// controllers are dropped from the manager.
func (m *Manager) Sync(ctx context.Context, opts SyncOptions, prefix *MountPoint) error {
	m.mu.Lock()
	mps := m.mountPointsLocked(prefix)
	m.mu.Unlock()

	b := &SyncBuilder{}
	for _, mp := range mps {
		m.mu.Lock()
		ctrl, ok := m.controllers[mp.String()]
		m.mu.Unlock()
		if !ok {
			continue
		}
		before := len(b.errs)
		if err := ctrl.Sync(ctx, opts, b); err != nil && !isControlFlow(err) {
			// Failures are already recorded in the builder; anything else
			// is unexpected and recorded as destructive.
			if _, ok := err.(*SyncErrors); !ok {
				b.Fail(mp, err)
			}
		}
		clean := len(b.errs) == before
		fatal := false
		for _, e := range b.errs[before:] {
			if !e.Warning {
				fatal = true
			}
		}
		if opts.Has(SyncUnmountFlag) && (clean || !fatal) {
			m.mu.Lock()
			delete(m.controllers, mp.String())
			m.mu.Unlock()
			if m.pacemaker != nil {
				m.pacemaker.forget(mp)
			}
		}
	}
	return b.Check()
}

// SyncAll flushes and unmounts everything. This is the call for
// application exit.
func (m *Manager) SyncAll(ctx context.Context) error {
	return m.Sync(ctx, SyncUmount, nil)
}

// Close releases manager-owned resources. Call it after a final sync;
// controllers are not torn down here.
func (m *Manager) Close() {
	m.readCache.Close()
}

func (m *Manager) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	mps := make([]string, 0, len(m.controllers))
	for uri := range m.controllers {
		mps = append(mps, uri)
	}
	sort.Strings(mps)
	return fmt.Sprintf("manager[%s]", strings.Join(mps, ", "))
}
