package truevfs

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Pacemaker keeps a bounded LRU of mounted archive mount points. When the
// bound is exceeded the eldest file system is partially synced: flushed
// and unmounted without forcing open streams closed, so busy file systems
// simply stay mounted until their streams close.
type Pacemaker struct {
	manager *Manager
	mu      sync.Mutex
	max     int
	cache   *lru.Cache[string, *MountPoint]
	evicted []*MountPoint
}

func newPacemaker(manager *Manager, max int) *Pacemaker {
	p := &Pacemaker{manager: manager, max: max}
	cache, err := lru.NewWithEvict(max, func(_ string, mp *MountPoint) {
		// Runs under p.mu from Add, Resize and Remove.
		p.evicted = append(p.evicted, mp)
	})
	if err != nil {
		panic(err)
	}
	p.cache = cache
	return p
}

// MaximumFileSystemsMounted returns the LRU bound.
func (p *Pacemaker) MaximumFileSystemsMounted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.max
}

// SetMaximumFileSystemsMounted resizes the LRU bound at runtime.
func (p *Pacemaker) SetMaximumFileSystemsMounted(max int) {
	if max < 1 {
		max = 1
	}
	p.mu.Lock()
	p.max = max
	p.cache.Resize(max)
	p.mu.Unlock()
	metricMaxMounted.Set(float64(max))
	p.shed()
}

// accessed records a mount point access and sheds whatever fell off the
// LRU.
func (p *Pacemaker) accessed(mp *MountPoint) {
	p.mu.Lock()
	p.cache.Add(mp.String(), mp)
	p.mu.Unlock()
	p.shed()
}

func (p *Pacemaker) forget(mp *MountPoint) {
	p.mu.Lock()
	p.cache.Remove(mp.String())
	// Removal by the manager is not an eviction; drop the callback's
	// record again.
	for i, e := range p.evicted {
		if e.String() == mp.String() {
			p.evicted = append(p.evicted[:i], p.evicted[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}

// shed partially syncs evicted mount points. A sync failure is logged and
// the mount point is left alone; it will come around again.
func (p *Pacemaker) shed() {
	p.mu.Lock()
	evicted := p.evicted
	p.evicted = nil
	p.mu.Unlock()
	for _, mp := range evicted {
		GetLogger().Debugf("pacemaker shedding %s", mp)
		// No wait and no force: a busy file system fails the partial sync
		// with a busy error and simply stays mounted.
		if err := p.manager.Sync(context.Background(), SyncClearCache|SyncUnmountFlag, mp); err != nil {
			GetLogger().Warnf("pacemaker sync of %s: %v", mp, err)
		}
	}
}
