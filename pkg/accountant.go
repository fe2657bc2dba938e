package truevfs

import (
	"sync"
	"time"
)

// accountant tallies the live streams of one file system, keyed by the
// owning goroutine. Sync uses it to discriminate resources the calling
// goroutine holds itself (waiting for those would deadlock) from foreign
// ones (worth waiting for), and to force-close everything when asked to.
type accountant struct {
	mu        sync.Mutex
	resources map[*accountedResource]struct{}
	changed   chan struct{}
}

func newAccountant() *accountant {
	return &accountant{
		resources: make(map[*accountedResource]struct{}),
		changed:   make(chan struct{}),
	}
}

func (a *accountant) account(r *accountedResource) {
	a.mu.Lock()
	a.resources[r] = struct{}{}
	a.mu.Unlock()
}

func (a *accountant) unaccount(r *accountedResource) {
	a.mu.Lock()
	if _, ok := a.resources[r]; ok {
		delete(a.resources, r)
		close(a.changed)
		a.changed = make(chan struct{})
	}
	a.mu.Unlock()
}

func (a *accountant) counts(gid uint64) (total, local int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.countsLocked(gid)
}

func (a *accountant) countsLocked(gid uint64) (total, local int) {
	total = len(a.resources)
	for r := range a.resources {
		if r.owner == gid {
			local++
		}
	}
	return total, local
}

// awaitForeign waits for foreign-owned resources to close. The unpark
// callback releases the file system write lock around each park so that
// foreign closers can make progress; repark reacquires it. A zero timeout
// waits indefinitely. Returns the remaining total count.
func (a *accountant) awaitForeign(gid uint64, timeout time.Duration, unpark, repark func()) int {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		a.mu.Lock()
		total, local := a.countsLocked(gid)
		ch := a.changed
		a.mu.Unlock()
		if total <= local {
			return total
		}
		var timer *time.Timer
		var expire <-chan time.Time
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return total
			}
			timer = time.NewTimer(remaining)
			expire = timer.C
		}
		unpark()
		expired := false
		select {
		case <-ch:
		case <-expire:
			expired = true
		}
		if timer != nil {
			timer.Stop()
		}
		repark()
		if expired {
			total, _ = a.counts(gid)
			return total
		}
	}
}

// closeAll force-closes every accounted resource, feeding close errors to
// warn. Resources are killed first so that user-held streams fail their
// next read or write instead of silently observing a dead container.
func (a *accountant) closeAll(warn func(error)) {
	a.mu.Lock()
	open := make([]*accountedResource, 0, len(a.resources))
	for r := range a.resources {
		open = append(open, r)
	}
	a.mu.Unlock()
	for _, r := range open {
		if err := r.kill(); err != nil {
			warn(err)
		}
	}
}
