package truevfs

import (
	"github.com/dgraph-io/ristretto/v2"
)

const defaultReadCacheBytes int64 = 256 << 20

// ReadCache bounds the memory spent on clean read-through buffers across
// all mounted file systems. Entries are admitted by size-proportional cost
// and evicted buffers go back to the pool. Dirty write-back buffers never
// live here; those belong to their cache controller until flushed.
type ReadCache struct {
	cache *ristretto.Cache[string, Buffer]
}

func NewReadCache(maxBytes int64) (*ReadCache, error) {
	if maxBytes <= 0 {
		maxBytes = defaultReadCacheBytes
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, Buffer]{
		NumCounters: 1e6,
		MaxCost:     maxBytes,
		BufferItems: 64,
		OnEvict: func(item *ristretto.Item[Buffer]) {
			if item.Value != nil {
				item.Value.Release()
			}
		},
	})
	if err != nil {
		return nil, err
	}
	return &ReadCache{cache: cache}, nil
}

// readCacheKey scopes entry names by mount point.
func readCacheKey(mountPoint *MountPoint, name EntryName) string {
	return mountPoint.String() + string(name)
}

func (c *ReadCache) get(mountPoint *MountPoint, name EntryName) (Buffer, bool) {
	return c.cache.Get(readCacheKey(mountPoint, name))
}

// put hands the buffer over to the cache. Admission may be refused under
// pressure; then the buffer is released right away and the next read
// materializes again.
func (c *ReadCache) put(mountPoint *MountPoint, name EntryName, buf Buffer) {
	if !c.cache.Set(readCacheKey(mountPoint, name), buf, max64(buf.Size(), 1)) {
		buf.Release()
	}
}

func (c *ReadCache) drop(mountPoint *MountPoint, name EntryName) {
	c.cache.Del(readCacheKey(mountPoint, name))
}

func (c *ReadCache) Close() {
	c.cache.Close()
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
