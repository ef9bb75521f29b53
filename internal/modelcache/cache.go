package modelcache

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Artifact roles for a detector.
const (
	RolePrimary = "primary"
	RoleOODD    = "oodd"
)

const DefaultCapacity = 10

// Key builds the cache key for one detector artifact.
func Key(detectorID, role string) string {
	return detectorID + "/" + role
}

type entry struct {
	sess    *Session
	holders int
	evicted bool
}

// Handle is a checked-out session. Callers must Release it when done; the
// session stays usable until the last holder releases, even if the cache
// evicts the key in the meantime.
type Handle struct {
	Key     string
	Session *Session

	cache *Cache
	ent   *entry
}

func (h *Handle) Release() {
	if h == nil || h.cache == nil {
		return
	}
	h.cache.release(h)
}

// Cache holds up to capacity loaded sessions, least recently used out first.
// Loads for the same key are single-flight: concurrent callers block on one
// download+load and share the result.
type Cache struct {
	Disk *DiskStore

	// loader builds a session from a local artifact path. Swappable in tests.
	loader func(path string) (*Session, error)

	mu      sync.Mutex
	entries *lru.Cache[string, *entry]
	group   singleflight.Group

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

func New(capacity int, disk *DiskStore) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{Disk: disk, loader: OpenSession}
	entries, err := lru.NewWithEvict[string, *entry](capacity, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.entries = entries
	return c, nil
}

// Acquire returns a held session for the artifact, fetching and loading it
// on first use.
func (c *Cache) Acquire(ctx context.Context, detectorID, role, blobPath string) (*Handle, error) {
	key := Key(detectorID, role)
	if h := c.tryHold(key); h != nil {
		c.hits.Add(1)
		return h, nil
	}
	c.misses.Add(1)

	for {
		_, err, _ := c.group.Do(key, func() (interface{}, error) {
			c.mu.Lock()
			_, loaded := c.entries.Get(key)
			c.mu.Unlock()
			if loaded {
				return nil, nil
			}

			path, err := c.Disk.EnsureLocal(ctx, detectorID, role, blobPath)
			if err != nil {
				return nil, err
			}
			sess, err := c.loader(path)
			if err != nil {
				return nil, err
			}

			c.mu.Lock()
			c.entries.Add(key, &entry{sess: sess})
			c.mu.Unlock()
			log.Printf("[ModelCache] loaded %s from %s", key, path)
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
		if h := c.tryHold(key); h != nil {
			return h, nil
		}
		// Evicted between the load and our hold. Load again.
	}
}

// tryHold takes a reference on a cached entry if one is present.
func (c *Cache) tryHold(key string) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Get(key)
	if !ok {
		return nil
	}
	e.holders++
	return &Handle{Key: key, Session: e.sess, cache: c, ent: e}
}

func (c *Cache) release(h *Handle) {
	c.mu.Lock()
	h.ent.holders--
	closeNow := h.ent.evicted && h.ent.holders == 0
	c.mu.Unlock()
	if closeNow {
		h.ent.sess.Close()
	}
}

// onEvict runs while c.mu is held by whichever caller mutated the LRU.
func (c *Cache) onEvict(key string, e *entry) {
	c.evictions.Add(1)
	if e.holders > 0 {
		e.evicted = true
		log.Printf("[ModelCache] evicted %s while held by %d caller(s), close deferred", key, e.holders)
		return
	}
	e.sess.Close()
	log.Printf("[ModelCache] evicted %s", key)
}

// Invalidate drops both artifact roles for a detector, on disk and in
// memory. Held sessions close on their last Release.
func (c *Cache) Invalidate(detectorID string) {
	c.mu.Lock()
	c.entries.Remove(Key(detectorID, RolePrimary))
	c.entries.Remove(Key(detectorID, RoleOODD))
	c.mu.Unlock()
	if c.Disk != nil {
		if err := c.Disk.Remove(detectorID, RolePrimary); err != nil {
			log.Printf("[ModelCache] %v", err)
		}
		if err := c.Disk.Remove(detectorID, RoleOODD); err != nil {
			log.Printf("[ModelCache] %v", err)
		}
	}
}

// Close evicts everything. Held sessions close on their last Release.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}

type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Loaded    int
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	loaded := c.entries.Len()
	c.mu.Unlock()
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Loaded:    loaded,
	}
}
