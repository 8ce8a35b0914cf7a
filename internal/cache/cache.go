// Package cache implements a bounded on-disk LRU cache: it maps a resource
// key to its on-disk path, evicts by total-size budget, and hands out
// atomic-install destinations to the atomic writer.
//
// The index is an in-memory doubly-linked list for O(1) recency updates and
// eviction-candidate selection, rebuilt from disk at process start since
// nothing else persists it across restarts.
package cache

import (
	"container/list"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/dustin/go-humanize"

	"github.com/bboehmke/cacheproxy/internal/metrics"
	"github.com/bboehmke/cacheproxy/internal/resource"
)

type entry struct {
	key        resource.Key
	path       string
	size       int64
	lastAccess time.Time
}

// Cache is a bounded on-disk LRU. All methods are safe for concurrent use.
type Cache struct {
	root  string
	limit int64

	mu       sync.Mutex
	total    int64
	byKey    map[resource.Key]*list.Element // list.Element.Value is *entry
	order    *list.List                     // front = most recently used
	refcount map[resource.Key]int
}

// New creates a Cache rooted at dir with the given byte budget and rebuilds
// its index by scanning any files already present, so the cache survives a
// restart without a separate persisted index.
func New(dir string, limit int64) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: mkdir root: %w", err)
	}
	c := &Cache{
		root:     dir,
		limit:    limit,
		byKey:    make(map[resource.Key]*list.Element),
		order:    list.New(),
		refcount: make(map[resource.Key]int),
	}
	if err := c.rebuild(); err != nil {
		return nil, err
	}
	return c, nil
}

// rebuild walks the cache root once at startup, seeding the LRU index from
// whatever files survived the last run (mtime doubling as last-access).
func (c *Cache) rebuild() error {
	var found []*entry
	err := filepath.Walk(c.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // best-effort: skip unreadable entries
		}
		if info.IsDir() {
			return nil
		}
		key, ok := keyFromPath(c.root, path)
		if !ok {
			return nil
		}
		found = append(found, &entry{key: key, path: path, size: info.Size(), lastAccess: info.ModTime()})
		return nil
	})
	// Most recently modified at the front, so eviction starts from the oldest.
	sort.SliceStable(found, func(i, j int) bool { return found[i].lastAccess.After(found[j].lastAccess) })
	for _, e := range found {
		c.byKey[e.key] = c.order.PushBack(e)
		c.total += e.size
	}
	return err
}

// keyFromPath reconstructs a resource.Key from a path under root, inverse
// of resource.Key.TailPath(). Unparseable paths (stray files) are skipped.
func keyFromPath(root, path string) (resource.Key, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return resource.Key{}, false
	}
	parts := splitSlash(filepath.ToSlash(rel))
	switch len(parts) {
	case 2:
		if parts[0] != "artifact" {
			return resource.Key{}, false
		}
		k, err := resource.NewArtifactKey(parts[1])
		return k, err == nil
	case 3:
		var k resource.Key
		var err error
		switch parts[0] {
		case "registry":
			k, err = resource.NewRegistryKey(parts[1], parts[2])
		case "package":
			k, err = resource.NewPackageKey(parts[1], parts[2])
		default:
			return resource.Key{}, false
		}
		return k, err == nil
	default:
		return resource.Key{}, false
	}
}

func splitSlash(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// pathFor renders the canonical on-disk destination for a key, independent
// of whether it is currently resident.
func (c *Cache) pathFor(key resource.Key) string {
	return filepath.Join(c.root, filepath.FromSlash(key.TailPath()))
}

// PathOf returns the current on-disk location if key is resident, without
// updating recency.
func (c *Cache) PathOf(key resource.Key) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.byKey[key]
	if !ok {
		return "", false
	}
	return el.Value.(*entry).path, true
}

// Touch updates key's recency, called on serving hits.
func (c *Cache) Touch(key resource.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.byKey[key]
	if !ok {
		return
	}
	el.Value.(*entry).lastAccess = time.Now()
	c.order.MoveToFront(el)
}

// IncRef pins key as in-use so eviction skips it.
func (c *Cache) IncRef(key resource.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refcount[key]++
}

// DecRef releases a pin taken by IncRef. Safe to call on every handler exit
// path; the caller must guarantee it is eventually called once per IncRef.
func (c *Cache) DecRef(key resource.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refcount[key] <= 1 {
		delete(c.refcount, key)
		return
	}
	c.refcount[key]--
}

// Reserve records an intent to install size bytes under key, evicting
// least-recently-used non-pinned entries until the projected total fits,
// and returns the destination path the caller must atomically rename its
// staged content into.
//
// If every resident entry is pinned (refcount > 0), eviction cannot make
// room: the reservation proceeds anyway and the budget is temporarily
// exceeded.
func (c *Cache) Reserve(key resource.Key, size int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.total+size > c.limit {
		victim := c.oldestUnpinnedLocked()
		if victim == nil {
			log.Printf("cache: reservation for %s exceeds limit with all entries pinned; proceeding over budget", key)
			break
		}
		c.evictLocked(victim)
	}

	return c.pathFor(key), nil
}

// oldestUnpinnedLocked returns the least-recently-used element whose key is
// not currently pinned by an in-use refcount, or nil if every resident
// entry is pinned. Must be called with c.mu held.
func (c *Cache) oldestUnpinnedLocked() *list.Element {
	for el := c.order.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if c.refcount[e.key] == 0 {
			return el
		}
	}
	return nil
}

// evictLocked removes el from the index and deletes its file. Must be
// called with c.mu held.
func (c *Cache) evictLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.byKey, e.key)
	c.total -= e.size
	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		log.Printf("cache: evict %s: failed to remove %s: %v", e.key, e.path, err)
	} else {
		log.Printf("cache EVICT: %s (%s)", e.key, humanize.IBytes(uint64(e.size)))
	}
	metrics.CacheEvictions.Inc()
	metrics.CacheSizeBytes.Set(float64(c.total))
}

// Commit registers a newly-installed file (already renamed into place by
// the atomic writer) as resident at the front of the LRU order.
func (c *Cache) Commit(key resource.Key, path string, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.byKey[key]; ok {
		c.order.Remove(old)
		c.total -= old.Value.(*entry).size
	}
	el := c.order.PushFront(&entry{key: key, path: path, size: size, lastAccess: time.Now()})
	c.byKey[key] = el
	c.total += size
	metrics.CacheSizeBytes.Set(float64(c.total))
}

// Forget removes key's resident entry and file, if any.
func (c *Cache) Forget(key resource.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.byKey[key]
	if !ok {
		return
	}
	c.evictLocked(el)
}

// Size returns the current resident total, for telemetry/tests.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}
