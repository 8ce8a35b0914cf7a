// Package fetchstate implements the fetch coordinator: a sharded locking
// table guaranteeing at-most-one in-flight download per resource key, plus
// a per-shard recent-failure set standing in for a short negative cache.
package fetchstate

import (
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/AdguardTeam/golibs/log"

	"github.com/bboehmke/cacheproxy/internal/metrics"
	"github.com/bboehmke/cacheproxy/internal/resource"
)

// ShardCount is the number of locking shards, chosen so that with an
// expected concurrent-miss count of 2, the birthday-problem collision
// probability stays under 1%.
const ShardCount = 128

// ErrRecentFailure is returned for a key still inside its cooldown window.
var ErrRecentFailure = errors.New("fetchstate: key failed recently")

// CompletionHandle is a non-blocking "done?"/blocking "await" handle. It
// never fails observably — on error the coordinator removes the entry from
// inprogress and records the failure instead.
type CompletionHandle struct {
	done chan struct{}
	once sync.Once
}

func newCompletionHandle() *CompletionHandle {
	return &CompletionHandle{done: make(chan struct{})}
}

func (h *CompletionHandle) signal() { h.once.Do(func() { close(h.done) }) }

// Done reports, without blocking, whether the download has finished.
func (h *CompletionHandle) Done() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Await blocks until the download finishes.
func (h *CompletionHandle) Await() { <-h.done }

// PathHandle exposes the on-disk staging path once the downloader has
// created (but not yet filled) the file backing a download, so a range
// server can open and stream it while it is still growing.
type PathHandle struct {
	ready chan struct{}
	once  sync.Once
	path  string
}

func newPathHandle() *PathHandle { return &PathHandle{ready: make(chan struct{})} }

// Set records the staging path. Safe to call at most meaningfully once;
// later calls are no-ops.
func (h *PathHandle) Set(path string) {
	h.once.Do(func() {
		h.path = path
		close(h.ready)
	})
}

// Await blocks until the path is known and returns it.
func (h *PathHandle) Await() string {
	<-h.ready
	return h.path
}

// DownloadState is the per-in-flight-resource tuple tracked while a
// download is running.
type DownloadState struct {
	Key           resource.Key
	ContentLength int64
	Handle        *CompletionHandle
	PathHandle    *PathHandle
}

// NewTestDownloadState builds a standalone DownloadState outside of a
// Coordinator, for tests of downstream consumers (e.g. internal/download)
// that need a state to populate without going through Fetch.
func NewTestDownloadState(key resource.Key, contentLength int64) *DownloadState {
	return &DownloadState{
		Key:           key,
		ContentLength: contentLength,
		Handle:        newCompletionHandle(),
		PathHandle:    newPathHandle(),
	}
}

type shard struct {
	mu         sync.Mutex
	failedSet  map[resource.Key]struct{}
	inprogress map[resource.Key]*DownloadState
}

// Coordinator is the fetch coordinator.
type Coordinator struct {
	shards [ShardCount]*shard
}

// New returns a ready Coordinator.
func New() *Coordinator {
	c := &Coordinator{}
	for i := range c.shards {
		c.shards[i] = &shard{
			failedSet:  make(map[resource.Key]struct{}),
			inprogress: make(map[resource.Key]*DownloadState),
		}
	}
	return c
}

func (c *Coordinator) shardFor(key resource.Key) *shard {
	h := xxhash.Sum64String(key.Path())
	return c.shards[h%ShardCount]
}

// Selector performs upstream selection for key against servers, returning
// the chosen server and the content length from its HEAD response, or
// found=false if no server responded 200.
type Selector func(key resource.Key, servers []string) (server string, contentLength int64, found bool)

// Downloader performs the streaming download against the chosen server,
// given the DownloadState already registered in the inprogress table.
type Downloader func(server string, state *DownloadState) error

// Fetch joins or starts a download for key. It returns:
//   - (nil, ErrRecentFailure) if key is in this shard's failed_set,
//   - (state, nil) if a download is already in flight (join) or one was
//     just started (new),
//   - (nil, nil) if selection found no server with a 200 (a transient empty
//     selection, not recorded as a failure).
func (c *Coordinator) Fetch(key resource.Key, servers []string, selector Selector, downloader Downloader) (*DownloadState, error) {
	if len(servers) == 0 {
		panic("fetchstate: Fetch called with empty server list")
	}

	sh := c.shardFor(key)

	sh.mu.Lock()
	if _, failed := sh.failedSet[key]; failed {
		sh.mu.Unlock()
		return nil, ErrRecentFailure
	}
	if existing, ok := sh.inprogress[key]; ok {
		sh.mu.Unlock()
		metrics.FetchDedupJoins.Inc()
		return existing, nil
	}
	sh.mu.Unlock()

	server, contentLength, found := selector(key, servers)
	if !found {
		return nil, nil
	}

	state := &DownloadState{
		Key:           key,
		ContentLength: contentLength,
		Handle:        newCompletionHandle(),
		PathHandle:    newPathHandle(),
	}

	sh.mu.Lock()
	if existing, ok := sh.inprogress[key]; ok {
		// Lost a race with another caller between the unlock above and
		// here; join the one that won instead of starting a second
		// download.
		sh.mu.Unlock()
		metrics.FetchDedupJoins.Inc()
		return existing, nil
	}
	sh.inprogress[key] = state
	sh.mu.Unlock()

	go c.run(sh, server, state, downloader)

	return state, nil
}

func (c *Coordinator) run(sh *shard, server string, state *DownloadState, downloader Downloader) {
	err := downloader(server, state)

	sh.mu.Lock()
	delete(sh.inprogress, state.Key)
	if err != nil {
		sh.failedSet[state.Key] = struct{}{}
		log.Printf("fetchstate: download failed for %s: %v", state.Key, err)
		metrics.FetchFailures.Inc()
	} else {
		metrics.FetchHits.Inc()
	}
	sh.mu.Unlock()

	state.Handle.signal()
}

// ForgetFailures clears every shard's failed_set, the operator-driven
// retry-after-cooldown knob.
func (c *Coordinator) ForgetFailures() {
	for _, sh := range c.shards {
		sh.mu.Lock()
		sh.failedSet = make(map[resource.Key]struct{})
		sh.mu.Unlock()
	}
}
