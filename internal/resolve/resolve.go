// Package resolve wires the cache, the fetch coordinator, the upstream
// selector, and the streaming downloader into a single "make sure this key
// is on disk" operation, used by both the HTTP resource handlers and the
// registry tracker's per-hash cache-or-download check. It composes "check
// cache, else singleflight a fetch, else serve" into one call.
package resolve

import (
	"context"
	"net/http"
	"time"

	"github.com/bboehmke/cacheproxy/internal/cache"
	"github.com/bboehmke/cacheproxy/internal/download"
	"github.com/bboehmke/cacheproxy/internal/fetchstate"
	"github.com/bboehmke/cacheproxy/internal/resource"
	"github.com/bboehmke/cacheproxy/internal/upstream"
)

// Resolver ensures a resource key ends up resident in the cache, deduping
// concurrent callers via its Coordinator and downloading through the
// upstream selector and streaming downloader on a miss.
type Resolver struct {
	Client          *http.Client
	Cache           *cache.Cache
	Coordinator     *fetchstate.Coordinator
	TempRoot        string
	SelectorTimeout time.Duration
	SelectorRetries int
}

// Ensure returns true once key is resident in the cache: immediately if it
// already was, or after joining/starting a download and awaiting it. It
// returns fetchstate.ErrRecentFailure if key is in the failed_set, and
// (false, nil) for a transient empty upstream selection.
func (r *Resolver) Ensure(ctx context.Context, key resource.Key, servers []string) (bool, error) {
	if _, ok := r.Cache.PathOf(key); ok {
		return true, nil
	}

	state, err := r.Fetch(ctx, key, servers)
	if err != nil {
		return false, err
	}
	if state == nil {
		return false, nil
	}

	state.Handle.Await()

	_, ok := r.Cache.PathOf(key)
	return ok, nil
}

// Fetch joins or starts a download for key and returns its DownloadState
// without waiting for it to finish. Callers that only need the final file
// (such as the registry tracker's per-hash verification) should use Ensure;
// callers that need to start streaming bytes before the download completes
// (mid-download range serving) use this directly, reading
// state.PathHandle.Await() for the staging path and state.Handle for
// completion. A nil, nil result means a transient empty upstream
// selection; the caller already holds the resident case via Cache.PathOf.
func (r *Resolver) Fetch(ctx context.Context, key resource.Key, servers []string) (*fetchstate.DownloadState, error) {
	return r.Coordinator.Fetch(key, servers, r.selector(ctx), r.downloader(ctx))
}

func (r *Resolver) selector(ctx context.Context) fetchstate.Selector {
	return func(key resource.Key, servers []string) (string, int64, bool) {
		result, found := upstream.Select(ctx, r.Client, key, servers, r.SelectorTimeout, r.SelectorRetries)
		return result.Server, result.ContentLength, found
	}
}

func (r *Resolver) downloader(ctx context.Context) fetchstate.Downloader {
	return func(server string, state *fetchstate.DownloadState) error {
		return download.Run(ctx, r.Client, r.Cache, r.TempRoot, server, state)
	}
}
