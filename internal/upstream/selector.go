// Package upstream implements the upstream selector: fan out a HEAD probe
// to every candidate storage server concurrently, and return the first to
// answer 200 OK; the rest are abandoned.
//
// Every probe runs under one cancellable context via golang.org/x/sync/errgroup,
// which is tripped as soon as one probe finds a 200 so the rest stop retrying.
package upstream

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"golang.org/x/sync/errgroup"

	"github.com/bboehmke/cacheproxy/internal/resource"
)

// Result is the winning server and the content length captured from its
// HEAD response, read before the GET that follows begins.
type Result struct {
	Server        string
	ContentLength int64
}

// errFound is a sentinel returned by a winning probe solely to trip the
// errgroup's shared context cancellation; it is never surfaced to callers.
var errFound = errors.New("upstream: probe found a 200, abandoning the rest")

// Select dispatches a HEAD probe to every server in servers concurrently
// and returns the first one to answer 200 OK. Non-200 responses, errors,
// and timeouts are all treated as "this server doesn't have it" and are
// silently skipped. If no server answers 200, found is false.
func Select(ctx context.Context, client *http.Client, key resource.Key, servers []string, timeout time.Duration, retries int) (result Result, found bool) {
	g, gctx := errgroup.WithContext(ctx)

	results := make(chan Result, len(servers))
	for _, server := range servers {
		server := server
		g.Go(func() error {
			r, ok := probeWithRetries(gctx, client, server, key, timeout, retries)
			if !ok {
				return nil
			}
			results <- r
			return errFound // cancels gctx so sibling probes stop retrying
		})
	}

	go func() {
		_ = g.Wait() // errFound is expected and discarded; real errors never occur here
		close(results)
	}()

	r, ok := <-results
	return r, ok
}

func probeWithRetries(ctx context.Context, client *http.Client, server string, key resource.Key, timeout time.Duration, retries int) (Result, bool) {
	for attempt := 0; attempt <= retries; attempt++ {
		if ctx.Err() != nil {
			return Result{}, false
		}
		r, ok := probeOnce(ctx, client, server, key, timeout)
		if ok {
			return r, true
		}
	}
	return Result{}, false
}

func probeOnce(ctx context.Context, client *http.Client, server string, key resource.Key, timeout time.Duration) (Result, bool) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, server+key.Path(), nil)
	if err != nil {
		log.Printf("upstream: building HEAD request for %s%s: %v", server, key.Path(), err)
		return Result{}, false
	}

	resp, err := client.Do(req)
	if err != nil {
		return Result{}, false // timeout or transport error: treated as non-200
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, false
	}

	return Result{Server: server, ContentLength: resp.ContentLength}, true
}
