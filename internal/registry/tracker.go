// Package registry implements the registry tracker: on each tick it surveys
// every storage server's published `/registries` index, confirms candidates
// with the servers that didn't originally advertise them, verifies the
// preferred candidate against its origin repository, ensures it is cached,
// and atomically republishes the combined index.
package registry

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/log"

	"github.com/bboehmke/cacheproxy/internal/atomicfile"
	"github.com/bboehmke/cacheproxy/internal/fetchstate"
	"github.com/bboehmke/cacheproxy/internal/metrics"
	"github.com/bboehmke/cacheproxy/internal/resolve"
	"github.com/bboehmke/cacheproxy/internal/resource"
)

// Tracker periodically surveys, verifies, and republishes registry hashes.
// Registries maps each configured UUID to its origin verification URL
// template, which must contain exactly one "%s" that is replaced with the
// candidate tree hash.
type Tracker struct {
	Client     *http.Client
	Servers    []string
	Registries map[string]string
	IndexPath  string
	TempRoot   string
	Resolver   *resolve.Resolver

	mu     sync.Mutex
	latest map[string]string
}

// New returns a ready Tracker.
func New(client *http.Client, servers []string, registries map[string]string, indexPath, tempRoot string, resolver *resolve.Resolver) *Tracker {
	return &Tracker{
		Client:     client,
		Servers:    servers,
		Registries: registries,
		IndexPath:  indexPath,
		TempRoot:   tempRoot,
		Resolver:   resolver,
		latest:     make(map[string]string),
	}
}

// Latest returns the currently published hash for a UUID, if any.
func (t *Tracker) Latest(uuid string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	hash, ok := t.latest[uuid]
	return hash, ok
}

// Run ticks every interval until ctx is cancelled, logging (but not
// propagating) per-tick errors — a single bad tick must not stop future
// ones.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Tick(ctx); err != nil {
				log.Printf("registry: tick failed: %v", err)
			}
		}
	}
}

// Tick performs one full survey/verify/publish cycle.
func (t *Tracker) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.RegistryTickDuration.Observe(time.Since(start).Seconds()) }()

	hashInfo := t.surveyAdvertisers(ctx)
	t.confirmNonAdvertisers(ctx, hashInfo)

	newLatest := make(map[string]string, len(t.Registries))
	for uuid, hashes := range hashInfo {
		hash, ok := t.pickPreferred(ctx, uuid, hashes)
		if ok {
			newLatest[uuid] = hash
		}
	}

	changed := t.mergeLatest(newLatest)

	if !changed {
		if _, err := os.Stat(t.IndexPath); err == nil {
			return nil
		}
	}
	return t.publish()
}

// surveyAdvertisers builds hash_info[uuid][hash] = advertising servers by
// calling every storage server's own /registries index.
func (t *Tracker) surveyAdvertisers(ctx context.Context) map[string]map[string][]string {
	hashInfo := make(map[string]map[string][]string, len(t.Registries))
	for uuid := range t.Registries {
		hashInfo[uuid] = make(map[string][]string)
	}

	for _, server := range t.Servers {
		lines, err := t.fetchIndex(ctx, server)
		if err != nil {
			log.Printf("registry: fetching /registries from %s: %v", server, err)
			continue
		}
		for _, line := range lines {
			uuid, hash, ok := parseIndexLine(line)
			if !ok {
				continue
			}
			hashes, known := hashInfo[uuid]
			if !known {
				continue // outside the configured set
			}
			hashes[hash] = append(hashes[hash], server)
		}
	}
	return hashInfo
}

// confirmNonAdvertisers probes every server that didn't advertise a given
// (uuid, hash) pair and appends confirming servers to its list.
func (t *Tracker) confirmNonAdvertisers(ctx context.Context, hashInfo map[string]map[string][]string) {
	for uuid, hashes := range hashInfo {
		for hash, advertisers := range hashes {
			advertised := make(map[string]bool, len(advertisers))
			for _, s := range advertisers {
				advertised[s] = true
			}

			key, err := resource.NewRegistryKey(uuid, hash)
			if err != nil {
				continue
			}
			for _, server := range t.Servers {
				if advertised[server] {
					continue
				}
				if t.probeHead(ctx, server, key) {
					hashes[hash] = append(hashes[hash], server)
				}
			}
		}
	}
}

// pickPreferred orders uuid's candidate hashes by ascending advertiser
// count (fewest first: the "newest") with a deterministic lexicographic
// tie-break, and returns the first that passes origin verification and
// ends up cached.
func (t *Tracker) pickPreferred(ctx context.Context, uuid string, hashes map[string][]string) (string, bool) {
	candidates := make([]string, 0, len(hashes))
	for hash := range hashes {
		candidates = append(candidates, hash)
	}
	sort.Strings(candidates) // deterministic base order for stable tie-break
	sort.SliceStable(candidates, func(i, j int) bool {
		return len(hashes[candidates[i]]) < len(hashes[candidates[j]])
	})

	for _, hash := range candidates {
		if !t.verifyOrigin(ctx, uuid, hash) {
			log.Printf("registry: origin verification failed for %s/%s, skipping until next tick", uuid, hash)
			continue
		}

		key, err := resource.NewRegistryKey(uuid, hash)
		if err != nil {
			continue
		}

		ok, err := t.Resolver.Ensure(ctx, key, hashes[hash])
		if err != nil && err != fetchstate.ErrRecentFailure {
			log.Printf("registry: ensuring %s cached: %v", key, err)
		}
		if ok {
			return hash, true
		}
	}
	return "", false
}

// mergeLatest applies newLatest over the tracker's current state, bumping
// the hash-change counter for every UUID whose value actually moved, and
// reports whether anything changed.
func (t *Tracker) mergeLatest(newLatest map[string]string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := false
	for uuid, hash := range newLatest {
		if t.latest[uuid] != hash {
			changed = true
			metrics.RegistryHashChanges.Inc()
		}
		t.latest[uuid] = hash
	}
	return changed
}

// publish atomically rewrites the registries index from the tracker's
// current latest-hash table, one sorted-by-UUID line per entry.
func (t *Tracker) publish() error {
	t.mu.Lock()
	snapshot := make(map[string]string, len(t.latest))
	for uuid, hash := range t.latest {
		snapshot[uuid] = hash
	}
	t.mu.Unlock()

	uuids := make([]string, 0, len(snapshot))
	for uuid := range snapshot {
		uuids = append(uuids, uuid)
	}
	sort.Strings(uuids)

	staged, err := atomicfile.Stage(t.TempRoot, "registries-index", func(w io.Writer) error {
		for _, uuid := range uuids {
			key, err := resource.NewRegistryKey(uuid, snapshot[uuid])
			if err != nil {
				return fmt.Errorf("registry: building index line for %s: %w", uuid, err)
			}
			if _, err := fmt.Fprintf(w, "%s\n", key.Path()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("registry: staging index: %w", err)
	}

	if _, err := staged.Commit(func(int64) (string, error) { return t.IndexPath, nil }); err != nil {
		return fmt.Errorf("registry: publishing index: %w", err)
	}
	log.Printf("registry: published index with %d entries", len(uuids))
	return nil
}

func (t *Tracker) fetchIndex(ctx context.Context, server string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server+"/registries", nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

func (t *Tracker) probeHead(ctx context.Context, server string, key resource.Key) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, server+key.Path(), nil)
	if err != nil {
		return false
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// verifyOrigin confirms hash against uuid's origin repository: the
// configured template has its single "%s" replaced with hash, and the
// resulting URL must answer HEAD 200.
func (t *Tracker) verifyOrigin(ctx context.Context, uuid, hash string) bool {
	template, ok := t.Registries[uuid]
	if !ok {
		return false
	}
	url := fmt.Sprintf(template, hash)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// parseIndexLine parses a "/registry/{uuid}/{hash}" line from a storage
// server's own /registries index.
func parseIndexLine(line string) (uuid, hash string, ok bool) {
	line = strings.TrimSpace(line)
	parts := strings.Split(line, "/")
	if len(parts) != 4 || parts[0] != "" || parts[1] != "registry" {
		return "", "", false
	}
	return parts[2], parts[3], true
}
