package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bboehmke/cacheproxy/internal/cache"
	"github.com/bboehmke/cacheproxy/internal/fetchstate"
	"github.com/bboehmke/cacheproxy/internal/resolve"
	"github.com/bboehmke/cacheproxy/internal/resource"
)

const testUUID = "11111111-1111-4111-8111-111111111111"

// seedResident pre-installs key as already-cached, so resolve.Resolver.Ensure
// short-circuits on the cache check without touching the fetch/download
// machinery — the tracker tests exercise the survey/verify/publish logic,
// not fetch coordination or downloading.
func seedResident(t *testing.T, c *cache.Cache, key resource.Key) {
	t.Helper()
	path, err := c.Reserve(key, 4)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
	c.Commit(key, path, 4)
}

func newTestResolver(t *testing.T) (*resolve.Resolver, *cache.Cache) {
	t.Helper()
	c, err := cache.New(t.TempDir(), 1<<20)
	require.NoError(t, err)
	return &resolve.Resolver{
		Client:      http.DefaultClient,
		Cache:       c,
		Coordinator: fetchstate.New(),
		TempRoot:    t.TempDir(),
	}, c
}

func registryIndexServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/registries":
			w.WriteHeader(http.StatusOK)
			for _, l := range lines {
				w.Write([]byte(l + "\n"))
			}
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func alwaysOK() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func alwaysNotFound() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
}

func TestTickPublishesWhenOriginVerifies(t *testing.T) {
	hash := strings.Repeat("a", 40)
	key, err := resource.NewRegistryKey(testUUID, hash)
	require.NoError(t, err)

	storage := registryIndexServer(t, key.Path())
	defer storage.Close()
	origin := alwaysOK()
	defer origin.Close()

	resolver, c := newTestResolver(t)
	seedResident(t, c, key)

	indexPath := filepath.Join(t.TempDir(), "registries")
	tracker := New(http.DefaultClient, []string{storage.URL}, map[string]string{
		testUUID: origin.URL + "/archive/%s.tar.gz",
	}, indexPath, t.TempDir(), resolver)

	require.NoError(t, tracker.Tick(context.Background()))

	got, ok := tracker.Latest(testUUID)
	require.True(t, ok)
	assert.Equal(t, hash, got)

	data, err := os.ReadFile(indexPath)
	require.NoError(t, err)
	assert.Equal(t, key.Path()+"\n", string(data))
}

func TestTickSkipsUnverifiedOrigin(t *testing.T) {
	hash := strings.Repeat("b", 40)
	key, err := resource.NewRegistryKey(testUUID, hash)
	require.NoError(t, err)

	storage := registryIndexServer(t, key.Path())
	defer storage.Close()
	origin := alwaysNotFound()
	defer origin.Close()

	resolver, c := newTestResolver(t)
	seedResident(t, c, key)

	indexPath := filepath.Join(t.TempDir(), "registries")
	tracker := New(http.DefaultClient, []string{storage.URL}, map[string]string{
		testUUID: origin.URL + "/archive/%s.tar.gz",
	}, indexPath, t.TempDir(), resolver)

	require.NoError(t, tracker.Tick(context.Background()))

	_, ok := tracker.Latest(testUUID)
	assert.False(t, ok, "unverified origin must not become latest_hash")
}

func TestTickBreaksTiesDeterministically(t *testing.T) {
	h1 := strings.Repeat("1", 40)
	h2 := strings.Repeat("2", 40)
	key1, err := resource.NewRegistryKey(testUUID, h1)
	require.NoError(t, err)
	key2, err := resource.NewRegistryKey(testUUID, h2)
	require.NoError(t, err)

	serverA := registryIndexServer(t, key1.Path())
	defer serverA.Close()
	serverB := registryIndexServer(t, key2.Path())
	defer serverB.Close()
	origin := alwaysOK()
	defer origin.Close()

	resolver, c := newTestResolver(t)
	seedResident(t, c, key1)
	seedResident(t, c, key2)

	indexPath := filepath.Join(t.TempDir(), "registries")
	tracker := New(http.DefaultClient, []string{serverA.URL, serverB.URL}, map[string]string{
		testUUID: origin.URL + "/archive/%s.tar.gz",
	}, indexPath, t.TempDir(), resolver)

	require.NoError(t, tracker.Tick(context.Background()))

	got, ok := tracker.Latest(testUUID)
	require.True(t, ok)
	assert.Equal(t, h1, got, "lexicographically smaller hash should win a tie deterministically")
}
