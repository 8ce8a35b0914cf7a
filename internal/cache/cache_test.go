package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bboehmke/cacheproxy/internal/resource"
)

func mustArtifactKey(t *testing.T, hash string) resource.Key {
	t.Helper()
	k, err := resource.NewArtifactKey(hash)
	require.NoError(t, err)
	return k
}

func install(t *testing.T, c *Cache, key resource.Key, size int64) string {
	t.Helper()
	dest, err := c.Reserve(key, size)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
	require.NoError(t, os.WriteFile(dest, make([]byte, size), 0o644))
	c.Commit(key, dest, size)
	return dest
}

func TestReserveEvictsLRU(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, 10)
	require.NoError(t, err)

	kA := mustArtifactKey(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	kB := mustArtifactKey(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	kC := mustArtifactKey(t, "cccccccccccccccccccccccccccccccccccccccc")

	install(t, c, kA, 5)
	install(t, c, kB, 5)
	assert.Equal(t, int64(10), c.Size())

	// Touch A so B becomes the LRU victim.
	c.Touch(kA)
	install(t, c, kC, 5)

	_, okA := c.PathOf(kA)
	_, okB := c.PathOf(kB)
	_, okC := c.PathOf(kC)
	assert.True(t, okA, "A was touched and should survive")
	assert.False(t, okB, "B should have been evicted as LRU")
	assert.True(t, okC)
}

func TestPinnedEntrySurvivesEviction(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, 10)
	require.NoError(t, err)

	kA := mustArtifactKey(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	kB := mustArtifactKey(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	install(t, c, kA, 10)
	c.IncRef(kA)
	defer c.DecRef(kA)

	// Reserving for B should not be able to evict A (pinned); budget is
	// allowed to be temporarily exceeded.
	install(t, c, kB, 5)

	_, okA := c.PathOf(kA)
	_, okB := c.PathOf(kB)
	assert.True(t, okA, "pinned entry must survive eviction")
	assert.True(t, okB)
	assert.Greater(t, c.Size(), int64(10), "budget may be temporarily exceeded when all entries are pinned")
}

func TestForget(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, 100)
	require.NoError(t, err)

	k := mustArtifactKey(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	install(t, c, k, 5)
	c.Forget(k)

	_, ok := c.PathOf(k)
	assert.False(t, ok)
	assert.Equal(t, int64(0), c.Size())
}

func TestRebuildSeedsFromDisk(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, 100)
	require.NoError(t, err)
	k := mustArtifactKey(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	install(t, c, k, 7)

	c2, err := New(dir, 100)
	require.NoError(t, err)
	path, ok := c2.PathOf(k)
	assert.True(t, ok, "rebuild should rediscover the entry written by the previous instance")
	assert.Equal(t, int64(7), c2.Size())
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(7), info.Size())
}
