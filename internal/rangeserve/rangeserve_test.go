package rangeserve

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bboehmke/cacheproxy/internal/resource"
)

func TestParseRange(t *testing.T) {
	const total = 1000

	cases := []struct {
		name          string
		header        string
		start, end    int64
		ok            bool
	}{
		{"no header", "", 0, total - 1, false},
		{"explicit range", "bytes=0-99", 0, 99, true},
		{"open-ended start", "bytes=100-", 100, total - 1, true},
		{"suffix range", "bytes=-50", total - 50, total - 1, true},
		{"suffix longer than file", "bytes=-5000", 0, total - 1, true},
		{"reversed range ignored", "bytes=100-50", 0, total - 1, false},
		{"start past EOF", "bytes=2000-3000", 0, total - 1, false},
		{"garbage", "xyz", 0, total - 1, false},
		{"multi-range unsupported", "bytes=1-2,3-4", 0, total - 1, false},
		{"missing unit prefix", "1-2", 0, total - 1, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start, end, ok := parseRange(tc.header, total)
			assert.Equal(t, tc.start, start)
			assert.Equal(t, tc.end, end)
			assert.Equal(t, tc.ok, ok)
		})
	}
}

func testKey(t *testing.T) resource.Key {
	t.Helper()
	k, err := resource.NewArtifactKey("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, err)
	return k
}

type doneHandle struct{}

func (doneHandle) Done() bool { return true }

func TestServeFullResource(t *testing.T) {
	content := []byte("hello range serve world")
	f := writeTempFile(t, content)

	req := httptest.NewRequest(http.MethodGet, "/artifact/"+testKey(t).Hash, nil)
	rec := httptest.NewRecorder()

	Serve(rec, req, f, testKey(t), int64(len(content)), "application/x-tar", "gzip", doneHandle{})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, content, rec.Body.Bytes())
}

func TestServePartialResource(t *testing.T) {
	content := []byte("0123456789abcdefghij")
	f := writeTempFile(t, content)

	req := httptest.NewRequest(http.MethodGet, "/artifact/"+testKey(t).Hash, nil)
	req.Header.Set("Range", "bytes=5-9")
	rec := httptest.NewRecorder()

	Serve(rec, req, f, testKey(t), int64(len(content)), "application/x-tar", "identity", doneHandle{})

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 5-9/20", rec.Header().Get("Content-Range"))
	assert.Empty(t, rec.Header().Get("Content-Encoding"), "identity encoding must not be advertised")
	assert.Equal(t, content[5:10], rec.Body.Bytes())
}

func TestServeHeadSendsNoBody(t *testing.T) {
	content := []byte("some bytes")
	f := writeTempFile(t, content)

	req := httptest.NewRequest(http.MethodHead, "/artifact/"+testKey(t).Hash, nil)
	rec := httptest.NewRecorder()

	Serve(rec, req, f, testKey(t), int64(len(content)), "application/x-tar", "identity", doneHandle{})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("Content-Length"))
	assert.Empty(t, rec.Body.Bytes())
}

// growingHandle reports not-done until the writer goroutine finishes.
type growingHandle struct{ done chan struct{} }

func (h *growingHandle) Done() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func TestServeWaitsForInProgressDownload(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "growing")
	require.NoError(t, err)
	defer f.Close()

	full := []byte("abcdefghijklmnopqrstuvwxyz0123456789")
	handle := &growingHandle{done: make(chan struct{})}

	go func() {
		for i := 0; i < len(full); i += 4 {
			end := i + 4
			if end > len(full) {
				end = len(full)
			}
			_, _ = f.Write(full[i:end])
			f.Sync()
			time.Sleep(5 * time.Millisecond)
		}
		close(handle.done)
	}()

	reader, err := os.Open(f.Name())
	require.NoError(t, err)
	defer reader.Close()

	req := httptest.NewRequest(http.MethodGet, "/artifact/"+testKey(t).Hash, nil)
	rec := httptest.NewRecorder()

	Serve(rec, req, reader, testKey(t), int64(len(full)), "application/x-tar", "identity", handle)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, full, rec.Body.Bytes())
}

func writeTempFile(t *testing.T, content []byte) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "rangeserve")
	require.NoError(t, err)
	_, err = f.Write(content)
	require.NoError(t, err)
	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}
