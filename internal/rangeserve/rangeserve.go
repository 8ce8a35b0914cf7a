// Package rangeserve implements the range-aware streaming server: it serves
// GET/HEAD against an on-disk file that may still be growing under a
// concurrent download, spin-waiting on short reads rather than assuming the
// file is complete.
package rangeserve

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/log"

	"github.com/bboehmke/cacheproxy/internal/resource"
)

// bufferSize is the reusable read buffer size.
const bufferSize = 2 << 20

// seekPollInterval is how long the body transfer sleeps when a seek lands
// past the file's current on-disk size, waiting for the download to catch
// up.
const seekPollInterval = 10 * time.Millisecond

// readPollInterval is how long the body transfer sleeps after a zero-byte
// read while the download is still in progress.
const readPollInterval = time.Millisecond

// CompletionHandle is the narrow slice of fetchstate.CompletionHandle this
// package needs: a non-blocking "has the download finished?" query.
type CompletionHandle interface {
	Done() bool
}

// Serve answers a GET or HEAD request for key's resource over file, whose
// declared total size is contentLength and which may still be growing if
// handle is non-nil and not yet Done.
func Serve(w http.ResponseWriter, r *http.Request, file *os.File, key resource.Key, contentLength int64, contentType, contentEncoding string, handle CompletionHandle) {
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", contentType)
	if contentEncoding != "" && contentEncoding != "identity" {
		w.Header().Set("Content-Encoding", contentEncoding)
	}

	start, end, partial := parseRange(r.Header.Get("Range"), contentLength)
	length := end - start + 1

	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	if partial {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, contentLength))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if r.Method == http.MethodHead {
		return
	}

	transmitted, err := transferBody(w, file, start, length, handle)
	if err != nil {
		log.Printf("rangeserve: %s: body transfer error: %v", key, err)
		return
	}
	if transmitted != length {
		log.Printf("rangeserve: %s: transmitted %d bytes, declared %d", key, transmitted, length)
	}
}

// parseRange parses a single "bytes=a-b" / "bytes=a-" / "bytes=-b" range
// header against a resource of the given total size. ok is false (serve
// the full resource) for a missing, unparseable, multi-range, or
// out-of-order (a > b) header, or a start beyond end-of-file.
func parseRange(header string, total int64) (start, end int64, ok bool) {
	if header == "" {
		return 0, total - 1, false
	}
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.Contains(spec, ",") {
		log.Printf("rangeserve: unparseable range header %q, serving full resource", header)
		return 0, total - 1, false
	}

	a, b, found := strings.Cut(spec, "-")
	if !found {
		log.Printf("rangeserve: unparseable range header %q, serving full resource", header)
		return 0, total - 1, false
	}

	switch {
	case a == "" && b == "":
		log.Printf("rangeserve: unparseable range header %q, serving full resource", header)
		return 0, total - 1, false

	case a == "": // "bytes=-N": last N bytes
		n, err := strconv.ParseInt(b, 10, 64)
		if err != nil {
			log.Printf("rangeserve: unparseable range header %q, serving full resource", header)
			return 0, total - 1, false
		}
		start = total - n
		if start < 0 {
			start = 0
		}
		end = total - 1

	case b == "": // "bytes=N-": from N to end
		n, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			log.Printf("rangeserve: unparseable range header %q, serving full resource", header)
			return 0, total - 1, false
		}
		start = n
		end = total - 1

	default:
		sa, erra := strconv.ParseInt(a, 10, 64)
		sb, errb := strconv.ParseInt(b, 10, 64)
		if erra != nil || errb != nil {
			log.Printf("rangeserve: unparseable range header %q, serving full resource", header)
			return 0, total - 1, false
		}
		start, end = sa, sb
	}

	if start > end || start >= total {
		return 0, total - 1, false
	}
	if end > total-1 {
		end = total - 1
	}
	return start, end, true
}

// transferBody writes length bytes starting at start from file to w,
// spin-waiting on a file that hasn't yet grown far enough and on
// zero-byte reads from a download still in progress.
func transferBody(w http.ResponseWriter, file *os.File, start, length int64, handle CompletionHandle) (int64, error) {
	if err := seekWithSpin(file, start); err != nil {
		return 0, err
	}

	buf := make([]byte, bufferSize)
	var transmitted int64
	remaining := length

	for remaining > 0 {
		want := int64(len(buf))
		if want > remaining {
			want = remaining
		}

		n, readErr := file.Read(buf[:want])
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return transmitted, err
			}
			transmitted += int64(n)
			remaining -= int64(n)
			continue
		}

		if readErr != nil && readErr != io.EOF {
			return transmitted, readErr
		}
		if handle != nil && !handle.Done() {
			time.Sleep(readPollInterval)
			continue
		}
		break // file complete (or truncated): nothing more will ever arrive
	}

	return transmitted, nil
}

// seekWithSpin seeks file to start, first spin-waiting while the file's
// current on-disk size hasn't reached start yet — the case of a range
// request landing ahead of an in-progress download.
func seekWithSpin(file *os.File, start int64) error {
	for {
		info, err := file.Stat()
		if err != nil {
			return err
		}
		if info.Size() >= start {
			break
		}
		time.Sleep(seekPollInterval)
	}
	_, err := file.Seek(start, io.SeekStart)
	return err
}
