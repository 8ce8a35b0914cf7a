// Package download implements the streaming downloader: it simultaneously
// streams compressed bytes to disk, decompresses them, and tree-hashes the
// decompressed tar stream under both conventions, verifying the result
// before anything is made visible in the cache.
//
// The tee/decompress/hash pipeline is built from io.TeeReader fan-out, a
// bounded in-memory pipe for backpressure between stages, klauspost/compress/gzip
// for decompression, and a golang.org/x/sync/errgroup goroutine that runs
// the decompress-and-hash stage while the calling goroutine writes to disk.
// The group's derived context is not used for cancellation: a failed hash
// stage drains the pipe so the disk write still runs to the end, and a
// failed disk write closes the pipe with its error so the hash stage stops.
//
// Both tree-hash conventions are computed together from a single
// decompressed pass by internal/treehash.Compute, rather than as two
// independently-teed consumers: both values fall out of the same sorted
// entry list, so a second parallel tar traversal would cost memory and
// latency for no additional verification strength.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/AdguardTeam/golibs/log"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"github.com/bboehmke/cacheproxy/internal/atomicfile"
	"github.com/bboehmke/cacheproxy/internal/fetchstate"
	"github.com/bboehmke/cacheproxy/internal/metrics"
	"github.com/bboehmke/cacheproxy/internal/resource"
	"github.com/bboehmke/cacheproxy/internal/treehash"
)

// BufferSize is the bounded-buffer capacity between pipeline stages.
const BufferSize = 16 << 20

// Installer is the subset of cache.Cache the downloader needs: a place to
// reserve a destination for a given key/size and to commit an installed
// file into the resident index.
type Installer interface {
	Reserve(key resource.Key, size int64) (string, error)
	Commit(key resource.Key, path string, size int64)
}

// ErrHashMismatch is returned when the downloaded bytes hash to neither
// tree-hash convention under the requested key.
type ErrHashMismatch struct {
	Key       resource.Key
	SkipEmpty string
	NoSkip    string
}

func (e *ErrHashMismatch) Error() string {
	return fmt.Sprintf("download: %s matches neither tree hash convention (skip-empty=%s, no-skip=%s)", e.Key, e.SkipEmpty, e.NoSkip)
}

// Run performs the full download pipeline for state.Key against server,
// installing the result into installer on success. tempRoot is the atomic
// writer's shared temp root.
//
// The staging file is created (via atomicfile.Create) before anything is
// written into it, and state.PathHandle is published at that point rather
// than after the transfer completes: a range-serving reader needs the path
// of a download that is still in progress so it can stream the same file
// while it grows.
func Run(ctx context.Context, client *http.Client, installer Installer, tempRoot, server string, state *fetchstate.DownloadState) error {
	key := state.Key

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server+key.Path(), nil)
	if err != nil {
		return fmt.Errorf("download: building GET request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download: GET %s: %w", server+key.Path(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: GET %s: status %d", server+key.Path(), resp.StatusCode)
	}

	decompPipe := newBoundedPipe(BufferSize)

	g, _ := errgroup.WithContext(ctx)
	var skipHash, noSkipHash string
	g.Go(func() error {
		zr, err := gzip.NewReader(decompPipe)
		if err != nil {
			io.Copy(io.Discard, decompPipe) //nolint:errcheck // drain so the producer side isn't left blocked
			return fmt.Errorf("download: gzip: %w", err)
		}
		skip, noSkip, err := treehash.Compute(zr)
		if err != nil {
			io.Copy(io.Discard, decompPipe) //nolint:errcheck
			return fmt.Errorf("download: tree hash: %w", err)
		}
		skipHash, noSkipHash = skip, noSkip
		return nil
	})

	open, err := atomicfile.Create(tempRoot, key.TailPath())
	if err != nil {
		decompPipe.CloseWithError(err)
		g.Wait() //nolint:errcheck // we're already returning the more specific staging error
		return fmt.Errorf("download: staging %s: %w", key, err)
	}
	state.PathHandle.Set(open.Path())

	tee := io.TeeReader(resp.Body, decompPipe)
	_, copyErr := io.Copy(open, tee)
	decompPipe.CloseWithError(copyErr)

	hashErr := g.Wait()

	if copyErr != nil {
		open.Abort()
		return fmt.Errorf("download: copying %s: %w", key, copyErr)
	}

	staged, err := open.Finish()
	if err != nil {
		return fmt.Errorf("download: staging %s: %w", key, err)
	}
	if hashErr != nil {
		staged.Abort()
		return hashErr
	}

	metrics.PayloadBytesUpstream.Add(float64(staged.Size()))

	switch key.Hash {
	case noSkipHash:
		_, err := commit(installer, staged, key)
		return err

	case skipHash:
		dest, err := commit(installer, staged, key)
		if err != nil {
			return err
		}
		return installDuplicate(installer, tempRoot, key, noSkipHash, dest)

	default:
		staged.Abort()
		return &ErrHashMismatch{Key: key, SkipEmpty: skipHash, NoSkip: noSkipHash}
	}
}

func commit(installer Installer, staged atomicfile.Staged, key resource.Key) (string, error) {
	size := staged.Size()
	dest, err := staged.Commit(func(size int64) (string, error) { return installer.Reserve(key, size) })
	if err != nil {
		return "", fmt.Errorf("download: committing %s: %w", key, err)
	}
	installer.Commit(key, dest, size)
	log.Printf("download INSTALL: %s (%s)", key, humanize.IBytes(uint64(size)))
	return dest, nil
}

// installDuplicate performs a nested atomic write: when the requested hash
// is the archaic skip-empty one, the same bytes are additionally installed
// under the canonical no-skip hash so future lookups under that hash hit
// too. It reserves under the second hash, copies the bytes, and commits
// through the same Stage/Commit atomic-write primitives used for the
// original install, rather than a raw hardlink, so the duplicate gets the
// identical atomicity guarantee.
func installDuplicate(installer Installer, tempRoot string, key resource.Key, noSkipHash, srcPath string) error {
	dupKey := key.WithHash(noSkipHash)

	dupStaged, err := atomicfile.Stage(tempRoot, dupKey.TailPath(), func(w io.Writer) error {
		in, err := os.Open(srcPath)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(w, in)
		return err
	})
	if err != nil {
		return fmt.Errorf("download: staging duplicate %s: %w", dupKey, err)
	}

	size := dupStaged.Size()
	dest, err := dupStaged.Commit(func(size int64) (string, error) { return installer.Reserve(dupKey, size) })
	if err != nil {
		return fmt.Errorf("download: committing duplicate %s: %w", dupKey, err)
	}
	installer.Commit(dupKey, dest, size)
	log.Printf("download INSTALL (duplicate): %s (%s)", dupKey, humanize.IBytes(uint64(size)))
	return nil
}
