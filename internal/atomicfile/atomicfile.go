// Package atomicfile writes files atomically: it stages a temp file on the
// same filesystem as the destination, then renames it into place only on
// success. The rename is the linearization point — observers either see no
// file at the destination, or a complete file of the declared size.
//
// Staging and committing are exposed as separate steps (Stage/Commit/Abort)
// rather than bundled into one call, because a verifying caller may need to
// inspect the fully-staged content before deciding whether to install it at
// all, and if so under which key. Write composes the two for producers that
// always want to commit unconditionally.
package atomicfile

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/AdguardTeam/golibs/log"
)

// Reserver is satisfied by a cache's reserve operation: given the final
// byte size, it returns the destination path the staged file must be
// renamed into.
type Reserver func(size int64) (destPath string, err error)

// Producer streams content into the open staging file. A non-nil error
// aborts the write and the staged file is removed.
type Producer func(w io.Writer) error

// Staged is a written-but-not-yet-committed file under the temp root.
type Staged struct {
	path     string
	size     int64
	tempRoot string
}

// OpenStaged is a staging file whose path is known before its content has
// finished being written, so a caller can hand the staging path to a reader
// that wants to stream it while it is still growing — something Stage's
// single producer-call API can't expose, since Stage only returns once the
// producer has already finished.
type OpenStaged struct {
	file     *os.File
	path     string
	tempRoot string
}

// Create opens a new uniquely-named staging file under tempRoot and
// returns it immediately, before any content has been written.
func Create(tempRoot, tail string) (*OpenStaged, error) {
	staging, err := stagingPath(tempRoot, tail)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(staging), 0o755); err != nil {
		return nil, fmt.Errorf("atomicfile: mkdir parent of %s: %w", staging, err)
	}
	f, err := os.Create(staging)
	if err != nil {
		return nil, fmt.Errorf("atomicfile: create staging %s: %w", staging, err)
	}
	return &OpenStaged{file: f, path: staging, tempRoot: tempRoot}, nil
}

// Path is the staging file's location, stable for the lifetime of the
// download.
func (o *OpenStaged) Path() string { return o.path }

// Write implements io.Writer, streaming directly into the staging file.
func (o *OpenStaged) Write(p []byte) (int, error) { return o.file.Write(p) }

// Finish closes the staging file and returns it as a Staged, ready to
// Commit or Abort.
func (o *OpenStaged) Finish() (Staged, error) {
	if err := o.file.Close(); err != nil {
		o.removeStaging()
		return Staged{}, fmt.Errorf("atomicfile: close staging: %w", err)
	}
	info, err := os.Stat(o.path)
	if err != nil {
		o.removeStaging()
		return Staged{}, fmt.Errorf("atomicfile: stat staging %s: %w", o.path, err)
	}
	return Staged{path: o.path, size: info.Size(), tempRoot: o.tempRoot}, nil
}

// Abort closes and discards the staging file without installing it.
func (o *OpenStaged) Abort() {
	o.file.Close()
	o.removeStaging()
}

func (o *OpenStaged) removeStaging() {
	os.Remove(o.path)
	pruneEmptyDirs(filepath.Dir(o.path), o.tempRoot)
}

// Path is the staging file's current location.
func (s Staged) Path() string { return s.path }

// Size is the producer's declared final size.
func (s Staged) Size() int64 { return s.size }

// Stage writes producer's output to a uniquely-named temp file under
// tempRoot. tail is the destination's on-disk relative path tail (see
// resource.Key.TailPath()).
func Stage(tempRoot, tail string, producer Producer) (Staged, error) {
	open, err := Create(tempRoot, tail)
	if err != nil {
		return Staged{}, err
	}

	if err := producer(open); err != nil {
		open.Abort()
		return Staged{}, fmt.Errorf("atomicfile: producer: %w", err)
	}

	return open.Finish()
}

// Commit reserves a destination for the staged file's declared size and
// renames it into place — the linearization point for observers.
func (s Staged) Commit(reserve Reserver) (destPath string, err error) {
	dest, err := reserve(s.size)
	if err != nil {
		s.Abort()
		return "", fmt.Errorf("atomicfile: reserve: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		s.Abort()
		return "", fmt.Errorf("atomicfile: mkdir parent of %s: %w", dest, err)
	}

	if err := os.Rename(s.path, dest); err != nil {
		s.Abort()
		return "", fmt.Errorf("atomicfile: rename %s -> %s: %w", s.path, dest, err)
	}

	pruneEmptyDirs(filepath.Dir(s.path), s.tempRoot)
	return dest, nil
}

// Abort discards a staged file without installing it.
func (s Staged) Abort() {
	if s.path == "" {
		return
	}
	os.Remove(s.path)
	pruneEmptyDirs(filepath.Dir(s.path), s.tempRoot)
}

// Write performs the full stage-then-commit sequence in one call.
func Write(tempRoot, tail string, producer Producer, reserve Reserver) (destPath string, size int64, err error) {
	staged, err := Stage(tempRoot, tail, producer)
	if err != nil {
		return "", 0, err
	}
	dest, err := staged.Commit(reserve)
	if err != nil {
		return "", 0, err
	}
	return dest, staged.Size(), nil
}

// stagingPath builds a unique ".inprogress" path under tempRoot so that
// concurrent writers of the same key never collide.
func stagingPath(tempRoot, tail string) (string, error) {
	suffix, err := randomSuffix()
	if err != nil {
		return "", fmt.Errorf("atomicfile: random suffix: %w", err)
	}
	return filepath.Join(tempRoot, tail+"."+suffix+".inprogress"), nil
}

func randomSuffix() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// pruneEmptyDirs removes dir and then each empty ancestor, stopping at (not
// past) root. Best-effort: failures are logged, never propagated, since a
// leftover empty directory has no correctness impact on the system.
func pruneEmptyDirs(dir, root string) {
	root = filepath.Clean(root)
	for {
		dir = filepath.Clean(dir)
		if dir == root || !isUnder(dir, root) {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		if len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			log.Printf("atomicfile: prune %s: %v", dir, err)
			return
		}
		dir = filepath.Dir(dir)
	}
}

func isUnder(dir, root string) bool {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return false
	}
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.'
}
