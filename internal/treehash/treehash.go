// Package treehash computes two tree-hash conventions over a tar stream's
// logical tree (filenames and contents): one that omits empty directories
// (the legacy "skip-empty" convention) and one that includes them.
//
// The shape — sort entries by path, hash each entry individually, then hash
// the sorted list of per-entry hashes — mirrors golang.org/x/mod/sumdb/dirhash's
// Hash1 scheme, hand-written here because dirhash operates over a file list on
// disk rather than a live tar stream, and because the resource key grammar
// mandates SHA-1, not dirhash's own hash.
package treehash

import (
	"archive/tar"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
)

type entry struct {
	name     string
	isDir    bool
	hasChild bool
	sum      string // hex sha1 of the entry's content; "" for directories
}

// Compute reads a tar stream to completion and returns both tree hashes:
// the skip-empty-directories hash first, then the no-skip hash. It consumes
// r fully; callers that need the raw bytes elsewhere must tee before
// calling Compute.
func Compute(r io.Reader) (skipEmptyHash string, noSkipHash string, err error) {
	tr := tar.NewReader(r)

	var entries []entry
	childOf := make(map[string]bool)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", "", fmt.Errorf("treehash: reading tar: %w", err)
		}

		name := normalizeName(hdr.Name)
		if name == "" {
			continue
		}

		if hdr.Typeflag == tar.TypeDir {
			entries = append(entries, entry{name: name, isDir: true})
			continue
		}

		h := sha1.New()
		if _, err := io.Copy(h, tr); err != nil {
			return "", "", fmt.Errorf("treehash: hashing %s: %w", name, err)
		}
		entries = append(entries, entry{name: name, sum: hex.EncodeToString(h.Sum(nil))})

		markAncestorsAsParents(name, childOf)
	}

	for i := range entries {
		if entries[i].isDir {
			entries[i].hasChild = childOf[entries[i].name]
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	noSkipHash = hashEntries(entries, false)
	skipEmptyHash = hashEntries(entries, true)
	return skipEmptyHash, noSkipHash, nil
}

// hashEntries renders the sorted entry list into dirhash-style
// "sha1  name\n" lines and returns the hex SHA-1 of the concatenation. When
// skipEmpty is true, directory entries with no descendant file are omitted.
func hashEntries(entries []entry, skipEmpty bool) string {
	h := sha1.New()
	for _, e := range entries {
		if e.isDir {
			if skipEmpty && !e.hasChild {
				continue
			}
			fmt.Fprintf(h, "dir  %s/\n", e.name)
			continue
		}
		fmt.Fprintf(h, "%s  %s\n", e.sum, e.name)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeName strips a leading "./" and trailing slashes so that the same
// logical path hashes identically regardless of how the tar producer wrote
// it.
func normalizeName(name string) string {
	name = strings.TrimPrefix(name, "./")
	name = strings.TrimRight(name, "/")
	return name
}

// markAncestorsAsParents records that every directory prefix of name has at
// least one descendant file, so the skip-empty convention can tell a truly
// empty directory entry from one that merely lacks its own tar header.
func markAncestorsAsParents(name string, childOf map[string]bool) {
	for {
		idx := strings.LastIndex(name, "/")
		if idx < 0 {
			return
		}
		name = name[:idx]
		childOf[name] = true
	}
}
