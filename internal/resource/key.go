// Package resource implements the resource-key grammar: a content-addressed
// path of the form /registry/{uuid}/{hash}, /package/{uuid}/{hash}, or
// /artifact/{hash}.
package resource

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Kind is one of the three resource families.
type Kind int

const (
	Registry Kind = iota
	Package
	Artifact
)

func (k Kind) String() string {
	switch k {
	case Registry:
		return "registry"
	case Package:
		return "package"
	case Artifact:
		return "artifact"
	default:
		return "unknown"
	}
}

// hashPattern matches the 40 lowercase hex character SHA-1-shaped tree hash.
var hashPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Key is an immutable, content-addressed resource key. Key values are
// comparable and suitable as map keys.
type Key struct {
	Kind Kind
	UUID string // empty for Artifact
	Hash string
}

// Path renders the key back into its canonical "/kind/uuid/hash" or
// "/kind/hash" form.
func (k Key) Path() string {
	if k.Kind == Artifact {
		return fmt.Sprintf("/%s/%s", k.Kind, k.Hash)
	}
	return fmt.Sprintf("/%s/%s/%s", k.Kind, k.UUID, k.Hash)
}

// String implements fmt.Stringer for logging.
func (k Key) String() string { return k.Path() }

// TailPath is the on-disk-relative tail used by the cache and atomic writer
// to lay out files under their respective roots, e.g. "registry/<uuid>/<hash>".
func (k Key) TailPath() string {
	if k.Kind == Artifact {
		return strings.Join([]string{k.Kind.String(), k.Hash}, "/")
	}
	return strings.Join([]string{k.Kind.String(), k.UUID, k.Hash}, "/")
}

// NewRegistryKey builds a Key for a registry resource, validating uuid/hash.
func NewRegistryKey(uuidStr, hash string) (Key, error) {
	return newUUIDKey(Registry, uuidStr, hash)
}

// NewPackageKey builds a Key for a package resource, validating uuid/hash.
func NewPackageKey(uuidStr, hash string) (Key, error) {
	return newUUIDKey(Package, uuidStr, hash)
}

// NewArtifactKey builds a Key for an artifact resource, validating hash only.
func NewArtifactKey(hash string) (Key, error) {
	if !validHash(hash) {
		return Key{}, fmt.Errorf("resource: invalid hash %q", hash)
	}
	return Key{Kind: Artifact, Hash: hash}, nil
}

// WithHash returns a copy of the key addressed under a different hash,
// keeping kind and uuid. Used to install the same bytes under both the
// skip-empty and no-skip tree hashes of an archaic tarball.
func (k Key) WithHash(hash string) Key {
	k2 := k
	k2.Hash = hash
	return k2
}

func newUUIDKey(kind Kind, uuidStr, hash string) (Key, error) {
	if !validUUID(uuidStr) {
		return Key{}, fmt.Errorf("resource: invalid uuid %q", uuidStr)
	}
	if !validHash(hash) {
		return Key{}, fmt.Errorf("resource: invalid hash %q", hash)
	}
	return Key{Kind: kind, UUID: uuidStr, Hash: hash}, nil
}

func validHash(hash string) bool {
	return hashPattern.MatchString(hash)
}

// validUUID requires a lowercase, canonical 8-4-4-4-12 UUID. google/uuid
// parses any RFC 4122 variant, so the canonical lowercase string form is
// re-checked on top of that to reject upper-case or non-hyphenated input.
func validUUID(s string) bool {
	if s != strings.ToLower(s) {
		return false
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return parsed.String() == s
}
