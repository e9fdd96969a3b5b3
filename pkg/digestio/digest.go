// Package digestio provides the streaming digest and size-verification
// primitives every blob ingestion path in this module is built on. Nothing
// here ever trusts a caller-supplied digest without re-hashing the bytes it
// actually receives.
package digestio

import (
	"crypto/sha256"
	"hash"

	digest "github.com/opencontainers/go-digest"
)

// Digest is the canonical "sha256:<hex>" identity type shared by every
// package. It is a direct alias of go-digest's type so descriptors parsed
// from OCI JSON and digests computed locally never need conversion.
type Digest = digest.Digest

// Canonical is the only algorithm this system supports (spec.md §3).
const Canonical = digest.SHA256

// Hasher accumulates a streaming SHA-256 digest and byte count. It
// implements io.Writer so it can sit in an io.MultiWriter alongside a
// destination file or socket.
type Hasher struct {
	h hash.Hash
	n int64
}

// NewHasher returns a ready-to-use streaming hasher.
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

func (h *Hasher) Write(p []byte) (int, error) {
	n, err := h.h.Write(p)
	h.n += int64(n)
	return n, err
}

// Size returns the number of bytes written so far.
func (h *Hasher) Size() int64 { return h.n }

// Digest finalizes and returns the running digest. It does not reset the
// hasher; callers that need a fresh hasher should construct a new one.
func (h *Hasher) Digest() Digest {
	return digest.NewDigestFromBytes(Canonical, h.h.Sum(nil))
}
