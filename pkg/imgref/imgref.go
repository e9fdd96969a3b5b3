// Package imgref parses and normalizes image references the way the Docker
// CLI does: bare names default to registry-1.docker.io/library/<name>,
// references may carry a tag, a digest, or both, per spec.md §4 imgref.
package imgref

import (
	"fmt"

	"github.com/distribution/reference"

	"github.com/yorelog/docker-image-pusher/pkg/digestio"
)

// DefaultRegistry is substituted for any reference with no registry
// component, matching Docker Hub's historical behavior.
const DefaultRegistry = "registry-1.docker.io"

// DefaultTag is substituted for any reference with neither a tag nor a
// digest.
const DefaultTag = "latest"

// Reference is a fully-resolved image reference: registry host, repository
// path, and at least one of Tag or Digest (both are set when a reference
// names both, e.g. "repo:tag@sha256:...").
type Reference struct {
	Registry   string
	Repository string
	Tag        string
	Digest     digestio.Digest

	original string
}

// String reconstructs a parsable reference string.
func (r Reference) String() string {
	s := r.Registry + "/" + r.Repository
	if r.Tag != "" {
		s += ":" + r.Tag
	}
	if r.Digest != "" {
		s += "@" + r.Digest.String()
	}
	return s
}

// IsDigest reports whether this reference identifies content by digest
// rather than (or in addition to) a mutable tag.
func (r Reference) IsDigest() bool { return r.Digest != "" }

// Identifier returns the tag if one is set, otherwise the digest string.
// Used as the cache reference key (spec.md §3 cacheio) and as the value
// sent in manifest GET/PUT requests when no tag is present.
func (r Reference) Identifier() string {
	if r.Tag != "" {
		return r.Tag
	}
	return r.Digest.String()
}

// Parse normalizes an image reference string the way `docker pull` would:
// a bare repository name gets DefaultRegistry and, for single-segment
// names, the "library/" prefix; an absent tag or digest defaults to
// DefaultTag.
func Parse(raw string) (Reference, error) {
	named, err := reference.ParseNormalizedNamed(raw)
	if err != nil {
		return Reference{}, fmt.Errorf("imgref: parsing %q: %w", raw, err)
	}

	out := Reference{
		Registry:   reference.Domain(named),
		Repository: reference.Path(named),
		original:   raw,
	}

	if canonical, ok := named.(reference.Canonical); ok {
		out.Digest = digestio.Digest(canonical.Digest().String())
	}
	if tagged, ok := named.(reference.Tagged); ok {
		out.Tag = tagged.Tag()
	}

	if out.Tag == "" && out.Digest == "" {
		out.Tag = DefaultTag
	}
	return out, nil
}

// MustParse is Parse but panics on error; for use with compile-time-known
// literal references in tests and examples.
func MustParse(raw string) Reference {
	r, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return r
}

// WithTag returns a copy of r naming a different tag, clearing any digest.
func (r Reference) WithTag(tag string) Reference {
	r.Tag = tag
	r.Digest = ""
	return r
}

// WithDigest returns a copy of r naming a different digest, preserving the
// tag (both may legitimately be present, e.g. after a push that learned the
// resulting digest for an already-tagged push).
func (r Reference) WithDigest(d digestio.Digest) Reference {
	r.Digest = d
	return r
}
