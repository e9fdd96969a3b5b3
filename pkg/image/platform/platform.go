// Package platform resolves which manifest entry of an OCI image index
// matches a given platform (the running machine's, via Current, or one the
// caller names), per spec.md §4.H's platform selection step.
package platform

import (
	"fmt"
	"runtime"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Platform is the (os, architecture, variant) triple an image manifest or
// the running machine is built for.
type Platform struct {
	OS           string
	Architecture string
	Variant      string
}

// Current returns the Platform of the machine running this process.
func Current() Platform {
	return Platform{OS: runtime.GOOS, Architecture: runtime.GOARCH, Variant: defaultVariant(runtime.GOARCH)}
}

// defaultVariant fills in the ARM variant docker images conventionally
// expect, since runtime.GOARCH alone ("arm") doesn't distinguish v6/v7.
func defaultVariant(arch string) string {
	if arch == "arm" {
		return "v7"
	}
	return ""
}

func (p Platform) String() string {
	if p.Variant != "" {
		return fmt.Sprintf("%s/%s/%s", p.OS, p.Architecture, p.Variant)
	}
	return fmt.Sprintf("%s/%s", p.OS, p.Architecture)
}

// Matches reports whether an index entry's platform descriptor satisfies
// p. A variant on p is only checked if the descriptor specifies one too;
// an index entry with no variant matches any variant request.
func (p Platform) Matches(candidate *ocispec.Platform) bool {
	if candidate == nil {
		return false
	}
	if candidate.OS != p.OS || candidate.Architecture != p.Architecture {
		return false
	}
	if candidate.Variant != "" && p.Variant != "" && candidate.Variant != p.Variant {
		return false
	}
	return true
}

// Select returns the index of the first manifest in manifests whose
// platform matches p. It returns -1 if none match.
func Select(p Platform, manifests []ocispec.Descriptor) int {
	for i, m := range manifests {
		if p.Matches(m.Platform) {
			return i
		}
	}
	return -1
}
