package platform

import (
	"testing"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

func TestMatchesExactPlatform(t *testing.T) {
	p := Platform{OS: "linux", Architecture: "amd64"}
	if !p.Matches(&ocispec.Platform{OS: "linux", Architecture: "amd64"}) {
		t.Fatalf("expected exact platform to match")
	}
}

func TestMatchesRejectsDifferentArch(t *testing.T) {
	p := Platform{OS: "linux", Architecture: "amd64"}
	if p.Matches(&ocispec.Platform{OS: "linux", Architecture: "arm64"}) {
		t.Fatalf("expected architecture mismatch to reject")
	}
}

func TestMatchesVariantOnlyCheckedWhenBothSet(t *testing.T) {
	p := Platform{OS: "linux", Architecture: "arm", Variant: "v7"}
	if !p.Matches(&ocispec.Platform{OS: "linux", Architecture: "arm"}) {
		t.Fatalf("expected candidate with no variant to match any requested variant")
	}
	if p.Matches(&ocispec.Platform{OS: "linux", Architecture: "arm", Variant: "v6"}) {
		t.Fatalf("expected mismatched variant to reject when both are set")
	}
}

func TestMatchesNilCandidateRejects(t *testing.T) {
	p := Current()
	if p.Matches(nil) {
		t.Fatalf("nil candidate must never match")
	}
}

func TestSelectReturnsFirstMatchingIndex(t *testing.T) {
	manifests := []ocispec.Descriptor{
		{Platform: &ocispec.Platform{OS: "linux", Architecture: "arm64"}},
		{Platform: &ocispec.Platform{OS: "linux", Architecture: "amd64"}},
		{Platform: &ocispec.Platform{OS: "windows", Architecture: "amd64"}},
	}
	i := Select(Platform{OS: "linux", Architecture: "amd64"}, manifests)
	if i != 1 {
		t.Fatalf("expected index 1, got %d", i)
	}
}

func TestSelectReturnsNegativeOneWhenNoneMatch(t *testing.T) {
	manifests := []ocispec.Descriptor{
		{Platform: &ocispec.Platform{OS: "windows", Architecture: "amd64"}},
	}
	if i := Select(Platform{OS: "linux", Architecture: "amd64"}, manifests); i != -1 {
		t.Fatalf("expected -1, got %d", i)
	}
}

func TestStringIncludesVariantOnlyWhenSet(t *testing.T) {
	if got, want := (Platform{OS: "linux", Architecture: "amd64"}).String(), "linux/amd64"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if got, want := (Platform{OS: "linux", Architecture: "arm", Variant: "v7"}).String(), "linux/arm/v7"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
