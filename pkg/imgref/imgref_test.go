package imgref

import "testing"

func TestParseBareNameGetsDefaults(t *testing.T) {
	r, err := Parse("alpine")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.Registry != DefaultRegistry {
		t.Errorf("registry = %q, want %q", r.Registry, DefaultRegistry)
	}
	if r.Repository != "library/alpine" {
		t.Errorf("repository = %q, want library/alpine", r.Repository)
	}
	if r.Tag != DefaultTag {
		t.Errorf("tag = %q, want %q", r.Tag, DefaultTag)
	}
	if r.Digest != "" {
		t.Errorf("expected no digest, got %q", r.Digest)
	}
}

func TestParseWithTagAndRegistry(t *testing.T) {
	r, err := Parse("ghcr.io/yorelog/imgxfer:v1.2.3")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.Registry != "ghcr.io" {
		t.Errorf("registry = %q", r.Registry)
	}
	if r.Repository != "yorelog/imgxfer" {
		t.Errorf("repository = %q", r.Repository)
	}
	if r.Tag != "v1.2.3" {
		t.Errorf("tag = %q", r.Tag)
	}
}

func TestParseWithDigest(t *testing.T) {
	const dgst = "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	r, err := Parse("debian@" + dgst)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !r.IsDigest() {
		t.Fatalf("expected digest-identified reference")
	}
	if r.Identifier() != dgst {
		t.Errorf("identifier = %q, want %q", r.Identifier(), dgst)
	}
}

func TestParseInvalidReference(t *testing.T) {
	if _, err := Parse("UPPER CASE NOT VALID"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestWithTagClearsDigest(t *testing.T) {
	r := MustParse("library/alpine@sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	r2 := r.WithTag("edge")
	if r2.Digest != "" {
		t.Errorf("expected digest cleared, got %q", r2.Digest)
	}
	if r2.Tag != "edge" {
		t.Errorf("tag = %q", r2.Tag)
	}
}
