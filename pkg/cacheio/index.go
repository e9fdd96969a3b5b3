package cacheio

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// BlobInfo records what the index knows about one blob referenced from a
// cache entry, per spec.md §3's "Cache entry" data model.
type BlobInfo struct {
	Size       int64  `json:"size"`
	Path       string `json:"path"`
	IsConfig   bool   `json:"is_config"`
	MediaType  string `json:"media_type"`
	Compressed bool   `json:"compressed"`
}

// Entry is one (repository, reference) cache entry: the raw manifest bytes'
// location plus the blobs it references.
type Entry struct {
	Repository    string              `json:"repository"`
	Reference     string              `json:"reference"`
	ManifestPath  string              `json:"manifest_path"`
	ManifestBytes int64               `json:"manifest_size"`
	ConfigDigest  string              `json:"config_digest"`
	Blobs         map[string]BlobInfo `json:"blobs"` // keyed by digest string
}

func (e *Entry) totalSize() int64 {
	var total int64
	for _, b := range e.Blobs {
		total += b.Size
	}
	return total
}

// index is the in-memory, JSON-serializable representation of index.json.
// Entries is keyed by "repository\x00reference" so repeated map lookups
// don't need to reconstruct a composite key type.
type index struct {
	Entries map[string]*Entry `json:"entries"`
}

func newIndex() *index {
	return &index{Entries: make(map[string]*Entry)}
}

func entryKey(repo, reference string) string {
	return repo + "\x00" + reference
}

// clone returns a deep-enough copy suitable for handing to a reader without
// risking concurrent mutation of the live index (spec.md §9: readers get
// snapshots, never the shared mutable map).
func (i *index) clone() *index {
	out := newIndex()
	for k, e := range i.Entries {
		ec := *e
		ec.Blobs = make(map[string]BlobInfo, len(e.Blobs))
		for bd, bi := range e.Blobs {
			ec.Blobs[bd] = bi
		}
		out.Entries[k] = &ec
	}
	return out
}

func loadIndex(path string) (*index, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return newIndex(), nil
	}
	if err != nil {
		return nil, err
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, newCacheIO("load_index", "", "parsing index.json: %v", err)
	}
	if idx.Entries == nil {
		idx.Entries = make(map[string]*Entry)
	}
	return &idx, nil
}

// save rewrites index.json in full: write to a temp file in the same
// directory, fsync, then atomically rename over the previous index
// (spec.md §3 invariant 5).
func (i *index) save(path string) error {
	data, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return newCacheIO("save_index", "", "marshalling index: %v", err)
	}
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, ".index-"+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return wrapCacheIO("save_index", "", err, "creating temp index file")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return wrapCacheIO("save_index", "", err, "writing temp index file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return wrapCacheIO("save_index", "", err, "fsyncing temp index file")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return wrapCacheIO("save_index", "", err, "closing temp index file")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return wrapCacheIO("save_index", "", err, "renaming temp index file into place")
	}
	return nil
}
