package cacheio

import (
	"os"

	"github.com/yorelog/docker-image-pusher/pkg/digestio"
)

// EntrySummary is the read-only view of a cache entry returned by
// ListEntries, per spec.md §4.B.
type EntrySummary struct {
	Repository string
	Reference  string
	TotalSize  int64
	BlobCount  int
}

// ListEntries enumerates every (repository, reference) cache entry.
func (s *Store) ListEntries() []EntrySummary {
	s.mu.RLock()
	snap := s.idx.clone()
	s.mu.RUnlock()

	out := make([]EntrySummary, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		out = append(out, EntrySummary{
			Repository: e.Repository,
			Reference:  e.Reference,
			TotalSize:  e.totalSize(),
			BlobCount:  len(e.Blobs),
		})
	}
	return out
}

// RemoveEntry deletes the index entry and its manifest file for
// (repository, reference). Blobs are left untouched: they may still be
// referenced by other entries (spec.md §3 Lifecycle); use GC to reclaim
// unreferenced blob files.
func (s *Store) RemoveEntry(repo, reference string) error {
	key := entryKey(repo, reference)

	s.mu.Lock()
	e, ok := s.idx.Entries[key]
	if !ok {
		s.mu.Unlock()
		return newCacheIO("remove_entry", "", "no cache entry for %s:%s", repo, reference)
	}
	delete(s.idx.Entries, key)
	err := s.idx.save(s.indexPath())
	s.mu.Unlock()
	if err != nil {
		return err
	}

	os.Remove(e.ManifestPath)
	return nil
}

// GC removes every blob file under blobs/sha256 that is not referenced by
// any remaining cache entry, per spec.md §4.H's Clean mode. It returns the
// digests of blobs it removed.
func (s *Store) GC() ([]digestio.Digest, error) {
	s.mu.RLock()
	snap := s.idx.clone()
	s.mu.RUnlock()

	referenced := make(map[string]struct{})
	for _, e := range snap.Entries {
		for d := range e.Blobs {
			referenced[d] = struct{}{}
		}
	}

	entries, err := os.ReadDir(s.blobsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, wrapCacheIO("gc", "", err, "listing blobs directory")
	}

	var removed []digestio.Digest
	for _, ent := range entries {
		name := ent.Name()
		if len(name) >= 5 && name[:5] == ".tmp-" {
			continue // in-flight write from another goroutine/process; never touch
		}
		digestStr := "sha256:" + name
		if _, ok := referenced[digestStr]; ok {
			continue
		}
		if err := os.Remove(s.BlobPath(digestio.Digest(digestStr))); err != nil {
			return removed, wrapCacheIO("gc", digestStr, err, "removing orphan blob")
		}
		removed = append(removed, digestio.Digest(digestStr))
	}
	return removed, nil
}
