package cacheio

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/yorelog/docker-image-pusher/pkg/digestio"
)

// GetManifest returns the raw, byte-identical manifest bytes stored for
// (repository, reference). The bytes are never re-serialized (spec.md §9).
func (s *Store) GetManifest(repo, reference string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.idx.Entries[entryKey(repo, reference)]
	s.mu.RUnlock()
	if !ok {
		return nil, newCacheIO("get_manifest", "", "no cache entry for %s:%s", repo, reference)
	}
	data, err := os.ReadFile(e.ManifestPath)
	if err != nil {
		return nil, wrapCacheIO("get_manifest", "", err, "reading manifest file")
	}
	return data, nil
}

// PutManifest writes raw manifest bytes atomically and records the entry in
// the index, including the blob digests it references so ListEntries/GC can
// compute orphans later. The blob files themselves are expected to already
// be present (or about to be made present) via PutBlob; PutManifest only
// commits the bookkeeping.
func (s *Store) PutManifest(repo, reference string, raw []byte, configDigest digestio.Digest, blobs map[digestio.Digest]BlobInfo) error {
	path := s.manifestPath(repo, reference)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return wrapCacheIO("put_manifest", "", err, "creating manifest directory")
	}

	tmp := filepath.Join(filepath.Dir(path), ".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return wrapCacheIO("put_manifest", "", err, "writing temp manifest file")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return wrapCacheIO("put_manifest", "", err, "renaming manifest into place")
	}

	blobInfos := make(map[string]BlobInfo, len(blobs))
	for d, info := range blobs {
		blobInfos[d.String()] = info
	}

	entry := &Entry{
		Repository:    repo,
		Reference:     reference,
		ManifestPath:  path,
		ManifestBytes: int64(len(raw)),
		ConfigDigest:  configDigest.String(),
		Blobs:         blobInfos,
	}

	s.mu.Lock()
	s.idx.Entries[entryKey(repo, reference)] = entry
	err := s.idx.save(s.indexPath())
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return nil
}

// EntryBlobs returns the config digest and the full blob manifest recorded
// for (repository, reference), used by the push path to plan which blobs
// still need to be uploaded (spec.md §4.H).
func (s *Store) EntryBlobs(repo, reference string) (digestio.Digest, map[digestio.Digest]BlobInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.idx.Entries[entryKey(repo, reference)]
	if !ok {
		return "", nil, newCacheIO("entry_blobs", "", "no cache entry for %s:%s", repo, reference)
	}
	out := make(map[digestio.Digest]BlobInfo, len(e.Blobs))
	for d, info := range e.Blobs {
		out[digestio.Digest(d)] = info
	}
	return digestio.Digest(e.ConfigDigest), out, nil
}

// DiscardStagedManifest removes a manifest file written by PutManifest
// without having committed an index entry for it, used when a pull fails
// partway through (spec.md §4.H: "delete staged manifest ... on any task
// failure"). A manifest whose index entry already exists is left in place.
func (s *Store) DiscardStagedManifest(repo, reference string) {
	s.mu.RLock()
	_, committed := s.idx.Entries[entryKey(repo, reference)]
	s.mu.RUnlock()
	if committed {
		return
	}
	os.Remove(s.manifestPath(repo, reference))
}
