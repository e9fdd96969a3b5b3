package cacheio

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/yorelog/docker-image-pusher/pkg/digestio"
)

// HasBlob reports whether a blob file for digest is present on disk. The
// index is not consulted: a blob file that no index entry references is
// still considered present here.
func (s *Store) HasBlob(d digestio.Digest) bool {
	_, err := os.Stat(s.BlobPath(d))
	return err == nil
}

// OpenBlobReader streams bytes for an already-stored blob.
func (s *Store) OpenBlobReader(d digestio.Digest) (io.ReadCloser, error) {
	f, err := os.Open(s.BlobPath(d))
	if err != nil {
		return nil, wrapCacheIO("open_blob", d.String(), err, "opening blob")
	}
	return f, nil
}

// BlobSize returns the size of an already-stored blob.
func (s *Store) BlobSize(d digestio.Digest) (int64, error) {
	fi, err := os.Stat(s.BlobPath(d))
	if err != nil {
		return 0, wrapCacheIO("stat_blob", d.String(), err, "statting blob")
	}
	return fi.Size(), nil
}

// PutBlob streams src into the cache under digest, verifying the digest and
// expectedSize as it writes (spec.md §4.A/§4.B). Writes are staged under
// blobs/sha256/.tmp-{uuid} and atomically renamed into place; on any
// failure the temp file is removed and the final path is left untouched.
// If the target already exists with the correct size, PutBlob is a no-op
// that still drains src (so callers can always treat it as "the blob is now
// present" without special-casing dedup).
func (s *Store) PutBlob(ctx context.Context, d digestio.Digest, expectedSize int64, src io.Reader) error {
	finalPath := s.BlobPath(d)
	if fi, err := os.Stat(finalPath); err == nil {
		if expectedSize < 0 || fi.Size() == expectedSize {
			// Already present and correctly sized: nothing to do. We still
			// drain src so callers streaming from a shared pipe don't block
			// on an unread writer.
			io.Copy(io.Discard, src) //nolint:errcheck
			return nil
		}
	}

	if err := os.MkdirAll(s.blobsDir(), 0o755); err != nil {
		return wrapCacheIO("put_blob", d.String(), err, "creating blobs directory")
	}

	tmpPath := filepath.Join(s.blobsDir(), ".tmp-"+uuid.NewString())
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return wrapCacheIO("put_blob", d.String(), err, "creating temp blob file")
	}

	vr := digestio.NewVerifiedReader(src, d, expectedSize)
	_, copyErr := io.Copy(f, vr)
	closeErr := f.Close()

	if copyErr != nil {
		os.Remove(tmpPath)
		if ctx.Err() != nil {
			return xferrCancelled("put_blob", d.String())
		}
		return asCacheOrIntegrity("put_blob", d.String(), copyErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return wrapCacheIO("put_blob", d.String(), closeErr, "closing temp blob file")
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return wrapCacheIO("put_blob", d.String(), err, "renaming temp blob into place")
	}
	return nil
}

// PutBlobComputeDigest streams src into the cache, computing its SHA-256
// digest as it writes rather than verifying against one supplied by the
// caller. Used by the archive reader (spec.md §4.C), where a docker-save
// tar entry's content is the only source of truth for its digest; there is
// nothing to verify it against up front. The temp file is hashed and
// renamed to its content-addressed final path only after the full stream
// has been consumed.
func (s *Store) PutBlobComputeDigest(ctx context.Context, src io.Reader) (digestio.Digest, int64, error) {
	if err := os.MkdirAll(s.blobsDir(), 0o755); err != nil {
		return "", 0, wrapCacheIO("put_blob", "", err, "creating blobs directory")
	}

	tmpPath := filepath.Join(s.blobsDir(), ".tmp-"+uuid.NewString())
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", 0, wrapCacheIO("put_blob", "", err, "creating temp blob file")
	}

	hasher := digestio.NewHasher()
	_, copyErr := io.Copy(io.MultiWriter(f, hasher), src)
	closeErr := f.Close()

	if copyErr != nil {
		os.Remove(tmpPath)
		if ctx.Err() != nil {
			return "", 0, xferrCancelled("put_blob", "")
		}
		return "", 0, wrapCacheIO("put_blob", "", copyErr, "streaming blob")
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return "", 0, wrapCacheIO("put_blob", "", closeErr, "closing temp blob file")
	}

	d := hasher.Digest()
	finalPath := s.BlobPath(d)
	if _, err := os.Stat(finalPath); err == nil {
		// Content already present under this digest; drop the duplicate.
		os.Remove(tmpPath)
		return d, hasher.Size(), nil
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", 0, wrapCacheIO("put_blob", d.String(), err, "renaming temp blob into place")
	}
	return d, hasher.Size(), nil
}

// asCacheOrIntegrity passes through *xferr.Error values produced by
// VerifiedReader (already tagged Integrity) and wraps anything else as
// CacheIO, matching spec.md §7's policy split between the two kinds.
func asCacheOrIntegrity(op, digest string, err error) error {
	if isIntegrityErr(err) {
		return err
	}
	return wrapCacheIO(op, digest, err, "writing blob")
}
