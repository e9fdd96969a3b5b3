// Package cacheio implements the on-disk content-addressable cache
// described in spec.md §3-4.B: a blob store keyed by SHA-256 digest, a
// manifest store keyed by (repository, reference), and an index tying the
// two together. All mutation within a process is serialized by an
// in-process lock; the on-disk format makes no cross-process safety claim
// (spec.md §4.B).
package cacheio

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/yorelog/docker-image-pusher/pkg/digestio"
)

// Store is a cache rooted at a single directory on disk, laid out as:
//
//	manifests/{repo-path}/{reference}
//	blobs/sha256/{hex}
//	index.json
type Store struct {
	root string
	log  logrus.FieldLogger

	mu  sync.RWMutex // guards idx; readers get snapshots, never the live map
	idx *index
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithLogger attaches a structured logger; if omitted, a default
// logrus.New() logger writing to stderr is used.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Store) { s.log = log }
}

// New creates a Store rooted at dir. Call Init before using it.
func New(dir string, opts ...Option) *Store {
	s := &Store{
		root: dir,
		log:  logrus.New(),
		idx:  newIndex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init creates the on-disk layout if absent and loads an existing index.
func (s *Store) Init() error {
	for _, dir := range []string{s.blobsDir(), s.manifestsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return cacheIOErr("init", "", err, "creating cache directory %s", dir)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	loaded, err := loadIndex(s.indexPath())
	if err != nil {
		return cacheIOErr("init", "", err, "loading cache index")
	}
	s.idx = loaded
	return nil
}

func (s *Store) blobsDir() string     { return filepath.Join(s.root, "blobs", "sha256") }
func (s *Store) manifestsDir() string { return filepath.Join(s.root, "manifests") }
func (s *Store) indexPath() string    { return filepath.Join(s.root, "index.json") }

// BlobPath returns the on-disk path for a blob of the given digest,
// regardless of whether it currently exists.
func (s *Store) BlobPath(d digestio.Digest) string {
	return filepath.Join(s.blobsDir(), d.Encoded())
}

func (s *Store) manifestPath(repo, reference string) string {
	return filepath.Join(s.manifestsDir(), filepath.FromSlash(repo), sanitizeReference(reference))
}

// sanitizeReference makes a reference (tag or digest) safe to use as a
// single path component; digests contain a ':' which is replaced.
func sanitizeReference(reference string) string {
	out := make([]byte, 0, len(reference))
	for i := 0; i < len(reference); i++ {
		c := reference[i]
		if c == ':' {
			out = append(out, '@')
			continue
		}
		out = append(out, c)
	}
	return string(out)
}

func cacheIOErr(op, digest string, cause error, format string, args ...any) error {
	return wrapCacheIO(op, digest, cause, format, args...)
}
