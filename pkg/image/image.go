// Package image implements the top-level pull, extract, push, list, and
// clean operations of spec.md §4.H, wiring pkg/cacheio, pkg/registry,
// pkg/archive, and pkg/pipeline together into one coherent manager.
package image

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"github.com/yorelog/docker-image-pusher/pkg/archive"
	"github.com/yorelog/docker-image-pusher/pkg/cacheio"
	"github.com/yorelog/docker-image-pusher/pkg/concurrency"
	"github.com/yorelog/docker-image-pusher/pkg/digestio"
	"github.com/yorelog/docker-image-pusher/pkg/events"
	"github.com/yorelog/docker-image-pusher/pkg/image/platform"
	"github.com/yorelog/docker-image-pusher/pkg/imgref"
	"github.com/yorelog/docker-image-pusher/pkg/pipeline"
	"github.com/yorelog/docker-image-pusher/pkg/registry"
)

// mediaTypeImageIndex/List cover both OCI and the older Docker v2 index
// media types, since GetManifest's Accept header requests both.
const (
	mediaTypeImageIndex   = "application/vnd.oci.image.index.v1+json"
	mediaTypeManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
)

// Manager ties a cache store, a registry client, and a task pipeline
// together to implement spec.md §4.H's five operations.
type Manager struct {
	store      *cacheio.Store
	client     *registry.Client
	controller *concurrency.Controller
	bus        *events.Bus
	log        logrus.FieldLogger

	// ChunkSize bounds individual upload PATCH requests during Push; zero
	// disables chunking in favor of monolithic PUTs.
	ChunkSize int64
	// ForceUpload skips the HeadBlob existence check during Push, always
	// uploading every blob even if the registry already reports it.
	ForceUpload bool
}

// Option configures a Manager at construction time.
type Option func(*Manager)

func WithController(c *concurrency.Controller) Option { return func(m *Manager) { m.controller = c } }
func WithBus(b *events.Bus) Option                    { return func(m *Manager) { m.bus = b } }
func WithLogger(log logrus.FieldLogger) Option        { return func(m *Manager) { m.log = log } }
func WithChunkSize(n int64) Option                    { return func(m *Manager) { m.ChunkSize = n } }

// New returns a Manager backed by store for caching and client for
// registry access. client may be nil for a Manager only ever used for
// ExtractAndCache/List/Clean, which touch no registry.
func New(store *cacheio.Store, client *registry.Client, opts ...Option) *Manager {
	m := &Manager{store: store, client: client, log: logrus.New()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) pipeline() *pipeline.Pipeline {
	return pipeline.New(m.controller, m.bus)
}

// PullAndCache fetches ref's manifest (resolving an index to a single
// platform-matched manifest first, if necessary) and every blob it
// references, writing all of it into the cache store. If ref names an
// index with no entry matching platform, an error is returned rather than
// guessing (spec.md §4.H edge case: "no matching platform is a hard
// failure, not a silent fallback to the first entry").
func (m *Manager) PullAndCache(ctx context.Context, ref imgref.Reference, want platform.Platform) error {
	if m.client == nil {
		return fmt.Errorf("image: pull requires a registry client")
	}

	res, err := m.client.GetManifest(ctx, ref.Repository, ref.Identifier())
	if err != nil {
		return fmt.Errorf("image: pulling %s: %w", ref, err)
	}

	if isIndex(res.MediaType) {
		res, err = m.resolveIndexEntry(ctx, ref, res, want)
		if err != nil {
			return err
		}
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(res.Raw, &manifest); err != nil {
		return fmt.Errorf("image: parsing manifest for %s: %w", ref, err)
	}

	descs := append([]ocispec.Descriptor{manifest.Config}, manifest.Layers...)
	tasks := make([]pipeline.Task, 0, len(descs)+1)
	for _, d := range descs {
		d := d
		tasks = append(tasks, pipeline.Task{
			ID:         d.Digest.String(),
			Repository: ref.Repository,
			Digest:     d.Digest,
			Size:       d.Size,
			Run: func(ctx context.Context, report pipeline.ProgressFunc) error {
				return m.pullBlob(ctx, ref.Repository, d, report)
			},
		})
	}

	blobInfos := make(map[digestio.Digest]cacheio.BlobInfo, len(descs))
	for _, d := range descs {
		blobInfos[d.Digest] = cacheio.BlobInfo{
			Size:      d.Size,
			MediaType: d.MediaType,
			IsConfig:  d.Digest == manifest.Config.Digest,
		}
	}
	tasks = append(tasks, pipeline.Task{
		ID:         "manifest:" + ref.Identifier(),
		Repository: ref.Repository,
		Manifest:   true,
		Run: func(ctx context.Context, report pipeline.ProgressFunc) error {
			return m.store.PutManifest(ref.Repository, ref.Identifier(), res.Raw, manifest.Config.Digest, blobInfos)
		},
	})

	if err := m.pipeline().Run(ctx, tasks); err != nil {
		m.store.DiscardStagedManifest(ref.Repository, ref.Identifier())
		return fmt.Errorf("image: pulling %s: %w", ref, err)
	}
	return nil
}

func isIndex(mediaType string) bool {
	return mediaType == mediaTypeImageIndex || mediaType == mediaTypeManifestList
}

// resolveIndexEntry picks the manifest within an index matching want and
// re-fetches it by digest.
func (m *Manager) resolveIndexEntry(ctx context.Context, ref imgref.Reference, indexRes registry.ManifestResult, want platform.Platform) (registry.ManifestResult, error) {
	var idx ocispec.Index
	if err := json.Unmarshal(indexRes.Raw, &idx); err != nil {
		return registry.ManifestResult{}, fmt.Errorf("image: parsing index for %s: %w", ref, err)
	}
	i := platform.Select(want, idx.Manifests)
	if i < 0 {
		return registry.ManifestResult{}, fmt.Errorf("image: %s has no manifest matching platform %s", ref, want)
	}
	chosen := idx.Manifests[i]
	res, err := m.client.GetManifest(ctx, ref.Repository, chosen.Digest.String())
	if err != nil {
		return registry.ManifestResult{}, fmt.Errorf("image: fetching platform-selected manifest for %s: %w", ref, err)
	}
	return res, nil
}

// pullBlob copies one blob from the registry into the cache. A blob
// already fully cached under the expected digest and size is a no-op,
// which is what lets PullAndCache be safely re-run after a partial
// failure without re-downloading everything (spec.md §4.H edge case).
// GetBlob's resumeOffset parameter exists for a registry.Client caller
// that persists partial blob bytes across attempts; cacheio's PutBlob only
// ever commits a blob atomically once its full content is verified, so
// nothing here has a partial blob to resume from.
func (m *Manager) pullBlob(ctx context.Context, repository string, d ocispec.Descriptor, report pipeline.ProgressFunc) error {
	if size, err := m.store.BlobSize(d.Digest); err == nil && size == d.Size {
		return nil
	}

	rc, _, err := m.client.GetBlob(ctx, repository, d.Digest, 0)
	if err != nil {
		return err
	}
	defer rc.Close()

	return m.store.PutBlob(ctx, d.Digest, d.Size, &progressReader{Reader: rc, report: report})
}

// progressReader wraps a streaming blob reader to report every Read in
// terms pipeline.Task.Run's report callback understands, so PullAndCache
// and PushFromCache's byte-level progress comes straight from the copy
// itself rather than from a separate accounting pass (spec.md §4.G step 3,
// §4.I).
type progressReader struct {
	io.Reader
	report pipeline.ProgressFunc
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	if n > 0 && r.report != nil {
		r.report(int64(n))
	}
	return n, err
}

// ExtractAndCache ingests a docker-save tar stream into the cache store,
// without touching any registry.
func (m *Manager) ExtractAndCache(ctx context.Context, r io.Reader) ([]archive.Result, error) {
	return archive.Extract(ctx, r, m.store)
}

// PushFromCache uploads a cache entry stored under source to the registry
// under target: every blob it references (skipping ones the registry
// already has, preferring a cross-repo mount from mountFrom over a full
// upload when set), then the manifest itself. source and target may name
// different repositories, e.g. re-tagging a pulled image to a new registry
// on push (spec.md §6: "source (cache key or tar path), target
// reference").
func (m *Manager) PushFromCache(ctx context.Context, source, target imgref.Reference, mountFrom string) error {
	if m.client == nil {
		return fmt.Errorf("image: push requires a registry client")
	}

	raw, err := m.store.GetManifest(source.Repository, source.Identifier())
	if err != nil {
		return fmt.Errorf("image: push %s: %w", target, err)
	}
	_, blobs, err := m.store.EntryBlobs(source.Repository, source.Identifier())
	if err != nil {
		return fmt.Errorf("image: push %s: %w", target, err)
	}

	tasks := make([]pipeline.Task, 0, len(blobs)+1)
	for d, info := range blobs {
		d, info := d, info
		tasks = append(tasks, pipeline.Task{
			ID:         d.String(),
			Repository: target.Repository,
			Digest:     d,
			Size:       info.Size,
			Run: func(ctx context.Context, report pipeline.ProgressFunc) error {
				return m.pushBlob(ctx, target.Repository, d, info, mountFrom, report)
			},
		})
	}

	var manifest ocispec.Manifest
	mediaType := mediaTypeImageManifestDefault
	if err := json.Unmarshal(raw, &manifest); err == nil && manifest.MediaType != "" {
		mediaType = manifest.MediaType
	}
	tasks = append(tasks, pipeline.Task{
		ID:         "manifest:" + target.Identifier(),
		Repository: target.Repository,
		Manifest:   true,
		Run: func(ctx context.Context, report pipeline.ProgressFunc) error {
			_, err := m.client.PutManifest(ctx, target.Repository, target.Identifier(), mediaType, raw)
			return err
		},
	})

	if err := m.pipeline().Run(ctx, tasks); err != nil {
		return fmt.Errorf("image: push %s: %w", target, err)
	}
	return nil
}

const mediaTypeImageManifestDefault = "application/vnd.oci.image.manifest.v1+json"

// pushBlob uploads one cached blob unless the registry already has it,
// trying a cross-repo mount from mountFrom first when set.
func (m *Manager) pushBlob(ctx context.Context, repository string, d digestio.Digest, info cacheio.BlobInfo, mountFrom string, report pipeline.ProgressFunc) error {
	if !m.ForceUpload {
		if _, exists, err := m.client.HeadBlob(ctx, repository, d); err == nil && exists {
			return nil
		}
	}

	if mountFrom != "" {
		mounted, err := m.client.MountBlob(ctx, repository, mountFrom, d)
		if err == nil && mounted {
			return nil
		}
	}

	rc, err := m.store.OpenBlobReader(d)
	if err != nil {
		return err
	}
	defer rc.Close()

	return m.client.UploadBlob(ctx, repository, d, info.Size, m.ChunkSize, &progressReader{Reader: rc, report: report})
}

// List enumerates every cache entry.
func (m *Manager) List() []cacheio.EntrySummary {
	return m.store.ListEntries()
}

// Clean removes every blob file not referenced by a remaining cache entry,
// returning the digests it removed.
func (m *Manager) Clean() ([]digestio.Digest, error) {
	return m.store.GC()
}
