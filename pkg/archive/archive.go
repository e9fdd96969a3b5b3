// Package archive reads docker-save formatted tar archives and ingests
// their images into a cacheio.Store, per spec.md §4.C. It never writes an
// archive: this module is pull/extract/push only, not `docker save`'s
// counterpart.
package archive

import (
	"archive/tar"
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/klauspost/compress/gzip"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/yorelog/docker-image-pusher/pkg/cacheio"
	"github.com/yorelog/docker-image-pusher/pkg/digestio"
	"github.com/yorelog/docker-image-pusher/pkg/imgref"
)

// Result describes one image extracted from the archive and committed to
// the cache, keyed by the tag(s) docker-save recorded for it.
type Result struct {
	References     []imgref.Reference
	ManifestDigest digestio.Digest
}

// tarEntry is what the indexing pass records about a regular file or
// symlink header, without reading its data.
type tarEntry struct {
	size     int64
	linkname string
	typeflag byte
}

// Extract reads a docker-save tar stream from r and writes every image it
// contains into store, returning one Result per manifest.json entry.
//
// The archive is staged to a temporary file because its layout requires two
// passes: manifest.json's position relative to the layer and config entries
// it names is not guaranteed, so the entries named by manifest.json cannot
// reliably be streamed in the single pass that the archive's own byte order
// would allow (spec.md §4.C, "the reader makes no assumption about tar
// member order").
func Extract(ctx context.Context, r io.Reader, store *cacheio.Store) ([]Result, error) {
	staged, err := stageToTempFile(r)
	if err != nil {
		return nil, fmt.Errorf("archive: staging input: %w", err)
	}
	defer os.Remove(staged.Name())
	defer staged.Close()

	dir, manifestItems, err := indexAndReadManifest(staged)
	if err != nil {
		return nil, err
	}
	if len(manifestItems) == 0 {
		return nil, fmt.Errorf("archive: manifest.json contains no images")
	}

	if _, err := staged.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("archive: rewinding staged archive: %w", err)
	}

	blobDigests, err := ingestNamedBlobs(ctx, staged, dir, manifestItems, store)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(manifestItems))
	for _, item := range manifestItems {
		res, err := assembleImage(store, dir, item, blobDigests)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

// stageToTempFile copies r into a temp file so later passes can re-open it
// for random re-reading; the original reader may be a non-seekable pipe
// (e.g. stdin or an HTTP request body).
func stageToTempFile(r io.Reader) (*os.File, error) {
	f, err := os.CreateTemp("", "imgxfer-archive-*.tar")
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	return f, nil
}

// indexAndReadManifest makes one pass over the archive, recording the size
// and link target of every entry (without reading file data) and fully
// buffering manifest.json, the one entry small enough and necessary enough
// to read eagerly.
func indexAndReadManifest(f *os.File) (map[string]tarEntry, []dockerManifestItem, error) {
	tr := tar.NewReader(f)
	dir := make(map[string]tarEntry)
	var items []dockerManifestItem

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("archive: reading tar header: %w", err)
		}
		name := path.Clean(hdr.Name)
		dir[name] = tarEntry{size: hdr.Size, linkname: hdr.Linkname, typeflag: hdr.Typeflag}

		if name == "manifest.json" {
			raw, err := io.ReadAll(tr)
			if err != nil {
				return nil, nil, fmt.Errorf("archive: reading manifest.json: %w", err)
			}
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, nil, fmt.Errorf("archive: parsing manifest.json: %w", err)
			}
		}
	}
	if _, ok := dir["manifest.json"]; !ok {
		return nil, nil, fmt.Errorf("archive: no manifest.json in archive")
	}
	return dir, items, nil
}

// resolvePath follows at most one level of symlink, matching the legacy
// docker-save layout where a layer's canonical content lives elsewhere and
// the manifest-referenced path is a symlink to it (spec.md §4.C "symlink
// dereferencing").
func resolvePath(dir map[string]tarEntry, name string) string {
	name = path.Clean(name)
	if e, ok := dir[name]; ok && e.typeflag == tar.TypeSymlink {
		target := e.linkname
		if !path.IsAbs(target) {
			target = path.Join(path.Dir(name), target)
		}
		return path.Clean(target)
	}
	return name
}

// ingestedBlob is the digest, size and media type an archive path's content
// was ingested under.
type ingestedBlob struct {
	digest    digestio.Digest
	size      int64
	mediaType string
}

// ingestNamedBlobs makes a second pass over the archive, streaming the
// content of every config and layer file named (directly or via a
// dereferenced symlink) by manifest.json into store, computing each blob's
// digest from its actual bytes as it goes. It returns a map from archive
// path to the digest and media type the path's content ingested under.
func ingestNamedBlobs(ctx context.Context, f *os.File, dir map[string]tarEntry, items []dockerManifestItem, store *cacheio.Store) (map[string]ingestedBlob, error) {
	wanted := make(map[string]bool)
	for _, item := range items {
		wanted[resolvePath(dir, item.Config)] = true
		for _, l := range item.Layers {
			wanted[resolvePath(dir, l)] = true
		}
	}

	out := make(map[string]ingestedBlob, len(wanted))
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("archive: reading tar header: %w", err)
		}
		name := path.Clean(hdr.Name)
		if !wanted[name] {
			continue
		}

		isConfig := isConfigPath(items, dir, name)
		br := bufio.NewReader(tr)
		var mediaType string
		if isConfig {
			mediaType = mediaTypeImageConfig
		} else {
			head, _ := br.Peek(2)
			mediaType = sniffLayerMediaType(head)
		}

		d, size, err := store.PutBlobComputeDigest(ctx, br)
		if err != nil {
			return nil, fmt.Errorf("archive: ingesting %s: %w", name, err)
		}
		if mediaType == mediaTypeImageLayerGzip {
			if err := validateGzipLayer(store, d); err != nil {
				return nil, fmt.Errorf("archive: %s: %w", name, err)
			}
		}
		out[name] = ingestedBlob{digest: d, size: size, mediaType: mediaType}
		delete(wanted, name)
	}
	if len(wanted) > 0 {
		missing := make([]string, 0, len(wanted))
		for name := range wanted {
			missing = append(missing, name)
		}
		return nil, fmt.Errorf("archive: manifest.json references entries missing from archive: %v", missing)
	}
	return out, nil
}

// validateGzipLayer re-reads a cached layer blob sniffed as gzip and
// decompresses it fully, catching a truncated or corrupt layer that the
// two-byte magic-number sniff in sniffLayerMediaType cannot (spec.md §4.C
// edge case: "a layer claiming to be gzip may be truncated mid-stream").
// The digest committed to the cache stays the compressed bytes; this only
// validates that they decompress.
func validateGzipLayer(store *cacheio.Store, d digestio.Digest) error {
	rc, err := store.OpenBlobReader(d)
	if err != nil {
		return fmt.Errorf("reopening layer %s for gzip validation: %w", d, err)
	}
	defer rc.Close()

	zr, err := gzip.NewReader(rc)
	if err != nil {
		return fmt.Errorf("layer %s is not valid gzip: %w", d, err)
	}
	defer zr.Close()
	if _, err := io.Copy(io.Discard, zr); err != nil {
		return fmt.Errorf("layer %s gzip stream is truncated or corrupt: %w", d, err)
	}
	return nil
}

func isConfigPath(items []dockerManifestItem, dir map[string]tarEntry, resolved string) bool {
	for _, item := range items {
		if resolvePath(dir, item.Config) == resolved {
			return true
		}
	}
	return false
}

// assembleImage synthesizes an OCI-shaped image manifest from the ingested
// config and layer blobs for one manifest.json entry, writes it to the
// cache, and returns its tags.
func assembleImage(store *cacheio.Store, dir map[string]tarEntry, item dockerManifestItem, blobs map[string]ingestedBlob) (Result, error) {
	configBlob, ok := blobs[resolvePath(dir, item.Config)]
	if !ok {
		return Result{}, fmt.Errorf("archive: missing ingested config for %s", item.Config)
	}

	layerDescs := make([]ocispec.Descriptor, 0, len(item.Layers))
	blobInfos := map[digestio.Digest]cacheio.BlobInfo{
		configBlob.digest: {Size: configBlob.size, IsConfig: true, MediaType: configBlob.mediaType},
	}
	for _, l := range item.Layers {
		lb, ok := blobs[resolvePath(dir, l)]
		if !ok {
			return Result{}, fmt.Errorf("archive: missing ingested layer for %s", l)
		}
		layerDescs = append(layerDescs, ocispec.Descriptor{
			MediaType: lb.mediaType,
			Digest:    lb.digest,
			Size:      lb.size,
		})
		blobInfos[lb.digest] = cacheio.BlobInfo{Size: lb.size, MediaType: lb.mediaType, Compressed: lb.mediaType == mediaTypeImageLayerGzip}
	}

	manifest := ocispec.Manifest{
		Versioned: specVersioned(),
		MediaType: mediaTypeImageManifest,
		Config: ocispec.Descriptor{
			MediaType: configBlob.mediaType,
			Digest:    configBlob.digest,
			Size:      configBlob.size,
		},
		Layers: layerDescs,
	}
	raw, err := json.Marshal(manifest)
	if err != nil {
		return Result{}, fmt.Errorf("archive: marshalling synthesized manifest: %w", err)
	}
	manifestDigest := digestio.NewHasher()
	manifestDigest.Write(raw)
	mdigest := manifestDigest.Digest()

	var refs []imgref.Reference
	for _, tag := range item.RepoTags {
		ref, err := imgref.Parse(tag)
		if err != nil {
			return Result{}, fmt.Errorf("archive: parsing RepoTag %q: %w", tag, err)
		}
		if err := store.PutManifest(ref.Repository, ref.Identifier(), raw, configBlob.digest, blobInfos); err != nil {
			return Result{}, fmt.Errorf("archive: caching manifest for %s: %w", ref, err)
		}
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		// An image with no RepoTags still has a valid digest identity
		// (spec.md §4.C: "keyed by a synthetic reference"); key its cache
		// entry under its own manifest digest so it is addressable and its
		// blobs are deduplicated with any tagged image sharing them.
		synthetic := imgref.Reference{Registry: imgref.DefaultRegistry, Repository: "archive/imported", Digest: mdigest}
		if err := store.PutManifest(synthetic.Repository, synthetic.Identifier(), raw, configBlob.digest, blobInfos); err != nil {
			return Result{}, fmt.Errorf("archive: caching manifest for %s: %w", synthetic, err)
		}
		refs = append(refs, synthetic)
	}

	return Result{References: refs, ManifestDigest: mdigest}, nil
}

func specVersioned() ocispec.Versioned { return ocispec.Versioned{SchemaVersion: 2} }
