package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/yorelog/docker-image-pusher/pkg/digestio"
	"github.com/yorelog/docker-image-pusher/pkg/xferr"
)

// acceptedManifestTypes is sent as the Accept header on every manifest GET
// so the registry may return an OCI image index/manifest, or fall back to
// the Docker v2 schema2 equivalents for older registries.
const acceptedManifestTypes = "application/vnd.oci.image.manifest.v1+json," +
	"application/vnd.oci.image.index.v1+json," +
	"application/vnd.docker.distribution.manifest.v2+json," +
	"application/vnd.docker.distribution.manifest.list.v2+json"

// ManifestResult is a manifest fetched from the registry: its raw bytes
// (never re-serialized, spec.md §9), the media type the registry reported,
// and its digest (from Docker-Content-Digest, or computed locally if the
// registry omitted it).
type ManifestResult struct {
	Raw       []byte
	MediaType string
	Digest    digestio.Digest
}

// GetManifest fetches the manifest for (repository, reference), where
// reference is a tag or a digest string.
func (c *Client) GetManifest(ctx context.Context, repository, reference string) (ManifestResult, error) {
	url := fmt.Sprintf("%s/v2/%s/manifests/%s", c.baseURL(), repository, reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ManifestResult{}, err
	}
	req.Header.Set("Accept", acceptedManifestTypes)

	scope := pullScope(repository)
	resp, err := c.do(ctx, req, scope)
	if err != nil {
		return ManifestResult{}, fmt.Errorf("registry: getting manifest %s:%s: %w", repository, reference, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ManifestResult{}, newStatusError(resp, "getting manifest")
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return ManifestResult{}, fmt.Errorf("registry: reading manifest body: %w", err)
	}

	d := digestio.Digest(resp.Header.Get("Docker-Content-Digest"))
	if d == "" {
		hasher := digestio.NewHasher()
		hasher.Write(raw)
		d = hasher.Digest()
	}

	return ManifestResult{
		Raw:       raw,
		MediaType: resp.Header.Get("Content-Type"),
		Digest:    d,
	}, nil
}

// PutManifest uploads raw manifest bytes under (repository, reference),
// returning the digest computed locally from raw. A Docker-Content-Digest
// response header that disagrees with it is an Integrity error.
func (c *Client) PutManifest(ctx context.Context, repository, reference, mediaType string, raw []byte) (digestio.Digest, error) {
	url := fmt.Sprintf("%s/v2/%s/manifests/%s", c.baseURL(), repository, reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mediaType)
	req.ContentLength = int64(len(raw))

	scope := pushScope(repository)
	resp, err := c.do(ctx, req, scope)
	if err != nil {
		return "", fmt.Errorf("registry: putting manifest %s:%s: %w", repository, reference, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", newStatusError(resp, "putting manifest")
	}

	hasher := digestio.NewHasher()
	hasher.Write(raw)
	want := hasher.Digest()

	if got := digestio.Digest(resp.Header.Get("Docker-Content-Digest")); got != "" && got != want {
		return "", xferr.Wrap(xferr.KindIntegrity, xferr.Context{Operation: "putting manifest", Repository: repository, Digest: string(want)},
			fmt.Errorf("registry reported %s", got), "registry: manifest digest mismatch for %s:%s", repository, reference)
	}
	return want, nil
}

func pullScope(repository string) string { return fmt.Sprintf("repository:%s:pull", repository) }
func pushScope(repository string) string {
	return fmt.Sprintf("repository:%s:pull,push", repository)
}
