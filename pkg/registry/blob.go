package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/yorelog/docker-image-pusher/pkg/digestio"
)

// HeadBlob checks whether a blob exists in repository without downloading
// it, returning its size if present.
func (c *Client) HeadBlob(ctx context.Context, repository string, d digestio.Digest) (int64, bool, error) {
	u := fmt.Sprintf("%s/v2/%s/blobs/%s", c.baseURL(), repository, d)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return 0, false, err
	}

	resp, err := c.do(ctx, req, pullScope(repository))
	if err != nil {
		return 0, false, fmt.Errorf("registry: heading blob %s: %w", d, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return resp.ContentLength, true, nil
	case http.StatusNotFound:
		return 0, false, nil
	default:
		return 0, false, newStatusError(resp, "heading blob")
	}
}

// GetBlob opens a streaming read of a blob, resuming from resumeOffset if
// non-zero via a Range request (spec.md §4.E: "blob downloads must be
// resumable"). The caller must Close the returned reader.
func (c *Client) GetBlob(ctx context.Context, repository string, d digestio.Digest, resumeOffset int64) (io.ReadCloser, int64, error) {
	u := fmt.Sprintf("%s/v2/%s/blobs/%s", c.baseURL(), repository, d)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	if resumeOffset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeOffset))
	}

	resp, err := c.do(ctx, req, pullScope(repository))
	if err != nil {
		return nil, 0, fmt.Errorf("registry: getting blob %s: %w", d, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		if resumeOffset > 0 {
			// Registry ignored the Range request and sent the whole blob;
			// the caller asked to resume so it must discard what it
			// already has and start over, which it can detect from this
			// return value not matching its expected offset.
			return resp.Body, 0, nil
		}
		return resp.Body, resumeOffset, nil
	case http.StatusPartialContent:
		return resp.Body, resumeOffset, nil
	default:
		defer resp.Body.Close()
		return nil, 0, newStatusError(resp, "getting blob")
	}
}

// MountBlob attempts a cross-repository blob mount: telling the registry
// to make a blob already present in fromRepository available under
// toRepository without re-uploading it (spec.md §3 Supplemented Features).
// It reports whether the mount succeeded; a false return with a nil error
// means the registry didn't support or allow the mount and the caller
// should fall back to a normal upload.
func (c *Client) MountBlob(ctx context.Context, toRepository, fromRepository string, d digestio.Digest) (bool, error) {
	u := fmt.Sprintf("%s/v2/%s/blobs/uploads/?mount=%s&from=%s",
		c.baseURL(), toRepository, url.QueryEscape(d.String()), url.QueryEscape(fromRepository))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.do(ctx, req, pushScope(toRepository))
	if err != nil {
		return false, fmt.Errorf("registry: mounting blob %s: %w", d, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		return true, nil
	case http.StatusAccepted:
		// Registry started a normal upload session instead of mounting
		// (it may not have the source blob, or disallows cross-repo
		// mount); cancel it and let the caller upload from scratch.
		if loc := resp.Header.Get("Location"); loc != "" {
			c.cancelUpload(ctx, resolveLocation(c.baseURL(), loc))
		}
		return false, nil
	default:
		return false, newStatusError(resp, "mounting blob")
	}
}

func (c *Client) cancelUpload(ctx context.Context, location string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, location, nil)
	if err != nil {
		return
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}
