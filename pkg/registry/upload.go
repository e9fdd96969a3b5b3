package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/yorelog/docker-image-pusher/pkg/digestio"
	"github.com/yorelog/docker-image-pusher/pkg/xferr"
)

// UploadBlob pushes a blob to repository using a monolithic PUT when size
// fits within a single chunk (chunkSize <= 0 or size <= chunkSize), or a
// PATCH-chunked upload otherwise, per spec.md §4.E's upload state machine.
// src is read exactly once, start to end; callers needing resumable
// uploads across process restarts are out of scope (spec.md Non-goals:
// upload resumption is a pull-side feature, not a push-side one).
func (c *Client) UploadBlob(ctx context.Context, repository string, d digestio.Digest, size int64, chunkSize int64, src io.Reader) error {
	location, err := c.initiateUpload(ctx, repository)
	if err != nil {
		return err
	}

	if chunkSize <= 0 || size <= chunkSize {
		return c.putMonolithic(ctx, repository, location, d, size, src)
	}
	return c.putChunked(ctx, repository, location, d, size, chunkSize, src)
}

// initiateUpload starts an upload session and returns its Location URL.
func (c *Client) initiateUpload(ctx context.Context, repository string) (string, error) {
	u := fmt.Sprintf("%s/v2/%s/blobs/uploads/", c.baseURL(), repository)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.do(ctx, req, pushScope(repository))
	if err != nil {
		return "", fmt.Errorf("registry: initiating upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return "", newStatusError(resp, "initiating upload")
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", fmt.Errorf("registry: upload initiation response carried no Location header")
	}
	return resolveLocation(c.baseURL(), loc), nil
}

func (c *Client) putMonolithic(ctx context.Context, repository, location string, d digestio.Digest, size int64, src io.Reader) error {
	u := location + digestQueryParam(location, d)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, src)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.do(ctx, req, pushScope(repository))
	if err != nil {
		return fmt.Errorf("registry: uploading blob %s: %w", d, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return newStatusError(resp, "completing monolithic upload")
	}
	return verifyContentDigest(resp, d, "uploading blob")
}

// maxChunkResyncAttempts bounds how many times putChunked will resend a
// single chunk after a 416 or a coalesced Range before giving up, so a
// registry that never converges cannot hang the upload forever.
const maxChunkResyncAttempts = 4

// putChunked drives the PATCH-chunked upload state machine (spec.md §4.E
// steps 3-5). Each chunk is buffered in full before it is sent, both so a
// 416/coalesced-Range resync can resend the unaccepted suffix without
// re-reading src, and so a BLOB_UPLOAD_UNKNOWN on the very first chunk can
// restart the session and resend it.
func (c *Client) putChunked(ctx context.Context, repository, location string, d digestio.Digest, size, chunkSize int64, src io.Reader) error {
	var offset int64
	for offset < size {
		remaining := size - offset
		n := chunkSize
		if n > remaining {
			n = remaining
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(src, buf); err != nil {
			return fmt.Errorf("registry: reading chunk at offset %d: %w", offset, err)
		}

		next, newLocation, err := c.sendChunk(ctx, repository, location, offset, buf)
		if err != nil {
			return err
		}
		location = newLocation
		offset = next
	}

	u := location + digestQueryParam(location, d)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, nil)
	if err != nil {
		return err
	}
	req.ContentLength = 0

	resp, err := c.do(ctx, req, pushScope(repository))
	if err != nil {
		return fmt.Errorf("registry: finalizing chunked upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return newStatusError(resp, "finalizing chunked upload")
	}
	return verifyContentDigest(resp, d, "finalizing chunked upload")
}

// sendChunk sends buf (the bytes [start, start+len(buf)) of the blob),
// resynchronizing to the server's Range response after every attempt
// rather than trusting local arithmetic (design note §9: "the local
// notion of offset is advisory ... always defer to the server"). A 416 is
// handled the same way as a coalesced 202: the server's reported offset
// determines what (if anything) of buf still needs sending. A
// BLOB_UPLOAD_UNKNOWN on the very first byte of the blob restarts the
// session once and resends buf; one lost past the first chunk cannot be
// recovered without re-reading bytes already consumed from src, so it is
// returned as a terminal error instead.
func (c *Client) sendChunk(ctx context.Context, repository, location string, start int64, buf []byte) (int64, string, error) {
	pos := start
	remaining := buf
	restarted := false

	for attempt := 0; attempt < maxChunkResyncAttempts; attempt++ {
		next, newLocation, err := c.patchChunk(ctx, repository, location, pos, remaining)
		if err != nil {
			if !restarted && pos == 0 && isBlobUploadUnknown(err) {
				newSession, restartErr := c.initiateUpload(ctx, repository)
				if restartErr != nil {
					return 0, "", restartErr
				}
				location = newSession
				restarted = true
				continue
			}
			return 0, "", err
		}
		location = newLocation

		switch {
		case next >= pos+int64(len(remaining)):
			// The server accepted everything sent (and possibly more,
			// from a chunk it had already buffered).
			return next, location, nil
		case next < pos-int64(len(buf)-len(remaining)):
			return 0, "", fmt.Errorf("registry: server requested offset %d before the start of the buffered chunk, cannot resend", next)
		default:
			skip := next - pos
			remaining = remaining[skip:]
			pos = next
		}
	}
	return 0, "", fmt.Errorf("registry: chunk at offset %d did not converge after %d resync attempts", start, maxChunkResyncAttempts)
}

// patchChunk sends one PATCH request for buf starting at offset and
// returns the offset and Location the caller should continue from,
// computed entirely from the response: the server's Range header is
// authoritative, and a 416 reports the offset it actually holds rather
// than being treated as a hard failure (spec.md §4.E step 3).
func (c *Client) patchChunk(ctx context.Context, repository, location string, offset int64, buf []byte) (int64, string, error) {
	n := int64(len(buf))
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, location, bytes.NewReader(buf))
	if err != nil {
		return 0, "", err
	}
	req.ContentLength = n
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Range", fmt.Sprintf("%d-%d", offset, offset+n-1))

	resp, err := c.do(ctx, req, pushScope(repository))
	if err != nil {
		return 0, "", fmt.Errorf("registry: uploading chunk at offset %d: %w", offset, err)
	}

	switch resp.StatusCode {
	case http.StatusAccepted:
		rng := resp.Header.Get("Range")
		loc := resp.Header.Get("Location")
		resp.Body.Close()
		next := offset + n
		if end, ok := parseRangeEnd(rng); ok {
			next = end + 1
		}
		if loc != "" {
			location = resolveLocation(c.baseURL(), loc)
		}
		return next, location, nil

	case http.StatusRequestedRangeNotSatisfiable:
		rng := resp.Header.Get("Range")
		resp.Body.Close()
		end, ok := parseRangeEnd(rng)
		if !ok {
			return 0, "", xferr.Wrap(xferr.KindProtocol, xferr.Context{Operation: "uploading chunk", Repository: repository, Offset: offset},
				fmt.Errorf("416 with no usable Range header"), "registry: chunk at offset %d rejected", offset)
		}
		return end + 1, location, nil

	default:
		se := newStatusError(resp, fmt.Sprintf("uploading chunk at offset %d", offset))
		resp.Body.Close()
		return 0, "", se
	}
}

// parseRangeEnd extracts the ending byte index from a chunked-upload Range
// response header of the form "0-<lastByteIndex>".
func parseRangeEnd(rng string) (int64, bool) {
	i := strings.IndexByte(rng, '-')
	if i < 0 || i+1 >= len(rng) {
		return 0, false
	}
	end, err := strconv.ParseInt(rng[i+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return end, true
}

// verifyContentDigest checks a finalize response's Docker-Content-Digest
// header, if present, against the digest the caller expected to upload
// (spec.md §4.E step 4: "client verifies this equals the expected digest").
func verifyContentDigest(resp *http.Response, want digestio.Digest, op string) error {
	got := digestio.Digest(resp.Header.Get("Docker-Content-Digest"))
	if got == "" || got == want {
		return nil
	}
	return xferr.Wrap(xferr.KindIntegrity, xferr.Context{Operation: op, Digest: string(want)},
		fmt.Errorf("registry reported %s", got), "registry: %s: digest mismatch", op)
}

func digestQueryParam(location string, d digestio.Digest) string {
	sep := "?"
	if containsQuery(location) {
		sep = "&"
	}
	return sep + "digest=" + d.String()
}

func containsQuery(u string) bool {
	for i := 0; i < len(u); i++ {
		if u[i] == '?' {
			return true
		}
	}
	return false
}

// resolveLocation turns a possibly-relative Location header value into an
// absolute URL against base; registries are permitted by the spec to
// return either form.
func resolveLocation(base, location string) string {
	if len(location) > 0 && location[0] == '/' {
		return base + location
	}
	if isAbsoluteURL(location) {
		return location
	}
	return base + "/" + location
}

func isAbsoluteURL(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return i > 0
		}
		if s[i] == '/' {
			return false
		}
	}
	return false
}
