package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/yorelog/docker-image-pusher/pkg/authn"
	"github.com/yorelog/docker-image-pusher/pkg/digestio"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	host := strings.TrimPrefix(srv.URL, "http://")
	a := authn.New(nil)
	return New(host, a, WithPlainHTTP(), WithHTTPClient(srv.Client()), WithRetryPolicy(1, 0))
}

func digestOfBytes(b []byte) digestio.Digest {
	sum := sha256.Sum256(b)
	return digestio.Digest("sha256:" + hex.EncodeToString(sum[:]))
}

func TestGetManifestUsesDockerContentDigestHeader(t *testing.T) {
	raw := []byte(`{"schemaVersion":2}`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/library/alpine/manifests/latest" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Docker-Content-Digest", "sha256:deadbeef")
		w.Header().Set("Content-Type", "application/vnd.oci.image.manifest.v1+json")
		w.Write(raw)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	res, err := c.GetManifest(context.Background(), "library/alpine", "latest")
	if err != nil {
		t.Fatalf("get manifest: %v", err)
	}
	if string(res.Raw) != string(raw) {
		t.Errorf("raw mismatch")
	}
	if res.Digest != "sha256:deadbeef" {
		t.Errorf("digest = %q", res.Digest)
	}
}

func TestGetManifestNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"errors":[{"code":"MANIFEST_UNKNOWN","message":"not found"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.GetManifest(context.Background(), "library/alpine", "missing")
	if err == nil {
		t.Fatalf("expected error")
	}
	var se *StatusError
	if !asStatusError(err, &se) {
		t.Fatalf("expected StatusError, got %T: %v", err, err)
	}
	if !se.NotFound() {
		t.Errorf("expected NotFound() true")
	}
}

func TestPutManifestCreated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Docker-Content-Digest", digestOfBytes(body).String())
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	raw := []byte(`{"schemaVersion":2}`)
	d, err := c.PutManifest(context.Background(), "repo/x", "v1", "application/vnd.oci.image.manifest.v1+json", raw)
	if err != nil {
		t.Fatalf("put manifest: %v", err)
	}
	if d != digestOfBytes(raw) {
		t.Errorf("digest = %q", d)
	}
}

func TestHeadBlobExistsAndMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "present") {
			w.Header().Set("Content-Length", "42")
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	size, ok, err := c.HeadBlob(context.Background(), "repo/present", digestio.Digest("sha256:aaa"))
	if err != nil {
		t.Fatalf("head blob: %v", err)
	}
	if !ok || size != 42 {
		t.Errorf("expected ok=true size=42, got ok=%v size=%d", ok, size)
	}

	_, ok, err = c.HeadBlob(context.Background(), "repo/absent", digestio.Digest("sha256:bbb"))
	if err != nil {
		t.Fatalf("head blob: %v", err)
	}
	if ok {
		t.Errorf("expected ok=false for missing blob")
	}
}

func TestGetBlobResumesWithRangeHeader(t *testing.T) {
	full := []byte("0123456789")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Write(full)
			return
		}
		if rng != "bytes=5-" {
			t.Fatalf("unexpected range header %q", rng)
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write(full[5:])
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	rc, offset, err := c.GetBlob(context.Background(), "repo/x", digestio.Digest("sha256:x"), 5)
	if err != nil {
		t.Fatalf("get blob: %v", err)
	}
	defer rc.Close()
	if offset != 5 {
		t.Errorf("offset = %d, want 5", offset)
	}
	got, _ := io.ReadAll(rc)
	if string(got) != "56789" {
		t.Errorf("body = %q", got)
	}
}

func TestUploadBlobMonolithic(t *testing.T) {
	var uploaded []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.Header().Set("Location", "/v2/repo/x/blobs/uploads/abc")
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			uploaded = body
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	data := []byte("blob content")
	d := digestOfBytes(data)
	if err := c.UploadBlob(context.Background(), "repo/x", d, int64(len(data)), 0, strings.NewReader(string(data))); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if string(uploaded) != string(data) {
		t.Errorf("uploaded = %q", uploaded)
	}
}

func TestUploadBlobChunked(t *testing.T) {
	var chunks [][]byte
	var finalized bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.Header().Set("Location", "/v2/repo/x/blobs/uploads/abc")
			w.WriteHeader(http.StatusAccepted)
		case http.MethodPatch:
			body, _ := io.ReadAll(r.Body)
			chunks = append(chunks, body)
			w.Header().Set("Location", "/v2/repo/x/blobs/uploads/abc")
			w.WriteHeader(http.StatusAccepted)
		case http.MethodPut:
			finalized = true
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	data := []byte("0123456789")
	d := digestOfBytes(data)
	if err := c.UploadBlob(context.Background(), "repo/x", d, int64(len(data)), 4, strings.NewReader(string(data))); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !finalized {
		t.Fatalf("expected final PUT to complete the upload")
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks (4,4,2), got %d", len(chunks))
	}
	joined := strings.Join([]string{string(chunks[0]), string(chunks[1]), string(chunks[2])}, "")
	if joined != string(data) {
		t.Errorf("joined chunks = %q, want %q", joined, data)
	}
}

func TestUploadBlobChunkedResyncsOffsetFromRangeHeader(t *testing.T) {
	var chunks [][]byte
	received := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.Header().Set("Location", "/v2/repo/x/blobs/uploads/abc")
			w.WriteHeader(http.StatusAccepted)
		case http.MethodPatch:
			body, _ := io.ReadAll(r.Body)
			chunks = append(chunks, body)
			received += len(body)
			// The server coalesces and reports having accepted one byte
			// more than it has been sent in total; the client must trust
			// this over its own local arithmetic.
			w.Header().Set("Range", fmt.Sprintf("0-%d", received))
			w.WriteHeader(http.StatusAccepted)
		case http.MethodPut:
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	data := []byte("0123456789")
	d := digestOfBytes(data)
	if err := c.UploadBlob(context.Background(), "repo/x", d, int64(len(data)), 4, strings.NewReader(string(data))); err != nil {
		t.Fatalf("upload: %v", err)
	}
	// The inflated Range moves the next offset one byte past what was sent,
	// so the client continues from there; the first chunk is still a full
	// chunkSize.
	if len(chunks) == 0 || len(chunks[0]) != 4 {
		t.Fatalf("unexpected first chunk size: %d", len(chunks[0]))
	}
}

func TestUploadBlobChunkedResynchronizesOn416(t *testing.T) {
	attempt := 0
	received := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.Header().Set("Location", "/v2/repo/x/blobs/uploads/abc")
			w.WriteHeader(http.StatusAccepted)
		case http.MethodPatch:
			attempt++
			if attempt == 1 {
				// Reject the first chunk, reporting the server already
				// holds nothing; the client must resend from offset 0
				// rather than treating this as fatal.
				w.Header().Set("Range", "0--1")
				w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
				return
			}
			body, _ := io.ReadAll(r.Body)
			received += len(body)
			w.Header().Set("Range", fmt.Sprintf("0-%d", received-1))
			w.WriteHeader(http.StatusAccepted)
		case http.MethodPut:
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	data := []byte("0123")
	d := digestOfBytes(data)
	if err := c.UploadBlob(context.Background(), "repo/x", d, int64(len(data)), 2, strings.NewReader(string(data))); err != nil {
		t.Fatalf("upload: %v", err)
	}
	// Two 2-byte chunks plus one resend of the first after the 416.
	if attempt != 3 {
		t.Fatalf("expected one retry after the 416 (3 PATCHes), got %d attempts", attempt)
	}
}

func TestUploadBlobChunkedRestartsSessionOnBlobUploadUnknown(t *testing.T) {
	initiated := 0
	patched := 0
	received := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			initiated++
			w.Header().Set("Location", fmt.Sprintf("/v2/repo/x/blobs/uploads/session-%d", initiated))
			w.WriteHeader(http.StatusAccepted)
		case http.MethodPatch:
			patched++
			body, _ := io.ReadAll(r.Body)
			if patched == 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprint(w, `{"errors":[{"code":"BLOB_UPLOAD_UNKNOWN","message":"session expired"}]}`)
				return
			}
			received += len(body)
			w.Header().Set("Range", fmt.Sprintf("0-%d", received-1))
			w.WriteHeader(http.StatusAccepted)
		case http.MethodPut:
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	data := []byte("0123")
	d := digestOfBytes(data)
	if err := c.UploadBlob(context.Background(), "repo/x", d, int64(len(data)), 2, strings.NewReader(string(data))); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if initiated != 2 {
		t.Fatalf("expected the session to be restarted once, got %d initiations", initiated)
	}
}

func TestUploadBlobMonolithicRejectsDigestMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.Header().Set("Location", "/v2/repo/x/blobs/uploads/abc")
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodPut:
			io.ReadAll(r.Body)
			w.Header().Set("Docker-Content-Digest", "sha256:wrongwrongwrongwrongwrongwrongwrongwrongwrongwrongwrongwrongwr")
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	data := []byte("blob content")
	d := digestOfBytes(data)
	err := c.UploadBlob(context.Background(), "repo/x", d, int64(len(data)), 0, strings.NewReader(string(data)))
	if err == nil {
		t.Fatalf("expected a digest-mismatch error")
	}
}

func TestListTagsFollowsLinkPagination(t *testing.T) {
	page := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page++
		switch page {
		case 1:
			w.Header().Set("Link", `</v2/repo/x/tags/list?next=2>; rel="next"`)
			fmt.Fprint(w, `{"name":"repo/x","tags":["a","b"]}`)
		case 2:
			fmt.Fprint(w, `{"name":"repo/x","tags":["c"]}`)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	tags, err := c.ListTags(context.Background(), "repo/x")
	if err != nil {
		t.Fatalf("list tags: %v", err)
	}
	if strings.Join(tags, ",") != "a,b,c" {
		t.Errorf("tags = %v", tags)
	}
}

func TestMountBlobFallsBackWhenRegistryDeclines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/v2/repo/to/blobs/uploads/abc")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	mounted, err := c.MountBlob(context.Background(), "repo/to", "repo/from", digestio.Digest("sha256:x"))
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	if mounted {
		t.Errorf("expected mount to report false when registry falls back to a normal upload")
	}
}
