package digestio

import (
	"io"

	"github.com/yorelog/docker-image-pusher/pkg/xferr"
)

// VerifiedReader wraps a source reader and fails at EOF if the bytes it
// produced don't hash and count to the expected digest and size. Every blob
// ingestion path (registry GET, tar archive stream, cache read) is expected
// to route its bytes through one of these before trusting them.
type VerifiedReader struct {
	src            io.Reader
	hasher         *Hasher
	expectDigest   Digest
	expectSize     int64
	haveExpectSize bool
	ctx            xferr.Context
	done           bool
}

// NewVerifiedReader wraps src, verifying against expectDigest. If
// expectSize is negative, size is not checked (useful when the size is not
// known ahead of time, e.g. a chunked transfer-encoded response).
func NewVerifiedReader(src io.Reader, expectDigest Digest, expectSize int64) *VerifiedReader {
	return &VerifiedReader{
		src:            src,
		hasher:         NewHasher(),
		expectDigest:   expectDigest,
		expectSize:     expectSize,
		haveExpectSize: expectSize >= 0,
	}
}

// WithContext attaches structured error context (operation, repository,
// digest, offset) that will be included in any mismatch error.
func (v *VerifiedReader) WithContext(ctx xferr.Context) *VerifiedReader {
	v.ctx = ctx
	return v
}

func (v *VerifiedReader) Read(p []byte) (int, error) {
	n, err := v.src.Read(p)
	if n > 0 {
		v.hasher.Write(p[:n])
	}
	if err == io.EOF {
		if verr := v.verify(); verr != nil {
			return n, verr
		}
		return n, io.EOF
	}
	return n, err
}

func (v *VerifiedReader) verify() error {
	if v.done {
		return nil
	}
	v.done = true
	ctx := v.ctx
	ctx.Digest = v.expectDigest.String()
	if v.haveExpectSize && v.hasher.Size() != v.expectSize {
		return xferr.New(xferr.KindIntegrity, ctx,
			"size mismatch: expected %d bytes, got %d", v.expectSize, v.hasher.Size())
	}
	got := v.hasher.Digest()
	if got != v.expectDigest {
		return xferr.New(xferr.KindIntegrity, ctx,
			"digest mismatch: expected %s, got %s", v.expectDigest, got)
	}
	return nil
}

// BytesRead returns the number of bytes observed so far, useful for progress
// reporting alongside verification.
func (v *VerifiedReader) BytesRead() int64 { return v.hasher.Size() }

// LimitedReader caps the number of bytes readable from src at n, returning
// io.EOF once the limit is reached even if src has more data. It can bound
// reads from untrusted or self-reported sizes (e.g. a tar header's claimed
// size) without allocating the whole blob up front; no package in this
// module uses it.
type LimitedReader struct {
	r *io.LimitedReader
}

// NewLimitedReader returns a reader that yields at most n bytes from src.
func NewLimitedReader(src io.Reader, n int64) *LimitedReader {
	return &LimitedReader{r: &io.LimitedReader{R: src, N: n}}
}

func (l *LimitedReader) Read(p []byte) (int, error) { return l.r.Read(p) }
