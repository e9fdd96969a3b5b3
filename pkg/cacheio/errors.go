package cacheio

import "github.com/yorelog/docker-image-pusher/pkg/xferr"

func wrapCacheIO(op, digest string, cause error, format string, args ...any) error {
	return xferr.Wrap(xferr.KindCacheIO, xferr.Context{Operation: op, Digest: digest}, cause, format, args...)
}

func newCacheIO(op, digest string, format string, args ...any) error {
	return xferr.New(xferr.KindCacheIO, xferr.Context{Operation: op, Digest: digest}, format, args...)
}

func newIntegrity(op, digest string, format string, args ...any) error {
	return xferr.New(xferr.KindIntegrity, xferr.Context{Operation: op, Digest: digest}, format, args...)
}

func isIntegrityErr(err error) bool {
	var e *xferr.Error
	return xferr.As(err, &e) && e.Kind == xferr.KindIntegrity
}

func xferrCancelled(op, digest string) error {
	return xferr.New(xferr.KindCancelled, xferr.Context{Operation: op, Digest: digest}, "operation cancelled")
}
