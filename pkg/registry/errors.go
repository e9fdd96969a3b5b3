package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/yorelog/docker-image-pusher/pkg/xferr"
)

// distributionError is one entry of a registry's OCI-spec-mandated error
// body: {"errors":[{"code":"...","message":"...","detail":...}]}.
type distributionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type distributionErrorBody struct {
	Errors []distributionError `json:"errors"`
}

// StatusError wraps a non-success registry response, carrying the HTTP
// status and the registry's own error code(s) when it returned a
// conformant error body. It is always the Cause of an *xferr.Error.
type StatusError struct {
	Op     string
	Status string
	Code   int
	Errors []distributionError
}

func (e *StatusError) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("registry: %s: %s (%s)", e.Op, e.Status, e.Errors[0].Code)
	}
	return fmt.Sprintf("registry: %s: %s", e.Op, e.Status)
}

// NotFound reports whether the response indicated a 404 / NAME_UNKNOWN /
// MANIFEST_UNKNOWN-style not-found condition.
func (e *StatusError) NotFound() bool { return e.Code == http.StatusNotFound }

// hasCode reports whether the registry's error body named code among its
// entries, e.g. "BLOB_UPLOAD_UNKNOWN" (spec.md §4.E step 5).
func (e *StatusError) hasCode(code string) bool {
	for _, de := range e.Errors {
		if de.Code == code {
			return true
		}
	}
	return false
}

// newStatusError builds a *StatusError from resp's status and body and
// tags it, via classifyStatus, with the xferr.Kind the CLI's exit-code
// mapping keys off (spec.md §6/§7): 401/403 as an auth failure, 429/5xx as
// retryable network trouble, and every other non-2xx response (malformed
// manifest, digest mismatch, unsupported media type, expired upload
// session) as a protocol-level rejection.
func newStatusError(resp *http.Response, op string) error {
	se := &StatusError{Op: op, Status: resp.Status, Code: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err == nil {
		var parsed distributionErrorBody
		if jsonErr := json.Unmarshal(body, &parsed); jsonErr == nil {
			se.Errors = parsed.Errors
		}
	}
	return xferr.Wrap(classifyStatus(resp.StatusCode), xferr.Context{Operation: op}, se, "registry: %s", op)
}

func classifyStatus(code int) xferr.Kind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return xferr.KindAuth
	case code == http.StatusTooManyRequests || code >= 500:
		return xferr.KindNetwork
	default:
		return xferr.KindProtocol
	}
}

// asStatusError recovers the *StatusError carried as the Cause of an
// *xferr.Error, unwrapping whatever else wraps it along the way (a plain
// fmt.Errorf("%w", ...), backoff.Permanent, and so on).
func asStatusError(err error, target **StatusError) bool {
	if se, ok := err.(*StatusError); ok {
		*target = se
		return true
	}
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
		if se, ok := err.(*StatusError); ok {
			*target = se
			return true
		}
	}
	return false
}

// isBlobUploadUnknown reports whether err is the registry's "upload session
// expired" condition: a 400 response carrying the BLOB_UPLOAD_UNKNOWN error
// code (spec.md §4.E step 5).
func isBlobUploadUnknown(err error) bool {
	var se *StatusError
	if !asStatusError(err, &se) {
		return false
	}
	return se.Code == http.StatusBadRequest && se.hasCode("BLOB_UPLOAD_UNKNOWN")
}
