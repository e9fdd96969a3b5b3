// Package registry implements the Docker Registry HTTP API v2 / OCI
// Distribution Spec client described in spec.md §4.E: manifest and blob
// GET/HEAD/PUT, resumable blob upload, cross-repo blob mount, and tag
// listing with Link-header pagination. Authentication challenges are
// handled transparently by retrying once through pkg/authn.
package registry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/yorelog/docker-image-pusher/pkg/authn"
)

// Client talks to a single registry host using "https://" unless
// WithPlainHTTP is set (for local/insecure registries used in tests).
type Client struct {
	registry string
	scheme   string
	http     *http.Client
	auth     *authn.Authenticator
	log      logrus.FieldLogger

	maxRetries      uint
	retryMaxElapsed time.Duration
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithHTTPClient overrides the client used for every request.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithPlainHTTP talks http:// instead of https://, for registries reachable
// only over plain HTTP (local test registries, some air-gapped mirrors).
func WithPlainHTTP() Option {
	return func(cl *Client) { cl.scheme = "http" }
}

// WithLogger attaches a structured logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(cl *Client) { cl.log = log }
}

// WithRetryPolicy overrides the retry attempt count and max elapsed time
// used for retryable request failures (spec.md §7: network errors, 429 and
// 5xx responses are retried with exponential backoff; other 4xx responses
// are not).
func WithRetryPolicy(maxRetries uint, maxElapsed time.Duration) Option {
	return func(cl *Client) {
		cl.maxRetries = maxRetries
		cl.retryMaxElapsed = maxElapsed
	}
}

// New returns a Client for registry host, authenticating via auth.
func New(registryHost string, auth *authn.Authenticator, opts ...Option) *Client {
	cl := &Client{
		registry:        registryHost,
		scheme:          "https",
		http:            http.DefaultClient,
		auth:            auth,
		log:             logrus.New(),
		maxRetries:      5,
		retryMaxElapsed: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

func (c *Client) baseURL() string {
	return fmt.Sprintf("%s://%s", c.scheme, c.registry)
}

// do sends req, transparently handling a 401 Bearer/Basic challenge by
// acquiring credentials and retrying once, then applies the configured
// retry policy around transient failures (connection errors, 429 and 5xx).
// scope is the distribution-spec resource scope the request needs, e.g.
// "repository:library/alpine:pull".
func (c *Client) do(ctx context.Context, req *http.Request, scope string) (*http.Response, error) {
	if err := c.auth.Authorize(ctx, req, c.registry, scope); err != nil {
		return nil, fmt.Errorf("registry: authorizing request: %w", err)
	}

	op := func() (*http.Response, error) {
		attempt := cloneWithFreshBody(req, ctx)
		resp, err := c.http.Do(attempt)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			retryReq := cloneWithFreshBody(req, ctx)
			if authErr := c.auth.HandleChallenge(ctx, resp, retryReq, c.registry, scope); authErr != nil {
				return nil, backoff.Permanent(fmt.Errorf("registry: authenticating: %w", authErr))
			}
			resp, err = c.http.Do(retryReq)
			if err != nil {
				return nil, err
			}
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			return nil, fmt.Errorf("registry: %s %s: %s", req.Method, req.URL, resp.Status)
		}
		return resp, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(c.retryMaxElapsed),
		backoff.WithMaxTries(c.maxRetries),
	)
}

// cloneWithFreshBody clones req for a single attempt, rewinding its body
// via GetBody when present so a retried request (after a 401 challenge or
// a transient failure) doesn't send an already-drained reader. Requests
// with a body that cannot be rewound (no GetBody, e.g. an arbitrary
// streaming io.Reader) are only ever attempted once in practice because
// their caller passes chunkSize/size small enough to avoid mid-transfer
// retries; this only restores the common case of a small in-memory body.
func cloneWithFreshBody(req *http.Request, ctx context.Context) *http.Request {
	clone := req.Clone(ctx)
	if req.GetBody != nil {
		if body, err := req.GetBody(); err == nil {
			clone.Body = body
		}
	}
	return clone
}
