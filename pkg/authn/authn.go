// Package authn implements the registry authentication flows described in
// spec.md §4.D: anonymous, Basic, and Bearer-token-via-realm-discovery,
// with token caching keyed by (registry, scope) and proactive refresh
// before expiry. It never delegates to an external credential helper or
// keychain: every flow here is the wire protocol itself.
package authn

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yorelog/docker-image-pusher/pkg/xferr"
)

// Credential is a username/password pair for one registry.
type Credential struct {
	Username string
	Password string
}

// IsZero reports whether c carries no credential, meaning requests should
// be attempted anonymously until a registry challenges otherwise.
func (c Credential) IsZero() bool { return c.Username == "" && c.Password == "" }

// CredentialSource resolves a Credential for a registry host. Nil or a
// zero-value Credential is treated as anonymous.
type CredentialSource interface {
	Credential(registry string) Credential
}

// StaticCredentials is a CredentialSource backed by a fixed map from
// registry host to Credential, the common case of one set of configured
// credentials per registry (spec.md §6: credentials supplied via CLI flag
// or environment, not an external helper protocol).
type StaticCredentials map[string]Credential

func (s StaticCredentials) Credential(registry string) Credential { return s[registry] }

// cacheKey identifies a cached token by the registry and scope it is valid
// for; a token scoped to "repository:a:pull" cannot be reused for
// "repository:b:push" (spec.md §4.D invariant).
type cacheKey struct {
	registry string
	scope    string
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// refreshThreshold is the fraction of a token's total lifetime that may
// elapse before it is treated as needing a refresh instead of being reused (spec.md §4.D: "refresh at
// 90% of lifetime").
const refreshThreshold = 0.9

func (c cachedToken) needsRefresh(now time.Time, issuedAt time.Time) bool {
	total := c.expiresAt.Sub(issuedAt)
	if total <= 0 {
		return true
	}
	elapsed := now.Sub(issuedAt)
	return float64(elapsed)/float64(total) >= refreshThreshold
}

// Authenticator discovers registry authentication requirements and
// produces Authorization header values for subsequent requests, caching
// Bearer tokens per (registry, scope).
type Authenticator struct {
	client *http.Client
	creds  CredentialSource
	log    logrus.FieldLogger

	mu    sync.Mutex
	cache map[cacheKey]issuedToken

	basicOnly map[string]bool // registries that challenged with Basic, not Bearer
}

type issuedToken struct {
	token    cachedToken
	issuedAt time.Time
}

// Option configures an Authenticator at construction time.
type Option func(*Authenticator)

// WithHTTPClient overrides the client used for discovery and token
// requests; defaults to http.DefaultClient.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Authenticator) { a.client = c }
}

// WithLogger attaches a structured logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(a *Authenticator) { a.log = log }
}

// New returns an Authenticator that resolves credentials from creds. A nil
// creds behaves as if every registry is anonymous.
func New(creds CredentialSource, opts ...Option) *Authenticator {
	if creds == nil {
		creds = StaticCredentials{}
	}
	a := &Authenticator{
		client:    http.DefaultClient,
		creds:     creds,
		log:       logrus.New(),
		cache:     make(map[cacheKey]issuedToken),
		basicOnly: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authorize attaches an Authorization header to req for the given scope,
// reusing a cached Bearer token that does not yet need a refresh, or
// attaching Basic credentials directly for registries that challenge with
// Basic. It never fetches a token itself (HandleChallenge does that); with
// no usable cached token it leaves req unchanged and returns nil. It must
// be called after a 401 has been observed at least once for (registry,
// scope) via HandleChallenge, or after a prior successful Authorize for
// the same key.
func (a *Authenticator) Authorize(ctx context.Context, req *http.Request, registry, scope string) error {
	cred := a.creds.Credential(registry)

	a.mu.Lock()
	basicOnly := a.basicOnly[registry]
	a.mu.Unlock()
	if basicOnly {
		if !cred.IsZero() {
			req.SetBasicAuth(cred.Username, cred.Password)
		}
		return nil
	}

	key := cacheKey{registry: registry, scope: scope}
	a.mu.Lock()
	entry, ok := a.cache[key]
	a.mu.Unlock()
	if ok && !entry.token.needsRefresh(time.Now(), entry.issuedAt) {
		req.Header.Set("Authorization", "Bearer "+entry.token.value)
		return nil
	}
	return nil
}

// HandleChallenge reacts to a 401 response for (registry, scope): it
// parses the WWW-Authenticate header, and for a Bearer challenge fetches
// and caches a token, or for Basic marks the registry so future calls skip
// discovery. It mutates req in place so the caller can retry immediately.
func (a *Authenticator) HandleChallenge(ctx context.Context, resp *http.Response, req *http.Request, registry, scope string) error {
	c, err := challengeFromResponse(resp)
	if err != nil {
		return xferr.Wrap(xferr.KindAuth, xferr.Context{Operation: "handling auth challenge", Repository: registry},
			err, "authn: parsing WWW-Authenticate challenge")
	}

	cred := a.creds.Credential(registry)

	switch c.scheme {
	case schemeBasic:
		a.mu.Lock()
		a.basicOnly[registry] = true
		a.mu.Unlock()
		if !cred.IsZero() {
			req.SetBasicAuth(cred.Username, cred.Password)
		}
		return nil
	case schemeBearer:
		if c.scope == "" {
			c.scope = scope
		}
		token, ttl, err := fetchToken(ctx, a.client, c, cred)
		if err != nil {
			return err
		}
		now := time.Now()
		a.mu.Lock()
		a.cache[cacheKey{registry: registry, scope: c.scope}] = issuedToken{
			token:    cachedToken{value: token, expiresAt: now.Add(ttl)},
			issuedAt: now,
		}
		a.mu.Unlock()
		req.Header.Set("Authorization", "Bearer "+token)
		a.log.WithFields(logrus.Fields{"registry": registry, "scope": c.scope}).Debug("acquired bearer token")
		return nil
	default:
		return nil
	}
}

// Forget evicts any cached token for (registry, scope), used when a
// request using a cached token still comes back 401 (the token was revoked
// or the cache entry is stale in a way needsRefresh didn't catch).
func (a *Authenticator) Forget(registry, scope string) {
	a.mu.Lock()
	delete(a.cache, cacheKey{registry: registry, scope: scope})
	a.mu.Unlock()
}

// Redact returns a copy of header value suitable for logging: Basic and
// Bearer credentials are replaced with a fixed placeholder so a log line
// can record that a request carried credentials without leaking them
// (spec.md §4.D, §7: "never emit Authorization header contents").
func Redact(authorizationHeader string) string {
	if authorizationHeader == "" {
		return ""
	}
	for _, scheme := range []string{"Bearer ", "Basic "} {
		if len(authorizationHeader) >= len(scheme) && authorizationHeader[:len(scheme)] == scheme {
			return scheme + "[redacted]"
		}
	}
	return "[redacted]"
}
