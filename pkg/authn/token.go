package authn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/yorelog/docker-image-pusher/pkg/xferr"
)

// tokenResponse is the JSON body returned by a registry's token endpoint,
// per the distribution spec's token authentication extension. Both "token"
// and the legacy "access_token" alias are accepted.
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	IssuedAt    string `json:"issued_at"`
}

func (t tokenResponse) bearer() string {
	if t.Token != "" {
		return t.Token
	}
	return t.AccessToken
}

// fetchToken exchanges a Bearer challenge for a token, attaching basic
// credentials to the token request itself if cred is non-zero (the
// distribution spec's "password grant"-like flow: the registry's token
// endpoint, not the resource endpoint, validates the credential).
func fetchToken(ctx context.Context, client *http.Client, c challenge, cred Credential) (string, time.Duration, error) {
	u, err := url.Parse(c.realm)
	if err != nil {
		return "", 0, fmt.Errorf("authn: parsing token realm %q: %w", c.realm, err)
	}
	q := u.Query()
	if c.service != "" {
		q.Set("service", c.service)
	}
	if c.scope != "" {
		q.Set("scope", c.scope)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", 0, err
	}
	if !cred.IsZero() {
		req.SetBasicAuth(cred.Username, cred.Password)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("authn: requesting token from %s: %w", c.realm, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, xferr.Wrap(xferr.KindAuth, xferr.Context{Operation: "fetching token"},
			fmt.Errorf("token endpoint %s returned %s", c.realm, resp.Status), "authn: acquiring bearer token")
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", 0, xferr.Wrap(xferr.KindAuth, xferr.Context{Operation: "fetching token"},
			fmt.Errorf("decoding token response: %w", err), "authn: acquiring bearer token")
	}
	bearer := tr.bearer()
	if bearer == "" {
		return "", 0, xferr.Wrap(xferr.KindAuth, xferr.Context{Operation: "fetching token"},
			fmt.Errorf("token response from %s carried no token", c.realm), "authn: acquiring bearer token")
	}

	ttl := defaultTokenTTL
	if tr.ExpiresIn > 0 {
		ttl = time.Duration(tr.ExpiresIn) * time.Second
	}
	return bearer, ttl, nil
}

// defaultTokenTTL is used when a registry's token response omits
// expires_in, matching the distribution spec's documented default.
const defaultTokenTTL = 60 * time.Second
