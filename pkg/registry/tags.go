package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type tagsResponse struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// ListTags returns every tag in repository, following the registry's
// Link-header pagination (RFC 5988) until it is exhausted (spec.md §4.E).
func (c *Client) ListTags(ctx context.Context, repository string) ([]string, error) {
	u := fmt.Sprintf("%s/v2/%s/tags/list", c.baseURL(), repository)
	var all []string

	for u != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.do(ctx, req, pullScope(repository))
		if err != nil {
			return nil, fmt.Errorf("registry: listing tags for %s: %w", repository, err)
		}

		if resp.StatusCode != http.StatusOK {
			err := newStatusError(resp, "listing tags")
			resp.Body.Close()
			return nil, err
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("registry: reading tags list body: %w", err)
		}

		var page tagsResponse
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("registry: parsing tags list: %w", err)
		}
		all = append(all, page.Tags...)

		u = nextLinkURL(resp.Header.Get("Link"), c.baseURL())
	}
	return all, nil
}

// nextLinkURL extracts the "next" relation target from an RFC 5988 Link
// header, resolving it against base if relative. Returns "" when there is
// no next page.
func nextLinkURL(link, base string) string {
	if link == "" {
		return ""
	}
	for _, part := range strings.Split(link, ",") {
		part = strings.TrimSpace(part)
		if !strings.Contains(part, `rel="next"`) {
			continue
		}
		start := strings.IndexByte(part, '<')
		end := strings.IndexByte(part, '>')
		if start < 0 || end < 0 || end <= start {
			continue
		}
		target := part[start+1 : end]
		return resolveLocation(base, target)
	}
	return ""
}
