package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/distribution/reference"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/stumpylog/image-cleaner-action/pkg/logger"
)

const (
	defaultHost    = "ghcr.io"
	defaultTimeout = 15 * time.Second

	// Registry tokens typically expire after 300 seconds; a safety
	// margin avoids using a token right at its expiry edge.
	defaultTokenExpiry = 300 * time.Second
	tokenExpiryMargin  = 30 * time.Second
)

var (
	realmPattern   = regexp.MustCompile(`realm="([^"]+)"`)
	servicePattern = regexp.MustCompile(`service="([^"]+)"`)
)

// CachedToken is a bearer token for one authorization scope. Tokens
// are immutable values, replaced wholesale on renewal, which keeps the
// race between concurrent requesters for the same scope benign.
type CachedToken struct {
	Token     string
	ExpiresAt time.Time
}

// Valid reports whether the token is still usable at the given time.
func (t CachedToken) Valid(now time.Time) bool {
	return t.Token != "" && now.Before(t.ExpiresAt)
}

// Client fetches manifests from an OCI/Docker registry, acquiring and
// caching bearer tokens per repository scope as challenged.
type Client struct {
	host    string
	baseURL string
	token   string
	httpc   *http.Client

	mu     sync.RWMutex
	tokens map[string]CachedToken

	now func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the registry base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = u }
}

// NewClient creates a registry client for the given host. The token,
// if set, is presented when requesting scoped bearer tokens.
func NewClient(host, token string, opts ...ClientOption) *Client {
	if host == "" {
		host = defaultHost
	}

	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 5
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 10 * time.Second
	rc.HTTPClient.Timeout = defaultTimeout

	c := &Client{
		host:    host,
		baseURL: "https://" + host,
		token:   token,
		httpc:   rc.StandardClient(),
		tokens:  make(map[string]CachedToken),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpc.CloseIdleConnections()
}

// GetManifest fetches a manifest or index by tag or digest and parses
// it into the variant declared by its media type.
func (c *Client) GetManifest(ctx context.Context, repository, ref string) (Manifest, error) {
	if _, err := reference.ParseNamed(c.host + "/" + repository); err != nil {
		return nil, fmt.Errorf("invalid repository %q: %w", repository, err)
	}

	endpoint := fmt.Sprintf("%s/v2/%s/manifests/%s", c.baseURL, repository, ref)
	scope := fmt.Sprintf("repository:%s:pull", repository)

	resp, err := c.doWithAuth(ctx, endpoint, scope)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil, fmt.Errorf("manifest request to %s returned HTTP %d", endpoint, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading manifest from %s: %w", endpoint, err)
	}

	mediaType := contentMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "" {
		var probe struct {
			MediaType string `json:"mediaType"`
		}
		if err := json.Unmarshal(body, &probe); err != nil {
			return nil, fmt.Errorf("parsing manifest from %s: %w", endpoint, err)
		}
		mediaType = probe.MediaType
	}

	return ParseManifest(mediaType, body)
}

// doWithAuth performs the token challenge dance: a valid cached token
// for the scope is attached directly; otherwise the request goes out
// unauthenticated and a 401 challenge triggers a token fetch plus a
// single retry.
func (c *Client) doWithAuth(ctx context.Context, endpoint, scope string) (*http.Response, error) {
	cached, haveToken := c.cachedToken(scope)

	resp, err := c.doManifestRequest(ctx, endpoint, cached.Token)
	if err != nil {
		return nil, err
	}
	if haveToken || resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	challenge := resp.Header.Get("Www-Authenticate")
	if challenge == "" {
		return resp, nil
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	resp.Body.Close()

	token, err := c.fetchToken(ctx, challenge, scope)
	if err != nil {
		return nil, err
	}
	c.storeToken(scope, token)

	return c.doManifestRequest(ctx, endpoint, token.Token)
}

func (c *Client) doManifestRequest(ctx context.Context, endpoint, bearer string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", endpoint, err)
	}
	req.Header.Set("Accept", acceptHeader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s: %w", endpoint, err)
	}
	return resp, nil
}

// fetchToken requests a bearer token from the realm named in the
// Www-Authenticate challenge. A challenge missing its realm or
// service, or a token response missing the token field, is a hard
// error.
func (c *Client) fetchToken(ctx context.Context, challenge, scope string) (CachedToken, error) {
	realmMatch := realmPattern.FindStringSubmatch(challenge)
	serviceMatch := servicePattern.FindStringSubmatch(challenge)
	if realmMatch == nil || serviceMatch == nil {
		return CachedToken{}, fmt.Errorf("malformed Www-Authenticate challenge %q", challenge)
	}

	tokenURL := fmt.Sprintf("%s?%s", realmMatch[1], url.Values{
		"service": {serviceMatch[1]},
		"scope":   {scope},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return CachedToken{}, fmt.Errorf("building token request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return CachedToken{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return CachedToken{}, fmt.Errorf("token request returned HTTP %d", resp.StatusCode)
	}

	var body struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return CachedToken{}, fmt.Errorf("decoding token response: %w", err)
	}
	if body.Token == "" {
		return CachedToken{}, fmt.Errorf("token response missing token field")
	}

	expiresIn := time.Duration(body.ExpiresIn) * time.Second
	if expiresIn == 0 {
		expiresIn = defaultTokenExpiry
	}

	logger.Debug("acquired registry bearer token", "scope", scope, "expires_in", expiresIn)

	return CachedToken{
		Token:     body.Token,
		ExpiresAt: c.now().Add(expiresIn - tokenExpiryMargin),
	}, nil
}

func (c *Client) cachedToken(scope string) (CachedToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cached, ok := c.tokens[scope]
	if !ok || !cached.Valid(c.now()) {
		return CachedToken{}, false
	}
	return cached, true
}

func (c *Client) storeToken(scope string, token CachedToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[scope] = token
}

// contentMediaType strips any parameters from a Content-Type value.
func contentMediaType(contentType string) string {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.TrimSpace(mediaType)
}
