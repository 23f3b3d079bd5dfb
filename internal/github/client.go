// Package github wraps the subset of the GitHub REST API needed to
// correlate container package versions against branches and pull
// requests: paginated listing, package version deletion/restoration and
// rate limit inspection.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"

	"github.com/stumpylog/image-cleaner-action/pkg/logger"
)

const (
	defaultBaseURL            = "https://api.github.com"
	defaultRateLimitThreshold = 100
	defaultTimeout            = 30 * time.Second

	// Maximum pages fetched in flight during a paginated listing.
	pageConcurrency = 10
)

// ErrRateLimited indicates the API quota is exhausted. It is fatal to
// the current run and distinct from ordinary HTTP failures so callers
// can tell "try again later" apart from a broken request.
var ErrRateLimited = errors.New("github api rate limit exhausted")

// HTTPError is a terminal non-2xx response, after transport retries
// were exhausted.
type HTTPError struct {
	StatusCode int
	Endpoint   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("request to %s returned HTTP %d", e.Endpoint, e.StatusCode)
}

var (
	relPattern  = regexp.MustCompile(`rel="(\w+)"`)
	pagePattern = regexp.MustCompile(`[?&]page=(\d+)`)
)

// Client is the shared HTTP layer under the API wrappers. It attaches
// the authorization header to every request, retries transient
// failures with exponential backoff and suspends itself when the
// remaining API quota drops below a threshold.
type Client struct {
	baseURL   string
	token     string
	threshold int
	httpc     *http.Client

	// Held while sleeping off a rate limit window so the whole
	// client suspends, not just the request that noticed.
	limitMu sync.Mutex

	now   func() time.Time
	sleep func(time.Duration)
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithRateLimitThreshold overrides the remaining-quota threshold below
// which the client sleeps until the reported reset time.
func WithRateLimitThreshold(n int) Option {
	return func(c *Client) { c.threshold = n }
}

// NewClient creates a client authenticated with the given token.
func NewClient(token string, opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 5
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 10 * time.Second
	rc.HTTPClient.Timeout = defaultTimeout
	rc.CheckRetry = checkRetry

	c := &Client{
		baseURL:   defaultBaseURL,
		token:     token,
		threshold: defaultRateLimitThreshold,
		httpc:     rc.StandardClient(),
		now:       time.Now,
		sleep:     time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// checkRetry retries transient statuses only. Rate limit handling is
// separate: a 403 must surface immediately so it can be classified.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

// Close drops the authorization token and releases idle connections.
// The client must not be used afterwards.
func (c *Client) Close() {
	c.token = ""
	c.httpc.CloseIdleConnections()
}

func (c *Client) resolve(endpoint string, query url.Values) string {
	full := endpoint
	if u, err := url.Parse(endpoint); err != nil || !u.IsAbs() {
		full = c.baseURL + endpoint
	}
	if len(query) > 0 {
		sep := "?"
		if u, err := url.Parse(full); err == nil && u.RawQuery != "" {
			sep = "&"
		}
		full += sep + query.Encode()
	}
	return full
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values) (*http.Response, error) {
	// Wait out any in-progress rate limit sleep before sending.
	c.limitMu.Lock()
	c.limitMu.Unlock() //nolint:staticcheck // gate, not a critical section

	req, err := http.NewRequestWithContext(ctx, method, c.resolve(endpoint, query), nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s: %w", endpoint, err)
	}

	c.checkRateLimit(resp)
	return resp, nil
}

// checkRateLimit sleeps until the reported reset time (plus a small
// buffer) when the remaining quota falls below the threshold. The
// whole client is suspended for the duration.
func (c *Client) checkRateLimit(resp *http.Response) {
	remainingHdr := resp.Header.Get("X-RateLimit-Remaining")
	if remainingHdr == "" {
		return
	}
	remaining, err := strconv.Atoi(remainingHdr)
	if err != nil || remaining >= c.threshold {
		return
	}
	reset, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64)
	if err != nil || reset == 0 {
		return
	}
	duration := time.Unix(reset, 0).Sub(c.now()) + 5*time.Second
	if duration <= 0 {
		return
	}
	logger.Warn("rate limit threshold reached, sleeping until reset",
		"remaining", remaining,
		"duration", duration)
	c.limitMu.Lock()
	c.sleep(duration)
	c.limitMu.Unlock()
}

// classify turns a non-success response into the right error. A 403
// with zero remaining quota is the distinct rate limit condition.
func classify(resp *http.Response, endpoint string) error {
	if resp.StatusCode == http.StatusForbidden &&
		resp.Header.Get("X-RateLimit-Remaining") == "0" {
		return fmt.Errorf("%s: %w", endpoint, ErrRateLimited)
	}
	return &HTTPError{StatusCode: resp.StatusCode, Endpoint: endpoint}
}

// Get fetches a single resource and decodes it into out.
func (c *Client) Get(ctx context.Context, endpoint string, query url.Values, out any) error {
	resp, err := c.do(ctx, http.MethodGet, endpoint, query)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := classify(resp, endpoint)
		logger.Error("api request failed", "endpoint", endpoint, "status", resp.StatusCode)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", endpoint, err)
	}
	return nil
}

// GetAllPages fetches every page of a list endpoint and returns the
// concatenated items in page order. Pages after the first are fetched
// concurrently, bounded to 10 in flight, then reassembled by ascending
// page number regardless of completion order.
func (c *Client) GetAllPages(ctx context.Context, endpoint string, query url.Values) ([]json.RawMessage, error) {
	resp, err := c.do(ctx, http.MethodGet, endpoint, query)
	if err != nil {
		return nil, err
	}
	first, linkHeader, err := readPage(resp, endpoint)
	if err != nil {
		return nil, err
	}

	links := parseLinkHeader(linkHeader)
	lastPage := extractPageNumber(links["last"])
	if lastPage <= 1 {
		return first, nil
	}

	logger.Debug("fetching remaining pages concurrently",
		"endpoint", endpoint, "pages", lastPage)

	pages := make([][]json.RawMessage, lastPage+1)
	pages[1] = first

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pageConcurrency)
	for page := 2; page <= lastPage; page++ {
		page := page
		g.Go(func() error {
			pageQuery := url.Values{}
			for k, v := range query {
				pageQuery[k] = v
			}
			pageQuery.Set("page", strconv.Itoa(page))

			resp, err := c.do(gctx, http.MethodGet, endpoint, pageQuery)
			if err != nil {
				return err
			}
			items, _, err := readPage(resp, endpoint)
			if err != nil {
				return err
			}
			pages[page] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var combined []json.RawMessage
	for _, items := range pages[1:] {
		combined = append(combined, items...)
	}
	return combined, nil
}

// Delete removes a resource. 200 and 204 both count as success.
func (c *Client) Delete(ctx context.Context, endpoint string) error {
	resp, err := c.do(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return classify(resp, endpoint)
	}
	return nil
}

// Post issues a bodyless POST, used by the package restore endpoint.
func (c *Client) Post(ctx context.Context, endpoint string) error {
	resp, err := c.do(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return classify(resp, endpoint)
	}
	return nil
}

func readPage(resp *http.Response, endpoint string) ([]json.RawMessage, string, error) {
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := classify(resp, endpoint)
		logger.Error("api request failed", "endpoint", endpoint, "status", resp.StatusCode)
		return nil, "", err
	}
	var items []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, "", fmt.Errorf("decoding page from %s: %w", endpoint, err)
	}
	return items, resp.Header.Get("Link"), nil
}

// parseLinkHeader splits a Link header into its named relations, e.g.
// {"next": url, "last": url}.
func parseLinkHeader(header string) map[string]string {
	links := make(map[string]string)
	if header == "" {
		return links
	}
	for _, part := range splitAndTrim(header, ",") {
		segments := splitAndTrim(part, ";")
		if len(segments) != 2 {
			continue
		}
		target := trimAngles(segments[0])
		if m := relPattern.FindStringSubmatch(segments[1]); m != nil {
			links[m[1]] = target
		}
	}
	return links
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func trimAngles(s string) string {
	return strings.Trim(s, "<> ")
}

// extractPageNumber pulls the page query parameter out of a pagination
// URL, returning 0 when absent.
func extractPageNumber(u string) int {
	m := pagePattern.FindStringSubmatch(u)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}
