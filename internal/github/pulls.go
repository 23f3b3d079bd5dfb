package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Pull request states accepted by the list endpoint.
const (
	PullStateOpen   = "open"
	PullStateClosed = "closed"
)

// PullRequest is a pull request, reduced to the fields the
// reconciliation needs.
type PullRequest struct {
	Number int    `json:"number"`
	State  string `json:"state"`
}

// Closed reports whether the pull request is closed, ignoring case.
func (p *PullRequest) Closed() bool {
	return strings.EqualFold(p.State, PullStateClosed)
}

// PullsAPI lists and fetches pull requests.
type PullsAPI struct {
	client *Client
}

// NewPullsAPI creates a pulls API on the shared client.
func NewPullsAPI(client *Client) *PullsAPI {
	return &PullsAPI{client: client}
}

// ListPulls returns the repository's pull requests in the given state.
func (a *PullsAPI) ListPulls(ctx context.Context, owner, repo, state string) ([]*PullRequest, error) {
	endpoint := fmt.Sprintf("/repos/%s/%s/pulls", owner, repo)
	query := url.Values{"state": {state}, "per_page": {"100"}}

	items, err := a.client.GetAllPages(ctx, endpoint, query)
	if err != nil {
		return nil, err
	}

	pulls := make([]*PullRequest, 0, len(items))
	for _, item := range items {
		var p PullRequest
		if err := json.Unmarshal(item, &p); err != nil {
			return nil, fmt.Errorf("decoding pull request: %w", err)
		}
		pulls = append(pulls, &p)
	}
	return pulls, nil
}

// OpenPulls returns the open pull requests.
func (a *PullsAPI) OpenPulls(ctx context.Context, owner, repo string) ([]*PullRequest, error) {
	return a.ListPulls(ctx, owner, repo, PullStateOpen)
}

// ClosedPulls returns the closed pull requests.
func (a *PullsAPI) ClosedPulls(ctx context.Context, owner, repo string) ([]*PullRequest, error) {
	return a.ListPulls(ctx, owner, repo, PullStateClosed)
}

// GetPull fetches a single pull request by number.
func (a *PullsAPI) GetPull(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	endpoint := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	var p PullRequest
	if err := a.client.Get(ctx, endpoint, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
