package github

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
)

// Branch is a repository branch. Only the name is of interest here.
type Branch struct {
	Name string `json:"name"`

	matchCache map[string]bool
}

// Matches reports whether the branch name matches the pattern from its
// start. Results are cached per pattern.
func (b *Branch) Matches(pattern *regexp.Regexp) bool {
	key := pattern.String()
	if b.matchCache == nil {
		b.matchCache = make(map[string]bool)
	} else if cached, ok := b.matchCache[key]; ok {
		return cached
	}
	matched := matchesFromStart(pattern, b.Name)
	b.matchCache[key] = matched
	return matched
}

func (b *Branch) String() string {
	return fmt.Sprintf("Branch %s", b.Name)
}

// BranchesAPI lists repository branches.
type BranchesAPI struct {
	client *Client
}

// NewBranchesAPI creates a branches API on the shared client.
func NewBranchesAPI(client *Client) *BranchesAPI {
	return &BranchesAPI{client: client}
}

// ListBranches returns every branch of the repository.
func (a *BranchesAPI) ListBranches(ctx context.Context, owner, repo string) ([]*Branch, error) {
	endpoint := fmt.Sprintf("/repos/%s/%s/branches", owner, repo)
	items, err := a.client.GetAllPages(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}

	branches := make([]*Branch, 0, len(items))
	for _, item := range items {
		var b Branch
		if err := json.Unmarshal(item, &b); err != nil {
			return nil, fmt.Errorf("decoding branch: %w", err)
		}
		branches = append(branches, &b)
	}
	return branches, nil
}
