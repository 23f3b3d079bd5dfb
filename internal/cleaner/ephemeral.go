// Package cleaner decides which image versions are stale. It contains
// the branch and pull request reconciliation strategies, the untagged
// digest sweep and the post-deletion verifier.
package cleaner

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/stumpylog/image-cleaner-action/internal/github"
	"github.com/stumpylog/image-cleaner-action/pkg/logger"
)

// Reconciliation scheme names accepted by the CLI.
const (
	SchemeBranch      = "branch"
	SchemePullRequest = "pull_request"
)

// BranchLister lists the branches of a repository.
type BranchLister interface {
	ListBranches(ctx context.Context, owner, repo string) ([]*github.Branch, error)
}

// PullGetter fetches a single pull request by number.
type PullGetter interface {
	GetPull(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error)
}

// Strategy computes the set of tags to delete from the filtered
// candidates. The map key is the candidate's single tag.
type Strategy interface {
	Name() string
	PlanDeletions(ctx context.Context, candidates map[string]*github.PackageVersion) (map[string]*github.PackageVersion, error)
}

// FilterCandidates restricts active versions to those eligible for
// deletion consideration: exactly one tag, matching the pattern.
// Multi-tagged versions have ambiguous ownership and are always left
// for an operator to resolve.
func FilterCandidates(versions []*github.PackageVersion, pattern *regexp.Regexp) map[string]*github.PackageVersion {
	candidates := make(map[string]*github.PackageVersion)
	for _, v := range versions {
		if len(v.Tags()) != 1 {
			continue
		}
		if !v.TagMatches(pattern) {
			continue
		}
		candidates[v.Tags()[0]] = v
	}
	return candidates
}

// KeepSet returns every tag of every active tagged version which is
// not in the deletion set. Versions excluded from consideration are
// implicitly kept.
func KeepSet(versions []*github.PackageVersion, deletions map[string]*github.PackageVersion) []string {
	var kept []string
	seen := make(map[string]struct{})
	for _, v := range versions {
		for _, tag := range v.Tags() {
			if _, deleted := deletions[tag]; deleted {
				continue
			}
			if _, dup := seen[tag]; dup {
				continue
			}
			seen[tag] = struct{}{}
			kept = append(kept, tag)
		}
	}
	return kept
}

// BranchStrategy deletes a tag when no live branch matching the
// pattern shares its exact name.
type BranchStrategy struct {
	Branches BranchLister
	Owner    string
	Repo     string
	Pattern  *regexp.Regexp
}

// Name implements Strategy.
func (s *BranchStrategy) Name() string { return SchemeBranch }

// PlanDeletions implements Strategy.
func (s *BranchStrategy) PlanDeletions(ctx context.Context, candidates map[string]*github.PackageVersion) (map[string]*github.PackageVersion, error) {
	branches, err := s.Branches.ListBranches(ctx, s.Owner, s.Repo)
	if err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}

	live := make(map[string]struct{})
	for _, b := range branches {
		if b.Matches(s.Pattern) {
			live[b.Name] = struct{}{}
		}
	}
	logger.Info("gathered live branches", "matching", len(live), "total", len(branches))

	deletions := make(map[string]*github.PackageVersion)
	for tag, version := range candidates {
		if _, ok := live[tag]; ok {
			logger.Debug("tag has a live branch, keeping", "tag", tag)
			continue
		}
		deletions[tag] = version
	}
	return deletions, nil
}

// PullRequestStrategy extracts a pull request number from each tag and
// deletes the tag when that pull request is closed.
type PullRequestStrategy struct {
	Pulls   PullGetter
	Owner   string
	Repo    string
	Pattern *regexp.Regexp
}

// Name implements Strategy.
func (s *PullRequestStrategy) Name() string { return SchemePullRequest }

// PlanDeletions implements Strategy.
func (s *PullRequestStrategy) PlanDeletions(ctx context.Context, candidates map[string]*github.PackageVersion) (map[string]*github.PackageVersion, error) {
	deletions := make(map[string]*github.PackageVersion)
	for tag, version := range candidates {
		number, ok := extractPullNumber(s.Pattern, tag)
		if !ok {
			// Never treat an unparseable tag as closed.
			logger.Warn("could not extract pull request number from tag, keeping", "tag", tag)
			continue
		}

		pull, err := s.Pulls.GetPull(ctx, s.Owner, s.Repo, number)
		if err != nil {
			return nil, fmt.Errorf("fetching pull request %d for tag %s: %w", number, tag, err)
		}
		if pull.Closed() {
			logger.Debug("pull request closed, marking tag", "tag", tag, "number", number)
			deletions[tag] = version
		} else {
			logger.Debug("pull request still open, keeping", "tag", tag, "number", number)
		}
	}
	return deletions, nil
}

// extractPullNumber applies the pattern to the tag and interprets the
// first non-empty capturing group as a pull request number.
func extractPullNumber(pattern *regexp.Regexp, tag string) (int, bool) {
	m := pattern.FindStringSubmatch(tag)
	if m == nil {
		return 0, false
	}
	for _, group := range m[1:] {
		if group == "" {
			continue
		}
		number, err := strconv.Atoi(group)
		if err != nil {
			return 0, false
		}
		return number, true
	}
	return 0, false
}
