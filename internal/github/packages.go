package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"

	"github.com/stumpylog/image-cleaner-action/pkg/logger"
)

// Package version states reported by the registry API. A deleted
// version is soft-deleted and can still be restored.
const (
	VersionStateActive  = "active"
	VersionStateDeleted = "deleted"
)

// PackageVersion is one container package version as reported by the
// versions endpoint. Name is either an opaque string or a "sha256:..."
// digest; Tags may be empty for digest-only versions.
type PackageVersion struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	Metadata struct {
		Container struct {
			Tags []string `json:"tags"`
		} `json:"container"`
	} `json:"metadata"`

	matchCache map[string]bool
}

// Tags returns the tags applied to this version, possibly empty.
func (v *PackageVersion) Tags() []string {
	return v.Metadata.Container.Tags
}

// Untagged reports whether no tags are applied to this version.
func (v *PackageVersion) Untagged() bool {
	return len(v.Tags()) == 0
}

// Tagged reports whether at least one tag is applied to this version.
func (v *PackageVersion) Tagged() bool {
	return !v.Untagged()
}

// TagMatches reports whether any tag matches the pattern from its
// start. Results are cached per pattern since the reconciliation loops
// call this repeatedly with the same inputs.
func (v *PackageVersion) TagMatches(pattern *regexp.Regexp) bool {
	key := pattern.String()
	if v.matchCache == nil {
		v.matchCache = make(map[string]bool)
	} else if cached, ok := v.matchCache[key]; ok {
		return cached
	}
	matched := false
	for _, tag := range v.Tags() {
		if matchesFromStart(pattern, tag) {
			matched = true
			break
		}
	}
	v.matchCache[key] = matched
	return matched
}

func (v *PackageVersion) String() string {
	return fmt.Sprintf("Package %s", v.Name)
}

// matchesFromStart reports whether the pattern matches s anchored at
// the start, without requiring it to consume all of s.
func matchesFromStart(pattern *regexp.Regexp, s string) bool {
	loc := pattern.FindStringIndex(s)
	return loc != nil && loc[0] == 0
}

// PackagesAPI lists, deletes and restores container package versions.
// The owner is either an organization or the authenticated user,
// selected by isOrg at construction; the two differ only in their
// endpoint templates.
type PackagesAPI struct {
	client *Client
	owner  string
	isOrg  bool
}

// NewPackagesAPI creates a packages API for the given owner.
func NewPackagesAPI(client *Client, owner string, isOrg bool) *PackagesAPI {
	return &PackagesAPI{client: client, owner: owner, isOrg: isOrg}
}

func (a *PackagesAPI) versionsEndpoint(packageName string) string {
	// The package name can contain slashes and must be escaped.
	escaped := url.PathEscape(packageName)
	if a.isOrg {
		return fmt.Sprintf("/orgs/%s/packages/container/%s/versions", a.owner, escaped)
	}
	return fmt.Sprintf("/user/packages/container/%s/versions", escaped)
}

// ListVersions returns all versions of the package, optionally
// filtered to the given state.
func (a *PackagesAPI) ListVersions(ctx context.Context, packageName, state string) ([]*PackageVersion, error) {
	query := url.Values{"per_page": {"100"}}
	if state != "" {
		query.Set("state", state)
	}

	items, err := a.client.GetAllPages(ctx, a.versionsEndpoint(packageName), query)
	if err != nil {
		return nil, err
	}

	versions := make([]*PackageVersion, 0, len(items))
	for _, item := range items {
		var v PackageVersion
		if err := json.Unmarshal(item, &v); err != nil {
			return nil, fmt.Errorf("decoding package version: %w", err)
		}
		versions = append(versions, &v)
	}
	return versions, nil
}

// ActiveVersions returns the versions which have not been deleted.
func (a *PackagesAPI) ActiveVersions(ctx context.Context, packageName string) ([]*PackageVersion, error) {
	return a.ListVersions(ctx, packageName, VersionStateActive)
}

// DeletedVersions returns the versions which are soft-deleted.
func (a *PackagesAPI) DeletedVersions(ctx context.Context, packageName string) ([]*PackageVersion, error) {
	return a.ListVersions(ctx, packageName, VersionStateDeleted)
}

// DeleteVersion removes the version from the registry. Deletion is
// best effort: an ordinary failure is logged and swallowed so one bad
// version does not block the rest of the batch, but hitting the rate
// limit aborts.
func (a *PackagesAPI) DeleteVersion(ctx context.Context, version *PackageVersion) error {
	if err := a.client.Delete(ctx, version.URL); err != nil {
		if errors.Is(err, ErrRateLimited) {
			return err
		}
		logger.Warn("failed to delete package version",
			"id", version.ID, "name", version.Name, "error", err)
	}
	return nil
}

// RestoreVersion restores a soft-deleted version by its numeric id.
func (a *PackagesAPI) RestoreVersion(ctx context.Context, packageName string, id int64) error {
	endpoint := fmt.Sprintf("%s/%d/restore", a.versionsEndpoint(packageName), id)
	if err := a.client.Post(ctx, endpoint); err != nil {
		if errors.Is(err, ErrRateLimited) {
			return err
		}
		logger.Warn("failed to restore package version", "id", id, "error", err)
	}
	return nil
}
