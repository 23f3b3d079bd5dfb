package cleaner

import (
	"context"

	"github.com/stumpylog/image-cleaner-action/internal/github"
	"github.com/stumpylog/image-cleaner-action/internal/registry"
	"github.com/stumpylog/image-cleaner-action/pkg/logger"
)

// ManifestFetcher fetches a manifest by tag or digest.
type ManifestFetcher interface {
	GetManifest(ctx context.Context, repository, ref string) (registry.Manifest, error)
}

// UntaggedSweeper finds digest-only package versions which no kept
// tag's multi-arch index references.
type UntaggedSweeper struct {
	Registry   ManifestFetcher
	Repository string
}

// SweepPlan is the outcome of planning an untagged sweep.
type SweepPlan struct {
	// Deletions maps digest names to the versions safe to delete.
	Deletions map[string]*github.PackageVersion
	// KeptTags is every tag found on an active version; all of them
	// are kept by this mode and verified after deletion.
	KeptTags []string
}

// Plan partitions the active versions into tags and untagged digests,
// then walks each kept tag's manifest: digests referenced by a
// multi-arch index are alive and removed from the deletion candidates.
func (s *UntaggedSweeper) Plan(ctx context.Context, versions []*github.PackageVersion) *SweepPlan {
	untagged := make(map[string]*github.PackageVersion)
	tagToVersion := make(map[string]*github.PackageVersion)
	for _, v := range versions {
		if v.Untagged() {
			untagged[v.Name] = v
		}
		for _, tag := range v.Tags() {
			tagToVersion[tag] = v
		}
	}
	logger.Info("partitioned active versions",
		"untagged", len(untagged), "tags", len(tagToVersion))

	keptTags := make([]string, 0, len(tagToVersion))
	for tag := range tagToVersion {
		keptTags = append(keptTags, tag)
	}

	for _, tag := range keptTags {
		qualified := s.Repository + ":" + tag
		logger.Debug("keeping", "image", qualified)

		manifest, err := s.Registry.GetManifest(ctx, s.Repository, tag)
		if err != nil {
			// A tag can vanish between listing and this walk; that
			// must not sink the whole sweep.
			logger.Warn("could not fetch manifest for kept tag, skipping",
				"image", qualified, "error", err)
			continue
		}

		index, ok := registry.AsIndex(manifest)
		if !ok {
			logger.Info("not multi-arch, nothing to do", "image", qualified)
			continue
		}

		for _, desc := range index.Manifests {
			if desc.Digest == "" || !registry.IsManifestMediaType(desc.MediaType) {
				continue
			}
			if _, ok := untagged[desc.Digest]; ok {
				logger.Info("skipping deletion of referenced digest",
					"digest", desc.Digest,
					"referrer", qualified,
					"platform", desc.Platform.String())
				delete(untagged, desc.Digest)
			}
		}
	}

	return &SweepPlan{Deletions: untagged, KeptTags: keptTags}
}
