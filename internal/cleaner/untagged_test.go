package cleaner

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stumpylog/image-cleaner-action/internal/github"
	"github.com/stumpylog/image-cleaner-action/internal/registry"
)

// stubFetcher serves manifests by reference, with optional per
// reference errors. Safe for concurrent use by the verifier tests.
type stubFetcher struct {
	mu        sync.Mutex
	manifests map[string]registry.Manifest
	errors    map[string]error
	calls     []string
}

func (s *stubFetcher) GetManifest(ctx context.Context, repository, ref string) (registry.Manifest, error) {
	s.mu.Lock()
	s.calls = append(s.calls, ref)
	s.mu.Unlock()

	if err, ok := s.errors[ref]; ok {
		return nil, err
	}
	m, ok := s.manifests[ref]
	if !ok {
		return nil, fmt.Errorf("manifest %s not found", ref)
	}
	return m, nil
}

func indexOf(digests ...string) *registry.ImageIndex {
	idx := &registry.ImageIndex{
		SchemaVersion: 2,
		MediaType:     registry.MediaTypeOCIIndex,
	}
	for _, digest := range digests {
		idx.Manifests = append(idx.Manifests, registry.Descriptor{
			MediaType: registry.MediaTypeOCIManifest,
			Digest:    digest,
			Platform:  &registry.Platform{OS: "linux", Architecture: "amd64"},
		})
	}
	return idx
}

func singlePlatform() *registry.ImageManifest {
	return &registry.ImageManifest{
		SchemaVersion: 2,
		MediaType:     registry.MediaTypeOCIManifest,
	}
}

func TestUntaggedSweeper_ProtectsReferencedDigests(t *testing.T) {
	fetcher := &stubFetcher{
		manifests: map[string]registry.Manifest{
			"latest": indexOf("sha256:abc", "sha256:def"),
		},
	}
	sweeper := &UntaggedSweeper{Registry: fetcher, Repository: "acme/app"}

	plan := sweeper.Plan(context.Background(), []*github.PackageVersion{
		makeVersion(1, "latest-version", "latest"),
		makeVersion(2, "sha256:abc"),
		makeVersion(3, "sha256:zzz"),
	})

	// sha256:abc is referenced by the kept tag's index; sha256:zzz
	// is referenced by nothing and gets deleted.
	assert.NotContains(t, plan.Deletions, "sha256:abc")
	require.Contains(t, plan.Deletions, "sha256:zzz")
	assert.Equal(t, int64(3), plan.Deletions["sha256:zzz"].ID)
	assert.ElementsMatch(t, []string{"latest"}, plan.KeptTags)
}

func TestUntaggedSweeper_SinglePlatformNeedsNoProtection(t *testing.T) {
	fetcher := &stubFetcher{
		manifests: map[string]registry.Manifest{
			"latest": singlePlatform(),
		},
	}
	sweeper := &UntaggedSweeper{Registry: fetcher, Repository: "acme/app"}

	plan := sweeper.Plan(context.Background(), []*github.PackageVersion{
		makeVersion(1, "latest-version", "latest"),
		makeVersion(2, "sha256:abc"),
	})

	// Nothing references the digest, so it stays in the plan.
	assert.Contains(t, plan.Deletions, "sha256:abc")
}

func TestUntaggedSweeper_FetchFailureSkipsTag(t *testing.T) {
	fetcher := &stubFetcher{
		manifests: map[string]registry.Manifest{
			"good": indexOf("sha256:abc"),
		},
		errors: map[string]error{
			"vanished": fmt.Errorf("HTTP 404"),
		},
	}
	sweeper := &UntaggedSweeper{Registry: fetcher, Repository: "acme/app"}

	plan := sweeper.Plan(context.Background(), []*github.PackageVersion{
		makeVersion(1, "v-good", "good"),
		makeVersion(2, "v-gone", "vanished"),
		makeVersion(3, "sha256:abc"),
		makeVersion(4, "sha256:orphan"),
	})

	// The vanished tag does not sink the sweep; the good tag still
	// protects its digest.
	assert.NotContains(t, plan.Deletions, "sha256:abc")
	assert.Contains(t, plan.Deletions, "sha256:orphan")
	assert.ElementsMatch(t, []string{"good", "vanished"}, plan.KeptTags)
}

func TestUntaggedSweeper_EveryTagIsKept(t *testing.T) {
	// Unlike the ephemeral schemes there is no regex filtering:
	// multi-tagged versions contribute all of their tags.
	fetcher := &stubFetcher{
		manifests: map[string]registry.Manifest{
			"latest": singlePlatform(),
			"v1.0":   singlePlatform(),
			"extra":  singlePlatform(),
		},
	}
	sweeper := &UntaggedSweeper{Registry: fetcher, Repository: "acme/app"}

	plan := sweeper.Plan(context.Background(), []*github.PackageVersion{
		makeVersion(1, "a", "latest", "v1.0"),
		makeVersion(2, "b", "extra"),
	})

	assert.ElementsMatch(t, []string{"latest", "v1.0", "extra"}, plan.KeptTags)
	assert.Empty(t, plan.Deletions)
}
