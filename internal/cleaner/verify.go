package cleaner

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/stumpylog/image-cleaner-action/internal/registry"
	"github.com/stumpylog/image-cleaner-action/pkg/logger"
)

// Default fan-out bounds. Tag and digest fetches are limited
// independently so one tag's platform fan-out cannot starve the other
// tags.
const (
	DefaultTagConcurrency    = 10
	DefaultDigestConcurrency = 5
)

// Verifier re-fetches kept tags and their referenced digests after a
// deletion pass to confirm the survivors are still pullable.
type Verifier struct {
	Registry          ManifestFetcher
	TagConcurrency    int64
	DigestConcurrency int64
}

// NewVerifier creates a verifier with the default concurrency bounds.
func NewVerifier(reg ManifestFetcher) *Verifier {
	return &Verifier{
		Registry:          reg,
		TagConcurrency:    DefaultTagConcurrency,
		DigestConcurrency: DefaultDigestConcurrency,
	}
}

// VerifyTags checks every tag and, for multi-arch indices, every
// referenced digest. Failures are aggregated, never aborting sibling
// checks; a non-nil error names the failed and total counts.
func (v *Verifier) VerifyTags(ctx context.Context, repository string, tags []string) error {
	tagSem := semaphore.NewWeighted(v.TagConcurrency)
	digestSem := semaphore.NewWeighted(v.DigestConcurrency)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []string
	)

	for _, tag := range tags {
		tag := tag
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !v.verifyTag(ctx, repository, tag, tagSem, digestSem) {
				mu.Lock()
				failed = append(failed, tag)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(failed) > 0 {
		logger.Error("tag verification failed",
			"failed", len(failed), "total", len(tags), "tags", failed)
		return fmt.Errorf("%d of %d tags failed verification and may no longer be valid", len(failed), len(tags))
	}
	logger.Info("verified all kept tags and their digests",
		"repository", repository, "tags", len(tags))
	return nil
}

func (v *Verifier) verifyTag(ctx context.Context, repository, tag string, tagSem, digestSem *semaphore.Weighted) bool {
	qualified := repository + ":" + tag
	logger.Info("checking", "image", qualified)

	if err := tagSem.Acquire(ctx, 1); err != nil {
		return false
	}
	manifest, err := v.Registry.GetManifest(ctx, repository, tag)
	tagSem.Release(1)
	if err != nil {
		logger.Error("failed to fetch manifest", "image", qualified, "error", err)
		return false
	}

	index, ok := registry.AsIndex(manifest)
	if !ok {
		logger.Info("single-platform image, check successful", "image", qualified)
		return true
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		bad int
	)
	for _, desc := range index.Manifests {
		if desc.Digest == "" || !registry.IsManifestMediaType(desc.MediaType) {
			continue
		}
		desc := desc
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !v.verifyDigest(ctx, repository, tag, desc, digestSem) {
				mu.Lock()
				bad++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return bad == 0
}

func (v *Verifier) verifyDigest(ctx context.Context, repository, tag string, desc registry.Descriptor, sem *semaphore.Weighted) bool {
	if err := sem.Acquire(ctx, 1); err != nil {
		return false
	}
	defer sem.Release(1)

	logger.Info("checking digest",
		"digest", desc.Digest, "platform", desc.Platform.String(), "tag", tag)

	if _, err := v.Registry.GetManifest(ctx, repository, desc.Digest); err != nil {
		logger.Error("failed to inspect digest",
			"digest", desc.Digest, "repository", repository, "error", err)
		return false
	}
	return true
}
