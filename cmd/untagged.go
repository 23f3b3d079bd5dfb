package cmd

import (
	"github.com/spf13/cobra"

	"github.com/stumpylog/image-cleaner-action/internal/cleaner"
	"github.com/stumpylog/image-cleaner-action/internal/config"
	"github.com/stumpylog/image-cleaner-action/internal/github"
	"github.com/stumpylog/image-cleaner-action/internal/registry"
	"github.com/stumpylog/image-cleaner-action/pkg/logger"
)

var untaggedCmd = &cobra.Command{
	Use:   "untagged",
	Short: "Delete untagged image digests nothing references",
	Long: `Locate container image versions which carry no tags and are not
referenced by any tagged multi-arch image index, and optionally delete
them. Digests referenced by a kept tag's index are always protected.`,
	RunE: runUntagged,
}

func init() {
	rootCmd.AddCommand(untaggedCmd)
}

func runUntagged(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx := cmd.Context()
	logger.Info("starting processing", "package", cfg.PackageName)

	client := github.NewClient(cfg.Token)
	defer client.Close()

	// Step 0 - check how the rate limits are looking.
	limits, err := client.RateLimit(ctx)
	if err != nil {
		return err
	}
	if limits.Limited() {
		logger.Error("currently rate limited", "reset", limits.ResetTime)
		return nil
	}
	logger.Info("rate limits are good", "limits", limits)

	// Step 1 - gather the active package versions.
	packages := github.NewPackagesAPI(client, cfg.Owner, cfg.IsOrg)
	active, err := packages.ActiveVersions(ctx, cfg.PackageName)
	if err != nil {
		return err
	}
	logger.Info("gathered active package versions", "count", len(active))

	reg := registry.NewClient("ghcr.io", cfg.Token)
	defer reg.Close()

	// Step 2 - walk kept tags' indices to find truly unreferenced
	// digests.
	sweeper := &cleaner.UntaggedSweeper{Registry: reg, Repository: cfg.Repository()}
	plan := sweeper.Plan(ctx, active)

	summary := []summaryRow{
		{"Active versions", countOf(len(active))},
		{"Kept tags", countOf(len(plan.KeptTags))},
		{"To delete", countOf(len(plan.Deletions))},
		{"Deleting", yesNo(cfg.Delete)},
	}

	if len(plan.Deletions) == 0 {
		logger.Info("nothing to do")
		printSummary("Untagged image cleanup", summary)
		return nil
	}
	logger.Info("unreferenced untagged versions remain after index walk",
		"count", len(plan.Deletions))

	// Step 3 - delete, or log what would be deleted.
	for name, version := range plan.Deletions {
		if cfg.Delete {
			logger.Info("deleting package version", "id", version.ID, "name", name)
			if err := packages.DeleteVersion(ctx, version); err != nil {
				return err
			}
		} else {
			logger.Info("would delete package version", "id", version.ID, "name", name)
		}
	}

	// Step 4 - confirm the kept tags still resolve.
	if cfg.Delete {
		logger.Info("beginning confirmation step", "kept", len(plan.KeptTags))
		if err := cleaner.NewVerifier(reg).VerifyTags(ctx, cfg.Repository(), plan.KeptTags); err != nil {
			return err
		}
	} else {
		logger.Info("dry run, not checking images")
	}

	printSummary("Untagged image cleanup", summary)
	return nil
}
