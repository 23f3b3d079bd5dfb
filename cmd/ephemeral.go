package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stumpylog/image-cleaner-action/internal/cleaner"
	"github.com/stumpylog/image-cleaner-action/internal/config"
	"github.com/stumpylog/image-cleaner-action/internal/github"
	"github.com/stumpylog/image-cleaner-action/internal/registry"
	"github.com/stumpylog/image-cleaner-action/pkg/logger"
)

var ephemeralCmd = &cobra.Command{
	Use:   "ephemeral",
	Short: "Delete image tags whose branch or pull request is gone",
	Long: `Locate container image tags which no longer have an associated branch
or pull request and optionally delete them.

The branch scheme keeps a tag while a live branch matching the regex
shares its exact name. The pull_request scheme reads a pull request
number out of the tag via the regex's first capturing group and deletes
the tag once that pull request is closed.`,
	RunE: runEphemeral,
}

func init() {
	rootCmd.AddCommand(ephemeralCmd)

	ephemeralCmd.Flags().String("repo", "", "repository to read branches and pull requests from")
	ephemeralCmd.Flags().String("match-regex", "", "regular expression selecting candidate image tags")
	ephemeralCmd.Flags().String("scheme", "branch", "reconciliation scheme (branch or pull_request)")

	_ = viper.BindPFlag("repo", ephemeralCmd.Flags().Lookup("repo"))
	_ = viper.BindPFlag("match_regex", ephemeralCmd.Flags().Lookup("match-regex"))
	_ = viper.BindPFlag("scheme", ephemeralCmd.Flags().Lookup("scheme"))
}

func runEphemeral(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pattern, err := cfg.ValidateEphemeral()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	logger.Info("starting processing", "package", cfg.PackageName, "scheme", cfg.Scheme)

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

	// Step 2 - compute the deletion set per the configured scheme.
	candidates := cleaner.FilterCandidates(active, pattern)
	logger.Info("filtered to single-tag candidates", "count", len(candidates))

	var strategy cleaner.Strategy
	switch cfg.Scheme {
	case cleaner.SchemeBranch:
		strategy = &cleaner.BranchStrategy{
			Branches: github.NewBranchesAPI(client),
			Owner:    cfg.Owner,
			Repo:     cfg.Repo,
			Pattern:  pattern,
		}
	case cleaner.SchemePullRequest:
		strategy = &cleaner.PullRequestStrategy{
			Pulls:   github.NewPullsAPI(client),
			Owner:   cfg.Owner,
			Repo:    cfg.Repo,
			Pattern: pattern,
		}
	default:
		return fmt.Errorf("unknown scheme %q", cfg.Scheme)
	}

	deletions, err := strategy.PlanDeletions(ctx, candidates)
	if err != nil {
		return err
	}

	summary := []summaryRow{
		{"Scheme", cfg.Scheme},
		{"Active versions", countOf(len(active))},
		{"Candidates", countOf(len(candidates))},
		{"To delete", countOf(len(deletions))},
		{"Deleting", yesNo(cfg.Delete)},
	}

	if len(deletions) == 0 {
		logger.Info("nothing to do")
		printSummary("Ephemeral image cleanup", summary)
		return nil
	}

	// Step 3 - delete, or log what would be deleted.
	for tag, version := range deletions {
		if cfg.Delete {
			logger.Info("deleting package version",
				"tag", tag, "id", version.ID, "name", version.Name)
			if err := packages.DeleteVersion(ctx, version); err != nil {
				return err
			}
		} else {
			logger.Info("would delete package version",
				"tag", tag, "id", version.ID, "name", version.Name)
		}
	}

	// Step 4 - confirm the kept tags still resolve.
	if cfg.Delete {
		kept := cleaner.KeepSet(active, deletions)
		logger.Info("beginning confirmation step", "kept", len(kept))

		reg := registry.NewClient("ghcr.io", cfg.Token)
		defer reg.Close()

		if err := cleaner.NewVerifier(reg).VerifyTags(ctx, cfg.Repository(), kept); err != nil {
			return err
		}
	} else {
		logger.Info("dry run, not checking images")
	}

	printSummary("Ephemeral image cleanup", summary)
	return nil
}
