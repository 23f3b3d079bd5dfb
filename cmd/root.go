package cmd

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stumpylog/image-cleaner-action/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "image-cleaner",
	Short: "Clean up stale container images in the GitHub container registry",
	Long: `image-cleaner correlates container image tags against live branches or
pull requests and deletes the versions nothing refers to anymore. It can
also sweep untagged digests which no multi-arch image index references.

Without --delete every run is a dry run which only logs what would happen.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.GetLogger().SetLogLevel(viper.GetString("loglevel"))
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.String("token", "", "GitHub token with package and repo read scopes (env GITHUB_TOKEN)")
	pf.String("owner", "", "user or organization owning the package")
	pf.String("name", "", "the container package to process")
	pf.Bool("delete", false, "actually delete; without this flag the run is a dry run")
	pf.Bool("is-org", false, "the owner is an organization")
	pf.String("loglevel", "info", "log level (debug, info, warning, error)")

	_ = viper.BindPFlag("token", pf.Lookup("token"))
	_ = viper.BindPFlag("owner", pf.Lookup("owner"))
	_ = viper.BindPFlag("name", pf.Lookup("name"))
	_ = viper.BindPFlag("delete", pf.Lookup("delete"))
	_ = viper.BindPFlag("is_org", pf.Lookup("is-org"))
	_ = viper.BindPFlag("loglevel", pf.Lookup("loglevel"))
}

func initConfig() {
	// A local .env is convenient for development; absence is fine.
	if err := godotenv.Load(); err == nil {
		logger.Debug("loaded environment from .env")
	}

	viper.AutomaticEnv()
	_ = viper.BindEnv("token", "GITHUB_TOKEN")

	if _, ok := os.LookupEnv("GITHUB_ACTIONS"); ok {
		logger.Debug("running inside GitHub Actions")
	}
}
