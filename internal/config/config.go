// Package config holds the run configuration shared by the cleanup
// commands, bound from flags and the environment.
package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// Config is one cleanup run's configuration.
type Config struct {
	Token       string `mapstructure:"token"`
	Owner       string `mapstructure:"owner"`
	PackageName string `mapstructure:"name"`
	Repo        string `mapstructure:"repo"`
	Scheme      string `mapstructure:"scheme"`
	MatchRegex  string `mapstructure:"match_regex"`
	LogLevel    string `mapstructure:"loglevel"`
	Delete      bool   `mapstructure:"delete"`
	IsOrg       bool   `mapstructure:"is_org"`
}

// Load builds the configuration from viper's merged flag and
// environment state.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the fields every command needs.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("a token is required (--token or GITHUB_TOKEN)")
	}
	if c.Owner == "" {
		return fmt.Errorf("an owner is required (--owner)")
	}
	if c.PackageName == "" {
		return fmt.Errorf("a package name is required (--name)")
	}
	return nil
}

// ValidateEphemeral additionally checks the fields the branch and pull
// request schemes need, and compiles the match pattern.
func (c *Config) ValidateEphemeral() (*regexp.Regexp, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Repo == "" {
		return nil, fmt.Errorf("a repository is required (--repo)")
	}
	switch c.Scheme {
	case "branch", "pull_request":
	default:
		return nil, fmt.Errorf("unknown scheme %q, expected branch or pull_request", c.Scheme)
	}
	if strings.TrimSpace(c.MatchRegex) == "" {
		return nil, fmt.Errorf("a match regex is required (--match-regex)")
	}
	pattern, err := regexp.Compile(c.MatchRegex)
	if err != nil {
		return nil, fmt.Errorf("invalid match regex: %w", err)
	}
	return pattern, nil
}

// Repository is the registry repository path, owner/name.
func (c *Config) Repository() string {
	return c.Owner + "/" + c.PackageName
}
