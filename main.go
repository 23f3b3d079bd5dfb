package main

import (
	"errors"
	"os"

	"github.com/stumpylog/image-cleaner-action/cmd"
	"github.com/stumpylog/image-cleaner-action/internal/github"
	"github.com/stumpylog/image-cleaner-action/pkg/logger"
)

func main() {
	if err := cmd.Execute(); err != nil {
		if errors.Is(err, github.ErrRateLimited) {
			logger.Error("rate limit hit during execution")
			os.Exit(2)
		}
		os.Exit(1)
	}
}
