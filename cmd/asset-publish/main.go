package main

import (
	"os"
	"strings"

	"github.com/bitrise-io/go-steputils/v2/stepconf"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"

	"github.com/bitrise-io/go-assetpack/publish"
)

// Config is the step-style input of the publish CLI. It is parsed from the
// environment here and converted into an explicit publish.PublishInput; the
// library itself never reads the environment.
type Config struct {
	AppID            string          `env:"app_id,required"`
	Identifier       string          `env:"identifier,required"`
	APIBaseURL       string          `env:"api_base_url,required"`
	IssuerID         stepconf.Secret `env:"issuer_id,required"`
	KeyID            stepconf.Secret `env:"key_id,required"`
	PrivateKeyPath   string          `env:"private_key_path,required"`
	ArchivePath      string          `env:"archive_path"`
	Paths            string          `env:"paths"`
	FileSizeBytes    int64           `env:"file_size_bytes"`
	CompressionLevel int             `env:"compression_level"`
	Concurrency      int             `env:"concurrency"`
	DryRun           bool            `env:"dry_run"`
	Verbose          bool            `env:"verbose"`
}

func main() {
	os.Exit(run())
}

func run() int {
	logger := log.NewLogger()

	var config Config
	parser := stepconf.NewInputParser(env.NewRepository())
	if err := parser.Parse(&config); err != nil {
		logger.Errorf("Failed to parse inputs: %s", err)
		return 1
	}
	logger.EnableDebugLog(config.Verbose)

	publisher := publish.NewPublisher(
		env.NewRepository(),
		logger,
		pathutil.NewPathProvider(),
		pathutil.NewPathModifier(),
		pathutil.NewPathChecker(),
		nil,
	)

	result, err := publisher.Publish(publish.PublishInput{
		StepId:           "publish-asset-pack",
		Verbose:          config.Verbose,
		AppID:            config.AppID,
		Identifier:       config.Identifier,
		APIBaseURL:       config.APIBaseURL,
		IssuerID:         string(config.IssuerID),
		KeyID:            string(config.KeyID),
		PrivateKeyPath:   config.PrivateKeyPath,
		ArchivePath:      config.ArchivePath,
		Paths:            splitPaths(config.Paths),
		FileSizeBytes:    config.FileSizeBytes,
		CompressionLevel: config.CompressionLevel,
		Concurrency:      config.Concurrency,
		DryRun:           config.DryRun,
	})
	if err != nil {
		logger.Println()
		logger.Errorf("Publish failed: %s", err)
		return 1
	}

	logger.Debugf("Asset pack %s, version %s (%s)", result.AssetPackID, result.VersionNumber, result.State)
	return 0
}

// splitPaths turns the newline-separated step input into a path list.
func splitPaths(raw string) []string {
	var paths []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths
}
