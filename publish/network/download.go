package network

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/melbahja/got"
)

// FetchParams ...
type FetchParams struct {
	APIBaseURL   string
	Tokens       TokenSource
	VersionID    string
	DownloadPath string
}

// DefaultFetcher ...
type DefaultFetcher struct{}

// Fetch downloads a published version's archive to DownloadPath, for
// verifying what the service serves after processing.
func (f DefaultFetcher) Fetch(ctx context.Context, params FetchParams, logger log.Logger) error {
	if params.APIBaseURL == "" {
		return fmt.Errorf("API base URL is empty")
	}
	if params.VersionID == "" {
		return fmt.Errorf("version ID is empty")
	}

	retryableHTTPClient := NewHTTPClient(logger)
	client := NewAPIClient(retryableHTTPClient, params.APIBaseURL, params.Tokens, logger)

	logger.Debugf("Get download URL")
	url, err := client.VersionDownloadURL(ctx, params.VersionID)
	if err != nil {
		return fmt.Errorf("failed to get download URL: %w", err)
	}

	logger.Debugf("Download archive")
	if err := downloadFile(ctx, retryableHTTPClient.StandardClient(), url, params.DownloadPath); err != nil {
		return fmt.Errorf("failed to download archive: %w", err)
	}
	return nil
}

func downloadFile(ctx context.Context, client *http.Client, url string, dest string) error {
	downloader := got.New()
	downloader.Client = client

	return downloader.Do(got.NewDownload(ctx, url, dest))
}
