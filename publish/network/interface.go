package network

import (
	"context"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Uploader ...
type Uploader interface {
	Upload(context.Context, UploadParams, log.Logger) (UploadResult, error)
}

// Fetcher ...
type Fetcher interface {
	Fetch(context.Context, FetchParams, log.Logger) error
}
