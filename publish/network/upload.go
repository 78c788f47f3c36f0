package network

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/bitrise-io/go-assetpack/publish/network/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/log"
)

// UploadParams ...
type UploadParams struct {
	APIBaseURL      string
	Tokens          TokenSource
	VersionID       string
	ArchivePath     string
	ArchiveSize     int64
	ArchiveChecksum string
	Concurrency     int
}

// UploadResult describes a finished upload: the reserved file, how many
// operations the server planned, and the version's state snapshot taken
// right after the commit.
type UploadResult struct {
	UploadFileID   string
	OperationCount int
	State          string
}

// DefaultUploader ...
type DefaultUploader struct{}

// Upload reserves the file, transfers every server-planned byte range,
// commits with the archive checksum and returns one status snapshot of the
// version. Any failing step aborts the whole upload; a failed operation is
// reported with its index and no commit is attempted after it.
func (u DefaultUploader) Upload(ctx context.Context, params UploadParams, logger log.Logger) (UploadResult, error) {
	if params.APIBaseURL == "" {
		return UploadResult{}, fmt.Errorf("API base URL is empty")
	}
	if params.Tokens == nil {
		return UploadResult{}, fmt.Errorf("token source is not set")
	}

	client := NewAPIClient(NewHTTPClient(logger), params.APIBaseURL, params.Tokens, logger)

	logger.Debugf("Reserve upload")
	file, err := client.ReserveUpload(ctx, params.VersionID, ReserveUploadRequest{
		AssetType:       AssetTypeArchive,
		FileName:        filepath.Base(params.ArchivePath),
		FileSizeInBytes: params.ArchiveSize,
	})
	if err != nil {
		return UploadResult{}, fmt.Errorf("failed to reserve upload: %w", err)
	}
	logger.Debugf("Upload file ID: %s, %d operations planned", file.ID, len(file.Operations))

	operations := toChunkOperations(file.Operations)
	if err := chunkuploader.ValidateCoverage(operations, params.ArchiveSize); err != nil {
		return UploadResult{}, fmt.Errorf("invalid upload plan: %w", err)
	}

	provider, err := chunkuploader.NewFileRangeProvider(params.ArchivePath)
	if err != nil {
		return UploadResult{}, err
	}
	defer func() {
		if err := provider.Close(); err != nil {
			logger.Errorf("failed to close archive: %s", err)
		}
	}()

	config := chunkuploader.DefaultConfig()
	if params.Concurrency > 0 {
		config.Concurrency = params.Concurrency
	}
	uploader := chunkuploader.New(config, logger)

	logger.Debugf("Upload archive")
	if err := uploader.Execute(ctx, provider, operations); err != nil {
		return UploadResult{}, fmt.Errorf("failed to upload archive: %w", err)
	}

	logger.Debugf("Commit upload")
	err = client.CommitUpload(ctx, file.ID, CommitUploadRequest{
		Uploaded:    true,
		MD5Checksum: params.ArchiveChecksum,
	})
	if err != nil {
		return UploadResult{}, err
	}

	logger.Debugf("Read version state")
	version, err := client.VersionStatus(ctx, params.VersionID)
	if err != nil {
		return UploadResult{}, fmt.Errorf("failed to read version state: %w", err)
	}

	return UploadResult{
		UploadFileID:   file.ID,
		OperationCount: len(operations),
		State:          version.State,
	}, nil
}

func toChunkOperations(operations []UploadOperation) []chunkuploader.Operation {
	converted := make([]chunkuploader.Operation, 0, len(operations))
	for _, op := range operations {
		headers := make([]chunkuploader.Header, 0, len(op.Headers))
		for _, header := range op.Headers {
			headers = append(headers, chunkuploader.Header{Name: header.Name, Value: header.Value})
		}
		converted = append(converted, chunkuploader.Operation{
			URL:     op.URL,
			Method:  op.Method,
			Headers: headers,
			Offset:  op.Offset,
			Length:  op.Length,
		})
	}
	return converted
}
