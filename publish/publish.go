// Package publish implements the asset pack publishing flow: resolve the
// asset pack, create a fresh version, reserve an upload, transfer the
// server-planned byte ranges, commit with a checksum and report the version's
// state.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-assetpack/publish/auth"
	"github.com/bitrise-io/go-assetpack/publish/compression"
	"github.com/bitrise-io/go-assetpack/publish/network"
	"github.com/bitrise-io/go-assetpack/publish/network/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
)

// PublishInput is the caller-supplied, explicit configuration of one publish
// run. The library reads no credentials or identifiers from the process
// environment.
type PublishInput struct {
	// StepId identifies the calling step for analytics events. Empty disables
	// analytics.
	StepId  string
	Verbose bool

	// AppID is the owning app of the asset pack.
	AppID string
	// Identifier is the caller-chosen, globally unique (per app) asset pack
	// identifier.
	Identifier string

	APIBaseURL string
	// Audience is the aud claim of signed tokens. Empty selects the default.
	Audience       string
	IssuerID       string
	KeyID          string
	PrivateKeyPath string

	// ArchivePath is a prebuilt archive to publish. Alternatively leave it
	// empty and set Paths to let the publisher build the archive.
	ArchivePath string
	// Paths are the local paths to archive when ArchivePath is empty.
	// Supports doublestar patterns.
	Paths []string
	// FileSizeBytes is the declared archive size. 0 means "use the actual
	// file size"; a non-zero value that doesn't match the file aborts the run
	// before any network call.
	FileSizeBytes int64
	// CompressionLevel is the zstd level used when Paths is set (1-19,
	// 0 selects the default).
	CompressionLevel int

	// Concurrency is the parallel upload operation count; 0 or 1 keeps the
	// sequential default.
	Concurrency int

	// DryRun executes resolution and planning without any mutating call.
	DryRun bool

	// Mirror optionally copies the published archive to an S3 bucket.
	Mirror *S3MirrorInput
}

// S3MirrorInput ...
type S3MirrorInput struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// PublishResult is the final report of one publish run.
type PublishResult struct {
	AssetPackID   string
	Identifier    string
	VersionID     string
	VersionNumber string
	State         string
	Summary       string
	DryRun        bool
}

// Publisher ...
type Publisher interface {
	Publish(input PublishInput) (PublishResult, error)
}

type publisher struct {
	envRepo      env.Repository
	logger       log.Logger
	pathProvider pathutil.PathProvider
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
	uploader     network.Uploader
}

type publishConfig struct {
	AppID            string
	Identifier       string
	APIBaseURL       string
	Audience         string
	IssuerID         string
	KeyID            string
	PrivateKeyPath   string
	ArchivePath      string
	Paths            []string
	FileSizeBytes    int64
	CompressionLevel int
	Concurrency      int
	DryRun           bool
	Mirror           *S3MirrorInput
}

// NewPublisher creates a new publisher instance. `uploader` can be nil,
// unless you want to provide a custom `Uploader` implementation.
func NewPublisher(
	envRepo env.Repository,
	logger log.Logger,
	pathProvider pathutil.PathProvider,
	pathModifier pathutil.PathModifier,
	pathChecker pathutil.PathChecker,
	uploader network.Uploader,
) *publisher {
	var uploaderImpl network.Uploader = uploader
	if uploader == nil {
		uploaderImpl = network.DefaultUploader{}
	}
	return &publisher{
		envRepo:      envRepo,
		logger:       logger,
		pathProvider: pathProvider,
		pathModifier: pathModifier,
		pathChecker:  pathChecker,
		uploader:     uploaderImpl,
	}
}

// Publish runs one publish as a unit of work. Any step's failure aborts the
// whole sequence; remote resources already created by earlier steps are left
// behind (a re-run creates a fresh version, so they are orphans, not
// corruption).
func (p *publisher) Publish(input PublishInput) (PublishResult, error) {
	p.logger.TDebugf("Publish start")
	defer func() {
		p.logger.TDebugf("Publish done")
	}()

	config, err := p.createConfig(input)
	if err != nil {
		return PublishResult{}, err
	}

	tracker := newStepTracker(input.StepId, p.envRepo, p.logger)
	defer tracker.wait()

	if len(config.Paths) > 0 {
		p.logger.Println()
		p.logger.Infof("Creating archive...")
		compressionStartTime := time.Now()
		archivePath, err := p.compress(config.Paths, config.CompressionLevel)
		if err != nil {
			return PublishResult{}, fmt.Errorf("compression failed: %w", err)
		}
		config.ArchivePath = archivePath
		compressionTime := time.Since(compressionStartTime).Round(time.Second)
		tracker.logArchiveCompressed(compressionTime, len(config.Paths))
		p.logger.Donef("Archive created in %s", compressionTime)
	}

	archiveSize, err := p.checkArchive(config)
	if err != nil {
		return PublishResult{}, err
	}
	p.logger.Printf("Archive size: %s", units.HumanSizeWithPrecision(float64(archiveSize), 3))
	p.logger.Debugf("Archive path: %s", config.ArchivePath)

	identity, err := auth.LoadIdentity(config.IssuerID, config.KeyID, config.PrivateKeyPath)
	if err != nil {
		return PublishResult{}, err
	}
	signer, err := auth.NewSigner(identity, config.Audience)
	if err != nil {
		return PublishResult{}, err
	}

	client := network.NewAPIClient(network.NewHTTPClient(p.logger), config.APIBaseURL, signer, p.logger)

	if config.DryRun {
		return p.dryRun(config, client, archiveSize)
	}

	p.logger.Println()
	p.logger.Infof("Resolving asset pack %s...", config.Identifier)
	pack, err := client.ResolveAssetPack(context.Background(), config.AppID, config.Identifier)
	if err != nil {
		return PublishResult{}, fmt.Errorf("failed to resolve asset pack: %w", err)
	}
	p.logger.Donef("Asset pack: %s", pack.ID)

	p.logger.Infof("Creating version...")
	version, err := client.CreateVersion(context.Background(), pack.ID)
	if err != nil {
		return PublishResult{}, fmt.Errorf("failed to create version: %w", err)
	}
	p.logger.Donef("Version %s (%s)", version.VersionNumber, version.ID)

	checksum, err := checksumOfFile(config.ArchivePath)
	if err != nil {
		return PublishResult{}, fmt.Errorf("checksum archive: %w", err)
	}

	p.logger.Println()
	p.logger.Infof("Uploading archive...")
	uploadStartTime := time.Now()
	uploadResult, err := p.uploader.Upload(context.Background(), network.UploadParams{
		APIBaseURL:      config.APIBaseURL,
		Tokens:          signer,
		VersionID:       version.ID,
		ArchivePath:     config.ArchivePath,
		ArchiveSize:     archiveSize,
		ArchiveChecksum: checksum,
		Concurrency:     config.Concurrency,
	}, p.logger)
	if err != nil {
		return PublishResult{}, fmt.Errorf("publish upload failed: %w", err)
	}
	uploadTime := time.Since(uploadStartTime).Round(time.Second)
	tracker.logArchiveUploaded(uploadTime, archiveSize, uploadResult.OperationCount)
	p.logger.Donef("Archive uploaded in %s", uploadTime)

	if config.Mirror != nil {
		p.logger.Println()
		p.logger.Infof("Mirroring archive to S3...")
		err := network.MirrorToS3(context.Background(), network.S3MirrorParams{
			ArchivePath:     config.ArchivePath,
			ArchiveSize:     archiveSize,
			Identifier:      config.Identifier,
			VersionNumber:   version.VersionNumber,
			Region:          config.Mirror.Region,
			Bucket:          config.Mirror.Bucket,
			AccessKeyID:     config.Mirror.AccessKeyID,
			SecretAccessKey: config.Mirror.SecretAccessKey,
		}, p.logger)
		if err != nil {
			return PublishResult{}, fmt.Errorf("mirror to S3 failed: %w", err)
		}
		p.logger.Donef("Archive mirrored")
	}

	result := PublishResult{
		AssetPackID:   pack.ID,
		Identifier:    config.Identifier,
		VersionID:     version.ID,
		VersionNumber: version.VersionNumber,
		State:         uploadResult.State,
	}
	result.Summary = fmt.Sprintf("Published %s version %s, state: %s", result.Identifier, result.VersionNumber, result.State)
	p.logger.Println()
	p.logger.Donef(result.Summary)
	return result, nil
}

// dryRun performs the read-only resolution lookup and renders the request
// bodies the real run would send, without issuing any mutating call.
func (p *publisher) dryRun(config publishConfig, client *network.APIClient, archiveSize int64) (PublishResult, error) {
	p.logger.Println()
	p.logger.Infof("Dry run: no mutating calls will be issued")

	packs, err := client.ListAssetPacks(context.Background(), config.AppID)
	if err != nil {
		return PublishResult{}, fmt.Errorf("failed to list asset packs: %w", err)
	}

	result := PublishResult{
		Identifier:    config.Identifier,
		VersionNumber: "(new)",
		State:         "DRY_RUN",
		DryRun:        true,
	}
	for _, pack := range packs {
		if pack.Identifier == config.Identifier {
			result.AssetPackID = pack.ID
			break
		}
	}

	if result.AssetPackID != "" {
		p.logger.Donef("Asset pack exists: %s", result.AssetPackID)
	} else {
		body, err := json.MarshalIndent(network.CreateAssetPackRequest{Identifier: config.Identifier}, "", "  ")
		if err != nil {
			return PublishResult{}, err
		}
		p.logger.Printf("Would create asset pack:\n%s", body)
	}

	p.logger.Printf("Would create a new version under the asset pack")

	reserveBody, err := json.MarshalIndent(network.ReserveUploadRequest{
		AssetType:       network.AssetTypeArchive,
		FileName:        filepath.Base(config.ArchivePath),
		FileSizeInBytes: archiveSize,
	}, "", "  ")
	if err != nil {
		return PublishResult{}, err
	}
	p.logger.Printf("Would reserve upload:\n%s", reserveBody)

	operations := chunkuploader.EstimateOperations(archiveSize)
	p.logger.Printf("Estimated upload plan: %d operation(s)", len(operations))
	for i, op := range operations {
		p.logger.Debugf("  operation %d: bytes [%d, %d)", i, op.Offset, op.Offset+op.Length)
	}

	result.Summary = fmt.Sprintf("Dry run: would publish %s (%s, %d operation(s) estimated)",
		config.Identifier, units.HumanSizeWithPrecision(float64(archiveSize), 3), len(operations))
	p.logger.Donef(result.Summary)
	return result, nil
}

func (p *publisher) createConfig(input PublishInput) (publishConfig, error) {
	if strings.TrimSpace(input.AppID) == "" {
		return publishConfig{}, PreconditionError{Reason: "app ID should not be empty"}
	}
	if strings.TrimSpace(input.Identifier) == "" {
		return publishConfig{}, PreconditionError{Reason: "asset pack identifier should not be empty"}
	}
	if strings.TrimSpace(input.APIBaseURL) == "" {
		return publishConfig{}, PreconditionError{Reason: "API base URL should not be empty"}
	}
	if input.IssuerID == "" || input.KeyID == "" || input.PrivateKeyPath == "" {
		return publishConfig{}, PreconditionError{Reason: "issuer ID, key ID and private key path are all required"}
	}
	if input.ArchivePath == "" && len(input.Paths) == 0 {
		return publishConfig{}, PreconditionError{Reason: "either an archive path or paths to archive must be provided"}
	}

	exists, err := p.pathChecker.IsPathExists(input.PrivateKeyPath)
	if err != nil {
		return publishConfig{}, err
	}
	if !exists {
		return publishConfig{}, PreconditionError{Reason: fmt.Sprintf("private key doesn't exist: %s", input.PrivateKeyPath)}
	}

	var finalPaths []string
	if len(input.Paths) > 0 {
		finalPaths, err = p.evaluatePaths(input.Paths)
		if err != nil {
			return publishConfig{}, fmt.Errorf("failed to parse paths: %w", err)
		}
		if len(finalPaths) == 0 {
			return publishConfig{}, PreconditionError{Reason: "none of the provided paths exist"}
		}
	}

	return publishConfig{
		AppID:            input.AppID,
		Identifier:       input.Identifier,
		APIBaseURL:       input.APIBaseURL,
		Audience:         input.Audience,
		IssuerID:         input.IssuerID,
		KeyID:            input.KeyID,
		PrivateKeyPath:   input.PrivateKeyPath,
		ArchivePath:      input.ArchivePath,
		Paths:            finalPaths,
		FileSizeBytes:    input.FileSizeBytes,
		CompressionLevel: input.CompressionLevel,
		Concurrency:      input.Concurrency,
		DryRun:           input.DryRun,
		Mirror:           input.Mirror,
	}, nil
}

// checkArchive validates the local archive before any network call and
// returns its size.
func (p *publisher) checkArchive(config publishConfig) (int64, error) {
	info, err := os.Stat(config.ArchivePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, PreconditionError{Reason: fmt.Sprintf("archive doesn't exist: %s", config.ArchivePath)}
		}
		return 0, err
	}
	if config.FileSizeBytes > 0 && config.FileSizeBytes != info.Size() {
		return 0, PreconditionError{Reason: fmt.Sprintf(
			"declared size %d doesn't match archive size %d", config.FileSizeBytes, info.Size())}
	}
	return info.Size(), nil
}

func (p *publisher) evaluatePaths(paths []string) ([]string, error) {
	// Expand wildcard paths
	var expandedPaths []string
	for _, path := range paths {
		if !strings.Contains(path, "*") {
			expandedPaths = append(expandedPaths, path)
			continue
		}

		base, pattern := doublestar.SplitPattern(path)
		absBase, err := p.pathModifier.AbsPath(base) // resolves ~/ and expands any envs
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithNoFollow())
		if matches == nil {
			p.logger.Warnf("No match for path pattern: %s", path)
			continue
		}
		if err != nil {
			p.logger.Warnf("Error in path pattern '%s': %s", path, err)
			continue
		}

		for _, match := range matches {
			expandedPaths = append(expandedPaths, filepath.Join(base, match))
		}
	}

	// Validate and sanitize paths
	var finalPaths []string
	for _, path := range expandedPaths {
		absPath, err := p.pathModifier.AbsPath(path)
		if err != nil {
			p.logger.Warnf("Failed to parse path %s, error: %s", path, err)
			continue
		}

		exists, err := p.pathChecker.IsPathExists(absPath)
		if err != nil {
			p.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if !exists {
			p.logger.Warnf("Path doesn't exist: %s", path)
			continue
		}

		finalPaths = append(finalPaths, absPath)
	}

	return finalPaths, nil
}

func (p *publisher) compress(paths []string, compressionLevel int) (string, error) {
	fileName := fmt.Sprintf("asset-%s.tzst", time.Now().UTC().Format("20060102-150405"))
	tempDir, err := p.pathProvider.CreateTempDir("publish-asset-pack")
	if err != nil {
		return "", err
	}
	archivePath := filepath.Join(tempDir, fileName)

	archiver := compression.NewArchiver(p.logger)
	if err := archiver.Compress(archivePath, paths, compressionLevel); err != nil {
		return "", err
	}
	return archivePath, nil
}
