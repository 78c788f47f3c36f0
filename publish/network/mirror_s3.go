package network

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const numMirrorRetries = 3

// S3MirrorParams ...
type S3MirrorParams struct {
	ArchivePath     string
	ArchiveSize     int64
	Identifier      string
	VersionNumber   string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

type s3MirrorService struct {
	client          *s3.Client
	bucket          string
	archivePath     string
	archiveSize     int64
	archiveChecksum string
}

// MirrorToS3 copies the published archive into a caller-owned bucket under
// <identifier>/<version>.tzst, for self-hosted distribution. An object with
// the same checksum is left as-is.
func MirrorToS3(ctx context.Context, params S3MirrorParams, logger log.Logger) error {
	if params.Bucket == "" {
		return fmt.Errorf("Bucket must not be empty")
	}
	if params.ArchivePath == "" {
		return fmt.Errorf("ArchivePath must not be empty")
	}
	if params.Identifier == "" || params.VersionNumber == "" {
		return fmt.Errorf("Identifier and VersionNumber must not be empty")
	}

	checksum, err := sha256OfFile(params.ArchivePath)
	if err != nil {
		return fmt.Errorf("checksum archive: %w", err)
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return fmt.Errorf("load aws credentials: %w", err)
	}

	service := &s3MirrorService{
		client:          s3.NewFromConfig(*cfg),
		bucket:          params.Bucket,
		archivePath:     params.ArchivePath,
		archiveSize:     params.ArchiveSize,
		archiveChecksum: checksum,
	}

	objectKey := fmt.Sprintf("%s/%s.tzst", params.Identifier, params.VersionNumber)
	return service.mirror(ctx, objectKey, logger)
}

func (service *s3MirrorService) mirror(ctx context.Context, objectKey string, logger log.Logger) error {
	checksum, err := service.findChecksumWithRetry(ctx, objectKey)
	if err != nil {
		return fmt.Errorf("validate object: %w", err)
	}

	if checksum == service.archiveChecksum {
		logger.Debugf("Bucket already holds this archive, skipping mirror")
		return nil
	}

	logger.Debugf("Mirroring archive to s3://%s/%s", service.bucket, objectKey)
	if err := service.putObjectWithRetry(ctx, objectKey); err != nil {
		return fmt.Errorf("mirror archive: %w", err)
	}
	return nil
}

// findChecksumWithRetry returns the SHA-256 checksum of the object if it is
// already in the bucket, or an empty string if it isn't.
func (service *s3MirrorService) findChecksumWithRetry(ctx context.Context, objectKey string) (string, error) {
	var checksum string
	err := retry.Times(numMirrorRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := service.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(service.bucket),
			Key:    aws.String(objectKey),
		})
		if err != nil {
			var apiError smithy.APIError
			if errors.As(err, &apiError) {
				switch apiError.(type) {
				case *types.NotFound:
					// continue with upload
					return nil, true
				default:
					return fmt.Errorf("validating object: %w", err), false
				}
			}
		}

		attributes, err := service.client.GetObjectAttributes(ctx, &s3.GetObjectAttributesInput{
			Bucket: aws.String(service.bucket),
			Key:    aws.String(objectKey),
			ObjectAttributes: []types.ObjectAttributes{
				"Checksum",
			},
		})
		if err != nil {
			return fmt.Errorf("get archive object attributes: %w", err), false
		}

		if attributes != nil && attributes.Checksum != nil && attributes.Checksum.ChecksumSHA256 != nil {
			decodedChecksum, err := base64.StdEncoding.DecodeString(*attributes.Checksum.ChecksumSHA256)
			if err != nil {
				return fmt.Errorf("base64 decode checksum: %w", err), true
			}
			checksum = hex.EncodeToString(decodedChecksum)
		}

		return nil, true
	})

	return checksum, err
}

func (service *s3MirrorService) putObjectWithRetry(ctx context.Context, objectKey string) error {
	return retry.Times(numMirrorRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		file, err := os.Open(service.archivePath)
		if err != nil {
			return fmt.Errorf("open archive path: %w", err), true
		}
		defer file.Close() //nolint:errcheck

		var partMB int64 = 10
		uploader := manager.NewUploader(service.client, func(u *manager.Uploader) {
			u.PartSize = partMB * 1024 * 1024
		})

		_, err = uploader.Upload(ctx, &s3.PutObjectInput{
			Body:              file,
			Bucket:            aws.String(service.bucket),
			Key:               aws.String(objectKey),
			ContentType:       aws.String("application/zstd"),
			ContentLength:     aws.Int64(service.archiveSize),
			ContentEncoding:   aws.String("zstd"),
			ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		})
		if err != nil {
			return fmt.Errorf("mirror archive: %w", err), false
		}

		return nil, true
	})
}

func loadAWSCredentials(ctx context.Context, region, accessKeyID, secretKey string, logger log.Logger) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, ""),
		))
	} else {
		logger.Debugf("aws credentials not defined, loading credentials from environment...")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load default aws config: %w", err)
	}
	return &cfg, nil
}

func sha256OfFile(path string) (string, error) {
	hash := sha256.New()

	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close() //nolint:errcheck

	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
