package worker

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/kasmira-labs/chatflow/apperr"
)

// Downloader fetches a blob-store object to a local temp file, abstracted
// from the concrete S3 client the same way bedrock.RuntimeClient abstracts
// *bedrockruntime.Client — so tests can substitute a fake without touching
// AWS.
type Downloader interface {
	Download(ctx context.Context, bucket, key string, dst *os.File) (int64, error)
}

// S3Downloader implements Downloader against AWS S3 via the
// aws-sdk-go-v2/feature/s3/manager concurrent-part downloader.
type S3Downloader struct {
	dl *manager.Downloader
}

// NewS3Downloader wraps an already-configured *s3.Client.
func NewS3Downloader(client *s3.Client) *S3Downloader {
	return &S3Downloader{dl: manager.NewDownloader(client)}
}

// NewS3DownloaderFromRegion builds an S3Downloader using the default AWS
// credential chain for region, mirroring bedrock.NewFromRegion.
func NewS3DownloaderFromRegion(ctx context.Context, region string) (*S3Downloader, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, apperr.Wrap(apperr.DocumentParsingError, "worker: failed to load AWS config", err)
	}
	return NewS3Downloader(s3.NewFromConfig(cfg)), nil
}

func (d *S3Downloader) Download(ctx context.Context, bucket, key string, dst *os.File) (int64, error) {
	n, err := d.dl.Download(ctx, dst, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, apperr.Wrap(apperr.DocumentParsingError, "worker: s3 download failed", err)
	}
	return n, nil
}

// ParseS3URI splits an "s3://bucket/key/with/slashes" URI into its bucket
// and key components.
func ParseS3URI(uri string) (bucket, key string, err error) {
	const prefix = "s3://"
	if !strings.HasPrefix(uri, prefix) {
		return "", "", fmt.Errorf("worker: not an s3 uri: %s", uri)
	}
	rest := strings.TrimPrefix(uri, prefix)
	idx := strings.IndexByte(rest, '/')
	if idx < 0 || idx == len(rest)-1 {
		return "", "", fmt.Errorf("worker: s3 uri missing key: %s", uri)
	}
	return rest[:idx], rest[idx+1:], nil
}
