// Package s3blob stores ledger snapshots in S3-compatible object storage
// (AWS S3, MinIO, Cloudflare R2) using AWS SDK v2.
package s3blob

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// Config selects the bucket snapshots live in. Endpoint is empty for AWS
// itself and set for MinIO or other compatible stores.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	UseSSL         bool
	ForcePathStyle bool
}

// New builds a Bucket from cfg. Static credentials are used when an access
// key is configured; otherwise the default AWS credential chain applies.
func New(ctx context.Context, cfg Config) (*Bucket, error) {
	var missing []string
	if cfg.Bucket == "" {
		missing = append(missing, "bucket")
	}
	if cfg.Region == "" {
		missing = append(missing, "region")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("s3blob: missing %s", strings.Join(missing, ", "))
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3blob: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(cfg.Endpoint, cfg.UseSSL))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &Bucket{client: client, name: cfg.Bucket}, nil
}

// Health reports whether the bucket exists and the credentials can reach it.
func (b *Bucket) Health(ctx context.Context) error {
	if _, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.name)}); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("s3blob: bucket %s does not exist", b.name)
		}
		return fmt.Errorf("s3blob: head bucket %s: %w", b.name, err)
	}
	return nil
}

// endpointURL prefixes a bare host:port with the scheme useSSL selects.
func endpointURL(endpoint string, useSSL bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

// httpStatusError is satisfied by smithy response errors.
type httpStatusError interface {
	HTTPStatusCode() int
}

// isNotFound matches missing keys and buckets. HeadBucket and HeadObject
// carry no error code, so a bare 404 counts as well.
func isNotFound(err error) bool {
	var status httpStatusError
	if errors.As(err, &status) && status.HTTPStatusCode() == 404 {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return true
		}
	}
	return false
}
