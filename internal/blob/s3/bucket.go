package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/auctionmesh/internal/domain"
)

const (
	snapshotContentType = "application/x-ndjson"

	// multipartThreshold is the body size above which uploads are split
	// into parts by the transfer manager.
	multipartThreshold = 8 * 1024 * 1024

	// partSize must stay at or above the 5 MiB S3 minimum.
	partSize = 8 * 1024 * 1024
)

// Bucket is a domain.SnapshotBucket backed by one S3 bucket.
type Bucket struct {
	client *s3.Client
	name   string
}

// Name returns the bucket name.
func (b *Bucket) Name() string { return b.name }

// Upload stores body under key. Large snapshots go through the multipart
// uploader so a single request never carries the whole ledger.
func (b *Bucket) Upload(ctx context.Context, key string, body []byte) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.name),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(snapshotContentType),
		ContentLength: aws.Int64(int64(len(body))),
	}

	if len(body) <= multipartThreshold {
		if _, err := b.client.PutObject(ctx, input); err != nil {
			return fmt.Errorf("s3blob: put %s: %w", key, err)
		}
		return nil
	}

	uploader := manager.NewUploader(b.client, func(u *manager.Uploader) {
		u.PartSize = partSize
	})
	if _, err := uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("s3blob: multipart upload %s: %w", key, err)
	}
	return nil
}

// Open returns the body of the object under key. The caller closes it.
func (b *Bucket) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("s3blob: open %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("s3blob: open %s: %w", key, err)
	}
	return out.Body, nil
}

// Objects lists every object under prefix, following continuation tokens.
func (b *Bucket) Objects(ctx context.Context, prefix string) ([]domain.SnapshotObject, error) {
	var objects []domain.SnapshotObject
	pages := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.name),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3blob: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, domain.SnapshotObject{
				Key:      aws.ToString(obj.Key),
				Size:     aws.ToInt64(obj.Size),
				Modified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return objects, nil
}

var _ domain.SnapshotBucket = (*Bucket)(nil)
