// Package reliability provides corpus snapshot backups to an S3-compatible
// object store. The review ledger and episode corpus are the system's
// institutional memory; losing them means losing every precedent the
// engine recommends from.
package reliability

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStore wraps an S3-compatible bucket (AWS S3, Cloudflare R2, MinIO).
type ObjectStore struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key       string
	SizeBytes int64
}

// NewObjectStore creates a client for an S3-compatible endpoint with static
// credentials.
func NewObjectStore(ctx context.Context, endpoint, region, bucket, accessKey, secretKey string) (*ObjectStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load object store config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	return &ObjectStore{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
	}, nil
}

// Upload streams an object to the bucket.
func (os *ObjectStore) Upload(ctx context.Context, key string, body io.Reader) error {
	_, err := os.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(os.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// List returns all objects with the given key prefix.
func (os *ObjectStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo

	paginator := s3.NewListObjectsV2Paginator(os.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(os.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			info := ObjectInfo{}
			if obj.Key != nil {
				info.Key = *obj.Key
			}
			if obj.Size != nil {
				info.SizeBytes = *obj.Size
			}
			objects = append(objects, info)
		}
	}

	return objects, nil
}

// Delete removes one object.
func (os *ObjectStore) Delete(ctx context.Context, key string) error {
	_, err := os.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(os.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}
