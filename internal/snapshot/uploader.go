// Package snapshot copies shard snapshots to S3-compatible storage.
// With no bucket configured the NoopUploader keeps snapshots local.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ChineseWriter/novel-dl/internal/config"
)

// ErrNotConfigured is returned when snapshot storage is not configured.
var ErrNotConfigured = errors.New("snapshot storage not configured")

// Uploader uploads shard snapshots and hands out download URLs.
type Uploader interface {
	// Upload stores the snapshot file of the named shard.
	Upload(ctx context.Context, shard string, filePath string) error

	// PresignedURL returns a time-limited download URL for the shard's
	// snapshot, or ErrNotConfigured.
	PresignedURL(ctx context.Context, shard string) (url string, expiry time.Time, err error)
}

// s3Client is the subset of *minio.Client used by S3Uploader.
type s3Client interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath string) error
	PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error)
}

type minioClient struct {
	client *minio.Client
}

func (c *minioClient) FPutObject(ctx context.Context, bucket, objectName, filePath string) error {
	_, err := c.client.FPutObject(ctx, bucket, objectName, filePath, minio.PutObjectOptions{
		ContentType: "application/vnd.sqlite3",
	})
	return err
}

func (c *minioClient) PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	return c.client.PresignedGetObject(ctx, bucket, objectName, expiry, nil)
}

// S3Uploader uploads snapshots to an S3-compatible bucket.
type S3Uploader struct {
	client    s3Client
	bucket    string
	prefix    string
	urlExpiry time.Duration
}

// Upload uploads the snapshot at filePath for shard.
func (u *S3Uploader) Upload(ctx context.Context, shard string, filePath string) error {
	if err := u.client.FPutObject(ctx, u.bucket, u.objectKey(shard), filePath); err != nil {
		return fmt.Errorf("upload snapshot of shard %s: %w", shard, err)
	}
	return nil
}

// PresignedURL returns a pre-signed GET URL for the shard's snapshot.
func (u *S3Uploader) PresignedURL(ctx context.Context, shard string) (string, time.Time, error) {
	presigned, err := u.client.PresignedGetObject(ctx, u.bucket, u.objectKey(shard), u.urlExpiry)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate pre-signed URL: %w", err)
	}
	return presigned.String(), time.Now().Add(u.urlExpiry), nil
}

// objectKey returns {prefix}/shards/{shard}/snapshot/current.db.
func (u *S3Uploader) objectKey(shard string) string {
	return path.Join(u.prefix, "shards", shard, "snapshot", "current.db")
}

// NoopUploader is used when snapshot storage is not configured.
type NoopUploader struct{}

// Upload does nothing.
func (NoopUploader) Upload(context.Context, string, string) error {
	return nil
}

// PresignedURL always returns ErrNotConfigured.
func (NoopUploader) PresignedURL(context.Context, string) (string, time.Time, error) {
	return "", time.Time{}, ErrNotConfigured
}

// NewUploader returns a NoopUploader when no bucket is configured and an
// S3Uploader otherwise.
func NewUploader(cfg config.SnapshotStorageConfig) (Uploader, error) {
	if cfg.Bucket == "" {
		return NoopUploader{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}
	endpoint := stripScheme(cfg.Endpoint, &useSSL)

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	expiry := time.Duration(cfg.URLExpiry)
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &S3Uploader{
		client:    &minioClient{client: client},
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		urlExpiry: expiry,
	}, nil
}

// stripScheme removes an http:// or https:// prefix from endpoint, which
// minio.New rejects, and sets useSSL to match the scheme.
func stripScheme(endpoint string, useSSL *bool) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		*useSSL = true
		return strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		*useSSL = false
		return strings.TrimPrefix(endpoint, "http://")
	}
	return endpoint
}
