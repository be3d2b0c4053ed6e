package blob

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIO stores objects in an S3-compatible bucket.
type MinIO struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// NewMinIO connects to the endpoint and creates the bucket when missing.
func NewMinIO(ctx context.Context, cfg MinIOConfig, logger *slog.Logger) (*MinIO, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("created attachment bucket", "bucket", cfg.Bucket)
	}

	return &MinIO{client: client, bucket: cfg.Bucket, logger: logger.With("component", "blob")}, nil
}

func (m *MinIO) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	if _, err := m.client.PutObject(ctx, m.bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (m *MinIO) URL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if _, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("stat object %s: %w", key, err)
	}
	signed, err := m.client.PresignedGetObject(ctx, m.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign object %s: %w", key, err)
	}
	return signed.String(), nil
}

func (m *MinIO) Delete(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

func (m *MinIO) Ping(ctx context.Context) error {
	if _, err := m.client.BucketExists(ctx, m.bucket); err != nil {
		return fmt.Errorf("ping bucket: %w", err)
	}
	return nil
}
