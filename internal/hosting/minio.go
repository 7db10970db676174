package hosting

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jo-hoe/scenecast/internal/common"
	"github.com/jo-hoe/scenecast/internal/config"
)

// MinIO uploads to a MinIO server, creating the bucket on first use.
type MinIO struct {
	log     *slog.Logger
	client  *minio.Client
	bucket  string
	prefix  string
	baseURL string
}

func NewMinIO(ctx context.Context, log *slog.Logger, cfg config.MinIOSettings, publicBaseURL string) (*MinIO, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(checkCtx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(checkCtx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		log.Info("minio bucket created", "bucket", cfg.Bucket)
	}

	if publicBaseURL == "" {
		publicBaseURL = minioBaseURL(cfg)
	}
	return &MinIO{
		log:     log.With("component", "hosting", "provider", "minio"),
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		baseURL: publicBaseURL,
	}, nil
}

func minioBaseURL(cfg config.MinIOSettings) string {
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
}

func (m *MinIO) Upload(ctx context.Context, key string, body io.Reader, size int64) (string, error) {
	key = withPrefix(m.prefix, key)
	_, err := m.client.PutObject(ctx, m.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: common.ContentTypeMP4,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to minio: %w", err)
	}
	m.log.InfoContext(ctx, "video uploaded", "bucket", m.bucket, "key", key, "size", size)
	return publicURL(m.baseURL, key), nil
}
