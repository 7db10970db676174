// Package hosting uploads finished videos and returns their public URL.
package hosting

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/gosimple/slug"

	"github.com/jo-hoe/scenecast/internal/config"
)

// Uploader stores an artifact under key and returns its public URL.
// Uploading the same key twice overwrites the first object.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64) (string, error)
}

const maxSlugLen = 48

// ObjectKey derives a stable key for a job's video.
func ObjectKey(jobID, prompt string) string {
	s := slug.Make(prompt)
	if len(s) > maxSlugLen {
		s = strings.Trim(s[:maxSlugLen], "-")
	}
	if s == "" {
		return jobID + ".mp4"
	}
	return s + "-" + jobID + ".mp4"
}

// UploadFile uploads the file at p.
func UploadFile(ctx context.Context, u Uploader, key, p string) (string, error) {
	f, err := os.Open(p) // #nosec G304 - path comes from the renderer's output directory
	if err != nil {
		return "", fmt.Errorf("open video: %w", err)
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat video: %w", err)
	}
	return u.Upload(ctx, key, f, st.Size())
}

// New builds the configured uploader.
func New(ctx context.Context, log *slog.Logger, cfg config.HostingConfig, storageDir string) (Uploader, error) {
	switch cfg.Provider {
	case "local":
		return NewLocal(log, storageDir, cfg.PublicBaseURL), nil
	case "s3":
		return NewS3(ctx, log, cfg.S3, cfg.PublicBaseURL)
	case "minio":
		return NewMinIO(ctx, log, cfg.MinIO, cfg.PublicBaseURL)
	default:
		return nil, fmt.Errorf("unsupported hosting provider: %s", cfg.Provider)
	}
}

func withPrefix(prefix, key string) string {
	prefix = strings.Trim(strings.ReplaceAll(prefix, "\\", "/"), "/")
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}

func publicURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
