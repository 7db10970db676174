package hosting

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jo-hoe/scenecast/internal/common"
)

// Local stores videos on disk under baseDir/videos. The server exposes that
// directory at the public base URL.
type Local struct {
	log     *slog.Logger
	baseDir string
	baseURL string
}

// NewLocal creates an uploader that stores to baseDir/videos.
func NewLocal(log *slog.Logger, baseDir, publicBaseURL string) *Local {
	return &Local{
		log:     log.With("component", "hosting", "provider", "local"),
		baseDir: filepath.Join(baseDir, common.VideosDirName),
		baseURL: publicBaseURL,
	}
}

// Dir returns the directory served as public media.
func (l *Local) Dir() string { return l.baseDir }

func (l *Local) Upload(ctx context.Context, key string, body io.Reader, size int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key = strings.TrimLeft(filepath.ToSlash(key), "/")
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	dstPath := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return "", fmt.Errorf("ensure videos dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dstPath), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create tmp file: %w", err)
	}
	tmpPath := tmp.Name()
	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("copy video: %w", err)
	}
	if size >= 0 && n != size {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("short copy: wrote %d of %d bytes", n, size)
	}
	if err := os.Rename(tmpPath, dstPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("move video: %w", err)
	}
	l.log.Debug("video stored", "key", key, "size", n)
	return publicURL(l.baseURL, key), nil
}
