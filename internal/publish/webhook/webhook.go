// Package webhook publishes by POSTing the video metadata to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jo-hoe/scenecast/internal/common"
	"github.com/jo-hoe/scenecast/internal/config"
	"github.com/jo-hoe/scenecast/internal/publish"
)

var _ publish.Target = (*Target)(nil)

type Target struct {
	url    string
	secret string
	http   *http.Client
}

func New(cfg config.WebhookPublishConfig) (*Target, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("webhook url must not be empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Target{url: cfg.URL, secret: cfg.Secret, http: &http.Client{Timeout: timeout}}, nil
}

func (t *Target) Name() string { return "webhook" }

type payload struct {
	JobID       string    `json:"job_id"`
	Variant     string    `json:"variant"`
	VideoURL    string    `json:"video_url"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Tags        []string  `json:"tags"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publish posts the request. A 2xx answer may carry {"id", "url"}; without
// them the video URL is reported as the published location.
func (t *Target) Publish(ctx context.Context, req publish.Request) (publish.Result, error) {
	body, err := json.Marshal(payload{
		JobID:       req.JobID,
		Variant:     req.Variant,
		VideoURL:    req.VideoURL,
		Title:       req.Title,
		Description: req.Description,
		Tags:        req.Tags,
		Timestamp:   req.Timestamp,
	})
	if err != nil {
		return publish.Result{}, fmt.Errorf("marshal payload: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return publish.Result{}, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", common.ContentTypeJSON)
	if t.secret != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.secret)
	}

	resp, err := t.http.Do(httpReq)
	if err != nil {
		return publish.Result{}, fmt.Errorf("webhook request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	respBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return publish.Result{}, fmt.Errorf("webhook status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBytes)))
	}

	var out publish.Result
	if len(bytes.TrimSpace(respBytes)) > 0 {
		_ = json.Unmarshal(respBytes, &out)
	}
	if out.URL == "" {
		out.URL = req.VideoURL
	}
	if out.ID == "" {
		out.ID = req.JobID
	}
	return out, nil
}
