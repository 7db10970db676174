package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jo-hoe/scenecast/internal/common"
	"github.com/jo-hoe/scenecast/internal/config"
	"github.com/jo-hoe/scenecast/internal/render"
)

var _ render.Renderer = (*Client)(nil)

const (
	// Headers
	headerContentType   = "Content-Type"
	headerAuthorization = "Authorization"
	authSchemeBearer    = "Bearer"

	// Endpoints
	endpointRenders = "v1/renders"

	// Session states
	stateSucceeded = "succeeded"
	stateFailed    = "failed"

	backendName       = "sandbox"
	defaultTimeout    = 60 * time.Second
	errorSnippetLimit = 400
	maxPollRetries    = 4
)

// Client implements render.Renderer against a remote render sandbox.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	pollInterval time.Duration
	outputDir    string
}

// New creates a sandbox client. Finished videos are downloaded into outputDir.
func New(cfg config.SandboxSettings, outputDir string) *Client {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 3 * time.Second
	}
	return &Client{
		httpClient:   &http.Client{Timeout: defaultTimeout},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		pollInterval: poll,
		outputDir:    outputDir,
	}
}

type createRequest struct {
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt"`
	Script  string `json:"script"`
	Variant string `json:"variant"`
	Quality string `json:"quality,omitempty"`
}

type createResponse struct {
	SessionID string `json:"session_id"`
}

type sessionError struct {
	Stage    string `json:"stage"`
	ExitCode *int   `json:"exit_code"`
	Message  string `json:"message"`
	Stderr   string `json:"stderr"`
	Stdout   string `json:"stdout"`
	Hint     string `json:"hint"`
}

type sessionStatus struct {
	State    string        `json:"state"` // queued|running|succeeded|failed
	Progress float64       `json:"progress"`
	Detail   string        `json:"detail"`
	VideoURL string        `json:"video_url"`
	Warnings []string      `json:"warnings"`
	Logs     []string      `json:"logs"`
	Error    *sessionError `json:"error"`
}

// Render starts a session and waits for it.
func (c *Client) Render(ctx context.Context, req render.Request, sink render.Sink) (render.Result, error) {
	body, err := json.Marshal(createRequest{
		JobID:   req.JobID,
		Attempt: req.Attempt,
		Script:  req.Script,
		Variant: req.Variant,
		Quality: req.Quality,
	})
	if err != nil {
		return render.Result{}, fmt.Errorf("marshal request: %w", err)
	}
	var created createResponse
	if err := c.do(ctx, http.MethodPost, endpointRenders, bytes.NewReader(body), &created); err != nil {
		return render.Result{}, fmt.Errorf("create render session: %w", err)
	}
	if created.SessionID == "" {
		return render.Result{}, errors.New("create render session: empty session id")
	}
	h := render.Handle{Backend: backendName, ID: created.SessionID}
	sink.Handle(h)
	return c.wait(ctx, h, sink)
}

// Resume waits for an existing session. A session the sandbox no longer knows
// yields render.ErrHandleLost.
func (c *Client) Resume(ctx context.Context, h render.Handle, sink render.Sink) (render.Result, error) {
	return c.wait(ctx, h, sink)
}

// Release deletes the session. A session that is already gone is not an error.
func (c *Client) Release(ctx context.Context, h render.Handle) error {
	err := c.do(ctx, http.MethodDelete, endpointRenders+"/"+url.PathEscape(h.ID), nil, nil)
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) wait(ctx context.Context, h render.Handle, sink render.Sink) (render.Result, error) {
	seenLogs := 0
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		st, err := c.poll(ctx, h)
		if err != nil {
			if ctx.Err() != nil {
				return render.Result{}, fmt.Errorf("poll render session: %w", ctx.Err())
			}
			return render.Result{}, err
		}
		if st.Progress > 0 {
			sink.Progress(st.Progress, st.Detail)
		}
		if seenLogs < len(st.Logs) {
			for _, l := range st.Logs[seenLogs:] {
				sink.Log(l)
			}
			seenLogs = len(st.Logs)
		}
		switch st.State {
		case stateSucceeded:
			path, err := c.download(ctx, h, st.VideoURL)
			if err != nil {
				return render.Result{}, err
			}
			return render.Result{VideoPath: path, Warnings: st.Warnings, Logs: st.Logs}, nil
		case stateFailed:
			return render.Result{}, toRenderError(st)
		}
		select {
		case <-ctx.Done():
			return render.Result{}, fmt.Errorf("wait for render session: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// poll fetches the session status, retrying transient failures with jittered backoff.
func (c *Client) poll(ctx context.Context, h render.Handle) (sessionStatus, error) {
	var st sessionStatus
	op := func() error {
		st = sessionStatus{}
		err := c.do(ctx, http.MethodGet, endpointRenders+"/"+url.PathEscape(h.ID), nil, &st)
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return backoff.Permanent(fmt.Errorf("%w: session %s", render.ErrHandleLost, h.ID))
		}
		if errors.As(err, &se) && se.code < http.StatusInternalServerError && se.code != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxInterval = 5 * time.Second
	b := backoff.WithContext(backoff.WithMaxRetries(eb, maxPollRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return sessionStatus{}, fmt.Errorf("poll render session %s: %w", h.ID, err)
	}
	return st, nil
}

func toRenderError(st sessionStatus) *render.RenderError {
	e := st.Error
	if e == nil {
		e = &sessionError{Stage: "render", Message: "render session failed without details"}
	}
	stage := e.Stage
	if stage == "" {
		stage = "render"
	}
	return &render.RenderError{
		Stage:    stage,
		ExitCode: e.ExitCode,
		Message:  e.Message,
		Stderr:   e.Stderr,
		Stdout:   e.Stdout,
		Hint:     e.Hint,
		Logs:     st.Logs,
	}
}

func (c *Client) download(ctx context.Context, h render.Handle, videoURL string) (string, error) {
	if videoURL == "" {
		return "", errors.New("render session succeeded without a video url")
	}
	u, err := c.resolve(videoURL)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download video: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorSnippetLimit))
		return "", fmt.Errorf("download video: status %d: %s", resp.StatusCode, snippet)
	}

	if err := os.MkdirAll(c.outputDir, 0o750); err != nil {
		return "", fmt.Errorf("ensure output dir: %w", err)
	}
	final := filepath.Join(c.outputDir, h.ID+".mp4")
	tmp, err := os.CreateTemp(c.outputDir, "download-*.part")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write video: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close video: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("rename video: %w", err)
	}
	return final, nil
}

func (c *Client) resolve(ref string) (string, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref, nil
	}
	u, err := url.JoinPath(c.baseURL, ref)
	if err != nil {
		return "", fmt.Errorf("join url: %w", err)
	}
	return u, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("sandbox status %d: %s", e.code, e.body)
}

func (c *Client) authorize(req *http.Request) {
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set(headerAuthorization, authSchemeBearer+" "+c.apiKey)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	u, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return fmt.Errorf("join url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if body != nil {
		req.Header.Set(headerContentType, common.ContentTypeJSON)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("http do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &statusError{code: resp.StatusCode, body: truncate(string(respBytes), errorSnippetLimit)}
	}
	if out == nil || len(bytes.TrimSpace(respBytes)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBytes, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
