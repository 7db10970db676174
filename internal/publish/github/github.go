package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"
	"text/template"

	"github.com/gosimple/slug"

	appcfg "github.com/jo-hoe/scenecast/internal/config"
	"github.com/jo-hoe/scenecast/internal/publish"
)

var _ publish.Target = (*Target)(nil)

// Target publishes a video by committing a markdown post that links to it,
// using the GitHub contents API instead of cloning the repository.
type Target struct {
	cfg  appcfg.GitHubPublishConfig
	http *http.Client
}

// New creates a GitHub Target with the provided config.
// Uses http.DefaultClient unless a custom client is provided via WithHTTPClient.
func New(cfg appcfg.GitHubPublishConfig) (*Target, error) {
	if strings.TrimSpace(cfg.Auth.Token) == "" {
		return nil, fmt.Errorf("github token must not be empty")
	}
	if strings.TrimSpace(cfg.RepositoryOwner) == "" || strings.TrimSpace(cfg.RepositoryName) == "" {
		return nil, fmt.Errorf("repo owner/name must not be empty")
	}
	if strings.TrimSpace(cfg.Branch) == "" {
		return nil, fmt.Errorf("branch must not be empty")
	}
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		cfg.APIBaseURL = "https://api.github.com"
	}
	return &Target{cfg: cfg, http: http.DefaultClient}, nil
}

// WithHTTPClient allows tests to inject a custom HTTP client (e.g., pointing to httptest.Server).
func (t *Target) WithHTTPClient(c *http.Client) *Target {
	t.http = c
	return t
}

func (t *Target) Name() string { return "github" }

func (t *Target) Publish(ctx context.Context, req publish.Request) (publish.Result, error) {
	data := templateData(req)
	filename, err := t.renderFilename(data)
	if err != nil {
		return publish.Result{}, err
	}
	commitMsg, err := render(t.cfg.CommitMessageTemplate, "Add video: {{ .Title }}", "commit", data)
	if err != nil {
		return publish.Result{}, err
	}

	// https://docs.github.com/en/rest/repos/contents?apiVersion=2022-11-28#create-or-update-file-contents
	payload := createFilePayload{
		Message: commitMsg,
		Content: base64.StdEncoding.EncodeToString([]byte(Post(req))),
		Branch:  t.cfg.Branch,
	}
	if t.cfg.AuthorName != "" || t.cfg.AuthorEmail != "" {
		id := &gitIdentity{Name: t.cfg.AuthorName, Email: t.cfg.AuthorEmail}
		payload.Committer, payload.Author = id, id
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return publish.Result{}, fmt.Errorf("marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/repos/%s/%s/contents/%s", strings.TrimRight(t.cfg.APIBaseURL, "/"), t.cfg.RepositoryOwner, t.cfg.RepositoryName, filename)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return publish.Result{}, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+t.cfg.Auth.Token)
	httpReq.Header.Set("Accept", "application/vnd.github+json")
	httpReq.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(httpReq)
	if err != nil {
		return publish.Result{}, fmt.Errorf("github request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Message != "" {
			return publish.Result{}, fmt.Errorf("github api: status %d: %s", resp.StatusCode, apiErr.Message)
		}
		return publish.Result{}, fmt.Errorf("github api: status %d", resp.StatusCode)
	}

	var out createFileResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return publish.Result{}, fmt.Errorf("decode response: %w", err)
	}
	loc := out.Content.HTMLURL
	if loc == "" {
		loc = fmt.Sprintf("github:%s/%s@%s:%s", t.cfg.RepositoryOwner, t.cfg.RepositoryName, t.cfg.Branch, filename)
	}
	return publish.Result{ID: out.Commit.SHA, URL: loc}, nil
}

// Post renders the markdown document committed for req.
func Post(req publish.Request) string {
	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "title: %q\n", req.Title)
	fmt.Fprintf(&b, "date: %s\n", req.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Fprintf(&b, "video: %q\n", req.VideoURL)
	fmt.Fprintf(&b, "variant: %s\n", req.Variant)
	if len(req.Tags) > 0 {
		quoted := make([]string, len(req.Tags))
		for i, tag := range req.Tags {
			quoted[i] = fmt.Sprintf("%q", tag)
		}
		fmt.Fprintf(&b, "tags: [%s]\n", strings.Join(quoted, ", "))
	}
	b.WriteString("---\n\n")
	b.WriteString(req.Description)
	fmt.Fprintf(&b, "\n\n<video controls src=%q></video>\n", req.VideoURL)
	return b.String()
}

func (t *Target) renderFilename(data map[string]any) (string, error) {
	name, err := render(t.cfg.FilenameTemplate, "{{ .Date }}-{{ .Slug }}.md", "filename", data)
	if err != nil {
		return "", err
	}
	if name == "" {
		name = fmt.Sprintf("%s-%s.md", data["Date"], data["JobID"])
	}
	if t.cfg.BasePath != "" {
		name = path.Join(t.cfg.BasePath, name)
	}
	return name, nil
}

func templateData(req publish.Request) map[string]any {
	s := slug.Make(req.Title)
	if s == "" {
		s = req.JobID
	}
	return map[string]any{
		"JobID":     req.JobID,
		"Title":     req.Title,
		"Slug":      s,
		"Variant":   req.Variant,
		"Date":      req.Timestamp.Format("2006-01-02"),
		"Timestamp": req.Timestamp,
	}
}

func render(tplStr, defaultTpl, name string, data map[string]any) (string, error) {
	s := strings.TrimSpace(tplStr)
	if s == "" {
		s = defaultTpl
	}
	tpl, err := template.New(name).Parse(s)
	if err != nil {
		return "", fmt.Errorf("parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Payload and response structures

type gitIdentity struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type createFilePayload struct {
	Message   string       `json:"message"`
	Content   string       `json:"content"` // base64
	Branch    string       `json:"branch,omitempty"`
	Committer *gitIdentity `json:"committer,omitempty"`
	Author    *gitIdentity `json:"author,omitempty"`
}

type createFileResponse struct {
	Content struct {
		Path    string `json:"path"`
		HTMLURL string `json:"html_url"`
	} `json:"content"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

type apiError struct {
	Message string `json:"message"`
}
