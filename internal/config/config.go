package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Queue       QueueConfig       `yaml:"queue"`
	LLM         LLMConfig         `yaml:"llm"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Render      RenderConfig      `yaml:"render"`
	Hosting     HostingConfig     `yaml:"hosting"`
	Publish     PublishConfig     `yaml:"publish"`
	Events      EventsConfig      `yaml:"events"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr           string        `yaml:"address"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	IdleTimeout    time.Duration `yaml:"idleTimeout"`
	MaxRequestSize ByteSize      `yaml:"maxRequestSize"`
	WorkerCount    int           `yaml:"workerCount"`
	StorageDir     string        `yaml:"storageDir"`
	APIKey         string        `yaml:"apiKey"`        // optional static API key header (X-API-Key)
	DatabasePath   string        `yaml:"databasePath"`  // optional, overrides default storage_dir/scenecast.db
	ShutdownGrace  time.Duration `yaml:"shutdownGrace"` // time to wait for workers before forced stop
	SyncTimeout    time.Duration `yaml:"syncTimeout"`   // max wait for synchronous requests
	LogLevel       string        `yaml:"logLevel"`      // debug|info|warn|error
	LogFile        string        `yaml:"logFile"`       // optional JSON log file, rotated
	LogMaxSizeMB   int           `yaml:"logMaxSizeMB"`
	LogMaxBackups  int           `yaml:"logMaxBackups"`
}

// QueueConfig selects the job queue backend.
type QueueConfig struct {
	Backend  string        `yaml:"backend"` // memory|redis
	Capacity int           `yaml:"capacity"`
	Redis    RedisSettings `yaml:"redis"`
}

// RedisSettings config for the reliable Redis list queue.
type RedisSettings struct {
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	Key        string        `yaml:"key"`
	StaleAfter time.Duration `yaml:"staleAfter"` // processing entries older than this are requeued
}

// LLMConfig selects provider and provider-specific options.
type LLMConfig struct {
	Provider          string            `yaml:"provider"` // mock|aiproxy|openai|ollama|anthropic|gemini
	EmbeddingProvider string            `yaml:"embeddingProvider"`
	Timeout           time.Duration     `yaml:"timeout"` // per call
	MaxRetries        int               `yaml:"maxRetries"`
	Mock              MockSettings      `yaml:"mock"`
	AIProxy           AIProxySettings   `yaml:"aiproxy"`
	OpenAI            OpenAISettings    `yaml:"openai"`
	Ollama            OllamaSettings    `yaml:"ollama"`
	Anthropic         AnthropicSettings `yaml:"anthropic"`
	Gemini            GeminiSettings    `yaml:"gemini"`
}

// MockSettings config for the mock LLM.
type MockSettings struct {
	Delay time.Duration `yaml:"delay"`
}

// AIProxySettings config for the AI Proxy (OpenAI-compatible) LLM.
type AIProxySettings struct {
	BaseURL        string  `yaml:"baseUrl"` // e.g. http://localhost:8900
	Model          string  `yaml:"model"`
	EmbeddingModel string  `yaml:"embeddingModel"` // optional, defaults to model
	Temperature    float32 `yaml:"temperature"`    // optional
	MaxTokens      int     `yaml:"maxTokens"`      // optional
}

// OpenAISettings config for OpenAI through langchaingo.
type OpenAISettings struct {
	Model          string `yaml:"model"`
	BaseURL        string `yaml:"baseUrl"` // optional
	EmbeddingModel string `yaml:"embeddingModel"`
}

// OllamaSettings config for a local Ollama server.
type OllamaSettings struct {
	ServerURL      string `yaml:"serverUrl"`
	Model          string `yaml:"model"`
	EmbeddingModel string `yaml:"embeddingModel"`
}

// AnthropicSettings config for Anthropic through langchaingo.
type AnthropicSettings struct {
	Model string `yaml:"model"`
}

// GeminiSettings config for Google Gemini.
type GeminiSettings struct {
	Model          string `yaml:"model"`
	EmbeddingModel string `yaml:"embeddingModel"`
}

// CredentialsConfig is the API key pool for the selected provider.
type CredentialsConfig struct {
	Keys                      []CredentialEntry `yaml:"keys"`
	ConsecutiveErrorThreshold int               `yaml:"consecutiveErrorThreshold"`
	RateLimitCooldown         time.Duration     `yaml:"rateLimitCooldown"`
	ErrorCooldown             time.Duration     `yaml:"errorCooldown"`
	QuotaResetWindow          time.Duration     `yaml:"quotaResetWindow"`
	AutoHealAfter             time.Duration     `yaml:"autoHealAfter"`
}

// CredentialEntry is one key; entries whose key expands to "" are dropped.
type CredentialEntry struct {
	Label string `yaml:"label"`
	Key   string `yaml:"key"`
}

// PipelineConfig bounds the generation pipeline.
type PipelineConfig struct {
	MaxScriptFixAttempts  int    `yaml:"maxScriptFixAttempts"`
	MaxRenderAttempts     int    `yaml:"maxRenderAttempts"`
	MaxForceRegenerations int    `yaml:"maxForceRegenerations"`
	RepeatThreshold       int    `yaml:"repeatThreshold"`
	AttemptWindow         int    `yaml:"attemptWindow"`
	ExamplesDir           string `yaml:"examplesDir"`   // optional reference snippet catalog
	ExamplesLimit         int    `yaml:"examplesLimit"` // snippets injected per prompt
}

// RenderConfig selects and bounds the render backend.
type RenderConfig struct {
	Backend           string          `yaml:"backend"` // sandbox|local
	Quality           string          `yaml:"quality"` // l|m|h
	StepBudget        time.Duration   `yaml:"stepBudget"`
	StepMargin        time.Duration   `yaml:"stepMargin"`
	MaxPollIterations int             `yaml:"maxPollIterations"`
	Sandbox           SandboxSettings `yaml:"sandbox"`
	Local             LocalSettings   `yaml:"local"`
}

// SandboxSettings config for the remote render sandbox.
type SandboxSettings struct {
	BaseURL      string        `yaml:"baseUrl"`
	APIKey       string        `yaml:"apiKey"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

// LocalSettings config for rendering with a local manim binary.
type LocalSettings struct {
	Binary    string   `yaml:"binary"`
	ExtraArgs []string `yaml:"extraArgs"`
}

// HostingConfig selects where finished videos are uploaded.
type HostingConfig struct {
	Provider      string        `yaml:"provider"` // local|s3|minio
	PublicBaseURL string        `yaml:"publicBaseUrl"`
	S3            S3Settings    `yaml:"s3"`
	MinIO         MinIOSettings `yaml:"minio"`
}

// S3Settings config for S3-compatible object storage (AWS, R2).
type S3Settings struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"` // optional, e.g. R2 account endpoint
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	UsePathStyle    bool   `yaml:"usePathStyle"`
	Prefix          string `yaml:"prefix"`
}

// MinIOSettings config for a MinIO server.
type MinIOSettings struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
	Prefix    string `yaml:"prefix"`
}

// PublishConfig selects the publishing target.
type PublishConfig struct {
	Target  string               `yaml:"target"` // noop|github|webhook
	Retries int                  `yaml:"retries"`
	Backoff time.Duration        `yaml:"backoff"`
	Tags    []string             `yaml:"tags"`
	GitHub  GitHubPublishConfig  `yaml:"github"`
	Webhook WebhookPublishConfig `yaml:"webhook"`
}

// GitHubPublishConfig config for committing a post to a GitHub repository via REST API.
type GitHubPublishConfig struct {
	RepositoryOwner       string           `yaml:"repositoryOwner"`
	RepositoryName        string           `yaml:"repositoryName"`
	Branch                string           `yaml:"branch"`
	BasePath              string           `yaml:"basePath"`
	FilenameTemplate      string           `yaml:"filenameTemplate"`
	CommitMessageTemplate string           `yaml:"commitMessageTemplate"`
	AuthorName            string           `yaml:"authorName"`
	AuthorEmail           string           `yaml:"authorEmail"`
	APIBaseURL            string           `yaml:"apiBaseUrl"` // optional, default https://api.github.com
	Auth                  GitHubAuthConfig `yaml:"auth"`
}

// GitHubAuthConfig holds token-based auth (Personal Access Token).
type GitHubAuthConfig struct {
	Token string `yaml:"token"` // PAT; supports env expansion
}

// WebhookPublishConfig config for posting publish requests to an HTTP endpoint.
type WebhookPublishConfig struct {
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"` // optional, sent as bearer token
	Timeout time.Duration `yaml:"timeout"`
}

// EventsConfig configures the NATS event bus.
type EventsConfig struct {
	NATSURL string `yaml:"natsUrl"` // empty disables NATS
}

// SchedulerConfig configures periodic maintenance.
type SchedulerConfig struct {
	CredentialSweep time.Duration `yaml:"credentialSweep"`
	RequeueInterval time.Duration `yaml:"requeueInterval"`
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		str := strings.TrimSpace(value.Value)
		parsed, err := ParseByteSize(str)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

var reNumeric = regexp.MustCompile(`^\d+$`)

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Supports Kubernetes-style quantities for binary units: Ki, Mi, Gi (case-insensitive).
// Also accepts KiB/MiB/GiB and decimal KB/MB/GB, and bare bytes.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	up := strings.ToUpper(s)
	type unit struct {
		suffix string
		value  uint64
	}
	units := []unit{
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			num := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size number in %q: %w", orig, err)
			}
			return uint64(val * float64(u.value)), nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", orig)
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var SCENECAST_CONFIG, then default to "config.yaml".
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()
	if path == "" {
		if env := os.Getenv("SCENECAST_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse expands, decodes, defaults and validates raw YAML.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	postProcess(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if cfg.Server.StorageDir != "" {
		if err := os.MkdirAll(cfg.Server.StorageDir, 0o750); err != nil {
			return nil, fmt.Errorf("ensure storage_dir: %w", err)
		}
	}
	if cfg.Server.DatabasePath == "" {
		cfg.Server.DatabasePath = filepath.Join(cfg.Server.StorageDir, "scenecast.db")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxRequestSize == 0 {
		cfg.Server.MaxRequestSize = ByteSize(64 * 1024)
	}
	if cfg.Server.WorkerCount <= 0 {
		cfg.Server.WorkerCount = 4
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = "data"
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if cfg.Server.SyncTimeout == 0 {
		cfg.Server.SyncTimeout = 25 * time.Minute
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.LogMaxSizeMB <= 0 {
		cfg.Server.LogMaxSizeMB = 50
	}
	if cfg.Server.LogMaxBackups <= 0 {
		cfg.Server.LogMaxBackups = 5
	}

	// Queue defaults
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = "memory"
	}
	if cfg.Queue.Capacity <= 0 {
		cfg.Queue.Capacity = 128
	}
	if cfg.Queue.Redis.Key == "" {
		cfg.Queue.Redis.Key = "scenecast:jobs"
	}
	if cfg.Queue.Redis.StaleAfter == 0 {
		cfg.Queue.Redis.StaleAfter = 45 * time.Minute
	}

	// LLM defaults
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "mock"
	}
	if cfg.LLM.EmbeddingProvider == "" {
		switch cfg.LLM.Provider {
		case "anthropic":
			cfg.LLM.EmbeddingProvider = "none"
		default:
			cfg.LLM.EmbeddingProvider = cfg.LLM.Provider
		}
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 2 * time.Minute
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 3
	}
	if cfg.LLM.AIProxy.BaseURL == "" {
		cfg.LLM.AIProxy.BaseURL = "http://localhost:8900"
	}
	if cfg.LLM.AIProxy.Model == "" {
		cfg.LLM.AIProxy.Model = "gpt-5"
	}
	if cfg.LLM.OpenAI.Model == "" {
		cfg.LLM.OpenAI.Model = "gpt-4o"
	}
	if cfg.LLM.OpenAI.EmbeddingModel == "" {
		cfg.LLM.OpenAI.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.LLM.Ollama.ServerURL == "" {
		cfg.LLM.Ollama.ServerURL = "http://localhost:11434"
	}
	if cfg.LLM.Ollama.Model == "" {
		cfg.LLM.Ollama.Model = "llama3.1"
	}
	if cfg.LLM.Ollama.EmbeddingModel == "" {
		cfg.LLM.Ollama.EmbeddingModel = "nomic-embed-text"
	}
	if cfg.LLM.Anthropic.Model == "" {
		cfg.LLM.Anthropic.Model = "claude-sonnet-4-5"
	}
	if cfg.LLM.Gemini.Model == "" {
		cfg.LLM.Gemini.Model = "gemini-2.0-flash"
	}
	if cfg.LLM.Gemini.EmbeddingModel == "" {
		cfg.LLM.Gemini.EmbeddingModel = "text-embedding-004"
	}

	// Credential pool defaults
	if cfg.Credentials.ConsecutiveErrorThreshold <= 0 {
		cfg.Credentials.ConsecutiveErrorThreshold = 5
	}
	if cfg.Credentials.RateLimitCooldown == 0 {
		cfg.Credentials.RateLimitCooldown = time.Minute
	}
	if cfg.Credentials.ErrorCooldown == 0 {
		cfg.Credentials.ErrorCooldown = 30 * time.Second
	}
	if cfg.Credentials.QuotaResetWindow == 0 {
		cfg.Credentials.QuotaResetWindow = time.Hour
	}
	if cfg.Credentials.AutoHealAfter == 0 {
		cfg.Credentials.AutoHealAfter = 30 * time.Minute
	}

	// Pipeline defaults
	if cfg.Pipeline.MaxScriptFixAttempts <= 0 {
		cfg.Pipeline.MaxScriptFixAttempts = 3
	}
	if cfg.Pipeline.MaxRenderAttempts <= 0 {
		cfg.Pipeline.MaxRenderAttempts = 3
	}
	if cfg.Pipeline.MaxForceRegenerations <= 0 {
		cfg.Pipeline.MaxForceRegenerations = 2
	}
	if cfg.Pipeline.RepeatThreshold <= 0 {
		cfg.Pipeline.RepeatThreshold = 2
	}
	if cfg.Pipeline.AttemptWindow <= 0 {
		cfg.Pipeline.AttemptWindow = 3
	}
	if cfg.Pipeline.ExamplesLimit <= 0 {
		cfg.Pipeline.ExamplesLimit = 2
	}

	// Render defaults
	if cfg.Render.Backend == "" {
		cfg.Render.Backend = "local"
	}
	if cfg.Render.Quality == "" {
		cfg.Render.Quality = "m"
	}
	if cfg.Render.StepBudget == 0 {
		cfg.Render.StepBudget = 5 * time.Minute
	}
	if cfg.Render.StepMargin == 0 {
		cfg.Render.StepMargin = 20 * time.Second
	}
	if cfg.Render.MaxPollIterations <= 0 {
		cfg.Render.MaxPollIterations = 6
	}
	if cfg.Render.Sandbox.PollInterval == 0 {
		cfg.Render.Sandbox.PollInterval = 3 * time.Second
	}
	if cfg.Render.Local.Binary == "" {
		cfg.Render.Local.Binary = "manim"
	}

	// Hosting defaults
	if cfg.Hosting.Provider == "" {
		cfg.Hosting.Provider = "local"
	}
	if cfg.Hosting.S3.Region == "" {
		cfg.Hosting.S3.Region = "auto"
	}

	// Publish defaults
	if cfg.Publish.Target == "" {
		cfg.Publish.Target = "noop"
	}
	if cfg.Publish.Retries == 0 {
		cfg.Publish.Retries = 3
	}
	if cfg.Publish.Backoff == 0 {
		cfg.Publish.Backoff = 2 * time.Second
	}
	if cfg.Publish.Webhook.Timeout == 0 {
		cfg.Publish.Webhook.Timeout = 15 * time.Second
	}

	// Scheduler defaults
	if cfg.Scheduler.CredentialSweep == 0 {
		cfg.Scheduler.CredentialSweep = time.Minute
	}
	if cfg.Scheduler.RequeueInterval == 0 {
		cfg.Scheduler.RequeueInterval = 5 * time.Minute
	}
}

// postProcess performs normalization that depends on other fields.
func postProcess(cfg *Config) {
	kept := cfg.Credentials.Keys[:0]
	for i, k := range cfg.Credentials.Keys {
		if strings.TrimSpace(k.Key) == "" {
			continue
		}
		if k.Label == "" {
			k.Label = fmt.Sprintf("key-%d", i+1)
		}
		kept = append(kept, k)
	}
	cfg.Credentials.Keys = kept

	if cfg.Publish.Target == "github" {
		cfg.Publish.GitHub.BasePath = normalizePathPrefix(cfg.Publish.GitHub.BasePath)
		if strings.TrimSpace(cfg.Publish.GitHub.APIBaseURL) == "" {
			cfg.Publish.GitHub.APIBaseURL = "https://api.github.com"
		}
		if cfg.Publish.GitHub.FilenameTemplate == "" {
			cfg.Publish.GitHub.FilenameTemplate = "{{ .Date }}-{{ .Slug }}.md"
		}
		if cfg.Publish.GitHub.CommitMessageTemplate == "" {
			cfg.Publish.GitHub.CommitMessageTemplate = "Add video: {{ .Title }}"
		}
	}
	cfg.Hosting.PublicBaseURL = strings.TrimRight(cfg.Hosting.PublicBaseURL, "/")
}

func validate(cfg *Config) error {
	switch cfg.Queue.Backend {
	case "memory":
	case "redis":
		if strings.TrimSpace(cfg.Queue.Redis.Addr) == "" {
			return errors.New("queue.redis.addr is required")
		}
	default:
		return fmt.Errorf("unknown queue.backend %q", cfg.Queue.Backend)
	}

	switch cfg.LLM.Provider {
	case "mock", "aiproxy", "ollama":
	case "openai", "anthropic", "gemini":
		if len(cfg.Credentials.Keys) == 0 {
			return fmt.Errorf("llm provider %q requires at least one credentials.keys entry", cfg.LLM.Provider)
		}
	default:
		return fmt.Errorf("unknown llm.provider %q", cfg.LLM.Provider)
	}
	switch cfg.LLM.EmbeddingProvider {
	case "mock", "aiproxy", "openai", "ollama", "gemini", "none":
	default:
		return fmt.Errorf("llm.embeddingProvider %q does not support embeddings", cfg.LLM.EmbeddingProvider)
	}

	switch cfg.Render.Backend {
	case "local":
	case "sandbox":
		if strings.TrimSpace(cfg.Render.Sandbox.BaseURL) == "" {
			return errors.New("render.sandbox.baseUrl is required")
		}
	default:
		return fmt.Errorf("unknown render.backend %q", cfg.Render.Backend)
	}
	if cfg.Render.StepMargin >= cfg.Render.StepBudget {
		return errors.New("render.stepMargin must be smaller than render.stepBudget")
	}

	switch cfg.Hosting.Provider {
	case "local":
		if cfg.Hosting.PublicBaseURL == "" {
			return errors.New("hosting.publicBaseUrl is required for local hosting")
		}
	case "s3":
		s := cfg.Hosting.S3
		if s.Bucket == "" || s.AccessKeyID == "" || s.SecretAccessKey == "" {
			return errors.New("hosting.s3 requires bucket, accessKeyId and secretAccessKey")
		}
		if cfg.Hosting.PublicBaseURL == "" {
			return errors.New("hosting.publicBaseUrl is required for s3 hosting")
		}
	case "minio":
		m := cfg.Hosting.MinIO
		if m.Endpoint == "" || m.Bucket == "" {
			return errors.New("hosting.minio requires endpoint and bucket")
		}
	default:
		return fmt.Errorf("unknown hosting.provider %q", cfg.Hosting.Provider)
	}

	switch cfg.Publish.Target {
	case "noop":
	case "github":
		g := cfg.Publish.GitHub
		if strings.TrimSpace(g.RepositoryOwner) == "" {
			return fmt.Errorf("publish.github.repositoryOwner is required")
		}
		if strings.TrimSpace(g.RepositoryName) == "" {
			return fmt.Errorf("publish.github.repositoryName is required")
		}
		if strings.TrimSpace(g.Branch) == "" {
			return fmt.Errorf("publish.github.branch is required")
		}
		if strings.TrimSpace(g.Auth.Token) == "" {
			return fmt.Errorf("publish.github.auth.token is required")
		}
	case "webhook":
		if strings.TrimSpace(cfg.Publish.Webhook.URL) == "" {
			return fmt.Errorf("publish.webhook.url is required")
		}
	default:
		return fmt.Errorf("unknown publish.target %q", cfg.Publish.Target)
	}
	return nil
}

func normalizePathPrefix(p string) string {
	if p == "" {
		return p
	}
	p = strings.ReplaceAll(p, "\\", "/")
	if !strings.HasSuffix(p, "/") {
		p = p + "/"
	}
	// Remove leading "./"
	p = strings.TrimPrefix(p, "./")
	return p
}
