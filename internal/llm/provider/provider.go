// Package provider builds the credential-aware LLM pool from configuration.
package provider

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jo-hoe/scenecast/internal/config"
	"github.com/jo-hoe/scenecast/internal/credentials"
	"github.com/jo-hoe/scenecast/internal/llm"
	"github.com/jo-hoe/scenecast/internal/llm/aiproxy"
	"github.com/jo-hoe/scenecast/internal/llm/gemini"
	"github.com/jo-hoe/scenecast/internal/llm/langchain"
	"github.com/jo-hoe/scenecast/internal/llm/mock"
)

// NewCredentials builds the credential manager for the configured key pool.
func NewCredentials(log *slog.Logger, cfg config.CredentialsConfig) *credentials.Manager {
	creds := make([]credentials.Credential, 0, len(cfg.Keys))
	for _, k := range cfg.Keys {
		creds = append(creds, credentials.Credential{Label: k.Label, Key: k.Key})
	}
	return credentials.NewManager(log, creds, credentials.Options{
		ConsecutiveErrorThreshold: cfg.ConsecutiveErrorThreshold,
		RateLimitCooldown:         cfg.RateLimitCooldown,
		ErrorCooldown:             cfg.ErrorCooldown,
		QuotaResetWindow:          cfg.QuotaResetWindow,
		AutoHealAfter:             cfg.AutoHealAfter,
	})
}

// New returns a pool for cfg.Provider, embedding with cfg.EmbeddingProvider
// unless it is "none". Both share the credential pool.
func New(log *slog.Logger, cfg config.LLMConfig, creds *credentials.Manager) (*llm.Pool, error) {
	gen, err := GeneratorFactory(cfg)
	if err != nil {
		return nil, err
	}
	embed, err := EmbedderFactory(cfg)
	if err != nil {
		return nil, err
	}
	log.Info("llm provider configured", "provider", cfg.Provider, "embeddings", cfg.EmbeddingProvider, "credentials", creds.Len())
	return llm.NewPool(log, creds, gen, embed, llm.PoolOptions{
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
	}), nil
}

// GeneratorFactory maps a provider name to a per-key constructor.
func GeneratorFactory(cfg config.LLMConfig) (llm.GeneratorFactory, error) {
	switch cfg.Provider {
	case "mock":
		c := mock.New(cfg.Mock)
		return func(string) (llm.Generator, error) { return c, nil }, nil
	case "aiproxy":
		return func(key string) (llm.Generator, error) { return aiproxy.New(cfg.AIProxy, key), nil }, nil
	case "openai":
		return func(key string) (llm.Generator, error) { return langchain.NewOpenAI(cfg.OpenAI, key) }, nil
	case "ollama":
		return func(string) (llm.Generator, error) { return langchain.NewOllama(cfg.Ollama) }, nil
	case "anthropic":
		return func(key string) (llm.Generator, error) { return langchain.NewAnthropic(cfg.Anthropic, key) }, nil
	case "gemini":
		return func(key string) (llm.Generator, error) {
			return gemini.New(context.Background(), cfg.Gemini, key)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}

// EmbedderFactory maps an embedding provider name to a per-key constructor.
// It returns nil for "none".
func EmbedderFactory(cfg config.LLMConfig) (llm.EmbedderFactory, error) {
	switch cfg.EmbeddingProvider {
	case "", "none":
		return nil, nil
	case "mock":
		c := mock.New(cfg.Mock)
		return func(string) (llm.Embedder, error) { return c, nil }, nil
	case "aiproxy":
		return func(key string) (llm.Embedder, error) { return aiproxy.New(cfg.AIProxy, key), nil }, nil
	case "openai":
		return func(key string) (llm.Embedder, error) { return langchain.NewOpenAIEmbedder(cfg.OpenAI, key) }, nil
	case "ollama":
		return func(string) (llm.Embedder, error) { return langchain.NewOllamaEmbedder(cfg.Ollama) }, nil
	case "gemini":
		return func(key string) (llm.Embedder, error) {
			return gemini.New(context.Background(), cfg.Gemini, key)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.EmbeddingProvider)
	}
}
