// Package langchain adapts langchaingo models to the llm interfaces.
package langchain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/jo-hoe/scenecast/internal/config"
	"github.com/jo-hoe/scenecast/internal/llm"
)

var (
	_ llm.Generator = (*Generator)(nil)
	_ llm.Embedder  = (*Embedder)(nil)
)

// Generator wraps a langchaingo chat model.
type Generator struct {
	model     llms.Model
	modelName string
}

// NewOpenAI creates a generator for OpenAI or an OpenAI-compatible endpoint.
func NewOpenAI(cfg config.OpenAISettings, key string) (*Generator, error) {
	if key == "" {
		return nil, errors.New("openai API key required")
	}
	opts := []openai.Option{
		openai.WithToken(key),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai model: %w", err)
	}
	return &Generator{model: model, modelName: cfg.Model}, nil
}

// NewOllama creates a generator for a local Ollama server.
func NewOllama(cfg config.OllamaSettings) (*Generator, error) {
	model, err := ollama.New(
		ollama.WithModel(cfg.Model),
		ollama.WithServerURL(cfg.ServerURL),
	)
	if err != nil {
		return nil, fmt.Errorf("create ollama model: %w", err)
	}
	return &Generator{model: model, modelName: cfg.Model}, nil
}

// NewAnthropic creates a generator for Anthropic.
func NewAnthropic(cfg config.AnthropicSettings, key string) (*Generator, error) {
	if key == "" {
		return nil, errors.New("anthropic API key required")
	}
	model, err := anthropic.New(
		anthropic.WithToken(key),
		anthropic.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("create anthropic model: %w", err)
	}
	return &Generator{model: model, modelName: cfg.Model}, nil
}

// Generate sends a system and a human message and returns the first choice.
func (g *Generator) Generate(ctx context.Context, system, prompt string) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	resp, err := g.model.GenerateContent(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("%s generate: %w", g.modelName, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return "", llm.ErrEmptyCompletion
	}
	return resp.Choices[0].Content, nil
}

// Embedder wraps a langchaingo embedder.
type Embedder struct {
	model     embeddings.Embedder
	modelName string
}

// NewOpenAIEmbedder creates an embedder using the OpenAI embeddings API.
func NewOpenAIEmbedder(cfg config.OpenAISettings, key string) (*Embedder, error) {
	if key == "" {
		return nil, errors.New("openai API key required")
	}
	opts := []openai.Option{
		openai.WithToken(key),
		openai.WithEmbeddingModel(cfg.EmbeddingModel),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	model, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("create openai embedder: %w", err)
	}
	return &Embedder{model: model, modelName: cfg.EmbeddingModel}, nil
}

// NewOllamaEmbedder creates an embedder backed by an Ollama embedding model.
func NewOllamaEmbedder(cfg config.OllamaSettings) (*Embedder, error) {
	client, err := ollama.New(
		ollama.WithModel(cfg.EmbeddingModel),
		ollama.WithServerURL(cfg.ServerURL),
	)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	model, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("create ollama embedder: %w", err)
	}
	return &Embedder{model: model, modelName: cfg.EmbeddingModel}, nil
}

// Embed returns the vector for text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.model.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("%s embed: %w", e.modelName, err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, errors.New("no embedding returned")
	}
	return vectors[0], nil
}
