package llm

import (
	"context"
	"errors"
)

// Generator produces text from a system prompt and a user prompt.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ErrEmptyCompletion is returned by providers when the model answered with nothing.
var ErrEmptyCompletion = errors.New("empty completion")

// GeneratorFactory builds a Generator bound to one API key. key is empty for
// providers that do not authenticate.
type GeneratorFactory func(key string) (Generator, error)

// EmbedderFactory builds an Embedder bound to one API key.
type EmbedderFactory func(key string) (Embedder, error)
