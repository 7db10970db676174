package provider

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/scenecast/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_MockProviderGeneratesAndEmbeds(t *testing.T) {
	log := discardLogger()
	creds := NewCredentials(log, config.CredentialsConfig{})
	pool, err := New(log, config.LLMConfig{Provider: "mock", EmbeddingProvider: "mock"}, creds)
	require.NoError(t, err)

	out, err := pool.Generate(context.Background(), "Write a title.", "Topic:\ncircles")
	require.NoError(t, err)
	assert.Equal(t, "Understanding circles", out)

	require.True(t, pool.CanEmbed())
	v, err := pool.Embed(context.Background(), "circles")
	require.NoError(t, err)
	assert.NotEmpty(t, v)
}

func TestEmbedderFactory_None(t *testing.T) {
	f, err := EmbedderFactory(config.LLMConfig{EmbeddingProvider: "none"})
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestFactories_RejectUnknown(t *testing.T) {
	_, err := GeneratorFactory(config.LLMConfig{Provider: "nope"})
	assert.Error(t, err)
	_, err = EmbedderFactory(config.LLMConfig{EmbeddingProvider: "anthropic"})
	assert.Error(t, err)
}

func TestNewCredentials_CopiesKeys(t *testing.T) {
	m := NewCredentials(discardLogger(), config.CredentialsConfig{Keys: []config.CredentialEntry{
		{Label: "a", Key: "sk-aaaa1111"},
		{Label: "b", Key: "sk-bbbb2222"},
	}})
	require.Equal(t, 2, m.Len())
	snap := m.Snapshot()
	assert.Equal(t, "a", snap[0].Label)
	assert.Equal(t, "****1111", snap[0].Key)
}
