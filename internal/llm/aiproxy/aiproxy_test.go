package aiproxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jo-hoe/scenecast/internal/config"
	"github.com/jo-hoe/scenecast/internal/credentials"
	"github.com/jo-hoe/scenecast/internal/llm"
)

func completion(content string) chatCompletionResponse {
	return chatCompletionResponse{
		ID:      "id-123",
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Choices: []chatCompletionChoice{
			{
				Index:        0,
				Message:      responseMsg{Role: "assistant", Content: content},
				FinishReason: "stop",
			},
		},
	}
}

func TestAIProxy_Generate_Success(t *testing.T) {
	var seenAuth string
	var seenBody chatCompletionRequest

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/v1/chat/completions" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&seenBody); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completion("class MyScene(VoiceoverScene): ..."))
	}))
	defer ts.Close()

	cfg := config.AIProxySettings{
		BaseURL:     ts.URL,
		Model:       "gpt-5",
		Temperature: 0.2,
	}
	c := New(cfg, "k123")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := c.Generate(ctx, "System X", "Topic: circles")
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if out != "class MyScene(VoiceoverScene): ..." {
		t.Fatalf("unexpected content: %q", out)
	}
	if seenAuth != "Bearer k123" {
		t.Fatalf("missing/incorrect auth header, got %q", seenAuth)
	}
	if seenBody.Model != "gpt-5" || seenBody.Temperature == nil || *seenBody.Temperature != 0.2 {
		t.Fatalf("unexpected request options: %+v", seenBody)
	}
	if len(seenBody.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(seenBody.Messages))
	}
	if seenBody.Messages[0].Role != RoleSystem || seenBody.Messages[0].Content != "System X" {
		t.Fatalf("system prompt not set correctly: %+v", seenBody.Messages[0])
	}
	if seenBody.Messages[1].Role != RoleUser || seenBody.Messages[1].Content != "Topic: circles" {
		t.Fatalf("user prompt not set correctly: %+v", seenBody.Messages[1])
	}
}

func TestAIProxy_Generate_Non200IsClassifiable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer ts.Close()

	c := New(config.AIProxySettings{BaseURL: ts.URL, Model: "gpt-5"}, "")

	_, err := c.Generate(context.Background(), "s", "p")
	if err == nil {
		t.Fatalf("expected error for non-200 response")
	}
	if got := credentials.ClassifyError(err); got != credentials.KindRateLimited {
		t.Fatalf("expected rate limit classification, got %s (%v)", got, err)
	}
}

func TestAIProxy_Generate_EmptyCompletion(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(completion("   "))
	}))
	defer ts.Close()

	_, err := New(config.AIProxySettings{BaseURL: ts.URL}, "").Generate(context.Background(), "s", "p")
	if !errors.Is(err, llm.ErrEmptyCompletion) {
		t.Fatalf("expected ErrEmptyCompletion, got %v", err)
	}
}

func TestAIProxy_Generate_EmptyPrompt(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("server should not be called for empty prompt")
	}))
	defer ts.Close()

	c := New(config.AIProxySettings{BaseURL: ts.URL, Model: "gpt-5"}, "")

	if _, err := c.Generate(context.Background(), "s", "  "); err == nil {
		t.Fatalf("expected error for empty prompt")
	}
}

func TestAIProxy_Generate_ContextCancel(t *testing.T) {
	var started int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.StoreInt32(&started, 1)
		time.Sleep(2 * time.Second)
	}))
	defer ts.Close()

	c := New(config.AIProxySettings{BaseURL: ts.URL, Model: "gpt-5"}, "")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.Generate(ctx, "s", "p")
	if err == nil {
		t.Fatalf("expected context cancellation error")
	}
	if atomic.LoadInt32(&started) == 0 {
		t.Fatalf("server was not invoked; test invalid")
	}
}

func TestAIProxy_Embed(t *testing.T) {
	var seen embeddingRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/embeddings") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&seen)
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[0.5,0.25]}]}`))
	}))
	defer ts.Close()

	c := New(config.AIProxySettings{BaseURL: ts.URL, Model: "chat", EmbeddingModel: "embed-small"}, "k")
	v, err := c.Embed(context.Background(), "triangles")
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}
	if len(v) != 2 || v[0] != 0.5 {
		t.Fatalf("unexpected vector %v", v)
	}
	if seen.Model != "embed-small" || len(seen.Input) != 1 || seen.Input[0] != "triangles" {
		t.Fatalf("unexpected request %+v", seen)
	}
}
