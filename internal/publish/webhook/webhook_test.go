package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/scenecast/internal/config"
	"github.com/jo-hoe/scenecast/internal/publish"
)

func TestPublish_PostsPayload(t *testing.T) {
	var got payload
	var auth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"id":"post-9","url":"https://social.example.com/p/9"}`))
	}))
	defer ts.Close()

	tg, err := New(config.WebhookPublishConfig{URL: ts.URL, Secret: "s3cret"})
	require.NoError(t, err)

	res, err := tg.Publish(context.Background(), publish.Request{
		JobID: "j1", Variant: "short", VideoURL: "https://cdn/x.mp4", Title: "T", Tags: []string{"shorts"},
	})
	require.NoError(t, err)
	assert.Equal(t, publish.Result{ID: "post-9", URL: "https://social.example.com/p/9"}, res)
	assert.Equal(t, "Bearer s3cret", auth)
	assert.Equal(t, "j1", got.JobID)
	assert.Equal(t, "short", got.Variant)
	assert.Equal(t, []string{"shorts"}, got.Tags)
}

func TestPublish_EmptyAnswerFallsBackToVideo(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	tg, err := New(config.WebhookPublishConfig{URL: ts.URL})
	require.NoError(t, err)
	res, err := tg.Publish(context.Background(), publish.Request{JobID: "j1", VideoURL: "https://cdn/x.mp4"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/x.mp4", res.URL)
	assert.Equal(t, "j1", res.ID)
}

func TestPublish_Non2xx(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer ts.Close()

	tg, err := New(config.WebhookPublishConfig{URL: ts.URL})
	require.NoError(t, err)
	_, err = tg.Publish(context.Background(), publish.Request{JobID: "j1"})
	assert.ErrorContains(t, err, "502")
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New(config.WebhookPublishConfig{})
	assert.Error(t, err)
}
