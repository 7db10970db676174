package mock

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/jo-hoe/scenecast/internal/config"
	"github.com/jo-hoe/scenecast/internal/llm"
)

var (
	_ llm.Generator = (*Client)(nil)
	_ llm.Embedder  = (*Client)(nil)
)

const embeddingDims = 64

// Client is a deterministic offline provider. It answers script requests with
// a valid scene, title and description requests with short text, and anything
// else with narration.
type Client struct {
	delay time.Duration
}

func New(cfg config.MockSettings) *Client {
	return &Client{delay: cfg.Delay}
}

func (c *Client) wait(ctx context.Context) error {
	if c.delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(c.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) Generate(ctx context.Context, system, prompt string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	topic := topicOf(prompt)
	sys := strings.ToLower(system)
	switch {
	case strings.Contains(sys, "class myscene"):
		return sceneFor(topic), nil
	case strings.Contains(sys, "title"):
		return "Understanding " + topic, nil
	case strings.Contains(sys, "description"):
		return fmt.Sprintf("A short animated explainer about %s.", topic), nil
	default:
		return fmt.Sprintf("Let's explore %s. We start with the basic idea, build an example step by step, and finish with a short summary.", topic), nil
	}
}

// Embed hashes words into a fixed-size, normalized bag-of-words vector.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	v := make([]float32, embeddingDims)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%embeddingDims]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range v {
			v[i] /= n
		}
	}
	return v, nil
}

// topicOf extracts the text after a "Topic:" line, or the first line of prompt.
func topicOf(prompt string) string {
	lines := strings.Split(prompt, "\n")
	for i, l := range lines {
		if strings.TrimSpace(l) == "Topic:" && i+1 < len(lines) {
			return clean(lines[i+1])
		}
	}
	return clean(lines[0])
}

func clean(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' {
			b.WriteRune(r)
		}
	}
	out := strings.Join(strings.Fields(b.String()), " ")
	if r := []rune(out); len(r) > 40 {
		out = strings.TrimSpace(string(r[:40]))
	}
	if out == "" {
		return "this topic"
	}
	return out
}

func sceneFor(topic string) string {
	return fmt.Sprintf(`from manim import *
from manim_voiceover import VoiceoverScene
from manim_voiceover.services.gtts import GTTSService


class MyScene(VoiceoverScene):
    def construct(self):
        self.set_speech_service(GTTSService())
        title = Text("%s", font_size=40)
        with self.voiceover(text="Today we look at %s.") as tracker:
            self.play(Write(title), run_time=tracker.duration)
        self.play(title.animate.to_edge(UP))
        circle = Circle(color=BLUE)
        self.play(Create(circle))
        self.wait(1)
`, topic, topic)
}
