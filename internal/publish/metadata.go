package publish

import (
	"context"
	"strings"
	"unicode"

	"github.com/jo-hoe/scenecast/internal/llm"
	"github.com/jo-hoe/scenecast/internal/workflow"
)

const (
	titleSystemPrompt = `You write short, catchy titles for educational animated videos.
Answer with the title only, without quotes, at most 80 characters.`
	descriptionSystemPrompt = `You write a two sentence description for an educational animated video.
Answer with the description only, plain text, no markdown.`

	// DefaultDescription is used when the summary cannot be generated.
	DefaultDescription = "A short animated explainer video."

	maxTitleRunes       = 80
	maxDescriptionRunes = 500
)

// Metadata is the title, description and tags of a published video.
type Metadata struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// GenerateMetadata asks gen for a title and a description. Each call is a
// durable step and falls back to a deterministic default on failure.
func GenerateMetadata(ctx context.Context, run *workflow.Run, gen llm.Generator, prompt, narration string) Metadata {
	user := "Topic:\n" + prompt
	if strings.TrimSpace(narration) != "" {
		user += "\n\nNarration:\n" + narration
	}
	title, _ := workflow.Step(ctx, run, "metadata/title", func(ctx context.Context) (string, error) {
		out, err := gen.Generate(ctx, titleSystemPrompt, user)
		if t := cleanTitle(out); err == nil && t != "" {
			return t, nil
		}
		return FallbackTitle(prompt), nil
	})
	desc, _ := workflow.Step(ctx, run, "metadata/description", func(ctx context.Context) (string, error) {
		out, err := gen.Generate(ctx, descriptionSystemPrompt, user)
		if d := truncateRunes(collapse(out), maxDescriptionRunes); err == nil && d != "" {
			return d, nil
		}
		return DefaultDescription, nil
	})
	if title == "" {
		title = FallbackTitle(prompt)
	}
	if desc == "" {
		desc = DefaultDescription
	}
	return Metadata{Title: title, Description: desc}
}

// FallbackTitle is the prompt with markup and control characters removed,
// truncated to 80 runes.
func FallbackTitle(prompt string) string {
	var b strings.Builder
	for _, r := range prompt {
		switch {
		case unicode.IsControl(r):
			b.WriteRune(' ')
		case strings.ContainsRune("#*`_>[]<{}|~", r):
		default:
			b.WriteRune(r)
		}
	}
	out := truncateRunes(collapse(b.String()), maxTitleRunes)
	if out == "" {
		return "Untitled video"
	}
	return out
}

func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) >= 6 && strings.EqualFold(s[:6], "title:") {
		s = s[6:]
	}
	s = strings.Trim(strings.TrimSpace(s), `"'*#`)
	return truncateRunes(collapse(s), maxTitleRunes)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n]))
}
