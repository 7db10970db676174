// Package catalog loads annotated reference scene snippets and picks the ones
// relevant to a topic for the script prompt.
package catalog

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/jo-hoe/scenecast/internal/llm"
)

// Snippet is one reference example. Headers look like
//
//	# DIAGRAM_SCHEMA: circle_geometry_v1
//	# DESCRIPTION: Circle with chord and tangent line
//	# TOPICS: geometry, circle, chord, tangent
//	# REQUIRES: class MyScene(VoiceoverScene, ThreeDScene)
type Snippet struct {
	Name        string
	Kind        string // diagram | illustration
	Schema      string
	Description string
	Topics      []string
	Requires    string
	Code        string
}

// Catalog is an immutable set of snippets with an optional embedding re-rank.
type Catalog struct {
	log      *slog.Logger
	snippets []Snippet
	embed    llm.Embedder

	mu      sync.Mutex
	vectors map[int][]float32
}

// New builds a catalog from already parsed snippets.
func New(log *slog.Logger, snippets []Snippet) *Catalog {
	return &Catalog{log: log.With("component", "catalog"), snippets: snippets, vectors: make(map[int][]float32)}
}

// Load parses every .py file under dir. Files without a DESCRIPTION or TOPICS
// header are skipped. An empty dir yields an empty catalog.
func Load(log *slog.Logger, dir string) (*Catalog, error) {
	if strings.TrimSpace(dir) == "" {
		return New(log, nil), nil
	}
	var out []Snippet
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(p) != ".py" {
			return nil
		}
		data, err := os.ReadFile(p) // #nosec G304 - walking the configured examples directory
		if err != nil {
			return fmt.Errorf("read snippet: %w", err)
		}
		if s, ok := Parse(strings.TrimSuffix(filepath.Base(p), ".py"), string(data)); ok {
			out = append(out, s)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", dir, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	c := New(log, out)
	c.log.Info("snippet catalog loaded", "dir", dir, "snippets", len(out))
	return c, nil
}

// WithEmbedder enables embedding re-rank of keyword candidates.
func (c *Catalog) WithEmbedder(e llm.Embedder) *Catalog {
	c.embed = e
	return c
}

func (c *Catalog) Len() int { return len(c.snippets) }

// Parse reads the leading comment header of src.
func Parse(name, src string) (Snippet, bool) {
	s := Snippet{Name: name}
	lines := strings.Split(src, "\n")
	body := 0
	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" && i == body {
			body = i + 1
			continue
		}
		if !strings.HasPrefix(line, "#") {
			break
		}
		body = i + 1
		key, val, ok := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, "#")), ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch strings.TrimSpace(key) {
		case "DIAGRAM_SCHEMA":
			s.Kind, s.Schema = "diagram", val
		case "ILLUSTRATION":
			s.Kind, s.Schema = "illustration", val
		case "DESCRIPTION":
			s.Description = val
		case "TOPICS":
			for _, t := range strings.Split(val, ",") {
				if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
					s.Topics = append(s.Topics, t)
				}
			}
		case "REQUIRES":
			s.Requires = val
		}
	}
	if s.Description == "" || len(s.Topics) == 0 {
		return Snippet{}, false
	}
	s.Code = strings.TrimSpace(strings.Join(lines[body:], "\n"))
	return s, true
}

type scored struct {
	idx   int
	score float64
}

// Match returns up to limit snippets ranked by keyword overlap with query.
func (c *Catalog) Match(query string, limit int) []Snippet {
	ranked := c.keyword(query)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return c.pick(ranked)
}

// Rank is Match with the keyword candidates re-ranked by cosine similarity
// to the embedded query. Embedding failures fall back to keyword order.
func (c *Catalog) Rank(ctx context.Context, query string, limit int) []Snippet {
	if limit <= 0 {
		return nil
	}
	ranked := c.keyword(query)
	if c.embed == nil || len(ranked) <= 1 {
		return c.Match(query, limit)
	}
	if len(ranked) > 3*limit {
		ranked = ranked[:3*limit]
	}
	qv, err := c.embed.Embed(ctx, query)
	if err != nil {
		c.log.Warn("query embedding failed, using keyword order", "err", err)
		return c.Match(query, limit)
	}
	for i := range ranked {
		v, err := c.vector(ctx, ranked[i].idx)
		if err != nil {
			c.log.Warn("snippet embedding failed, using keyword order", "snippet", c.snippets[ranked[i].idx].Name, "err", err)
			return c.Match(query, limit)
		}
		// keyword score breaks ties between equally similar snippets
		ranked[i].score = cosine(qv, v) + ranked[i].score*1e-6
	}
	sortScored(ranked)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return c.pick(ranked)
}

func (c *Catalog) keyword(query string) []scored {
	q := strings.ToLower(query)
	words := tokenSet(q)
	var out []scored
	for i, s := range c.snippets {
		score := 0.0
		for _, t := range s.Topics {
			if strings.Contains(t, " ") && strings.Contains(q, t) {
				score += 3
				continue
			}
			for w := range tokenSet(t) {
				if words[w] {
					score += 2
				}
			}
		}
		for w := range tokenSet(strings.ToLower(s.Description)) {
			if len(w) > 3 && words[w] {
				score += 0.5
			}
		}
		if score > 0 {
			out = append(out, scored{idx: i, score: score})
		}
	}
	sortScored(out)
	return out
}

func sortScored(s []scored) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].score != s[j].score {
			return s[i].score > s[j].score
		}
		return s[i].idx < s[j].idx
	})
}

func (c *Catalog) pick(ranked []scored) []Snippet {
	out := make([]Snippet, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, c.snippets[r.idx])
	}
	return out
}

func (c *Catalog) vector(ctx context.Context, idx int) ([]float32, error) {
	c.mu.Lock()
	v, ok := c.vectors[idx]
	c.mu.Unlock()
	if ok {
		return v, nil
	}
	s := c.snippets[idx]
	v, err := c.embed.Embed(ctx, s.Description+". "+strings.Join(s.Topics, ", "))
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.vectors[idx] = v
	c.mu.Unlock()
	return v, nil
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		out[w] = true
	}
	return out
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Format renders snippets as a prompt section.
func Format(snippets []Snippet) string {
	if len(snippets) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Reference examples (adapt, do not copy verbatim):\n")
	for _, s := range snippets {
		fmt.Fprintf(&b, "\n# %s\n", s.Description)
		if s.Requires != "" {
			fmt.Fprintf(&b, "# requires: %s\n", s.Requires)
		}
		b.WriteString(s.Code)
		b.WriteString("\n")
	}
	return b.String()
}
