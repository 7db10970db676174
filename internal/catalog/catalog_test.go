package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const circleSnippet = `# DIAGRAM_SCHEMA: circle_geometry_v1
# DESCRIPTION: Circle with chord and tangent line
# TOPICS: geometry, circle, chord, tangent, radius perpendicular

# Create a circle with a chord and tangent
circle_diagram = create_circle_geometry(radius=2.0)
self.play(Create(circle_diagram), run_time=2.0)
`

const vectorSnippet = `# DIAGRAM_SCHEMA: vector_3d_v1
# DESCRIPTION: Standard basis vectors in 3D space
# TOPICS: linear algebra, vectors, basis, 3d
# REQUIRES: class MyScene(VoiceoverScene, ThreeDScene)
axes = ThreeDAxes()
`

const sunSnippet = `# ILLUSTRATION: sun
# DESCRIPTION: Realistic sun with glow, corona, and rays
# TOPICS: astronomy, sun, solar, space, star, light

def create_sun(radius=1.0):
    return VGroup()
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeCatalog(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"circle_geometry/chord_and_tangent.py": circleSnippet,
		"3d_vector/basis_vectors.py":           vectorSnippet,
		"illustrations/sun.py":                 sunSnippet,
		"illustrations/README.md":              "not a snippet",
		"broken/no_header.py":                  "x = 1\n",
	}
	for name, content := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return dir
}

func TestParse(t *testing.T) {
	s, ok := Parse("basis_vectors", vectorSnippet)
	require.True(t, ok)
	assert.Equal(t, "diagram", s.Kind)
	assert.Equal(t, "vector_3d_v1", s.Schema)
	assert.Equal(t, []string{"linear algebra", "vectors", "basis", "3d"}, s.Topics)
	assert.Equal(t, "class MyScene(VoiceoverScene, ThreeDScene)", s.Requires)
	assert.Equal(t, "axes = ThreeDAxes()", s.Code)

	s, ok = Parse("sun", sunSnippet)
	require.True(t, ok)
	assert.Equal(t, "illustration", s.Kind)
	assert.True(t, strings.HasPrefix(s.Code, "def create_sun"))

	_, ok = Parse("x", "x = 1\n")
	assert.False(t, ok)
}

func TestLoadAndMatch(t *testing.T) {
	c, err := Load(discardLogger(), writeCatalog(t))
	require.NoError(t, err)
	require.Equal(t, 3, c.Len())

	got := c.Match("Explain why a tangent to a circle is perpendicular to the radius", 2)
	require.NotEmpty(t, got)
	assert.Equal(t, "chord_and_tangent", got[0].Name)

	got = c.Match("an intro to linear algebra and basis vectors", 1)
	require.Len(t, got, 1)
	assert.Equal(t, "basis_vectors", got[0].Name)

	assert.Empty(t, c.Match("medieval poetry", 3))
}

func TestLoad_EmptyDir(t *testing.T) {
	c, err := Load(discardLogger(), "")
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.Rank(context.Background(), "circle", 2))
}

type fakeEmbedder struct {
	vecs  map[string][]float32
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	for k, v := range f.vecs {
		if strings.Contains(text, k) {
			return v, nil
		}
	}
	return []float32{0, 0, 1}, nil
}

func TestRank_EmbeddingReordersAndCaches(t *testing.T) {
	c := New(discardLogger(), []Snippet{
		{Name: "sun", Description: "Realistic sun", Topics: []string{"space", "star"}},
		{Name: "star", Description: "Twinkling star", Topics: []string{"space", "star", "night"}},
	})
	emb := &fakeEmbedder{vecs: map[string][]float32{
		"QUERY":          {1, 0, 0},
		"Realistic sun":  {0.9, 0.1, 0},
		"Twinkling star": {0, 1, 0},
	}}
	c.WithEmbedder(emb)

	// keyword order prefers "star" (more topic hits); the embedding prefers "sun"
	assert.Equal(t, "star", c.Match("QUERY space star night", 1)[0].Name)
	got := c.Rank(context.Background(), "QUERY space star night", 1)
	require.Len(t, got, 1)
	assert.Equal(t, "sun", got[0].Name)

	calls := emb.calls
	c.Rank(context.Background(), "QUERY space star night", 1)
	assert.Equal(t, calls+1, emb.calls, "snippet vectors are cached")
}

func TestRank_EmbeddingErrorFallsBack(t *testing.T) {
	c, err := Load(discardLogger(), writeCatalog(t))
	require.NoError(t, err)
	c.WithEmbedder(&fakeEmbedder{err: errors.New("down")})
	got := c.Rank(context.Background(), "space star sun light", 1)
	require.Len(t, got, 1)
	assert.Equal(t, "sun", got[0].Name)
}

func TestFormat(t *testing.T) {
	s, _ := Parse("basis_vectors", vectorSnippet)
	out := Format([]Snippet{s})
	assert.Contains(t, out, "# Standard basis vectors in 3D space")
	assert.Contains(t, out, "# requires: class MyScene(VoiceoverScene, ThreeDScene)")
	assert.Contains(t, out, "axes = ThreeDAxes()")
	assert.Equal(t, "", Format(nil))
}
