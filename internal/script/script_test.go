package script

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validScript = `from manim import *
from manim_voiceover import VoiceoverScene
from manim_voiceover.services.gtts import GTTSService


class MyScene(VoiceoverScene):
    def construct(self):
        self.set_speech_service(GTTSService())
        title = Text("Pythagoras", font_size=48)
        eq = MathTex(r"a^2 + b^2 = c^2", font_size=FONT_BODY)
        with self.voiceover(text="Let's look at right triangles.") as tracker:
            self.play(Write(title), run_time=tracker.duration)
        self.play(title.animate.scale(0.8))
        self.play(Write(eq))
        self.wait(1)
`

func newValidator() *Validator { return New(DefaultRules()) }

func TestValidate_ValidScript(t *testing.T) {
	v := newValidator()
	req := v.ValidateRequired(validScript)
	assert.True(t, req.OK, req.Error)

	res := v.Validate(validScript, Options{})
	assert.True(t, res.OK, "%v", res.Messages())
	assert.Empty(t, res.Issues)
}

func TestValidateRequired_MissingEntryClass(t *testing.T) {
	v := newValidator()
	src := strings.Replace(validScript, "class MyScene(", "class Intro(", 1)

	req := v.ValidateRequired(src)
	assert.False(t, req.OK)
	assert.Contains(t, req.Error, "MyScene")
}

func TestValidateRequired_MissingMarkers(t *testing.T) {
	v := newValidator()
	cases := map[string]struct {
		from, to string
		want     string
	}{
		"import":  {"from manim import *\n", "", "from manim import *"},
		"method":  {"def construct(self)", "def build(self)", "construct(self)"},
		"service": {"self.set_speech_service(GTTSService())", "pass", "set_speech_service"},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			req := v.ValidateRequired(strings.Replace(validScript, c.from, c.to, 1))
			assert.False(t, req.OK)
			assert.Contains(t, req.Error, c.want)
		})
	}
}

func TestValidateRequired_MarkerInsideStringDoesNotCount(t *testing.T) {
	v := newValidator()
	src := strings.Replace(validScript, "class MyScene(VoiceoverScene):", "class Other(VoiceoverScene):\n    doc = \"class MyScene(Scene):\"", 1)
	assert.False(t, v.ValidateRequired(src).OK)
}

func TestValidate_EmptyIsCritical(t *testing.T) {
	res := newValidator().Validate("  \n\t\n", Options{})
	require.Len(t, res.Issues, 1)
	assert.Equal(t, SeverityCritical, res.Issues[0].Severity)
	assert.False(t, res.OK)
}

func TestValidate_PreambleProse(t *testing.T) {
	src := "Here's the scene you asked for:\n\n" + validScript
	res := newValidator().Validate(src, Options{})
	assert.False(t, res.OK)
	assert.True(t, res.HasSeverity(SeverityNoncode))
}

func TestValidate_ProseInsideStringIgnored(t *testing.T) {
	// the voiceover text contains "Let's" and must not be flagged
	res := newValidator().Validate(validScript, Options{})
	assert.False(t, res.HasSeverity(SeverityNoncode))
}

func TestValidate_MarkdownFenceAndLink(t *testing.T) {
	src := "```python\n" + validScript + "```\nSee [docs](https://docs.manim.community)\n"
	res := newValidator().Validate(src, Options{})
	var fences, links int
	for _, is := range res.Issues {
		if strings.Contains(is.Message, "fence") {
			fences++
		}
		if strings.Contains(is.Message, "link") {
			links++
		}
	}
	assert.Equal(t, 2, fences)
	assert.Equal(t, 1, links)
}

func TestValidate_ShadowedBuiltinIsFixable(t *testing.T) {
	src := strings.Replace(validScript, "        title = Text(", "        str = \"x\"\n        title = Text(", 1)
	res := newValidator().Validate(src, Options{})
	require.False(t, res.OK)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, SeverityFixable, res.Issues[0].Severity)
	assert.Contains(t, res.Issues[0].Message, `"str"`)
}

func TestValidate_ComparisonIsNotShadowing(t *testing.T) {
	src := strings.Replace(validScript, "        self.wait(1)", "        if len == 3:\n            self.wait(1)", 1)
	res := newValidator().Validate(src, Options{})
	assert.True(t, res.OK, "%v", res.Messages())
}

func TestValidate_CallOnLiteral(t *testing.T) {
	src := strings.Replace(validScript, "        self.wait(1)", "        label = (\"Area\")(title)\n        self.wait(1)", 1)
	res := newValidator().Validate(src, Options{})
	require.Len(t, res.Issues, 1)
	assert.Contains(t, res.Issues[0].Message, "called like a function")
	assert.Equal(t, SeverityFixable, res.Issues[0].Severity)

	// a call on a call result is fine
	ok := strings.Replace(validScript, "        self.wait(1)", "        f = make(\"x\")(title)\n        self.wait(1)", 1)
	assert.True(t, newValidator().Validate(ok, Options{}).OK)
}

func TestValidate_Typography(t *testing.T) {
	v := newValidator()
	cases := map[string]string{
		"missing size": `Text("Pythagoras")`,
		"odd size":     `Text("Pythagoras", font_size=50)`,
	}
	for name, repl := range cases {
		t.Run(name, func(t *testing.T) {
			src := strings.Replace(validScript, `Text("Pythagoras", font_size=48)`, repl, 1)
			res := v.Validate(src, Options{})
			require.Len(t, res.Issues, 1, "%v", res.Messages())
			assert.Equal(t, SeverityFixable, res.Issues[0].Severity)
		})
	}

	src := strings.Replace(validScript, "scale(0.8)", "scale(4)", 1)
	res := v.Validate(src, Options{})
	require.Len(t, res.Issues, 1)
	assert.Contains(t, res.Issues[0].Message, "scale factor 4")
}

func TestValidate_NestedCallSizeDoesNotCount(t *testing.T) {
	// font_size of the inner call must not satisfy the outer one
	src := strings.Replace(validScript, `Text("Pythagoras", font_size=48)`,
		`Paragraph("a", Text("b", font_size=24).get_text())`, 1)
	res := newValidator().Validate(src, Options{})
	require.Len(t, res.Issues, 1, "%v", res.Messages())
	assert.Contains(t, res.Issues[0].Message, "Paragraph()")
}

func TestValidate_MathMarkup(t *testing.T) {
	v := newValidator()
	cases := map[string]struct {
		tex  string
		want string
	}{
		"unbalanced": {`MathTex(r"\frac{a}{b", font_size=32)`, "unbalanced braces"},
		"color":      {`MathTex(r"\textcolor{red}{a + \textcolor{blue}{b}}", font_size=32)`, "nested color"},
		"frac nest":  {`MathTex(r"\frac{\frac{1}{2}}{3}", font_size=32)`, "fraction chain"},
		"frac chain": {`MathTex(r"\frac{1}{2}+\frac{1}{3}+\frac{1}{4}+\frac{1}{5}", font_size=32)`, "fraction chain"},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			src := strings.Replace(validScript, `MathTex(r"a^2 + b^2 = c^2", font_size=FONT_BODY)`, c.tex, 1)
			res := v.Validate(src, Options{})
			require.False(t, res.OK)
			assert.Contains(t, strings.Join(res.Messages(), "\n"), c.want)
			for _, is := range res.Issues {
				assert.Equal(t, SeverityFixable, is.Severity)
			}
		})
	}

	balanced := strings.Replace(validScript, `r"a^2 + b^2 = c^2"`, `r"\{x\} = \frac{a}{b}"`, 1)
	assert.True(t, v.Validate(balanced, Options{}).OK)
}

func TestValidate_SkipFixable(t *testing.T) {
	src := "Here is the code:\n" + strings.Replace(validScript, "        title = Text(", "        list = []\n        title = Text(", 1)
	v := newValidator()

	all := v.Validate(src, Options{})
	assert.True(t, all.HasSeverity(SeverityFixable))
	assert.True(t, all.HasSeverity(SeverityNoncode))

	unresolved := v.Validate(src, Options{SkipFixable: true})
	assert.False(t, unresolved.OK)
	assert.False(t, unresolved.HasSeverity(SeverityFixable))
	assert.True(t, unresolved.HasSeverity(SeverityNoncode))

	onlyFixable := strings.Replace(validScript, "        title = Text(", "        list = []\n        title = Text(", 1)
	assert.True(t, v.Validate(onlyFixable, Options{SkipFixable: true}).OK)
}

func TestAutoFix_ShadowedBuiltin(t *testing.T) {
	src := strings.Replace(validScript, "        title = Text(\"Pythagoras\", font_size=48)",
		"        str = \"Pythagoras\"\n        title = Text(str, font_size=48)\n        n = str(3)", 1)
	v := newValidator()
	require.False(t, v.Validate(src, Options{}).OK)

	fix := v.AutoFix(src)
	assert.True(t, fix.OK, "%v", fix.UnfixableReasons)
	assert.Contains(t, fix.Script, `str_value = "Pythagoras"`)
	assert.Contains(t, fix.Script, "Text(str_value, font_size=48)")
	assert.Contains(t, fix.Script, "n = str(3)")
	assert.NotEmpty(t, fix.AppliedFixes)
	assert.True(t, v.Validate(fix.Script, Options{}).OK)
}

func TestAutoFix_TypographyAndImports(t *testing.T) {
	src := strings.Replace(validScript, "from manim_voiceover import VoiceoverScene\n", "", 1)
	src = strings.Replace(src, `Text("Pythagoras", font_size=48)`, `Text("Pythagoras")`, 1)
	src = strings.Replace(src, `self.wait(1)`, "t2 = MarkupText(\"x\", font_size=45)\n        self.wait(1)", 1)
	src = strings.Replace(src, "scale(0.8)", "scale(3.5)", 1)
	src = "```python\n" + src + "```\n"

	fix := newValidator().AutoFix(src)
	assert.True(t, fix.OK, "%v", fix.UnfixableReasons)
	assert.Contains(t, fix.Script, "from manim_voiceover import VoiceoverScene")
	assert.Contains(t, fix.Script, `Text("Pythagoras", font_size=32)`)
	assert.Contains(t, fix.Script, `MarkupText("x", font_size=48)`)
	assert.Contains(t, fix.Script, "scale(2.5)")
	assert.NotContains(t, fix.Script, "```")
	assert.Len(t, fix.AppliedFixes, 5)
}

func TestAutoFix_UnwrapsCallOnLiteral(t *testing.T) {
	src := strings.Replace(validScript, "        self.wait(1)", "        label = (\"Area\")(title, (1, 2))\n        self.wait(1)", 1)
	fix := newValidator().AutoFix(src)
	assert.True(t, fix.OK, "%v", fix.UnfixableReasons)
	assert.Contains(t, fix.Script, "        label = (\"Area\")\n")
}

func TestAutoFix_LeavesUnfixable(t *testing.T) {
	src := "Sure, here is the code.\n" + validScript
	fix := newValidator().AutoFix(src)
	assert.False(t, fix.OK)
	require.NotEmpty(t, fix.UnfixableReasons)
	assert.Contains(t, fix.UnfixableReasons[0], "prose")
}

func TestCheck_VerdictErr(t *testing.T) {
	v := newValidator()

	ok := v.Check(validScript)
	assert.True(t, ok.OK())
	assert.NoError(t, ok.Err())

	missing := v.Check(strings.Replace(validScript, "class MyScene(", "class Intro(", 1))
	var verr *ValidationError
	require.True(t, errors.As(missing.Err(), &verr))
	assert.Equal(t, SeverityCritical, verr.Severity)

	prose := v.Check("Let's begin.\n" + validScript)
	require.True(t, errors.As(prose.Err(), &verr))
	assert.Equal(t, SeverityNoncode, verr.Severity)
}

func TestFingerprint_WhitespaceInsensitive(t *testing.T) {
	a := FingerprintOf(validScript)
	assert.Equal(t, a, FingerprintOf(validScript))

	noisy := "\n\n" + strings.ReplaceAll(validScript, "\n", "   \n\n") + "\t\n"
	assert.Equal(t, a, FingerprintOf(noisy))
	assert.Equal(t, a, FingerprintOf(strings.ReplaceAll(validScript, "\n", "\r\n")))

	changed := strings.Replace(validScript, "self.wait(1)", "self.wait(2)", 1)
	assert.NotEqual(t, a, FingerprintOf(changed))
	assert.Len(t, a.Short(), 12)
}

func TestMask_PreservesOffsetsAndLines(t *testing.T) {
	src := "a = 'it''s'\nb = \"\"\"multi\nline # not a comment\"\"\"\nc = f\"{x}\" # it's a comment\n"
	masked, lits := mask(src)
	assert.Len(t, masked, len(src))
	assert.Equal(t, strings.Count(src, "\n"), strings.Count(masked, "\n"))
	assert.NotContains(t, masked, "multi")
	assert.Contains(t, masked, "# it's a comment")
	require.Len(t, lits, 4)
	assert.Equal(t, `"""`, lits[2].Quote)
	assert.Equal(t, 2, lits[2].Line)
	assert.Equal(t, "f", lits[3].Prefix)
}
