package script

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Severity classifies a validation issue.
type Severity string

const (
	// SeverityNoncode marks narrative prose or markdown leaked into the code.
	SeverityNoncode Severity = "noncode"
	// SeverityFixable marks issues a rewrite or a regeneration pass can resolve.
	SeverityFixable Severity = "fixable"
	// SeverityCritical marks an unusable script.
	SeverityCritical Severity = "critical"
)

// Issue is one finding of the heuristic scanner.
type Issue struct {
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Line     int      `json:"line,omitempty"`
}

// Result is the outcome of Validate.
type Result struct {
	OK     bool    `json:"ok"`
	Issues []Issue `json:"issues,omitempty"`
}

// HasSeverity reports whether any issue has severity s.
func (r Result) HasSeverity(s Severity) bool {
	for _, is := range r.Issues {
		if is.Severity == s {
			return true
		}
	}
	return false
}

// Messages returns the issue messages in order.
func (r Result) Messages() []string {
	out := make([]string, len(r.Issues))
	for i, is := range r.Issues {
		out[i] = is.Message
	}
	return out
}

// RequiredResult is the outcome of ValidateRequired.
type RequiredResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Options controls Validate.
type Options struct {
	// SkipFixable drops fixable issues so only unresolved problems remain.
	SkipFixable bool
}

// Validator runs the structural pre-check and the heuristic scan for one dialect.
type Validator struct {
	rules Rules

	classRe       *regexp.Regexp
	methodRe      *regexp.Regexp
	shadowRe      *regexp.Regexp
	ctorRe        *regexp.Regexp
	mathCtorRe    *regexp.Regexp
	fontSizeRe    *regexp.Regexp
	fontSizeKeyRe *regexp.Regexp
}

// New builds a Validator. Zero-valued rule fields take their defaults.
func New(rules Rules) *Validator {
	r := rules.withDefaults()
	return &Validator{
		rules:         r,
		classRe:       regexp.MustCompile(`(?m)^class\s+` + regexp.QuoteMeta(r.EntryClass) + `\s*[(:]`),
		methodRe:      regexp.MustCompile(`(?m)^[ \t]+def\s+` + regexp.QuoteMeta(r.EntryMethod) + `\s*\(\s*self\s*[,)]`),
		shadowRe:      regexp.MustCompile(`(?m)^[ \t]*(` + strings.Join(quoteAll(r.ReservedNames), "|") + `)[ \t]*(?:\+|-)?=[^=]`),
		ctorRe:        regexp.MustCompile(`\b(` + strings.Join(quoteAll(r.TextConstructors), "|") + `)\s*\(`),
		mathCtorRe:    regexp.MustCompile(`\b(?:MathTex|Tex)\s*\(`),
		fontSizeRe:    regexp.MustCompile(`\bfont_size\s*=\s*([A-Za-z_][\w.]*|\d+(?:\.\d+)?)`),
		fontSizeKeyRe: regexp.MustCompile(`\bfont_size\s*=`),
	}
}

// Rules returns the effective rules.
func (v *Validator) Rules() Rules { return v.rules }

func quoteAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = regexp.QuoteMeta(s)
	}
	return out
}

// ValidateRequired checks the mandatory structural markers and fails on the first one missing.
func (v *Validator) ValidateRequired(src string) RequiredResult {
	if strings.TrimSpace(src) == "" {
		return RequiredResult{Error: "script is empty"}
	}
	if msg := v.missingMarkers(src); len(msg) > 0 {
		return RequiredResult{Error: msg[0]}
	}
	return RequiredResult{OK: true}
}

func (v *Validator) missingMarkers(src string) []string {
	masked, _ := mask(src)
	var out []string
	for _, imp := range v.missingImports(masked) {
		out = append(out, "missing required import: "+imp)
	}
	if !v.classRe.MatchString(masked) {
		out = append(out, fmt.Sprintf("missing entry class %s", v.rules.EntryClass))
	}
	if !v.methodRe.MatchString(masked) {
		out = append(out, fmt.Sprintf("missing entry method %s(self)", v.rules.EntryMethod))
	}
	if !strings.Contains(masked, v.rules.ServiceCall) {
		out = append(out, fmt.Sprintf("missing speech service initialisation %s...)", v.rules.ServiceCall))
	}
	return out
}

func (v *Validator) missingImports(masked string) []string {
	present := make(map[string]bool)
	for _, l := range strings.Split(masked, "\n") {
		present[strings.TrimSpace(l)] = true
	}
	var missing []string
	for _, imp := range v.rules.RequiredImports {
		if !present[imp] {
			missing = append(missing, imp)
		}
	}
	return missing
}

// Validate runs the heuristic scan on src.
func (v *Validator) Validate(src string, opts Options) Result {
	if strings.TrimSpace(src) == "" {
		return Result{Issues: []Issue{{Message: "script is empty", Severity: SeverityCritical}}}
	}
	masked, lits := mask(src)

	var issues []Issue
	issues = append(issues, v.checkPreamble(src, masked)...)
	for _, m := range v.missingMarkers(src) {
		issues = append(issues, Issue{Message: m, Severity: SeverityFixable})
	}
	issues = append(issues, v.checkShadowing(masked)...)
	issues = append(issues, checkCallOnLiteral(masked)...)
	issues = append(issues, v.checkTypography(masked)...)
	issues = append(issues, v.checkMath(src, masked, lits)...)

	if opts.SkipFixable {
		kept := issues[:0]
		for _, is := range issues {
			if is.Severity != SeverityFixable {
				kept = append(kept, is)
			}
		}
		issues = kept
	}
	return Result{OK: len(issues) == 0, Issues: issues}
}

var (
	codeLikeRe = []*regexp.Regexp{
		regexp.MustCompile(`^(from|import)\s+[\w.]+`),
		regexp.MustCompile(`^(async\s+def|def|class|with|for|while|if|elif|else|try|except|finally|return|raise|pass|@)\b`),
		regexp.MustCompile(`^[A-Za-z_][\w.]*(\[[^\]]*\])?\s*(=|\+=|-=|\*=|/=)`),
		regexp.MustCompile(`^[A-Za-z_][\w.]*\s*\(`),
	}
	prosePhrases = []string{
		"here is", "here's", "let's", "let us", "in this video", "in this scene",
		"this script", "below is", "the following", "sure,", "sure!", "certainly",
		"i will", "i'll", "i have", "note that", "explanation:",
	}
	fenceRe = regexp.MustCompile("(?m)^[ \t]*```")
	linkRe  = regexp.MustCompile(`\[[^\]\n]+\]\((https?://|#)[^)\n]*\)`)
)

func isCodeLike(line string) bool {
	for _, re := range codeLikeRe {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// checkPreamble flags explanatory prose or markdown before the first code-like line
// and markdown fences anywhere.
func (v *Validator) checkPreamble(src, masked string) []Issue {
	var issues []Issue
	srcLines := strings.Split(src, "\n")
	for i, l := range strings.Split(masked, "\n") {
		t := strings.TrimSpace(l)
		if t == "" || strings.HasPrefix(t, "#") {
			continue
		}
		if isCodeLike(t) {
			break
		}
		if strings.HasPrefix(t, "```") {
			continue
		}
		// Apostrophes in prose open bogus literals, so phrases are matched on the source line.
		lower := strings.ToLower(srcLines[i])
		for _, p := range prosePhrases {
			if strings.Contains(lower, p) {
				issues = append(issues, Issue{
					Message:  fmt.Sprintf("line %d: explanatory prose before code: %q", i+1, clip(strings.TrimSpace(srcLines[i]), 60)),
					Severity: SeverityNoncode,
					Line:     i + 1,
				})
				break
			}
		}
	}
	for _, loc := range fenceRe.FindAllStringIndex(masked, -1) {
		ln := lineAt(masked, loc[0])
		issues = append(issues, Issue{
			Message:  fmt.Sprintf("line %d: markdown code fence", ln),
			Severity: SeverityNoncode,
			Line:     ln,
		})
	}
	for _, loc := range linkRe.FindAllStringIndex(masked, -1) {
		ln := lineAt(masked, loc[0])
		issues = append(issues, Issue{
			Message:  fmt.Sprintf("line %d: markdown link", ln),
			Severity: SeverityNoncode,
			Line:     ln,
		})
	}
	return issues
}

func (v *Validator) checkShadowing(masked string) []Issue {
	var issues []Issue
	for _, m := range v.shadowRe.FindAllStringSubmatchIndex(masked, -1) {
		name := masked[m[2]:m[3]]
		ln := lineAt(masked, m[2])
		issues = append(issues, Issue{
			Message:  fmt.Sprintf("line %d: assignment shadows builtin %q", ln, name),
			Severity: SeverityFixable,
			Line:     ln,
		})
	}
	return issues
}

var (
	parenLiteralCallRe = regexp.MustCompile(`\(\s*[rRbBuUfF]{0,2}(?:"[^"\n]*"|'[^'\n]*')\s*\)\s*\(`)
	bareLiteralCallRe  = regexp.MustCompile(`(?:"[^"\n]*"|'[^'\n]*')[ \t]*\(`)
)

// checkCallOnLiteral flags a string literal that is called like a function.
func checkCallOnLiteral(masked string) []Issue {
	var issues []Issue
	add := func(pos int) {
		ln := lineAt(masked, pos)
		issues = append(issues, Issue{
			Message:  fmt.Sprintf("line %d: string literal is called like a function", ln),
			Severity: SeverityFixable,
			Line:     ln,
		})
	}
	for _, loc := range parenLiteralCallRe.FindAllStringIndex(masked, -1) {
		// foo("x")(y) is a call on a call result, not on the literal.
		if loc[0] > 0 {
			prev := masked[loc[0]-1]
			if isIdentByte(prev) || prev == ')' || prev == ']' || prev == '.' {
				continue
			}
		}
		add(loc[0])
	}
	for _, loc := range bareLiteralCallRe.FindAllStringIndex(masked, -1) {
		add(loc[0])
	}
	return issues
}

type ctorCall struct {
	name  string
	open  int
	close int
}

func (v *Validator) ctorCalls(masked string) []ctorCall {
	var calls []ctorCall
	for _, m := range v.ctorRe.FindAllStringSubmatchIndex(masked, -1) {
		if m[0] > 0 && masked[m[0]-1] == '.' {
			continue
		}
		open := m[1] - 1
		calls = append(calls, ctorCall{name: masked[m[2]:m[3]], open: open, close: matchParen(masked, open)})
	}
	return calls
}

var scaleRe = regexp.MustCompile(`\.scale\(\s*(\d+(?:\.\d+)?)\s*\)`)

func (v *Validator) checkTypography(masked string) []Issue {
	var issues []Issue
	for _, c := range v.ctorCalls(masked) {
		ln := lineAt(masked, c.open)
		if c.close < 0 {
			issues = append(issues, Issue{
				Message:  fmt.Sprintf("line %d: unclosed %s( call", ln, c.name),
				Severity: SeverityFixable,
				Line:     ln,
			})
			continue
		}
		args := topLevelArgs(masked[c.open+1 : c.close])
		m := v.fontSizeRe.FindStringSubmatch(args)
		if m == nil {
			issues = append(issues, Issue{
				Message:  fmt.Sprintf("line %d: %s() without font_size", ln, c.name),
				Severity: SeverityFixable,
				Line:     ln,
			})
			continue
		}
		if size, err := strconv.ParseFloat(m[1], 64); err == nil {
			if size != float64(int(size)) || !v.rules.allowedSize(int(size)) {
				issues = append(issues, Issue{
					Message:  fmt.Sprintf("line %d: %s() font_size=%s is not an allowed size %v", ln, c.name, m[1], v.rules.FontSizes),
					Severity: SeverityFixable,
					Line:     ln,
				})
			}
		}
	}
	for _, m := range scaleRe.FindAllStringSubmatchIndex(masked, -1) {
		val, err := strconv.ParseFloat(masked[m[2]:m[3]], 64)
		if err != nil || val <= v.rules.MaxScale {
			continue
		}
		ln := lineAt(masked, m[0])
		issues = append(issues, Issue{
			Message:  fmt.Sprintf("line %d: scale factor %s exceeds %.1f", ln, masked[m[2]:m[3]], v.rules.MaxScale),
			Severity: SeverityFixable,
			Line:     ln,
		})
	}
	return issues
}

// topLevelArgs blanks out nested parenthesised groups so keyword checks only see
// the call's own arguments.
func topLevelArgs(args string) string {
	b := []byte(args)
	depth := 0
	for i, c := range b {
		switch c {
		case '(', '[', '{':
			depth++
			if depth > 1 {
				b[i] = ' '
			}
			continue
		case ')', ']', '}':
			if depth > 1 {
				b[i] = ' '
			}
			depth--
			continue
		}
		if depth > 0 {
			b[i] = ' '
		}
	}
	return string(b)
}

var (
	latexCmdRe   = regexp.MustCompile(`\\[A-Za-z]+`)
	nestedFracRe = regexp.MustCompile(`\\[dt]?frac\s*\{\s*\\[dt]?frac`)
	fracRe       = regexp.MustCompile(`\\[dt]?frac\b`)
	textcolorRe  = regexp.MustCompile(`\\textcolor\s*\{`)
)

// checkMath inspects LaTeX-flavoured literals: arguments of Tex/MathTex and raw
// strings containing backslash commands.
func (v *Validator) checkMath(src, masked string, lits []literal) []Issue {
	var spans [][2]int
	for _, loc := range v.mathCtorRe.FindAllStringIndex(masked, -1) {
		open := loc[1] - 1
		if cl := matchParen(masked, open); cl > 0 {
			spans = append(spans, [2]int{open, cl})
		}
	}
	inMath := func(pos int) bool {
		for _, s := range spans {
			if pos > s[0] && pos < s[1] {
				return true
			}
		}
		return false
	}

	var issues []Issue
	for _, l := range lits {
		body := src[l.Start:l.End]
		if !(inMath(l.Start) || (l.raw() && latexCmdRe.MatchString(body))) {
			continue
		}
		add := func(msg string) {
			issues = append(issues, Issue{
				Message:  fmt.Sprintf("line %d: %s", l.Line, msg),
				Severity: SeverityFixable,
				Line:     l.Line,
			})
		}
		if braceBalance(body) != 0 {
			add("unbalanced braces in math markup")
		}
		if hasNestedColor(body) {
			add("nested color markup in math")
		}
		if nestedFracRe.MatchString(body) || len(fracRe.FindAllStringIndex(body, -1)) > v.rules.MaxFractions {
			add("risky fraction chain in math markup")
		}
	}
	return issues
}

func braceBalance(s string) int {
	bal := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '{':
			bal++
		case '}':
			bal--
		}
	}
	return bal
}

// hasNestedColor reports \textcolor{c}{...} whose body holds another color command.
func hasNestedColor(s string) bool {
	for _, loc := range textcolorRe.FindAllStringIndex(s, -1) {
		colorEnd := groupEnd(s, loc[1]-1)
		if colorEnd < 0 {
			continue
		}
		j := colorEnd + 1
		for j < len(s) && s[j] == ' ' {
			j++
		}
		if j >= len(s) || s[j] != '{' {
			continue
		}
		bodyEnd := groupEnd(s, j)
		if bodyEnd < 0 {
			bodyEnd = len(s)
		}
		body := s[j:bodyEnd]
		if strings.Contains(body, `\textcolor`) || strings.Contains(body, `\color`) {
			return true
		}
	}
	return false
}

// groupEnd returns the index of the brace closing the one at open, or -1.
func groupEnd(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
