package script

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// FixResult is the outcome of AutoFix.
type FixResult struct {
	OK               bool     `json:"ok"`
	Script           string   `json:"script"`
	AppliedFixes     []string `json:"applied_fixes,omitempty"`
	UnfixableReasons []string `json:"unfixable_reasons,omitempty"`
}

type edit struct {
	start, end int
	text       string
}

func applyEdits(src string, edits []edit) string {
	sort.Slice(edits, func(i, j int) bool { return edits[i].start > edits[j].start })
	for _, e := range edits {
		src = src[:e.start] + e.text + src[e.end:]
	}
	return src
}

// AutoFix applies the deterministic rewrites and reports what is still wrong.
func (v *Validator) AutoFix(src string) FixResult {
	fixed, applied := v.rewrite(src)
	res := v.Validate(fixed, Options{})
	return FixResult{
		OK:               res.OK,
		Script:           fixed,
		AppliedFixes:     applied,
		UnfixableReasons: res.Messages(),
	}
}

func (v *Validator) rewrite(src string) (string, []string) {
	var applied []string
	steps := []func(string) (string, []string){
		v.stripFences,
		v.addImports,
		v.renameShadowed,
		unwrapLiteralCalls,
		v.fixTypography,
	}
	for _, step := range steps {
		var notes []string
		src, notes = step(src)
		applied = append(applied, notes...)
	}
	return src, applied
}

func (v *Validator) stripFences(src string) (string, []string) {
	masked, _ := mask(src)
	srcLines := strings.Split(src, "\n")
	kept := make([]string, 0, len(srcLines))
	removed := 0
	for i, l := range strings.Split(masked, "\n") {
		if strings.HasPrefix(strings.TrimSpace(l), "```") {
			removed++
			continue
		}
		kept = append(kept, srcLines[i])
	}
	if removed == 0 {
		return src, nil
	}
	return strings.Join(kept, "\n"), []string{fmt.Sprintf("removed %d markdown fence line(s)", removed)}
}

func (v *Validator) addImports(src string) (string, []string) {
	masked, _ := mask(src)
	missing := v.missingImports(masked)
	if len(missing) == 0 {
		return src, nil
	}
	notes := make([]string, len(missing))
	for i, imp := range missing {
		notes[i] = "added import: " + imp
	}
	return strings.Join(missing, "\n") + "\n" + src, notes
}

func (v *Validator) renameShadowed(src string) (string, []string) {
	var notes []string
	seen := make(map[string]bool)
	for {
		masked, _ := mask(src)
		m := v.shadowRe.FindStringSubmatchIndex(masked)
		if m == nil {
			return src, notes
		}
		name := masked[m[2]:m[3]]
		if seen[name] {
			// Renaming did not remove the assignment; give up on this rule.
			return src, notes
		}
		seen[name] = true
		renamed := name + "_value"
		src = applyEdits(src, renameEdits(masked, name, renamed, m[2]))
		notes = append(notes, fmt.Sprintf("renamed variable %q shadowing a builtin to %q", name, renamed))
	}
}

// renameEdits renames name to renamed from offset from onwards, leaving calls,
// attribute accesses, keyword arguments and annotations alone.
func renameEdits(masked, name, renamed string, from int) []edit {
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\b`)
	var edits []edit
	for _, loc := range re.FindAllStringIndex(masked, -1) {
		if loc[0] < from {
			continue
		}
		if loc[0] > 0 && masked[loc[0]-1] == '.' {
			continue
		}
		next, after := nextNonBlank(masked, loc[1])
		if next == '(' {
			continue
		}
		lineStart := strings.LastIndexByte(masked[:loc[0]], '\n') + 1
		atStatementStart := strings.TrimSpace(masked[lineStart:loc[0]]) == ""
		if !atStatementStart {
			if next == '=' && after != '=' {
				continue
			}
			if prev := prevNonBlank(masked, loc[0]); prev == ':' || prev == '>' {
				continue
			}
		}
		edits = append(edits, edit{start: loc[0], end: loc[1], text: renamed})
	}
	return edits
}

func nextNonBlank(s string, i int) (byte, byte) {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	if i >= len(s) {
		return 0, 0
	}
	if i+1 < len(s) {
		return s[i], s[i+1]
	}
	return s[i], 0
}

func prevNonBlank(s string, i int) byte {
	i--
	for i >= 0 && (s[i] == ' ' || s[i] == '\t') {
		i--
	}
	if i < 0 {
		return 0
	}
	return s[i]
}

// unwrapLiteralCalls drops the argument list applied to a parenthesised
// literal: ("x")(y) becomes ("x").
func unwrapLiteralCalls(src string) (string, []string) {
	masked, _ := mask(src)
	var edits []edit
	var notes []string
	for _, loc := range parenLiteralCallRe.FindAllStringIndex(masked, -1) {
		if loc[0] > 0 {
			prev := masked[loc[0]-1]
			if isIdentByte(prev) || prev == ')' || prev == ']' || prev == '.' {
				continue
			}
		}
		if n := len(edits); n > 0 && loc[0] < edits[n-1].end {
			continue
		}
		open := loc[1] - 1
		cl := matchParen(masked, open)
		if cl < 0 {
			continue
		}
		edits = append(edits, edit{start: open, end: cl + 1})
		notes = append(notes, fmt.Sprintf("line %d: removed call on string literal", lineAt(masked, loc[0])))
	}
	if len(edits) == 0 {
		return src, nil
	}
	return applyEdits(src, edits), notes
}

func (v *Validator) fixTypography(src string) (string, []string) {
	masked, _ := mask(src)
	var edits []edit
	var notes []string
	for _, c := range v.ctorCalls(masked) {
		if c.close < 0 {
			continue
		}
		ln := lineAt(masked, c.open)
		args := masked[c.open+1 : c.close]
		top := topLevelArgs(args)
		m := v.fontSizeRe.FindStringSubmatchIndex(top)
		if m == nil {
			if v.fontSizeKeyRe.MatchString(top) {
				continue
			}
			kw := fmt.Sprintf("font_size=%d", v.rules.DefaultFontSize)
			trimmed := strings.TrimRight(args, " \t\n")
			if strings.TrimSpace(args) != "" {
				if strings.HasSuffix(trimmed, ",") {
					kw = " " + kw
				} else {
					kw = ", " + kw
				}
			}
			pos := c.open + 1 + len(trimmed)
			edits = append(edits, edit{start: pos, end: pos, text: kw})
			notes = append(notes, fmt.Sprintf("line %d: added font_size=%d to %s()", ln, v.rules.DefaultFontSize, c.name))
			continue
		}
		raw := top[m[2]:m[3]]
		size, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		if size == float64(int(size)) && v.rules.allowedSize(int(size)) {
			continue
		}
		snapped := v.rules.nearestSize(size)
		start := c.open + 1 + m[2]
		edits = append(edits, edit{start: start, end: start + len(raw), text: strconv.Itoa(snapped)})
		notes = append(notes, fmt.Sprintf("line %d: font_size %s snapped to %d", ln, raw, snapped))
	}
	for _, m := range scaleRe.FindAllStringSubmatchIndex(masked, -1) {
		raw := masked[m[2]:m[3]]
		val, err := strconv.ParseFloat(raw, 64)
		if err != nil || val <= v.rules.MaxScale {
			continue
		}
		clamped := strconv.FormatFloat(v.rules.MaxScale, 'f', -1, 64)
		edits = append(edits, edit{start: m[2], end: m[3], text: clamped})
		notes = append(notes, fmt.Sprintf("line %d: scale %s clamped to %s", lineAt(masked, m[0]), raw, clamped))
	}
	if len(edits) == 0 {
		return src, nil
	}
	return applyEdits(src, edits), notes
}
