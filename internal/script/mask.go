package script

import "strings"

// literal is one string literal found while masking. Start/End delimit the
// literal contents (quotes excluded) as byte offsets into the source.
type literal struct {
	Prefix string
	Quote  string
	Start  int
	End    int
	Line   int
}

func (l literal) raw() bool {
	return strings.ContainsAny(l.Prefix, "rR")
}

// mask replaces the contents of every string literal with spaces, keeping the
// quotes, the prefixes and all line breaks. Byte offsets are preserved, so
// positions found in the masked text index the source directly. Comments are
// copied unchanged and never open a literal.
func mask(src string) (string, []literal) {
	out := []byte(src)
	var lits []literal
	line := 1
	i := 0
	n := len(src)
	for i < n {
		c := src[i]
		switch {
		case c == '\n':
			line++
			i++
		case c == '#':
			for i < n && src[i] != '\n' {
				i++
			}
		case c == '\'' || c == '"':
			q := string(c)
			if i+2 < n && src[i+1] == c && src[i+2] == c {
				q = strings.Repeat(q, 3)
			}
			lit := literal{Prefix: stringPrefix(src, i), Quote: q, Start: i + len(q), Line: line}
			j := lit.Start
			closed := false
			for j < n {
				if src[j] == '\\' && j+1 < n {
					if src[j+1] == '\n' {
						line++
					}
					j += 2
					continue
				}
				if src[j] == '\n' {
					if len(q) == 1 {
						break
					}
					line++
				}
				if strings.HasPrefix(src[j:], q) {
					closed = true
					break
				}
				j++
			}
			if j > n {
				j = n
			}
			lit.End = j
			for k := lit.Start; k < lit.End; k++ {
				if out[k] != '\n' {
					out[k] = ' '
				}
			}
			lits = append(lits, lit)
			i = j
			if closed {
				i += len(q)
			}
		default:
			i++
		}
	}
	return string(out), lits
}

// stringPrefix returns the literal prefix (r, b, f, u, rb, ...) directly before
// the quote at pos, or "" when the preceding word is an identifier.
func stringPrefix(src string, pos int) string {
	start := pos
	for start > 0 && start > pos-2 && isPrefixByte(src[start-1]) {
		start--
	}
	if start > 0 && isIdentByte(src[start-1]) {
		return ""
	}
	return src[start:pos]
}

func isPrefixByte(b byte) bool {
	switch b {
	case 'r', 'R', 'b', 'B', 'f', 'F', 'u', 'U':
		return true
	}
	return false
}

func isIdentByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// lineAt returns the 1-based line number of byte offset pos.
func lineAt(src string, pos int) int {
	if pos > len(src) {
		pos = len(src)
	}
	return strings.Count(src[:pos], "\n") + 1
}

// matchParen returns the offset of the parenthesis closing the one at open, or
// -1 when unbalanced. It must be called on masked text.
func matchParen(masked string, open int) int {
	depth := 0
	for i := open; i < len(masked); i++ {
		switch masked[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
