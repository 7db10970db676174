package regen

import (
	"fmt"
	"strings"
)

// ErrorDetails is the structured failure context handed to the regenerator.
type ErrorDetails struct {
	Message  string `json:"message"`
	Stage    string `json:"stage,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	Stack    string `json:"stack,omitempty"`
	Hint     string `json:"hint,omitempty"`
	Logs     string `json:"logs,omitempty"`
}

// Clamp limits every string field to limit runes. Message, stage and hint keep
// their head; output streams, stack and logs keep their tail.
func (d ErrorDetails) Clamp(limit int) ErrorDetails {
	if limit <= 0 {
		return d
	}
	d.Message = head(d.Message, limit)
	d.Stage = head(d.Stage, limit)
	d.Hint = head(d.Hint, limit)
	d.Stderr = tail(d.Stderr, limit)
	d.Stdout = tail(d.Stdout, limit)
	d.Stack = tail(d.Stack, limit)
	d.Logs = tail(d.Logs, limit)
	return d
}

// Summary is the one-line form used in logs and as the repeat key.
func (d ErrorDetails) Summary() string {
	msg := strings.TrimSpace(d.Message)
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	if d.Stage == "" {
		return msg
	}
	if d.ExitCode != nil {
		return fmt.Sprintf("%s (exit %d): %s", d.Stage, *d.ExitCode, msg)
	}
	return d.Stage + ": " + msg
}

func head(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "...[truncated]"
}

func tail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return "[truncated]..." + string(r[len(r)-n:])
}

// Attempt is one failed candidate kept for the regeneration prompt.
type Attempt struct {
	Number int          `json:"attempt"`
	Script string       `json:"script"`
	Error  ErrorDetails `json:"error"`
}

// window keeps the last size attempts.
type window struct {
	size  int
	items []Attempt
}

func newWindow(size int) *window {
	if size <= 0 {
		size = 1
	}
	return &window{size: size}
}

func (w *window) push(a Attempt) {
	w.items = append(w.items, a)
	if over := len(w.items) - w.size; over > 0 {
		w.items = append([]Attempt(nil), w.items[over:]...)
	}
}

func (w *window) list() []Attempt {
	return append([]Attempt(nil), w.items...)
}
