package regen

import (
	"fmt"
	"strings"
)

const systemPrompt = `You repair Python scene scripts for a math animation renderer with voice-over narration.
Return only the complete corrected script. No explanations, no markdown fences.
The script must import "from manim import *" and "from manim_voiceover import VoiceoverScene",
define class MyScene with a construct(self) method, and call self.set_speech_service(...) first.
Text objects use font_size from 18, 20, 24, 28, 32, 36, 40 or 48. Never rebind Python builtins.`

const forcedDirective = `Your previous answer was identical to a script that already failed.
You MUST return a substantially different script: restructure the scene, change the objects and animations used,
and do not reuse any of the blocked scripts listed above.`

const rootCauseDirective = `The same error has now occurred repeatedly. Cosmetic edits are not enough.
Identify the construct that causes this error and remove it entirely; use a simpler alternative.`

// promptInput is everything one regeneration request carries.
type promptInput struct {
	Request   Request
	Previous  string
	Failure   ErrorDetails
	Attempts  []Attempt
	Blocked   []string
	Forced    bool
	RootCause bool
}

func buildPrompt(in promptInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic:\n%s\n\n", strings.TrimSpace(in.Request.Prompt))
	if in.Request.Variant != "" {
		fmt.Fprintf(&b, "Format: %s\n\n", in.Request.Variant)
	}
	if n := strings.TrimSpace(in.Request.Narration); n != "" {
		fmt.Fprintf(&b, "Narration:\n%s\n\n", n)
	}

	b.WriteString("Error:\n")
	b.WriteString(in.Failure.Message)
	b.WriteString("\n")
	writeField(&b, "Stage", in.Failure.Stage)
	if in.Failure.ExitCode != nil {
		fmt.Fprintf(&b, "Exit code: %d\n", *in.Failure.ExitCode)
	}
	writeField(&b, "Stderr", in.Failure.Stderr)
	writeField(&b, "Stdout", in.Failure.Stdout)
	writeField(&b, "Stack", in.Failure.Stack)
	writeField(&b, "Hint", in.Failure.Hint)
	writeField(&b, "Logs", in.Failure.Logs)
	b.WriteString("\n")

	if len(in.Attempts) > 0 {
		b.WriteString("Recent failed attempts:\n")
		for _, a := range in.Attempts {
			fmt.Fprintf(&b, "- attempt %d: %s\n", a.Number, a.Error.Summary())
		}
		b.WriteString("\n")
	}

	if len(in.Blocked) > 0 {
		fmt.Fprintf(&b, "Blocked scripts (%d). Each of these already failed; do not return any of them again.\n", len(in.Blocked))
		for i, s := range in.Blocked {
			fmt.Fprintf(&b, "--- blocked %d ---\n%s\n", i+1, strings.TrimSpace(s))
		}
		b.WriteString("--- end of blocked scripts ---\n\n")
	}

	b.WriteString("Previous script:\n")
	b.WriteString(strings.TrimSpace(in.Previous))
	b.WriteString("\n\n")

	if in.RootCause {
		b.WriteString(rootCauseDirective)
		b.WriteString("\n\n")
	}
	if in.Forced {
		b.WriteString(forcedDirective)
		b.WriteString("\n\n")
	}
	b.WriteString("Return the corrected script.")
	return b.String()
}

func writeField(b *strings.Builder, name, v string) {
	if strings.TrimSpace(v) == "" {
		return
	}
	fmt.Fprintf(b, "%s:\n%s\n", name, v)
}
