package pipeline

import (
	"fmt"
	"strings"

	"github.com/jo-hoe/scenecast/internal/jobs"
)

const narrationSystemPrompt = `You write the voice-over narration for an educational math animation.
Answer with the spoken text only: plain sentences, no headings, no markdown, no stage directions.`

const scriptSystemPrompt = `You write Python scene scripts for a math animation renderer with voice-over narration.
Return only the complete script. No explanations, no markdown fences.
Start with "from manim import *" and "from manim_voiceover import VoiceoverScene".
Define class MyScene(VoiceoverScene) with a construct(self) method whose first statement is
self.set_speech_service(GTTSService()). Speak the narration with "with self.voiceover(text=...) as tracker:" blocks.
Every Text, MarkupText, Paragraph, Tex and MathTex call sets font_size to one of 18, 20, 24, 28, 32, 36, 40 or 48.
Never rebind Python builtins and keep .scale() factors at or below 2.5.`

func lengthHint(v jobs.Variant) string {
	if v == jobs.VariantShort {
		return "Keep it under 60 seconds when spoken, about 120 words, for a vertical short."
	}
	return "Aim for two to three minutes when spoken, about 350 words."
}

func narrationPrompt(job *jobs.Job) string {
	return fmt.Sprintf("Topic:\n%s\n\n%s\n", strings.TrimSpace(job.Prompt), lengthHint(job.Variant))
}

func scriptPrompt(job *jobs.Job, narration, examples string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic:\n%s\n\n", strings.TrimSpace(job.Prompt))
	fmt.Fprintf(&b, "Format: %s. %s\n\n", job.Variant, lengthHint(job.Variant))
	if n := strings.TrimSpace(narration); n != "" {
		fmt.Fprintf(&b, "Narration:\n%s\n\n", n)
	}
	if examples != "" {
		b.WriteString(examples)
		b.WriteString("\n")
	}
	return b.String()
}
