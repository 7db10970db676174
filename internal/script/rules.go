// Package script statically validates and deterministically repairs generated
// scene scripts before they are sent to the renderer.
package script

// Rules describes the script dialect the validator enforces.
type Rules struct {
	RequiredImports  []string
	EntryClass       string
	EntryMethod      string
	ServiceCall      string
	TextConstructors []string
	FontSizes        []int
	DefaultFontSize  int
	FontConstPrefix  string
	MaxScale         float64
	ReservedNames    []string
	MaxFractions     int
}

// DefaultRules returns the rules for voice-over scene scripts.
func DefaultRules() Rules {
	return Rules{
		RequiredImports: []string{
			"from manim import *",
			"from manim_voiceover import VoiceoverScene",
		},
		EntryClass:       "MyScene",
		EntryMethod:      "construct",
		ServiceCall:      "self.set_speech_service(",
		TextConstructors: []string{"Text", "MarkupText", "Paragraph", "Tex", "MathTex"},
		FontSizes:        []int{18, 20, 24, 28, 32, 36, 40, 48},
		DefaultFontSize:  32,
		FontConstPrefix:  "FONT_",
		MaxScale:         2.5,
		ReservedNames: []string{
			"str", "list", "dict", "set", "tuple", "int", "float", "bool",
			"len", "range", "type", "print", "input", "max", "min", "sum",
			"map", "filter", "zip", "id", "object", "format",
		},
		MaxFractions: 3,
	}
}

func (r Rules) withDefaults() Rules {
	def := DefaultRules()
	if len(r.RequiredImports) == 0 {
		r.RequiredImports = def.RequiredImports
	}
	if r.EntryClass == "" {
		r.EntryClass = def.EntryClass
	}
	if r.EntryMethod == "" {
		r.EntryMethod = def.EntryMethod
	}
	if r.ServiceCall == "" {
		r.ServiceCall = def.ServiceCall
	}
	if len(r.TextConstructors) == 0 {
		r.TextConstructors = def.TextConstructors
	}
	if len(r.FontSizes) == 0 {
		r.FontSizes = def.FontSizes
	}
	if r.DefaultFontSize == 0 {
		r.DefaultFontSize = def.DefaultFontSize
	}
	if r.FontConstPrefix == "" {
		r.FontConstPrefix = def.FontConstPrefix
	}
	if r.MaxScale == 0 {
		r.MaxScale = def.MaxScale
	}
	if len(r.ReservedNames) == 0 {
		r.ReservedNames = def.ReservedNames
	}
	if r.MaxFractions == 0 {
		r.MaxFractions = def.MaxFractions
	}
	return r
}

func (r Rules) allowedSize(n int) bool {
	for _, s := range r.FontSizes {
		if s == n {
			return true
		}
	}
	return false
}

func (r Rules) nearestSize(v float64) int {
	best := r.FontSizes[0]
	bestDiff := abs(v - float64(best))
	for _, s := range r.FontSizes[1:] {
		if d := abs(v - float64(s)); d < bestDiff {
			best, bestDiff = s, d
		}
	}
	return best
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
