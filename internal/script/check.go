package script

import (
	"strings"
)

// ValidationError reports a script the pipeline cannot use as-is.
type ValidationError struct {
	Severity Severity
	Reasons  []string
}

func (e *ValidationError) Error() string {
	return "script validation (" + string(e.Severity) + "): " + strings.Join(e.Reasons, "; ")
}

// Verdict bundles the auto-fix pass, the structural pre-check and the heuristic
// scan of one candidate script.
type Verdict struct {
	Script   string         `json:"script"`
	Applied  []string       `json:"applied,omitempty"`
	Required RequiredResult `json:"required"`
	Result   Result         `json:"result"`
}

// OK reports whether the fixed script can be rendered.
func (vd Verdict) OK() bool {
	return vd.Required.OK && vd.Result.OK
}

// Err returns nil for an acceptable script, otherwise a *ValidationError whose
// severity is the worst one found. A failed structural pre-check is critical.
func (vd Verdict) Err() error {
	if vd.OK() {
		return nil
	}
	if !vd.Required.OK {
		return &ValidationError{Severity: SeverityCritical, Reasons: []string{vd.Required.Error}}
	}
	sev := SeverityFixable
	switch {
	case vd.Result.HasSeverity(SeverityCritical):
		sev = SeverityCritical
	case vd.Result.HasSeverity(SeverityNoncode):
		sev = SeverityNoncode
	}
	return &ValidationError{Severity: sev, Reasons: vd.Result.Messages()}
}

// Check auto-fixes src, then runs ValidateRequired and Validate on the result.
func (v *Validator) Check(src string) Verdict {
	fixed, applied := v.rewrite(src)
	return Verdict{
		Script:   fixed,
		Applied:  applied,
		Required: v.ValidateRequired(fixed),
		Result:   v.Validate(fixed, Options{}),
	}
}
