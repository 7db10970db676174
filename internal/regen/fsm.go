package regen

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jo-hoe/scenecast/internal/script"
)

// State is a node of the regeneration state machine.
type State string

const (
	StateGenerated        State = "generated"
	StateValidating       State = "validating"
	StateRegenerating     State = "regenerating"
	StateAccepted         State = "accepted"
	StateFailedLoop       State = "failed_loop_detected"
	StateFailedExhausted  State = "failed_exhausted"
	StateFailedCritical   State = "failed_critical"
	StateFailedEmpty      State = "failed_empty"
	StateFailedGeneration State = "failed_generation"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case StateAccepted, StateFailedLoop, StateFailedExhausted, StateFailedCritical,
		StateFailedEmpty, StateFailedGeneration:
		return true
	}
	return false
}

// Transition is one recorded edge.
type Transition struct {
	Phase string `json:"phase"`
	From  State  `json:"from"`
	To    State  `json:"to"`
	Note  string `json:"note,omitempty"`
}

// pass is the state of one Stabilize or Repair run. seen is scoped to the
// pass; the blocked set spans the whole job.
type pass struct {
	phase     string
	budget    int
	cycles    int
	forced    int
	calls     int
	seen      map[script.Fingerprint]bool
	candidate string
	failure   ErrorDetails
	verdict   script.Verdict
	note      string
}

func (l *Loop) newPass(phase string, budget int, candidate string) *pass {
	return &pass{
		phase:     phase,
		budget:    budget,
		seen:      make(map[script.Fingerprint]bool),
		candidate: candidate,
	}
}

func (l *Loop) run(ctx context.Context, p *pass, state State) (Outcome, error) {
	for !state.Terminal() {
		var next State
		var err error
		switch state {
		case StateGenerated:
			next = StateValidating
		case StateValidating:
			next, err = l.validating(p)
		case StateRegenerating:
			next, err = l.regenerating(ctx, p)
		default:
			return Outcome{}, fmt.Errorf("regen: unknown state %q", state)
		}
		l.trace = append(l.trace, Transition{Phase: p.phase, From: state, To: next, Note: p.note})
		l.log.Debug("regen transition", "phase", p.phase, "from", state, "to", next, "note", p.note)
		p.note = ""
		if err != nil {
			l.log.Warn("regeneration failed", "phase", p.phase, "state", next, "calls", l.calls, "err", err)
			return Outcome{Regenerations: p.calls}, err
		}
		state = next
	}
	return Outcome{
		Script:        p.verdict.Script,
		Fingerprint:   script.FingerprintOf(p.verdict.Script),
		Applied:       p.verdict.Applied,
		Regenerations: p.calls,
	}, nil
}

func (l *Loop) validating(p *pass) (State, error) {
	candidate := script.FingerprintOf(p.candidate)
	p.seen[candidate] = true
	vd := l.validator.Check(p.candidate)
	if fixed := script.FingerprintOf(vd.Script); fixed != candidate && (p.seen[fixed] || l.blocked.Has(fixed)) {
		// Auto-fix turned the candidate back into a variant that already failed.
		l.log.Warn("fixed script repeats a known variant", "phase", p.phase, "fingerprint", fixed.Short(), "forced", p.forced)
		if p.forced >= l.bounds.MaxForceRegenerations {
			return StateFailedLoop, fmt.Errorf("%w: fingerprint %s after %d forced rewrites", ErrLoopDetected, fixed.Short(), p.forced)
		}
		p.forced++
		p.note = "fix repeats " + fixed.Short()
		return StateRegenerating, nil
	}
	p.forced = 0
	if vd.OK() {
		p.verdict = vd
		return StateAccepted, nil
	}
	err := vd.Err()
	var verr *script.ValidationError
	if !errors.As(err, &verr) || verr.Severity == script.SeverityCritical {
		return StateFailedCritical, err
	}
	details := ErrorDetails{Message: strings.Join(verr.Reasons, "\n"), Stage: "validate"}.Clamp(l.bounds.FieldLimit)
	l.Record(p.candidate, details)
	if vd.Script != p.candidate {
		l.blocked.Add(vd.Script)
		p.seen[script.FingerprintOf(vd.Script)] = true
	}
	p.failure = details
	p.note = details.Summary()
	return StateRegenerating, nil
}

// regenerating runs one cycle: a normal request, then forced rewrites while the
// result collides with a seen or blocked variant. A cycle continued after a
// collision found by validating does not count against the budget again.
func (l *Loop) regenerating(ctx context.Context, p *pass) (State, error) {
	if p.forced == 0 {
		if p.cycles >= p.budget {
			return StateFailedExhausted, fmt.Errorf("%w: %d %s cycles", ErrExhausted, p.cycles, p.phase)
		}
		p.cycles++
	}
	rootCause := l.repeats[p.failure.Summary()] >= l.bounds.RepeatThreshold
	for ; ; p.forced++ {
		if l.calls >= l.bounds.MaxCalls() {
			return StateFailedExhausted, fmt.Errorf("%w: %d regeneration calls", ErrExhausted, l.calls)
		}
		out, err := l.call(ctx, promptInput{
			Request:   l.req,
			Previous:  p.candidate,
			Failure:   p.failure,
			Attempts:  l.attempts.list(),
			Blocked:   l.blocked.Scripts(),
			Forced:    p.forced > 0,
			RootCause: rootCause,
		})
		p.calls++
		if err != nil {
			return StateFailedGeneration, fmt.Errorf("regenerate script: %w", err)
		}
		if strings.TrimSpace(out) == "" {
			return StateFailedEmpty, ErrEmptyRegeneration
		}
		fp := script.FingerprintOf(out)
		if !p.seen[fp] && !l.blocked.Has(fp) {
			l.blocked.Add(out)
			p.seen[fp] = true
			p.candidate = out
			p.note = "accepted " + fp.Short()
			return StateValidating, nil
		}
		l.log.Warn("regenerated script repeats a known variant", "phase", p.phase, "fingerprint", fp.Short(), "forced", p.forced)
		if p.forced >= l.bounds.MaxForceRegenerations {
			return StateFailedLoop, fmt.Errorf("%w: fingerprint %s after %d forced rewrites", ErrLoopDetected, fp.Short(), p.forced)
		}
	}
}

func (l *Loop) call(ctx context.Context, in promptInput) (string, error) {
	key := fmt.Sprintf("regen/%d", l.calls)
	l.calls++
	prompt := buildPrompt(in)
	return l.memo.Do(ctx, key, func(ctx context.Context) (string, error) {
		return l.gen.Generate(ctx, systemPrompt, prompt)
	})
}
