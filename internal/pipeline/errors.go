package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jo-hoe/scenecast/internal/progress"
	"github.com/jo-hoe/scenecast/internal/regen"
	"github.com/jo-hoe/scenecast/internal/render"
	"github.com/jo-hoe/scenecast/internal/script"
)

const userReasonLimit = 200

// stageError tags a failure with the pipeline stage it happened in.
type stageError struct {
	stage progress.Stage
	err   error
}

func (e *stageError) Error() string { return fmt.Sprintf("%s: %v", e.stage, e.err) }
func (e *stageError) Unwrap() error { return e.err }

func atStage(stage progress.Stage, err error) error {
	if err == nil {
		return nil
	}
	return &stageError{stage: stage, err: err}
}

func stageOf(err error) progress.Stage {
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return ""
}

// UserMessage maps a terminal pipeline error to a short message that is safe
// to show to the requester.
func UserMessage(err error) string {
	var verr *script.ValidationError
	var rerr *render.RenderError
	switch {
	case errors.As(err, &verr) && verr.Severity == script.SeverityCritical:
		return "The generated scene script could not be used: " + clipReason(strings.Join(verr.Reasons, "; "))
	case errors.Is(err, regen.ErrLoopDetected):
		return "We could not produce a working animation: the generator kept returning a script that already failed."
	case errors.Is(err, regen.ErrEmptyRegeneration):
		return "We could not produce a working animation: the generator returned an empty script."
	case errors.Is(err, regen.ErrExhausted):
		return "We could not produce a working animation within the allowed number of attempts."
	case errors.Is(err, render.ErrTimeout):
		return "Rendering the video took too long and was stopped."
	case errors.As(err, &rerr):
		return "Rendering the video failed after several attempts."
	}
	switch stageOf(err) {
	case progress.StageNarration:
		return "Writing the narration failed. Please try again later."
	case progress.StageScript:
		return "Writing the scene script failed. Please try again later."
	case progress.StageUpload:
		return "Uploading the finished video failed."
	case progress.StageRendering:
		return "Rendering the video failed."
	}
	return "Something went wrong while generating the video."
}

func clipReason(s string) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= userReasonLimit {
		return string(r)
	}
	return string(r[:userReasonLimit]) + "..."
}

// diagnostics is the operator-only record stored with a failed job.
type diagnostics struct {
	Stage          progress.Stage      `json:"stage,omitempty"`
	Error          string              `json:"error"`
	RenderAttempts int                 `json:"render_attempts,omitempty"`
	RenderError    *render.RenderError `json:"render_error,omitempty"`
	Regen          *regen.Snapshot     `json:"regen,omitempty"`
	Logs           []string            `json:"logs,omitempty"`
}

func buildDiagnostics(err error, renderAttempts int, loop *regen.Loop, logs []string) []byte {
	d := diagnostics{
		Stage:          stageOf(err),
		Error:          err.Error(),
		RenderAttempts: renderAttempts,
		Logs:           logs,
	}
	var rerr *render.RenderError
	if errors.As(err, &rerr) {
		d.RenderError = rerr
	}
	if loop != nil {
		snap := loop.Snapshot()
		d.Regen = &snap
	}
	b, merr := json.Marshal(d)
	if merr != nil {
		return []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	return b
}

func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
