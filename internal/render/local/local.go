// Package local renders scenes with a manim executable on the same host.
// Each render runs as a tracked child process that outlives the step that
// started it, so the render controller can resume it by session id.
package local

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jo-hoe/scenecast/internal/config"
	"github.com/jo-hoe/scenecast/internal/render"
)

var _ render.Renderer = (*Renderer)(nil)

const (
	backendName = "local"
	sceneFile   = "scene.py"
	entryClass  = "MyScene"
	maxLogLines = 200
)

var percentRe = regexp.MustCompile(`(\d{1,3})%`)

// Renderer runs manim as a child process per render.
type Renderer struct {
	log     *slog.Logger
	binary  string
	extra   []string
	quality string
	workDir string

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id       string
	dir      string
	cmd      *exec.Cmd
	done     chan struct{}
	mu       sync.Mutex
	logs     []string
	stderr   []string
	progress float64
	sink     render.Sink
	waitErr  error
}

// New creates a local renderer writing into workDir.
func New(log *slog.Logger, cfg config.LocalSettings, quality, workDir string) *Renderer {
	if quality == "" {
		quality = "m"
	}
	return &Renderer{
		log:      log,
		binary:   cfg.Binary,
		extra:    cfg.ExtraArgs,
		quality:  quality,
		workDir:  workDir,
		sessions: make(map[string]*session),
	}
}

// Render writes the script and starts manim.
func (r *Renderer) Render(ctx context.Context, req render.Request, sink render.Sink) (render.Result, error) {
	id := uuid.NewString()
	dir := filepath.Join(r.workDir, req.JobID, strconv.Itoa(req.Attempt), id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return render.Result{}, fmt.Errorf("create render dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, sceneFile), []byte(req.Script), 0o600); err != nil {
		return render.Result{}, fmt.Errorf("write scene: %w", err)
	}

	quality := req.Quality
	if quality == "" {
		quality = r.quality
	}
	args := []string{"render", "-q" + quality, "--media_dir", filepath.Join(dir, "media"), sceneFile, entryClass}
	args = append(args, r.extra...)
	// The process must survive the step context; Release stops it.
	cmd := exec.Command(r.binary, args...) // #nosec G204 - binary comes from operator config
	cmd.Dir = dir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return render.Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return render.Result{}, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return render.Result{}, fmt.Errorf("start %s: %w", r.binary, err)
	}

	s := &session{id: id, dir: dir, cmd: cmd, done: make(chan struct{}), sink: sink}
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	sink.Handle(render.Handle{Backend: backendName, ID: id})
	r.log.Debug("manim started", "job_id", req.JobID, "session", id, "pid", cmd.Process.Pid)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.scan(stdout, false) }()
	go func() { defer wg.Done(); s.scan(stderr, true) }()
	go func() {
		wg.Wait()
		err := cmd.Wait()
		s.mu.Lock()
		s.waitErr = err
		s.mu.Unlock()
		close(s.done)
	}()

	return r.await(ctx, s, sink)
}

// Resume waits for a running session.
func (r *Renderer) Resume(ctx context.Context, h render.Handle, sink render.Sink) (render.Result, error) {
	r.mu.Lock()
	s, ok := r.sessions[h.ID]
	r.mu.Unlock()
	if !ok {
		return render.Result{}, fmt.Errorf("%w: session %s", render.ErrHandleLost, h.ID)
	}
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
	return r.await(ctx, s, sink)
}

// Release stops the process if it is still running and forgets the session.
// Rendered files are kept.
func (r *Renderer) Release(_ context.Context, h render.Handle) error {
	r.mu.Lock()
	s, ok := r.sessions[h.ID]
	delete(r.sessions, h.ID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-s.done:
		return nil
	default:
	}
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill manim: %w", err)
	}
	<-s.done
	return nil
}

func (r *Renderer) await(ctx context.Context, s *session, sink render.Sink) (render.Result, error) {
	select {
	case <-ctx.Done():
		return render.Result{}, fmt.Errorf("wait for manim: %w", ctx.Err())
	case <-s.done:
	}
	s.mu.Lock()
	waitErr := s.waitErr
	logs := append([]string(nil), s.logs...)
	stderr := strings.Join(s.stderr, "\n")
	s.mu.Unlock()

	if waitErr != nil {
		e := &render.RenderError{Stage: "render", Stderr: stderr, Stdout: strings.Join(logs, "\n"), Logs: tailLines(logs, 20)}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			e.ExitCode = render.ExitCode(exitErr.ExitCode())
		} else {
			e.Message = waitErr.Error()
		}
		e.Stage, e.Hint = classify(stderr)
		return render.Result{}, e
	}

	video, err := findVideo(filepath.Join(s.dir, "media"))
	if err != nil {
		return render.Result{}, &render.RenderError{Stage: "output", Message: err.Error(), Logs: tailLines(logs, 20)}
	}
	sink.Progress(1, "rendered")
	return render.Result{VideoPath: video, Logs: logs}, nil
}

func (s *session) scan(rd io.Reader, isErr bool) {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		s.mu.Lock()
		if isErr {
			s.stderr = appendCapped(s.stderr, line)
		} else {
			s.logs = appendCapped(s.logs, line)
		}
		sink := s.sink
		var frac float64
		if m := percentRe.FindStringSubmatch(line); m != nil {
			if p, err := strconv.Atoi(m[1]); err == nil && p <= 100 {
				frac = float64(p) / 100
				if frac > s.progress {
					s.progress = frac
				} else {
					frac = 0
				}
			}
		}
		s.mu.Unlock()
		sink.Log(line)
		if frac > 0 {
			sink.Progress(frac, line)
		}
	}
}

func appendCapped(lines []string, l string) []string {
	lines = append(lines, l)
	if len(lines) > maxLogLines {
		lines = lines[len(lines)-maxLogLines:]
	}
	return lines
}

func tailLines(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

// classify maps manim stderr to a failing stage and a repair hint.
func classify(stderr string) (stage, hint string) {
	switch {
	case strings.Contains(stderr, "LaTeX") || strings.Contains(stderr, "latex"):
		return "latex", "the math markup did not compile; simplify Tex/MathTex strings and balance braces"
	case strings.Contains(stderr, "SyntaxError") || strings.Contains(stderr, "IndentationError"):
		return "parse", "the script is not valid Python"
	case strings.Contains(stderr, "NameError") || strings.Contains(stderr, "ImportError") || strings.Contains(stderr, "ModuleNotFoundError"):
		return "render", "a name or module used by the script does not exist"
	case strings.Contains(stderr, "TypeError") || strings.Contains(stderr, "AttributeError"):
		return "render", "an object was used with the wrong arguments or attributes"
	}
	return "render", ""
}

func findVideo(root string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".mp4") && !strings.Contains(path, "partial_movie_files") {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("find video: %w", err)
	}
	if found == "" {
		return "", errors.New("manim finished without producing a video")
	}
	return found, nil
}
