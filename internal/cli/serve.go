package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/jo-hoe/scenecast/internal/catalog"
	"github.com/jo-hoe/scenecast/internal/common"
	"github.com/jo-hoe/scenecast/internal/config"
	"github.com/jo-hoe/scenecast/internal/events"
	"github.com/jo-hoe/scenecast/internal/hosting"
	"github.com/jo-hoe/scenecast/internal/jobs"
	"github.com/jo-hoe/scenecast/internal/llm/provider"
	"github.com/jo-hoe/scenecast/internal/pipeline"
	"github.com/jo-hoe/scenecast/internal/progress"
	"github.com/jo-hoe/scenecast/internal/publish"
	"github.com/jo-hoe/scenecast/internal/publish/github"
	"github.com/jo-hoe/scenecast/internal/publish/webhook"
	"github.com/jo-hoe/scenecast/internal/render"
	"github.com/jo-hoe/scenecast/internal/render/local"
	"github.com/jo-hoe/scenecast/internal/render/sandbox"
	"github.com/jo-hoe/scenecast/internal/scheduler"
	"github.com/jo-hoe/scenecast/internal/script"
	"github.com/jo-hoe/scenecast/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service and the job workers",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Logger
	logger, logCloser := config.NewLogger(cfg.Server)
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)

	rootCtx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Store (SQLite)
	if err := os.MkdirAll(cfg.Server.StorageDir, 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	store, err := jobs.NewSQLiteStore(cfg.Server.DatabasePath)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer func() { _ = store.Close() }()

	// Queue
	queue, err := newQueue(rootCtx, logger, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = queue.close() }()

	// LLM
	creds := provider.NewCredentials(logger, cfg.Credentials)
	pool, err := provider.New(logger, cfg.LLM, creds)
	if err != nil {
		return fmt.Errorf("init llm provider: %w", err)
	}

	// Renderer and hosting
	renderer, err := newRenderer(logger, cfg)
	if err != nil {
		return err
	}
	uploader, err := hosting.New(rootCtx, logger, cfg.Hosting, cfg.Server.StorageDir)
	if err != nil {
		return fmt.Errorf("init hosting: %w", err)
	}
	var mediaDir string
	if l, ok := uploader.(*hosting.Local); ok {
		mediaDir = l.Dir()
	}

	// Events
	hub := events.NewHub()
	sinks := []progress.Sink{hub}
	var trigger publish.Trigger
	if cfg.Events.NATSURL != "" {
		nc, err := events.Connect(logger, cfg.Events.NATSURL)
		if err != nil {
			return err
		}
		defer func() { _ = nc.Close() }()
		sinks = append(sinks, nc)
		trigger = nc
	}
	tracker := progress.NewTracker(logger, store, sinks...)

	// Publishing
	target, err := newPublishTarget(cfg.Publish)
	if err != nil {
		return err
	}
	dispatcher := publish.NewDispatcher(logger, pool, target, tracker, trigger, publish.DispatcherOptions{
		Attempts: cfg.Publish.Retries,
		Backoff:  cfg.Publish.Backoff,
		Tags:     cfg.Publish.Tags,
	})

	// Reference snippets
	var examples *catalog.Catalog
	if cfg.Pipeline.ExamplesDir != "" {
		examples, err = catalog.Load(logger, cfg.Pipeline.ExamplesDir)
		if err != nil {
			return fmt.Errorf("load examples: %w", err)
		}
		if pool.CanEmbed() {
			examples = examples.WithEmbedder(pool)
		}
	}

	pipe := pipeline.New(logger, pipeline.Deps{
		Store:     store,
		Generator: pool,
		Validator: script.New(script.DefaultRules()),
		Renderer:  renderer,
		Uploader:  uploader,
		Tracker:   tracker,
		Catalog:   examples,
		Publisher: dispatcher,
	}, pipeline.OptionsFromConfig(cfg))

	// Workers
	if err := queue.Start(rootCtx, pipe); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	if queue.redis == nil {
		// The redis queue keeps unacknowledged jobs in its processing list instead.
		if _, err := pipeline.ResumePending(rootCtx, logger, store, queue); err != nil {
			logger.Warn("resume pending jobs", "err", err)
		}
	}

	// Maintenance
	sched := scheduler.New(logger)
	var requeuer scheduler.Requeuer
	if queue.redis != nil {
		requeuer = queue.redis
	}
	if err := scheduler.RegisterMaintenance(sched, creds, requeuer, scheduler.MaintenanceOptions{
		CredentialSweep: cfg.Scheduler.CredentialSweep,
		RequeueInterval: cfg.Scheduler.RequeueInterval,
		StaleAfter:      cfg.Queue.Redis.StaleAfter,
	}); err != nil {
		return fmt.Errorf("register maintenance: %w", err)
	}
	sched.Start()

	// HTTP server
	httpSrv := server.NewHTTPServer(&server.Service{
		Log:         logger,
		Cfg:         cfg,
		Store:       store,
		Queue:       queue,
		Processor:   pipe,
		Hub:         hub,
		Credentials: creds,
		MediaDir:    mediaDir,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "address", cfg.Server.Addr, "queue", cfg.Queue.Backend, "render", cfg.Render.Backend, "publish", target.Name())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("server error", "err", serveErr)
		}
	}

	// Graceful shutdown
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	sched.Stop()
	queue.Shutdown(cfg.Server.ShutdownGrace)
	dispatcher.Shutdown(cfg.Server.ShutdownGrace)
	logger.Info("server stopped")
	return serveErr
}

// queueHandle is the configured queue plus what has to be released with it.
// redis is nil for the memory backend.
type queueHandle struct {
	jobs.Queue
	redis *jobs.RedisQueue
	close func() error
}

func newQueue(ctx context.Context, log *slog.Logger, cfg *config.Config) (*queueHandle, error) {
	switch cfg.Queue.Backend {
	case "redis":
		rs := cfg.Queue.Redis
		rdb := redis.NewClient(&redis.Options{Addr: rs.Addr, Password: rs.Password, DB: rs.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect redis %s: %w", rs.Addr, err)
		}
		q := jobs.NewRedisQueue(log, rdb, rs.Key, cfg.Server.WorkerCount)
		return &queueHandle{Queue: q, redis: q, close: rdb.Close}, nil
	case "memory", "":
		q := jobs.NewMemoryQueue(log, cfg.Queue.Capacity, cfg.Server.WorkerCount)
		return &queueHandle{Queue: q, close: func() error { return nil }}, nil
	default:
		return nil, fmt.Errorf("unsupported queue backend: %s", cfg.Queue.Backend)
	}
}

// newRenderer builds the render backend. Intermediate files go to storageDir/renders.
func newRenderer(log *slog.Logger, cfg *config.Config) (render.Renderer, error) {
	workDir := filepath.Join(cfg.Server.StorageDir, common.RendersDirName)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create render dir: %w", err)
	}
	switch cfg.Render.Backend {
	case "sandbox":
		return sandbox.New(cfg.Render.Sandbox, workDir), nil
	case "local", "":
		return local.New(log, cfg.Render.Local, cfg.Render.Quality, workDir), nil
	default:
		return nil, fmt.Errorf("unsupported render backend: %s", cfg.Render.Backend)
	}
}

// newPublishTarget registers the configured target next to noop and looks it up by name.
func newPublishTarget(cfg config.PublishConfig) (publish.Target, error) {
	reg := publish.NewRegistry()
	reg.Add(publish.Noop{})
	switch cfg.Target {
	case "github":
		t, err := github.New(cfg.GitHub)
		if err != nil {
			return nil, fmt.Errorf("init github publish target: %w", err)
		}
		reg.Add(t)
	case "webhook":
		t, err := webhook.New(cfg.Webhook)
		if err != nil {
			return nil, fmt.Errorf("init webhook publish target: %w", err)
		}
		reg.Add(t)
	}
	name := cfg.Target
	if name == "" {
		name = publish.Noop{}.Name()
	}
	t, ok := reg.Get(name)
	if !ok {
		return nil, fmt.Errorf("unsupported publish target %q (available: %s)", name, strings.Join(reg.Names(), ", "))
	}
	return t, nil
}
