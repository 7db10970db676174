package server

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/jo-hoe/scenecast/internal/common"
	"github.com/jo-hoe/scenecast/internal/config"
	"github.com/jo-hoe/scenecast/internal/credentials"
	"github.com/jo-hoe/scenecast/internal/events"
	"github.com/jo-hoe/scenecast/internal/jobs"
)

// Service holds everything the HTTP handlers need. Hub, Credentials and
// MediaDir are optional.
type Service struct {
	Log         *slog.Logger
	Cfg         *config.Config
	Store       jobs.Store
	Queue       jobs.Queue
	Processor   jobs.Processor
	Hub         *events.Hub
	Credentials *credentials.Manager
	// MediaDir is served under common.PathMedia when local hosting is used.
	MediaDir string

	validate *validator.Validate
	now      func() time.Time
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	return &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      svc.Routes(),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
}

// Routes returns the router.
func (svc *Service) Routes() http.Handler {
	if svc.validate == nil {
		svc.validate = validator.New()
	}
	if svc.now == nil {
		svc.now = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(svc.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get(common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(svc.withCommon)

		r.Route(common.PathVideos, func(r chi.Router) {
			r.Post("/", svc.handleCreateVideo)
			r.Get("/{id}", svc.handleGetVideo)
			r.Get("/{id}/events", svc.handleVideoEvents)
		})

		if svc.Credentials != nil {
			r.Route(common.PathCredentials, func(r chi.Router) {
				r.Get("/", svc.handleListCredentials)
				r.Post("/reset", svc.handleResetCredentials)
				r.Post("/{index}/block", svc.handleBlockCredential)
				r.Post("/{index}/heal", svc.handleHealCredential)
			})
		}
	})

	if svc.MediaDir != "" {
		fs := http.StripPrefix(common.PathMedia+"/", http.FileServer(http.Dir(filepath.Clean(svc.MediaDir))))
		r.Handle(common.PathMedia+"/*", fs)
	}
	return r
}

func (svc *Service) withCommon(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Enforce API key if configured
		if key := strings.TrimSpace(svc.Cfg.Server.APIKey); key != "" {
			if r.Header.Get(common.HeaderAPIKey) != key {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		// Enforce max body size
		if max := safeInt64(svc.Cfg.Server.MaxRequestSize); max > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	})
}

func (svc *Service) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		svc.Log.Info("http",
			"req_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr)
	})
}

// syncContext bounds a synchronous request by the configured timeout.
func (svc *Service) syncContext(parent context.Context) (context.Context, context.CancelFunc) {
	if d := svc.Cfg.Server.SyncTimeout; d > 0 {
		return context.WithTimeout(parent, d)
	}
	return context.WithCancel(parent)
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}
