package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/jo-hoe/scenecast/internal/common"
	"github.com/jo-hoe/scenecast/internal/jobs"
	"github.com/jo-hoe/scenecast/internal/progress"
)

const sseKeepAlive = 15 * time.Second

type createRequest struct {
	Prompt  string `json:"prompt" validate:"required,min=3,max=2000"`
	Variant string `json:"variant" validate:"omitempty,oneof=video short"`
}

type createResponse struct {
	JobID     string `json:"job_id"`
	StatusURL string `json:"status_url"`
	EventsURL string `json:"events_url"`
}

func newCreateResponse(id string) createResponse {
	status := path.Join(common.PathVideos, id)
	return createResponse{JobID: id, StatusURL: status, EventsURL: status + "/events"}
}

func (svc *Service) handleCreateVideo(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	req.Variant = strings.ToLower(strings.TrimSpace(req.Variant))
	if err := svc.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Message: "invalid request", Fields: validationFields(err)})
		return
	}
	variant := jobs.VariantVideo
	if req.Variant != "" {
		variant = jobs.Variant(req.Variant)
	}

	job := &jobs.Job{
		ID:        uuid.NewString(),
		Prompt:    req.Prompt,
		Variant:   variant,
		CreatedAt: svc.now().UTC(),
	}
	if err := svc.Store.CreateJob(r.Context(), job); err != nil {
		svc.Log.Error("persist job", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	svc.Log.Info("job created", "job_id", job.ID, "variant", job.Variant)

	prefer := strings.ToLower(strings.TrimSpace(r.Header.Get(common.HeaderPrefer)))
	if strings.Contains(prefer, common.PreferRespondAsync) {
		if !svc.enqueue(w, r, job.ID) {
			return
		}
		writeJSON(w, http.StatusAccepted, newCreateResponse(job.ID))
		return
	}

	// Synchronous processing path: process the job inline and return the result.
	ctx, cancel := svc.syncContext(r.Context())
	defer cancel()
	if err := svc.Processor.Process(ctx, jobs.WorkItem{JobID: job.ID}); err != nil {
		svc.Log.Warn("processing failed (sync)", "job_id", job.ID, "err", err)
	}
	done, err := svc.Store.GetJob(r.Context(), job.ID)
	if err != nil {
		svc.Log.Error("load job", "job_id", job.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !done.Status.Terminal() {
		// The sync budget ran out; the job continues in the background.
		if !svc.enqueue(w, r, job.ID) {
			return
		}
		writeJSON(w, http.StatusAccepted, newCreateResponse(job.ID))
		return
	}
	svc.Log.Info("job processed (sync)", "job_id", job.ID, "status", done.Status)
	writeJSON(w, http.StatusOK, progress.NewEvent(*done, svc.now()))
}

// enqueue hands the job to the queue, answering 503 and failing the job when
// the queue is full.
func (svc *Service) enqueue(w http.ResponseWriter, r *http.Request, id string) bool {
	err := svc.Queue.Enqueue(r.Context(), jobs.WorkItem{JobID: id})
	if err == nil {
		svc.Log.Info("job enqueued", "job_id", id)
		return true
	}
	svc.Log.Warn("enqueue failed", "job_id", id, "err", err)
	if _, serr := svc.Store.SetError(r.Context(), id, "The service is busy. Please try again later.", nil, svc.now().UTC()); serr != nil {
		svc.Log.Error("failed to mark unqueued job", "job_id", id, "err", serr)
	}
	if errors.Is(err, jobs.ErrQueueFull) {
		writeError(w, http.StatusServiceUnavailable, "queue full, try later")
	} else {
		writeError(w, http.StatusInternalServerError, "internal error")
	}
	return false
}

func (svc *Service) handleGetVideo(w http.ResponseWriter, r *http.Request) {
	job, ok := svc.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, progress.NewEvent(*job, svc.now()))
}

// handleVideoEvents streams every update of a job as Server-Sent Events until
// the job is finished and its publish outcome is known.
func (svc *Service) handleVideoEvents(w http.ResponseWriter, r *http.Request) {
	if svc.Hub == nil {
		writeError(w, http.StatusNotImplemented, "event stream disabled")
		return
	}
	id := chi.URLParam(r, "id")
	ch, unsubscribe := svc.Hub.Subscribe(id)
	defer unsubscribe()

	job, ok := svc.loadJob(w, r)
	if !ok {
		return
	}
	rc := http.NewResponseController(w)
	// the stream outlives the server's write timeout
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", common.ContentTypeSSE)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, rc, progress.NewEvent(*job, svc.now())); err != nil || streamDone(job) {
		return
	}

	ping := time.NewTicker(sseKeepAlive)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, rc, ev); err != nil || streamDone(&ev.Job) {
				return
			}
		}
	}
}

func streamDone(job *jobs.Job) bool {
	if job.Status == jobs.StatusError {
		return true
	}
	return job.Status == jobs.StatusReady && (job.PublishStatus == nil || *job.PublishStatus != jobs.PublishPending)
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, ev progress.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data); err != nil {
		return err
	}
	return rc.Flush()
}

func (svc *Service) loadJob(w http.ResponseWriter, r *http.Request) (*jobs.Job, bool) {
	id := chi.URLParam(r, "id")
	job, err := svc.Store.GetJob(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return nil, false
	}
	if err != nil {
		svc.Log.Error("load job", "job_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return job, true
}

func validationFields(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, strings.ToLower(fe.Field())+": "+fe.Tag())
	}
	return out
}
