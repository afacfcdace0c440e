package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/job"
	"github.com/clipforge/clipforge/internal/provider/replicate"
	"github.com/clipforge/clipforge/internal/queue"
	"github.com/clipforge/clipforge/internal/webhook"
)

// maxJSONBody caps JSON request bodies.
const maxJSONBody = 1 << 20

// Stager stages source assets ahead of job creation.
type Stager interface {
	Stage(ctx context.Context, source string, media job.Media) (string, error)
	StageReader(ctx context.Context, r io.Reader, size int64, contentType string, media job.Media) (string, error)
}

// PredictionSink records prediction webhook events.
type PredictionSink interface {
	Put(ctx context.Context, p replicate.Prediction) error
}

// Pinger is a dependency checked by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the handlers use. Stager, Predictions and
// Checks are optional; routes that need a missing one answer 503.
type Deps struct {
	Queue       *queue.Queue
	Store       job.Store
	Stager      Stager
	Predictions PredictionSink
	Checks      map[string]Pinger
	Config      *config.Config
	Logger      *slog.Logger
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	queue       *queue.Queue
	store       job.Store
	stager      Stager
	predictions PredictionSink
	checks      map[string]Pinger
	cfg         *config.Config
	log         *slog.Logger
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(d Deps) *Handler {
	h := &Handler{
		queue:       d.Queue,
		store:       d.Store,
		stager:      d.Stager,
		predictions: d.Predictions,
		checks:      d.Checks,
		cfg:         d.Config,
		log:         d.Logger,
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	return h
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/uploads", h.Upload)
	mux.HandleFunc("POST /api/v1/jobs", h.CreateJob)
	mux.HandleFunc("GET /api/v1/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.GetJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/sse", h.StreamSSE)
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", h.CancelJob)
	mux.HandleFunc("POST "+replicate.WebhookPath, h.PredictionWebhook)
	mux.HandleFunc("GET /api/v1/health", h.Health)
}

type uploadRequest struct {
	Kind      job.Kind `json:"kind"`
	SourceURL string   `json:"source_url"`
}

// Upload handles POST /api/v1/uploads. A JSON body copies source_url into
// the staging bucket; a multipart body streams its "file" part there. The
// "kind" field picks the media type and must precede the file part.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.user(w, r); !ok {
		return
	}
	if h.stager == nil {
		writeJSONStatus(w, http.StatusServiceUnavailable, false, "uploads are not configured", nil)
		return
	}

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var (
		url string
		err error
	)
	if ct == "multipart/form-data" {
		url, err = h.uploadMultipart(w, r)
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
		var req uploadRequest
		if derr := json.NewDecoder(r.Body).Decode(&req); derr != nil {
			writeError(w, apperr.Validation("upload", "invalid JSON body"))
			return
		}
		if !req.Kind.Valid() {
			writeError(w, apperr.Validation("upload", "unknown job kind", "kind"))
			return
		}
		url, err = h.stager.Stage(r.Context(), req.SourceURL, req.Kind.Media())
	}
	if err != nil {
		h.log.Warn("upload failed", "error", err, "request_id", RequestID(r.Context()))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"url": url})
}

func (h *Handler) uploadMultipart(w http.ResponseWriter, r *http.Request) (string, error) {
	const op = "upload"
	if h.cfg != nil && h.cfg.MaxVideoBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxVideoBytes+maxJSONBody)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return "", apperr.Validation(op, "invalid multipart body")
	}
	var kind job.Kind
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return "", apperr.Validation(op, "file is required", "file")
		}
		if err != nil {
			return "", apperr.Validation(op, "invalid multipart body")
		}
		switch part.FormName() {
		case "kind":
			b, _ := io.ReadAll(io.LimitReader(part, 64))
			kind = job.Kind(strings.TrimSpace(string(b)))
		case "file":
			if !kind.Valid() {
				return "", apperr.Validation(op, "unknown job kind", "kind")
			}
			return h.stager.StageReader(r.Context(), part, -1, part.Header.Get("Content-Type"), kind.Media())
		}
		part.Close()
	}
}

// CreateJob handles POST /api/v1/jobs and responds 202 with the created job.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	var req job.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("create job", "invalid JSON body"))
		return
	}
	if req.CallbackURL != "" {
		if err := webhook.ValidateURL(req.CallbackURL); err != nil {
			writeError(w, apperr.Validation("create job", err.Error(), "callback_url"))
			return
		}
	}

	j, err := h.queue.Submit(userID, req)
	if errors.Is(err, queue.ErrQueueFull) {
		writeJSONStatus(w, http.StatusServiceUnavailable, false, "queue is full, retry later", nil)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

// ListJobs handles GET /api/v1/jobs with the caller's newest jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	limit := job.MaxHistory
	if h.cfg != nil && h.cfg.HistoryLimit > 0 {
		limit = h.cfg.HistoryLimit
	}
	jobs, err := h.store.FetchHistory(r.Context(), userID, limit)
	if err != nil {
		h.log.Error("fetch history", "error", err, "user_id", userID)
		writeError(w, err)
		return
	}
	// Return an empty array instead of null when there are no jobs.
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// GetJob handles GET /api/v1/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	j, err := h.queue.Get(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// CancelJob handles POST /api/v1/jobs/{id}/cancel.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := h.queue.Cancel(r.Context(), userID, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusOK, true, "cancellation requested", map[string]string{"job_id": id})
}

// PredictionWebhook handles provider prediction events and records them
// for the age tracker's polls.
func (h *Handler) PredictionWebhook(w http.ResponseWriter, r *http.Request) {
	if h.predictions == nil {
		writeJSONStatus(w, http.StatusServiceUnavailable, false, "prediction cache is not configured", nil)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	var p replicate.Prediction
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, apperr.Validation("prediction webhook", "invalid JSON body"))
		return
	}
	if err := p.Accepted(); err != nil {
		writeError(w, apperr.Validation("prediction webhook", err.Error(), "status"))
		return
	}
	if err := h.predictions.Put(r.Context(), p); err != nil {
		h.log.Error("store prediction", "prediction_id", p.ID, "error", err)
		writeJSONStatus(w, http.StatusInternalServerError, false, "failed to store prediction", nil)
		return
	}
	writeJSONStatus(w, http.StatusOK, true, "prediction recorded", map[string]string{"id": p.ID, "status": p.Status})
}

// Health handles GET /api/v1/health. Every configured dependency is
// pinged; any failure answers 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	report := map[string]string{"status": "ok"}
	if h.store != nil {
		h.check(ctx, report, &status, "store", h.store)
	}
	for name, p := range h.checks {
		h.check(ctx, report, &status, name, p)
	}
	if status != http.StatusOK {
		report["status"] = "degraded"
	}
	writeJSONStatus(w, status, status == http.StatusOK, report["status"], report)
}

func (h *Handler) check(ctx context.Context, report map[string]string, status *int, name string, p Pinger) {
	if err := p.Ping(ctx); err != nil {
		h.log.Warn("health check failed", "dependency", name, "error", err)
		report[name] = "down"
		*status = http.StatusServiceUnavailable
		return
	}
	report[name] = "up"
}

// user returns the caller's identity or answers 401.
func (h *Handler) user(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := UserFrom(r.Context())
	if !ok {
		writeError(w, apperr.Authorization("identify caller", "missing caller identity"))
		return "", false
	}
	return id, true
}

// envelope is the body of every API response.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	writeJSONStatus(w, status, true, "ok", data)
}

func writeJSONStatus(w http.ResponseWriter, status int, success bool, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: success, Message: message, Data: data}) //nolint:errcheck
}

// writeError answers with err's status and public message. Validation
// errors carry the offending field names as data.
func writeError(w http.ResponseWriter, err error) {
	var data any
	if fields := apperr.FieldsOf(err); len(fields) > 0 {
		data = fields
	}
	writeJSONStatus(w, apperr.HTTPStatus(err), false, apperr.PublicMessage(err), data)
}
