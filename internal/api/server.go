package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/imagesaver/internal/domain"
	"github.com/dunamismax/imagesaver/internal/id"
	"github.com/dunamismax/imagesaver/internal/images"
	"github.com/dunamismax/imagesaver/internal/pipeline"
	"github.com/dunamismax/imagesaver/internal/queue"
	"github.com/dunamismax/imagesaver/internal/ratelimit"
	"github.com/dunamismax/imagesaver/internal/saver"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Server struct {
	logger                *zap.Logger
	images                imageService
	queueClient           queueEnqueuer
	storage               objectStorage
	presignTTL            time.Duration
	rateLimiter           ratelimit.Limiter
	rateLimitUserIDHeader string
	metrics               *metrics
	tracer                trace.Tracer
	mux                   *http.ServeMux
}

type imageService interface {
	Fetch(ctx context.Context, req images.FetchRequest) (domain.SavedImage, error)
	Upload(ctx context.Context, src saver.UploadSource, name string, process domain.ProcessImageRequest) (domain.SavedImage, error)
	Process(ctx context.Context, fileName string, process domain.ProcessImageRequest) (domain.SavedImage, error)
	Get(ctx context.Context, fileName string) (domain.SavedImage, error)
	GetByID(ctx context.Context, imageID string) (domain.SavedImage, error)
	Queue(ctx context.Context, imageID, sourceURL string) (domain.SavedImage, error)
	MarkFailed(ctx context.Context, imageID, sourceURL string)
}

type queueEnqueuer interface {
	EnqueueFetchImage(ctx context.Context, payload queue.FetchImagePayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

type Options struct {
	Logger                *zap.Logger
	Images                imageService
	Queue                 queueEnqueuer
	Storage               objectStorage
	PresignTTL            time.Duration
	RateLimiter           ratelimit.Limiter
	RateLimitUserIDHeader string
	Tracer                trace.Tracer
}

func NewServer(opts Options) *Server {
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if strings.TrimSpace(opts.RateLimitUserIDHeader) == "" {
		opts.RateLimitUserIDHeader = "X-User-ID"
	}

	s := &Server{
		logger:                opts.Logger,
		images:                opts.Images,
		queueClient:           opts.Queue,
		storage:               opts.Storage,
		presignTTL:            opts.PresignTTL,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: opts.RateLimitUserIDHeader,
		metrics:               newMetrics(),
		tracer:                opts.Tracer,
		mux:                   http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.metrics.withHTTPMetrics(s.withTracing(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /v1/images", s.handleUpload)
	s.mux.HandleFunc("POST /v1/images/fetch", s.handleFetch)
	s.mux.HandleFunc("POST /v1/images/{file}/process", s.handleProcess)
	s.mux.HandleFunc("GET /v1/images/{file}", s.handleGet)
	s.mux.HandleFunc("GET /v1/images/id/{id}", s.handleGetByID)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if err := domain.ValidateName(name); err != nil {
		writeError(w, http.StatusBadRequest, "ERR_BAD_REQUEST", err.Error())
		return
	}

	saved, err := s.images.Upload(r.Context(), saver.UploadFromRequest(r), name, domain.ProcessImageRequest{})
	if err != nil {
		s.fail(w, r, "upload", err)
		return
	}
	s.metrics.imagesSaved.WithLabelValues(domain.SourceKindUpload).Inc()
	writeJSON(w, http.StatusCreated, s.present(r.Context(), saved))
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req domain.FetchImageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "ERR_BAD_REQUEST", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "ERR_BAD_REQUEST", err.Error())
		return
	}

	process := domain.ProcessImageRequest{Pipeline: req.Pipeline, TextOverlays: req.TextOverlays}
	if req.Async {
		s.enqueueFetch(w, r, req, process)
		return
	}

	saved, err := s.images.Fetch(r.Context(), images.FetchRequest{URL: req.URL, Name: req.Name, Process: process})
	if err != nil {
		s.fail(w, r, "fetch", err)
		return
	}
	s.metrics.imagesSaved.WithLabelValues(domain.SourceKindURL).Inc()
	writeJSON(w, http.StatusCreated, s.present(r.Context(), saved))
}

func (s *Server) enqueueFetch(w http.ResponseWriter, r *http.Request, req domain.FetchImageRequest, process domain.ProcessImageRequest) {
	if s.queueClient == nil {
		writeError(w, http.StatusServiceUnavailable, "ERR_QUEUE_UNAVAILABLE", "async fetch is not available")
		return
	}

	imageID := id.New()
	queued, err := s.images.Queue(r.Context(), imageID, req.URL)
	if err != nil {
		s.fail(w, r, "queue", err)
		return
	}

	payload := queue.FetchImagePayload{
		ImageID:      imageID,
		URL:          req.URL,
		Name:         req.Name,
		Pipeline:     process.Pipeline,
		TextOverlays: process.TextOverlays,
		WebhookURL:   req.WebhookURL,
		RequestedAt:  time.Now().UTC(),
	}
	info, err := s.queueClient.EnqueueFetchImage(r.Context(), payload)
	if err != nil {
		s.logger.Error("enqueue failed", zap.String("image_id", payload.ImageID), zap.Error(err))
		s.images.MarkFailed(r.Context(), payload.ImageID, req.URL)
		writeError(w, http.StatusInternalServerError, "ERR_INTERNAL", "failed to enqueue fetch")
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(info.Queue).Inc()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"image_id":    payload.ImageID,
		"status":      queued.Status,
		"queue":       info.Queue,
		"task_id":     info.ID,
		"state":       info.State.String(),
		"enqueued_at": info.NextProcessAt,
	})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	fileName := r.PathValue("file")
	if err := domain.ValidateName(fileName); err != nil || fileName == "" {
		writeError(w, http.StatusBadRequest, "ERR_BAD_REQUEST", fmt.Sprintf("invalid file name %q", fileName))
		return
	}

	var req domain.ProcessImageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "ERR_BAD_REQUEST", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "ERR_BAD_REQUEST", err.Error())
		return
	}

	saved, err := s.images.Process(r.Context(), fileName, req)
	if err != nil {
		s.fail(w, r, "process", err)
		return
	}
	writeJSON(w, http.StatusOK, s.present(r.Context(), saved))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	saved, err := s.images.Get(r.Context(), r.PathValue("file"))
	if err != nil {
		s.fail(w, r, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, s.present(r.Context(), saved))
}

func (s *Server) handleGetByID(w http.ResponseWriter, r *http.Request) {
	saved, err := s.images.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, s.present(r.Context(), saved))
}

type imageResponse struct {
	domain.SavedImage
	DownloadURL string `json:"download_url,omitempty"`
}

func (s *Server) present(ctx context.Context, saved domain.SavedImage) imageResponse {
	resp := imageResponse{SavedImage: saved}
	if s.storage == nil || saved.ObjectKey == "" {
		return resp
	}
	url, err := s.storage.PresignedGetURL(ctx, saved.ObjectKey, s.presignTTL)
	if err != nil {
		s.logger.Warn("presign download failed", zap.String("object_key", saved.ObjectKey), zap.Error(err))
		return resp
	}
	resp.DownloadURL = url
	return resp
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.String("path", r.URL.Path), zap.Error(err))
		message = "internal error"
	} else {
		s.logger.Info(op+" rejected", zap.String("path", r.URL.Path), zap.String("code", code), zap.Error(err))
	}
	writeError(w, status, code, message)
}

// classify maps core error kinds, pipeline step errors and lookup misses to
// HTTP statuses.
func classify(err error) (int, string) {
	if kind, ok := saver.KindOf(err); ok {
		switch kind {
		case saver.KindSourceBroken:
			return http.StatusUnprocessableEntity, string(kind)
		case saver.KindFormatUnsupported:
			return http.StatusUnsupportedMediaType, string(kind)
		case saver.KindSourceCanNotBeLoaded:
			return http.StatusBadGateway, string(kind)
		}
	}
	if errors.Is(err, pipeline.ErrInvalidStepArgument) ||
		errors.Is(err, pipeline.ErrInvalidStepAction) ||
		errors.Is(err, pipeline.ErrUnsupportedFormat) {
		return http.StatusUnprocessableEntity, "ERR_INVALID_PIPELINE"
	}
	if errors.Is(err, images.ErrImageNotFound) {
		return http.StatusNotFound, "ERR_NOT_FOUND"
	}
	return http.StatusInternalServerError, "ERR_INTERNAL"
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
