package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dunamismax/imagesaver/internal/config"
	"github.com/dunamismax/imagesaver/internal/domain"
	"github.com/dunamismax/imagesaver/internal/images"
	"github.com/dunamismax/imagesaver/internal/pipeline"
	"github.com/dunamismax/imagesaver/internal/queue"
	"github.com/dunamismax/imagesaver/internal/saver"
	"github.com/dunamismax/imagesaver/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	outcomeSaved  = "saved"
	outcomeFailed = "failed"
	outcomeRetry  = "retry"
)

type Server struct {
	logger        *zap.Logger
	server        *asynq.Server
	sem           chan struct{}
	images        imageFetcher
	webhookClient webhookSender
	metrics       *metrics
	tracer        trace.Tracer
}

type imageFetcher interface {
	Fetch(ctx context.Context, req images.FetchRequest) (domain.SavedImage, error)
	MarkFailed(ctx context.Context, imageID, sourceURL string)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type Options struct {
	Logger  *zap.Logger
	Queue   config.QueueConfig
	Worker  config.WorkerConfig
	Images  imageFetcher
	Webhook webhookSender
}

func NewServer(opts Options) (*Server, error) {
	if opts.Images == nil {
		return nil, errors.New("image service is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			opts.Queue.RedisClientOpt(),
			asynq.Config{
				Concurrency: opts.Worker.Concurrency,
				Queues: map[string]int{
					opts.Queue.Name: 1,
				},
				Logger:   logger.Named("asynq").Sugar(),
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Warn("task failed",
						zap.String("type", task.Type()),
						zap.Int("retry", retried),
						zap.Int("max_retry", maxRetry),
						zap.Error(err),
					)
				}),
			},
		),
		sem:           make(chan struct{}, max(1, opts.Worker.MaxActiveJobs)),
		images:        opts.Images,
		webhookClient: opts.Webhook,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("imagesaver/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeFetchImage, s.handleFetchImage)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleFetchImage(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := outcomeFailed

	payload, err := queue.ParseFetchImagePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.fetch_image", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("image.id", payload.ImageID),
		attribute.String("image.url", payload.URL),
		attribute.Int("image.pipeline_steps", len(payload.Pipeline)),
		attribute.Int("image.text_overlays", len(payload.TextOverlays)),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	s.logger.Info("fetching image",
		zap.String("image_id", payload.ImageID),
		zap.String("url", payload.URL),
		zap.Int("steps", len(payload.Pipeline)),
	)

	// Retries reuse the image ID as the file name so they overwrite one file.
	name := payload.Name
	if name == "" {
		name = payload.ImageID
	}
	saved, err := s.images.Fetch(ctx, images.FetchRequest{
		ImageID: payload.ImageID,
		URL:     payload.URL,
		Name:    name,
		Process: domain.ProcessImageRequest{
			Pipeline:     payload.Pipeline,
			TextOverlays: payload.TextOverlays,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")

		permanent := isPermanent(err)
		if !permanent && !finalAttempt(ctx) {
			outcome = outcomeRetry
			return fmt.Errorf("fetch image: %w", err)
		}

		s.images.MarkFailed(ctx, payload.ImageID, payload.URL)
		s.dispatchWebhook(ctx, payload, webhook.EventImageFailed, map[string]any{
			"image_id":     payload.ImageID,
			"status":       domain.ImageStatusFailed,
			"url":          payload.URL,
			"requested_at": payload.RequestedAt,
			"failed_at":    time.Now().UTC(),
			"error":        err.Error(),
			"code":         errorCode(err),
		})
		if permanent {
			return fmt.Errorf("fetch image: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("fetch image: %w", err)
	}

	outcome = outcomeSaved
	s.metrics.bytesSavedTotal.Add(float64(saved.Bytes))
	s.logger.Info("image fetched",
		zap.String("image_id", saved.ID),
		zap.String("file", saved.FileName),
		zap.Duration("took", time.Since(startedAt)),
	)

	s.dispatchWebhook(ctx, payload, webhook.EventImageSaved, map[string]any{
		"image_id":     saved.ID,
		"status":       saved.Status,
		"url":          payload.URL,
		"requested_at": payload.RequestedAt,
		"completed_at": time.Now().UTC(),
		"image":        saved,
	})
	span.SetStatus(codes.Ok, "saved")
	return nil
}

// dispatchWebhook never fails the task: the image is already on disk and a
// retry would only fetch it again.
func (s *Server) dispatchWebhook(ctx context.Context, payload queue.FetchImagePayload, event string, body map[string]any) {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return
	}
	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.metrics.webhookFailures.WithLabelValues(event).Inc()
		s.logger.Warn("webhook delivery failed",
			zap.String("image_id", payload.ImageID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

// isPermanent reports failures that another attempt cannot fix: the source
// itself is broken or its format is not accepted.
// isPermanent reports failures a retry cannot fix: bad sources and pipeline
// steps the engine rejects.
func isPermanent(err error) bool {
	if invalidPipeline(err) {
		return true
	}
	kind, ok := saver.KindOf(err)
	if !ok {
		return false
	}
	return kind == saver.KindSourceBroken || kind == saver.KindFormatUnsupported
}

func invalidPipeline(err error) bool {
	return errors.Is(err, pipeline.ErrInvalidStepArgument) ||
		errors.Is(err, pipeline.ErrInvalidStepAction) ||
		errors.Is(err, pipeline.ErrUnsupportedFormat)
}

func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}

func errorCode(err error) string {
	if kind, ok := saver.KindOf(err); ok {
		return string(kind)
	}
	if invalidPipeline(err) {
		return "ERR_INVALID_PIPELINE"
	}
	return "ERR_INTERNAL"
}
