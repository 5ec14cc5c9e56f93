// Package images runs saver sessions on behalf of the API, the worker and the
// CLI: it acquires, processes, optionally mirrors, and records saved images.
package images

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dunamismax/imagesaver/internal/domain"
	"github.com/dunamismax/imagesaver/internal/id"
	"github.com/dunamismax/imagesaver/internal/pipeline"
	"github.com/dunamismax/imagesaver/internal/saver"
	"github.com/dunamismax/imagesaver/internal/storage"
	"github.com/dunamismax/imagesaver/internal/store"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

var ErrImageNotFound = store.ErrImageNotFound

// Mirror copies a saved file to object storage.
type Mirror interface {
	UploadFile(ctx context.Context, objectKey, localPath string) (int64, error)
}

type Options struct {
	Saver       saver.Config
	Transformer pipeline.Transformer
	Store       store.ImageStore
	Mirror      Mirror
	Logger      *zap.Logger
}

type Service struct {
	saverCfg    saver.Config
	transformer pipeline.Transformer
	store       store.ImageStore
	mirror      Mirror
	logger      *zap.Logger
	now         func() time.Time
}

func NewService(opts Options) (*Service, error) {
	if strings.TrimSpace(opts.Saver.TargetDir) == "" {
		return nil, errors.New("target directory is required")
	}
	if err := os.MkdirAll(opts.Saver.TargetDir, 0o755); err != nil {
		return nil, fmt.Errorf("create target dir: %w", err)
	}

	if opts.Transformer == nil || opts.Saver.Codec == nil {
		engine, err := pipeline.NewEngine()
		if err != nil {
			return nil, fmt.Errorf("build image engine: %w", err)
		}
		if opts.Transformer == nil {
			opts.Transformer = engine
		}
		if opts.Saver.Codec == nil {
			opts.Saver.Codec = engine
		}
	}
	if opts.Store == nil {
		opts.Store = store.NewMemoryImageStore()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Saver.Logger == nil {
		opts.Saver.Logger = opts.Logger.Named("saver")
	}

	return &Service{
		saverCfg:    opts.Saver,
		transformer: opts.Transformer,
		store:       opts.Store,
		mirror:      opts.Mirror,
		logger:      opts.Logger,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// FetchRequest describes one URL acquisition. ImageID may be preassigned so
// async callers know the record ID before the worker runs.
type FetchRequest struct {
	ImageID string
	URL     string
	Name    string
	Process domain.ProcessImageRequest
}

// Fetch downloads, validates and optionally processes a remote image.
func (s *Service) Fetch(ctx context.Context, req FetchRequest) (domain.SavedImage, error) {
	session, err := saver.New(s.saverCfg)
	if err != nil {
		return domain.SavedImage{}, err
	}
	if _, err := session.Acquire(ctx, saver.URLSource(req.URL), req.Name); err != nil {
		return domain.SavedImage{}, err
	}

	record := s.newRecord(req.ImageID, domain.SourceKindURL, req.URL)
	if req.ImageID != "" {
		if queued, ok, err := s.store.Get(ctx, req.ImageID); err == nil && ok {
			record.CreatedAt = queued.CreatedAt
		}
	}
	return s.finishAcquired(ctx, session, record, req.Process)
}

// Upload stores the first file of a multipart body.
func (s *Service) Upload(ctx context.Context, src saver.UploadSource, name string, process domain.ProcessImageRequest) (domain.SavedImage, error) {
	session, err := saver.New(s.saverCfg)
	if err != nil {
		return domain.SavedImage{}, err
	}
	if _, err := session.Acquire(ctx, src, name); err != nil {
		return domain.SavedImage{}, err
	}

	record := s.newRecord("", domain.SourceKindUpload, "")
	return s.finishAcquired(ctx, session, record, process)
}

// Queue records imageID as queued so that an async fetch can be looked up
// before a worker runs it.
func (s *Service) Queue(ctx context.Context, imageID, sourceURL string) (domain.SavedImage, error) {
	record := s.newRecord(imageID, domain.SourceKindURL, sourceURL)
	record.Status = domain.ImageStatusQueued
	if err := s.store.Save(ctx, record); err != nil {
		return domain.SavedImage{}, fmt.Errorf("save queued image: %w", err)
	}
	return record, nil
}

// Process reapplies a pipeline to an already saved file. The file may be
// renamed; the returned record carries the new name.
func (s *Service) Process(ctx context.Context, fileName string, process domain.ProcessImageRequest) (domain.SavedImage, error) {
	session, err := saver.Open(s.saverCfg, fileName)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.SavedImage{}, fmt.Errorf("%w: %s", ErrImageNotFound, fileName)
		}
		return domain.SavedImage{}, err
	}

	record, ok, err := s.store.GetByFileName(ctx, fileName)
	if err != nil {
		return domain.SavedImage{}, err
	}
	if !ok {
		record = s.newRecord("", domain.SourceKindUpload, "")
	}
	return s.finish(ctx, session, record, process)
}

func (s *Service) Get(ctx context.Context, fileName string) (domain.SavedImage, error) {
	record, ok, err := s.store.GetByFileName(ctx, fileName)
	if err != nil {
		return domain.SavedImage{}, err
	}
	if !ok {
		return domain.SavedImage{}, fmt.Errorf("%w: %s", ErrImageNotFound, fileName)
	}
	return record, nil
}

func (s *Service) GetByID(ctx context.Context, imageID string) (domain.SavedImage, error) {
	record, ok, err := s.store.Get(ctx, imageID)
	if err != nil {
		return domain.SavedImage{}, err
	}
	if !ok {
		return domain.SavedImage{}, fmt.Errorf("%w: id %s", ErrImageNotFound, imageID)
	}
	return record, nil
}

// MarkFailed records a failed fetch of sourceURL for imageID. A missing record
// is created with the failed status.
func (s *Service) MarkFailed(ctx context.Context, imageID, sourceURL string) {
	if imageID == "" {
		return
	}
	_, err := s.store.UpdateStatus(ctx, imageID, domain.ImageStatusFailed)
	if errors.Is(err, store.ErrImageNotFound) {
		record := s.newRecord(imageID, domain.SourceKindURL, sourceURL)
		record.Status = domain.ImageStatusFailed
		err = s.store.Save(ctx, record)
	}
	if err != nil {
		s.logger.Warn("mark image failed", zap.String("image_id", imageID), zap.Error(err))
	}
}

func (s *Service) newRecord(imageID, kind, sourceURL string) domain.SavedImage {
	if imageID == "" {
		imageID = id.New()
	}
	now := s.now()
	return domain.SavedImage{
		ID:         imageID,
		SourceKind: kind,
		SourceURL:  sourceURL,
		Status:     domain.ImageStatusSaved,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// finishAcquired is finish for a file this call just acquired. The file is
// removed when it cannot be recorded, so no file is left without a record.
func (s *Service) finishAcquired(ctx context.Context, session *saver.Session, record domain.SavedImage, process domain.ProcessImageRequest) (domain.SavedImage, error) {
	saved, err := s.finish(ctx, session, record, process)
	if err != nil {
		path := session.Target().Path
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			s.logger.Warn("remove unrecorded image", zap.String("path", path), zap.Error(rmErr))
		}
	}
	return saved, err
}

func (s *Service) finish(ctx context.Context, session *saver.Session, record domain.SavedImage, process domain.ProcessImageRequest) (domain.SavedImage, error) {
	if !process.Empty() {
		spec := saver.TransformSpec{TextOverlays: process.TextOverlays}
		if len(process.Pipeline) > 0 {
			spec.Transformer = pipeline.NewChain(s.transformer, process.Pipeline)
		}
		if _, err := session.Process(ctx, spec); err != nil {
			return domain.SavedImage{}, fmt.Errorf("process image: %w", err)
		}
		record.Status = domain.ImageStatusProcessed
	}

	if err := s.describe(ctx, session.Target(), &record); err != nil {
		return domain.SavedImage{}, err
	}

	if s.mirror != nil {
		key := storage.ObjectKey(record.ID, record.FileName)
		if _, err := s.mirror.UploadFile(ctx, key, record.Path); err != nil {
			return domain.SavedImage{}, fmt.Errorf("mirror image: %w", err)
		}
		record.ObjectKey = key
		record.Status = domain.ImageStatusMirrored
	}

	record.UpdatedAt = s.now()
	if err := s.store.Save(ctx, record); err != nil {
		return domain.SavedImage{}, fmt.Errorf("save image record: %w", err)
	}

	s.logger.Info("image saved",
		zap.String("image_id", record.ID),
		zap.String("file", record.FileName),
		zap.String("format", record.Format),
		zap.String("size", humanize.Bytes(uint64(record.Bytes))),
		zap.String("status", record.Status),
	)
	return record, nil
}

func (s *Service) describe(ctx context.Context, target saver.Target, record *domain.SavedImage) error {
	data, err := os.ReadFile(target.Path)
	if err != nil {
		return fmt.Errorf("read saved image: %w", err)
	}
	meta, err := s.saverCfg.Codec.Probe(ctx, data)
	if err != nil {
		return fmt.Errorf("probe saved image: %w", err)
	}
	record.FileName = target.FileName
	record.Path = target.Path
	record.Format = meta.Format
	record.Width = meta.Width
	record.Height = meta.Height
	record.Bytes = int64(len(data))
	return nil
}
