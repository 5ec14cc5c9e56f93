// Package saver acquires images from a URL or a multipart upload, validates
// them by decoding and re-encoding through a codec, and post-processes the
// stored file. A Session owns exactly one target file.
package saver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/dunamismax/imagesaver/internal/domain"
	"github.com/dunamismax/imagesaver/internal/id"
	"github.com/dunamismax/imagesaver/internal/pipeline"
	"go.uber.org/zap"
)

var defaultValidExtensions = []string{"jpg", "png"}

// Target is the file a Session currently owns. Path is empty until an
// acquisition has reached the point of writing bytes.
type Target struct {
	Dir      string
	Path     string
	FileName string
}

// Empty reports whether no file has been assigned yet.
func (t Target) Empty() bool {
	return t.Path == ""
}

// Codec decodes, probes and composites encoded images.
type Codec interface {
	Normalize(ctx context.Context, input []byte) ([]byte, string, error)
	Probe(ctx context.Context, input []byte) (pipeline.Metadata, error)
	Composite(ctx context.Context, base []byte, layers []pipeline.Layer) ([]byte, error)
}

// Downloader streams url into dest.
type Downloader interface {
	Download(ctx context.Context, url, dest string, events DownloadEvents) error
}

// UploadParser writes the first file part of a multipart body into dir and
// reports where it landed.
type UploadParser interface {
	ParseFirstFile(ctx context.Context, src UploadSource, dir string) (UploadedFile, error)
}

// Orienter returns the bytes of the file at path re-encoded with any embedded
// rotation applied.
type Orienter interface {
	Orient(ctx context.Context, path string, quality int) ([]byte, error)
}

// TextRenderer renders one overlay into an encoded image.
type TextRenderer interface {
	Render(ctx context.Context, overlay domain.TextOverlay) (pipeline.Rendered, error)
}

// NameFunc returns a fresh unique token used when no target name is given.
type NameFunc func() string

// Config wires a Session. Zero-valued collaborators fall back to defaults.
type Config struct {
	TargetDir       string
	ValidExtensions []string

	Codec      Codec
	Downloader Downloader
	Uploads    UploadParser
	Orienter   Orienter
	Renderer   TextRenderer
	NewName    NameFunc

	OnStart    func(total int64)
	OnProgress func(written, total int64)

	Logger *zap.Logger
}

// Session is one acquisition and processing attempt. It is not safe for
// concurrent use.
type Session struct {
	targetDir       string
	validExtensions []string

	codec      Codec
	downloader Downloader
	uploads    UploadParser
	orienter   Orienter
	renderer   TextRenderer
	newName    NameFunc
	events     DownloadEvents
	logger     *zap.Logger

	target Target
}

// New builds a Session. It fails only when the default codec cannot start.
func New(cfg Config) (*Session, error) {
	s := &Session{
		targetDir:       cfg.TargetDir,
		validExtensions: slices.Clone(cfg.ValidExtensions),
		codec:           cfg.Codec,
		downloader:      cfg.Downloader,
		uploads:         cfg.Uploads,
		orienter:        cfg.Orienter,
		renderer:        cfg.Renderer,
		newName:         cfg.NewName,
		events:          DownloadEvents{OnStart: cfg.OnStart, OnProgress: cfg.OnProgress},
		logger:          cfg.Logger,
	}
	if len(s.validExtensions) == 0 {
		s.validExtensions = slices.Clone(defaultValidExtensions)
	}
	if s.codec == nil {
		engine, err := pipeline.NewEngine()
		if err != nil {
			return nil, fmt.Errorf("start image engine: %w", err)
		}
		s.codec = engine
	}
	if s.downloader == nil {
		s.downloader = NewHTTPDownloader(HTTPDownloaderConfig{})
	}
	if s.uploads == nil {
		s.uploads = MultipartParser{}
	}
	if s.orienter == nil {
		s.orienter = ExifOrienter{}
	}
	if s.renderer == nil {
		s.renderer = pipeline.NewTextRenderer()
	}
	if s.newName == nil {
		s.newName = id.New
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.target = Target{Dir: s.targetDir}
	return s, nil
}

// Open rebuilds a Session around fileName, an existing file in cfg.TargetDir,
// so Process can be applied to it again.
func Open(cfg Config, fileName string) (*Session, error) {
	if err := domain.ValidateName(fileName); err != nil {
		return nil, err
	}
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(s.targetDir, fileName)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("open %s: %w", fileName, os.ErrNotExist)
		}
		return nil, fmt.Errorf("stat %s: %w", fileName, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("open %s: is a directory", fileName)
	}
	s.target = Target{Dir: s.targetDir, Path: path, FileName: fileName}
	return s, nil
}

// Target returns the file the Session currently owns.
func (s *Session) Target() Target {
	return s.target
}

func (s *Session) allowed(ext string) bool {
	return slices.Contains(s.validExtensions, ext)
}

func (s *Session) assign(name, ext string) Target {
	if name == "" {
		name = s.newName()
	}
	fileName := name + "." + ext
	return Target{Dir: s.targetDir, Path: filepath.Join(s.targetDir, fileName), FileName: fileName}
}

// discard removes path and only logs a failure. It never reports errors so a
// cleanup cannot replace the error being returned.
func (s *Session) discard(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Debug("cleanup failed", zap.String("path", path), zap.Error(err))
	}
}
