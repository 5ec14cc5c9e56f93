package saver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dunamismax/imagesaver/internal/domain"
	"github.com/dunamismax/imagesaver/internal/pipeline"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Transform rewrites encoded image bytes. pipeline.Chain satisfies it.
type Transform interface {
	Apply(ctx context.Context, input []byte) ([]byte, error)
}

// TransformFunc adapts a function to Transform.
type TransformFunc func(ctx context.Context, input []byte) ([]byte, error)

func (f TransformFunc) Apply(ctx context.Context, input []byte) ([]byte, error) {
	return f(ctx, input)
}

// TransformSpec is consumed by one Process call. A nil Transformer leaves the
// bytes as they are; nil or empty TextOverlays skips compositing.
type TransformSpec struct {
	Transformer  Transform
	TextOverlays []domain.TextOverlay
}

type stage func(ctx context.Context, t Target) (Target, error)

// Process transforms the acquired file in place, renames it when the encoded
// format no longer matches its extension and composites text overlays on top.
// Failures are returned as they are and may leave a partially processed file.
func (s *Session) Process(ctx context.Context, spec TransformSpec) (Target, error) {
	if s.target.Empty() {
		return Target{}, ErrNotAcquired
	}

	stages := []stage{
		func(ctx context.Context, t Target) (Target, error) { return s.transform(ctx, t, spec.Transformer) },
		s.reconcileExtension,
		func(ctx context.Context, t Target) (Target, error) { return s.overlay(ctx, t, spec.TextOverlays) },
	}
	for _, run := range stages {
		next, err := run(ctx, s.target)
		if err != nil {
			return Target{}, err
		}
		s.target = next
	}
	return s.target, nil
}

func (s *Session) transform(ctx context.Context, t Target, tr Transform) (Target, error) {
	if tr == nil {
		return t, nil
	}
	data, err := os.ReadFile(t.Path)
	if err != nil {
		return t, fmt.Errorf("read %s: %w", t.FileName, err)
	}
	out, err := tr.Apply(ctx, data)
	if err != nil {
		return t, err
	}
	if err := os.WriteFile(t.Path, out, 0o644); err != nil {
		return t, fmt.Errorf("write %s: %w", t.FileName, err)
	}
	return t, nil
}

func (s *Session) reconcileExtension(ctx context.Context, t Target) (Target, error) {
	data, err := os.ReadFile(t.Path)
	if err != nil {
		return t, fmt.Errorf("read %s: %w", t.FileName, err)
	}
	meta, err := s.codec.Probe(ctx, data)
	if err != nil {
		return t, fmt.Errorf("probe %s: %w", t.FileName, err)
	}
	if formatForExtension(extensionOf(t.FileName)) == meta.Format {
		return t, nil
	}

	fileName := baseOf(t.FileName) + "." + extensionForFormat(meta.Format)
	next := Target{Dir: t.Dir, Path: filepath.Join(t.Dir, fileName), FileName: fileName}
	if err := os.Rename(t.Path, next.Path); err != nil {
		return t, fmt.Errorf("rename %s: %w", t.FileName, err)
	}
	s.logger.Debug("extension follows encoded format",
		zap.String("from", t.FileName), zap.String("to", next.FileName))
	return next, nil
}

func (s *Session) overlay(ctx context.Context, t Target, overlays []domain.TextOverlay) (Target, error) {
	if len(overlays) == 0 {
		return t, nil
	}

	layers := make([]pipeline.Layer, len(overlays))
	g, gctx := errgroup.WithContext(ctx)
	for i, o := range overlays {
		g.Go(func() error {
			rendered, err := s.renderer.Render(gctx, o)
			if err != nil {
				return fmt.Errorf("render overlay %d: %w", i, err)
			}
			layers[i] = pipeline.Layer{Data: rendered.Bytes(), X: o.X, Y: o.Y}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return t, err
	}

	base, err := os.ReadFile(t.Path)
	if err != nil {
		return t, fmt.Errorf("read %s: %w", t.FileName, err)
	}
	out, err := s.codec.Composite(ctx, base, layers)
	if err != nil {
		return t, fmt.Errorf("composite %s: %w", t.FileName, err)
	}
	if err := os.WriteFile(t.Path, out, 0o644); err != nil {
		return t, fmt.Errorf("write %s: %w", t.FileName, err)
	}
	return t, nil
}
