package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/imagesaver/internal/domain"
)

var (
	ErrInvalidStepAction   = errors.New("invalid pipeline action")
	ErrUnsupportedFormat   = errors.New("unsupported image format")
	ErrInvalidStepArgument = errors.New("invalid pipeline step argument")

	errWebPExport = fmt.Errorf("%w: webp export requires govips build tag", ErrUnsupportedFormat)
)

type Transformer interface {
	Transform(ctx context.Context, input []byte, step domain.PipelineStep) (data []byte, format string, width, height int, err error)
}

// Metadata is what a probe learns about an encoded image without keeping pixels.
type Metadata struct {
	Format string
	Width  int
	Height int
}

// Layer is an encoded image to be drawn over a base image with its top-left
// corner at (X, Y).
type Layer struct {
	Data []byte
	X    int
	Y    int
}

// Engine is the image backend selected at build time.
type Engine interface {
	Transformer
	// Normalize decodes input and re-encodes it in the decoded format.
	Normalize(ctx context.Context, input []byte) (data []byte, format string, err error)
	Probe(ctx context.Context, input []byte) (Metadata, error)
	Composite(ctx context.Context, base []byte, layers []Layer) ([]byte, error)
}

func NewEngine() (Engine, error) {
	return newEngine()
}

// canonicalFormat maps user supplied format or extension names ("jpg", ".JPEG",
// "tif") to decoder format names. Empty result means unknown.
func canonicalFormat(format string) string {
	format = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
	if format == "webp" {
		return "webp"
	}
	f, err := imaging.FormatFromExtension(format)
	if err != nil {
		return ""
	}
	return strings.ToLower(f.String())
}

func outputFormat(stepFormat, sourceFormat string) (string, error) {
	if strings.TrimSpace(stepFormat) == "" {
		return canonicalFormat(sourceFormat), nil
	}
	format := canonicalFormat(stepFormat)
	if format == "" {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, stepFormat)
	}
	return format, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
