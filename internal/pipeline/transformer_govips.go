//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/imagesaver/internal/domain"
)

type govipsEngine struct{}

func (e govipsEngine) Transform(ctx context.Context, input []byte, step domain.PipelineStep) ([]byte, string, int, int, error) {
	select {
	case <-ctx.Done():
		return nil, "", 0, 0, ctx.Err()
	default:
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return nil, "", 0, 0, fmt.Errorf("decode source image: %w", err)
	}
	defer img.Close()

	switch strings.ToLower(strings.TrimSpace(step.Action)) {
	case domain.ActionResize:
		err = applyGovipsResize(img, step.Width, step.Height)
	case domain.ActionFit:
		err = applyGovipsFit(img, step.Width, step.Height)
	case domain.ActionCrop:
		err = applyGovipsCrop(img, step.Width, step.Height, step.Anchor)
	case domain.ActionRotate:
		err = applyGovipsRotate(img, step.Angle)
	case domain.ActionFlip:
		err = img.Flip(vips.DirectionVertical)
	case domain.ActionFlop:
		err = img.Flip(vips.DirectionHorizontal)
	case domain.ActionGrayscale:
		err = img.ToColorSpace(vips.InterpretationBW)
	case domain.ActionBlur:
		sigma := step.Sigma
		if sigma <= 0 {
			sigma = defaultBlurSigma
		}
		err = img.GaussianBlur(sigma)
	case domain.ActionConvert:
		if strings.TrimSpace(step.Format) == "" {
			err = fmt.Errorf("%w: convert requires format", ErrInvalidStepArgument)
		}
	case domain.ActionWatermark:
		err = applyGovipsWatermark(img, step.Watermark)
	default:
		return nil, "", 0, 0, fmt.Errorf("%w: %q", ErrInvalidStepAction, step.Action)
	}
	if err != nil {
		return nil, "", 0, 0, err
	}

	format, err := outputFormat(step.Format, govipsFormatName(img.Format()))
	if err != nil {
		return nil, "", 0, 0, err
	}
	data, err := exportGovipsImage(img, format, step.Quality)
	if err != nil {
		return nil, "", 0, 0, err
	}

	return data, format, img.Width(), img.Height(), nil
}

func (e govipsEngine) Normalize(ctx context.Context, input []byte) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return nil, "", fmt.Errorf("decode source image: %w", err)
	}
	defer img.Close()

	format := govipsFormatName(img.Format())
	data, err := exportGovipsImage(img, format, 0)
	if err != nil {
		return nil, "", err
	}
	return data, format, nil
}

func (e govipsEngine) Probe(ctx context.Context, input []byte) (Metadata, error) {
	if err := ctx.Err(); err != nil {
		return Metadata{}, err
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return Metadata{}, fmt.Errorf("probe image: %w", err)
	}
	defer img.Close()

	return Metadata{
		Format: govipsFormatName(img.Format()),
		Width:  img.Width(),
		Height: img.Height(),
	}, nil
}

func (e govipsEngine) Composite(ctx context.Context, base []byte, layers []Layer) ([]byte, error) {
	img, err := vips.NewImageFromBuffer(base)
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}
	defer img.Close()

	for i, layer := range layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		overlay, err := vips.NewImageFromBuffer(layer.Data)
		if err != nil {
			return nil, fmt.Errorf("layer %d: decode: %w", i, err)
		}
		err = img.Composite(overlay, vips.BlendModeOver, layer.X, layer.Y)
		overlay.Close()
		if err != nil {
			return nil, fmt.Errorf("layer %d: composite: %w", i, err)
		}
	}

	return exportGovipsImage(img, govipsFormatName(img.Format()), 0)
}

func govipsFormatName(t vips.ImageType) string {
	switch t {
	case vips.ImageTypeJPEG:
		return "jpeg"
	case vips.ImageTypePNG:
		return "png"
	case vips.ImageTypeWEBP:
		return "webp"
	case vips.ImageTypeGIF:
		return "gif"
	case vips.ImageTypeTIFF:
		return "tiff"
	case vips.ImageTypeBMP:
		return "bmp"
	default:
		return ""
	}
}

func applyGovipsResize(img *vips.ImageRef, width, height int) error {
	if width <= 0 && height <= 0 {
		return fmt.Errorf("%w: resize requires width or height > 0", ErrInvalidStepArgument)
	}
	if img.Width() <= 0 || img.Height() <= 0 {
		return fmt.Errorf("source image has invalid dimensions")
	}

	hscale := float64(width) / float64(img.Width())
	vscale := float64(height) / float64(img.Height())
	switch {
	case width <= 0:
		hscale = vscale
	case height <= 0:
		vscale = hscale
	}

	if err := img.ResizeWithVScale(hscale, vscale, vips.KernelLanczos3); err != nil {
		return fmt.Errorf("resize image: %w", err)
	}
	return nil
}

func applyGovipsFit(img *vips.ImageRef, width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: fit requires width and height > 0", ErrInvalidStepArgument)
	}

	scale := math.Min(float64(width)/float64(img.Width()), float64(height)/float64(img.Height()))
	if scale >= 1 {
		return nil
	}
	if err := img.Resize(scale, vips.KernelLanczos3); err != nil {
		return fmt.Errorf("fit image: %w", err)
	}
	return nil
}

func applyGovipsCrop(img *vips.ImageRef, width, height int, anchor string) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: crop requires width and height > 0", ErrInvalidStepArgument)
	}
	width = min(width, img.Width())
	height = min(height, img.Height())

	left := (img.Width() - width) / 2
	top := (img.Height() - height) / 2
	anchor = strings.ToLower(strings.TrimSpace(anchor))
	switch {
	case strings.Contains(anchor, "west"), strings.Contains(anchor, "left"):
		left = 0
	case strings.Contains(anchor, "east"), strings.Contains(anchor, "right"):
		left = img.Width() - width
	}
	switch {
	case strings.HasPrefix(anchor, "north"), strings.HasPrefix(anchor, "top"):
		top = 0
	case strings.HasPrefix(anchor, "south"), strings.HasPrefix(anchor, "bottom"):
		top = img.Height() - height
	}

	if err := img.ExtractArea(left, top, width, height); err != nil {
		return fmt.Errorf("crop image: %w", err)
	}
	return nil
}

func applyGovipsRotate(img *vips.ImageRef, angle float64) error {
	angle = math.Mod(angle, 360)
	if angle < 0 {
		angle += 360
	}

	var vipsAngle vips.Angle
	switch angle {
	case 0:
		return nil
	case 90:
		vipsAngle = vips.Angle90
	case 180:
		vipsAngle = vips.Angle180
	case 270:
		vipsAngle = vips.Angle270
	default:
		return fmt.Errorf("%w: govips rotate supports multiples of 90 degrees", ErrInvalidStepArgument)
	}
	if err := img.Rotate(vipsAngle); err != nil {
		return fmt.Errorf("rotate image: %w", err)
	}
	return nil
}

func applyGovipsWatermark(img *vips.ImageRef, wm *domain.Watermark) error {
	if wm == nil {
		return fmt.Errorf("watermark action requires watermark settings")
	}

	text := strings.TrimSpace(wm.Text)
	if text == "" {
		return fmt.Errorf("watermark action requires watermark.text")
	}

	opacity := wm.Opacity
	if opacity <= 0 {
		opacity = 0.65
	}
	if opacity > 1 {
		opacity = 1
	}

	label := &vips.LabelParams{
		Text:      text,
		Font:      "sans 24",
		Opacity:   float32(opacity),
		Color:     vips.Color{R: 255, G: 255, B: 255},
		Alignment: alignmentFromGravity(wm.Gravity),
	}
	label.Width.SetInt(max(1, img.Width()-24))
	label.Height.SetInt(max(1, img.Height()-24))
	label.OffsetX.SetInt(12)
	label.OffsetY.SetInt(12)

	if err := img.Label(label); err != nil {
		return fmt.Errorf("apply watermark: %w", err)
	}
	return nil
}

func alignmentFromGravity(gravity string) vips.Align {
	gravity = strings.ToLower(strings.TrimSpace(gravity))
	switch {
	case strings.Contains(gravity, "west"):
		return vips.AlignLow
	case strings.Contains(gravity, "center"), strings.HasSuffix(gravity, "north"), strings.HasSuffix(gravity, "south"):
		return vips.AlignCenter
	default:
		return vips.AlignHigh
	}
}

func exportGovipsImage(img *vips.ImageRef, format string, quality int) ([]byte, error) {
	switch format {
	case "jpeg":
		params := vips.NewJpegExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := img.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return data, nil
	case "png":
		params := vips.NewPngExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := img.ExportPng(params)
		if err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return data, nil
	case "webp":
		params := vips.NewWebpExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := img.ExportWebp(params)
		if err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}
