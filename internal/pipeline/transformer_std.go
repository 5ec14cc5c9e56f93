package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/imagesaver/internal/domain"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"
)

const (
	defaultJPEGQuality = 90
	defaultBlurSigma   = 1.5
)

type stdlibEngine struct{}

func (e stdlibEngine) Transform(ctx context.Context, input []byte, step domain.PipelineStep) ([]byte, string, int, int, error) {
	select {
	case <-ctx.Done():
		return nil, "", 0, 0, ctx.Err()
	default:
	}

	src, srcFormat, err := decodeImage(input)
	if err != nil {
		return nil, "", 0, 0, err
	}

	out, err := applyStep(src, step)
	if err != nil {
		return nil, "", 0, 0, err
	}

	format, err := outputFormat(step.Format, srcFormat)
	if err != nil {
		return nil, "", 0, 0, err
	}

	data, err := encodeImage(out, format, step.Quality)
	if err != nil {
		return nil, "", 0, 0, err
	}

	bounds := out.Bounds()
	return data, format, bounds.Dx(), bounds.Dy(), nil
}

func (e stdlibEngine) Normalize(ctx context.Context, input []byte) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	img, format, err := decodeImage(input)
	if err != nil {
		return nil, "", err
	}

	format = canonicalFormat(format)
	data, err := encodeImage(img, format, 0)
	if errors.Is(err, errWebPExport) {
		// Decoding succeeded, so the input is already a well-formed image.
		return input, format, nil
	}
	if err != nil {
		return nil, "", err
	}
	return data, format, nil
}

func (e stdlibEngine) Probe(ctx context.Context, input []byte) (Metadata, error) {
	if err := ctx.Err(); err != nil {
		return Metadata{}, err
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(input))
	if err != nil {
		return Metadata{}, fmt.Errorf("probe image: %w", err)
	}
	return Metadata{Format: canonicalFormat(format), Width: cfg.Width, Height: cfg.Height}, nil
}

func (e stdlibEngine) Composite(ctx context.Context, base []byte, layers []Layer) ([]byte, error) {
	img, format, err := decodeImage(base)
	if err != nil {
		return nil, err
	}

	dst := imaging.Clone(img)
	for i, layer := range layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		overlay, _, err := decodeImage(layer.Data)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		dst = imaging.Overlay(dst, overlay, image.Pt(layer.X, layer.Y), 1.0)
	}

	return encodeImage(dst, canonicalFormat(format), 0)
}

func decodeImage(input []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(input))
	if err != nil {
		return nil, "", fmt.Errorf("decode source image: %w", err)
	}
	return img, format, nil
}

func applyStep(src image.Image, step domain.PipelineStep) (image.Image, error) {
	switch strings.ToLower(strings.TrimSpace(step.Action)) {
	case domain.ActionResize:
		if step.Width <= 0 && step.Height <= 0 {
			return nil, fmt.Errorf("%w: resize requires width or height > 0", ErrInvalidStepArgument)
		}
		return imaging.Resize(src, max(0, step.Width), max(0, step.Height), imaging.Lanczos), nil
	case domain.ActionFit:
		if step.Width <= 0 || step.Height <= 0 {
			return nil, fmt.Errorf("%w: fit requires width and height > 0", ErrInvalidStepArgument)
		}
		return imaging.Fit(src, step.Width, step.Height, imaging.Lanczos), nil
	case domain.ActionCrop:
		if step.Width <= 0 || step.Height <= 0 {
			return nil, fmt.Errorf("%w: crop requires width and height > 0", ErrInvalidStepArgument)
		}
		return imaging.CropAnchor(src, step.Width, step.Height, anchorFromName(step.Anchor)), nil
	case domain.ActionRotate:
		return rotate(src, step.Angle), nil
	case domain.ActionFlip:
		return imaging.FlipV(src), nil
	case domain.ActionFlop:
		return imaging.FlipH(src), nil
	case domain.ActionGrayscale:
		return imaging.Grayscale(src), nil
	case domain.ActionBlur:
		sigma := step.Sigma
		if sigma <= 0 {
			sigma = defaultBlurSigma
		}
		return imaging.Blur(src, sigma), nil
	case domain.ActionConvert:
		if strings.TrimSpace(step.Format) == "" {
			return nil, fmt.Errorf("%w: convert requires format", ErrInvalidStepArgument)
		}
		return src, nil
	case domain.ActionWatermark:
		return watermarkText(src, step.Watermark)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStepAction, step.Action)
	}
}

// rotate turns the image clockwise by angle degrees.
func rotate(src image.Image, angle float64) image.Image {
	angle = math.Mod(angle, 360)
	if angle < 0 {
		angle += 360
	}
	switch angle {
	case 0:
		return src
	case 90:
		return imaging.Rotate270(src)
	case 180:
		return imaging.Rotate180(src)
	case 270:
		return imaging.Rotate90(src)
	default:
		return imaging.Rotate(src, 360-angle, color.Transparent)
	}
}

func anchorFromName(name string) imaging.Anchor {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "northwest", "topleft":
		return imaging.TopLeft
	case "north", "top":
		return imaging.Top
	case "northeast", "topright":
		return imaging.TopRight
	case "west", "left":
		return imaging.Left
	case "east", "right":
		return imaging.Right
	case "southwest", "bottomleft":
		return imaging.BottomLeft
	case "south", "bottom":
		return imaging.Bottom
	case "southeast", "bottomright":
		return imaging.BottomRight
	default:
		return imaging.Center
	}
}

func watermarkText(src image.Image, wm *domain.Watermark) (image.Image, error) {
	if wm == nil {
		return nil, errors.New("watermark action requires watermark settings")
	}
	text := strings.TrimSpace(wm.Text)
	if text == "" {
		return nil, errors.New("watermark action requires watermark.text")
	}

	opacity := wm.Opacity
	if opacity <= 0 {
		opacity = 0.65
	}
	if opacity > 1 {
		opacity = 1
	}

	dst := image.NewRGBA(src.Bounds())
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)

	face := basicfont.Face7x13
	metrics := face.Metrics()
	ascent := metrics.Ascent.Ceil()
	height := metrics.Height.Ceil()

	drawer := &font.Drawer{
		Dst:  dst,
		Face: face,
	}
	width := drawer.MeasureString(text).Ceil()

	x, baselineY := watermarkPosition(dst.Bounds(), width, height, ascent, wm.Gravity)

	alpha := uint8(math.Round(opacity * 255))
	drawer.Src = image.NewUniform(color.RGBA{R: 255, G: 255, B: 255, A: alpha})
	drawer.Dot = fixed.P(x, baselineY)
	drawer.DrawString(text)

	return dst, nil
}

func watermarkPosition(bounds image.Rectangle, textWidth, textHeight, ascent int, gravity string) (int, int) {
	const pad = 12

	minX, minY := bounds.Min.X, bounds.Min.Y
	maxX, maxY := bounds.Max.X, bounds.Max.Y

	left := minX + pad
	center := minX + (bounds.Dx()-textWidth)/2
	right := maxX - textWidth - pad

	top := minY + pad + ascent
	middle := minY + (bounds.Dy()-textHeight)/2 + ascent
	bottom := maxY - pad

	x, y := right, bottom
	switch strings.ToLower(strings.TrimSpace(gravity)) {
	case "northwest":
		x, y = left, top
	case "north":
		x, y = center, top
	case "northeast":
		x, y = right, top
	case "west":
		x, y = left, middle
	case "center":
		x, y = center, middle
	case "east":
		x, y = right, middle
	case "southwest":
		x, y = left, bottom
	case "south":
		x, y = center, bottom
	}
	return clamp(x, minX, maxX), clamp(y, minY+ascent, maxY)
}

func encodeImage(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer

	switch format {
	case "jpeg":
		if quality <= 0 || quality > 100 {
			quality = defaultJPEGQuality
		}
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case "png":
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case "gif":
		if err := imaging.Encode(&buf, img, imaging.GIF); err != nil {
			return nil, fmt.Errorf("encode gif: %w", err)
		}
	case "tiff":
		if err := imaging.Encode(&buf, img, imaging.TIFF); err != nil {
			return nil, fmt.Errorf("encode tiff: %w", err)
		}
	case "bmp":
		if err := imaging.Encode(&buf, img, imaging.BMP); err != nil {
			return nil, fmt.Errorf("encode bmp: %w", err)
		}
	case "webp":
		return nil, errWebPExport
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	return buf.Bytes(), nil
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
