package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/imagesaver/internal/domain"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	textPadding     = 4
	maxTextScale    = 16
	defaultTextHex  = "#ffffff"
	transparentName = "transparent"
)

// Rendered is a rendered overlay exposing its encoded bytes.
type Rendered interface {
	Bytes() []byte
	Size() (width, height int)
}

// RenderedText is a PNG picture of a text overlay.
type RenderedText struct {
	data   []byte
	width  int
	height int
}

func (r *RenderedText) Bytes() []byte { return r.data }

func (r *RenderedText) Size() (int, int) { return r.width, r.height }

// TextRenderer draws overlay text with the fixed 7x13 bitmap face. Size is an
// integer upscale factor applied with nearest-neighbour sampling so glyph edges
// stay crisp.
type TextRenderer struct{}

func NewTextRenderer() TextRenderer {
	return TextRenderer{}
}

func (TextRenderer) Render(ctx context.Context, overlay domain.TextOverlay) (Rendered, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := strings.TrimRight(overlay.Text, "\n")
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text overlay requires text")
	}

	fg, err := parseColor(overlay.Color, defaultTextHex)
	if err != nil {
		return nil, fmt.Errorf("text overlay color: %w", err)
	}
	bg, err := parseColor(overlay.Background, transparentName)
	if err != nil {
		return nil, fmt.Errorf("text overlay background: %w", err)
	}

	face := basicfont.Face7x13
	metrics := face.Metrics()
	lineHeight := metrics.Height.Ceil()
	ascent := metrics.Ascent.Ceil()

	lines := strings.Split(text, "\n")
	drawer := &font.Drawer{Face: face}
	width := 0
	for _, line := range lines {
		width = max(width, drawer.MeasureString(line).Ceil())
	}

	canvas := image.NewNRGBA(image.Rect(0, 0, width+2*textPadding, lineHeight*len(lines)+2*textPadding))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)

	drawer.Dst = canvas
	drawer.Src = image.NewUniform(fg)
	for i, line := range lines {
		drawer.Dot = fixed.P(textPadding, textPadding+ascent+i*lineHeight)
		drawer.DrawString(line)
	}

	var out image.Image = canvas
	scale := overlay.Size
	if scale > maxTextScale {
		scale = maxTextScale
	}
	if scale > 1 {
		b := canvas.Bounds()
		out = imaging.Resize(canvas, b.Dx()*scale, b.Dy()*scale, imaging.NearestNeighbor)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode text overlay: %w", err)
	}

	b := out.Bounds()
	return &RenderedText{data: buf.Bytes(), width: b.Dx(), height: b.Dy()}, nil
}

func parseColor(value, fallback string) (color.Color, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		value = fallback
	}
	if value == transparentName {
		return color.Transparent, nil
	}
	if !strings.HasPrefix(value, "#") {
		value = "#" + value
	}
	c, err := colorful.Hex(value)
	if err != nil {
		return nil, err
	}
	return c, nil
}
