package cli

import (
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/imagesaver/internal/domain"
	"github.com/dunamismax/imagesaver/internal/saver"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
)

// stepFlags collects pipeline steps from flags. Steps run in a fixed order:
// resize, rotate, grayscale, blur, then convert.
type stepFlags struct {
	resize    string
	rotate    float64
	grayscale bool
	blur      float64
	convert   string
	quality   int
	texts     []string
}

func (f *stepFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.resize, "resize", "", "resize to WxH; a missing side keeps the aspect ratio (e.g. 200x or x120)")
	fs.Float64Var(&f.rotate, "rotate", 0, "rotate clockwise by degrees")
	fs.BoolVar(&f.grayscale, "grayscale", false, "convert to grayscale")
	fs.Float64Var(&f.blur, "blur", 0, "gaussian blur sigma")
	fs.StringVar(&f.convert, "convert", "", "re-encode as jpeg, png or webp; the file extension follows")
	fs.IntVar(&f.quality, "quality", 0, "encoder quality for --convert")
	fs.StringArrayVar(&f.texts, "text", nil, "text overlay as TEXT or TEXT@X,Y; repeatable")
}

func (f *stepFlags) request() (domain.ProcessImageRequest, error) {
	var req domain.ProcessImageRequest

	if f.resize != "" {
		w, h, err := parseSize(f.resize)
		if err != nil {
			return req, err
		}
		req.Pipeline = append(req.Pipeline, domain.PipelineStep{Action: domain.ActionResize, Width: w, Height: h})
	}
	if f.rotate != 0 {
		req.Pipeline = append(req.Pipeline, domain.PipelineStep{Action: domain.ActionRotate, Angle: f.rotate})
	}
	if f.grayscale {
		req.Pipeline = append(req.Pipeline, domain.PipelineStep{Action: domain.ActionGrayscale})
	}
	if f.blur > 0 {
		req.Pipeline = append(req.Pipeline, domain.PipelineStep{Action: domain.ActionBlur, Sigma: f.blur})
	}
	if f.convert != "" {
		req.Pipeline = append(req.Pipeline, domain.PipelineStep{Action: domain.ActionConvert, Format: f.convert, Quality: f.quality})
	}

	for _, raw := range f.texts {
		overlay, err := parseOverlay(raw)
		if err != nil {
			return req, err
		}
		req.TextOverlays = append(req.TextOverlays, overlay)
	}
	return req, req.Validate()
}

func parseSize(raw string) (int, int, error) {
	ws, hs, _ := strings.Cut(strings.ToLower(strings.TrimSpace(raw)), "x")
	var w, h int
	var err error
	if ws != "" {
		if w, err = cast.ToIntE(ws); err != nil {
			return 0, 0, fmt.Errorf("invalid --resize %q: %w", raw, err)
		}
	}
	if hs != "" {
		if h, err = cast.ToIntE(hs); err != nil {
			return 0, 0, fmt.Errorf("invalid --resize %q: %w", raw, err)
		}
	}
	if w < 0 || h < 0 || (w == 0 && h == 0) {
		return 0, 0, fmt.Errorf("invalid --resize %q: need a positive width or height", raw)
	}
	return w, h, nil
}

func parseOverlay(raw string) (domain.TextOverlay, error) {
	text, pos, found := strings.Cut(raw, "@")
	overlay := domain.TextOverlay{Text: text}
	if !found {
		return overlay, nil
	}
	xs, ys, ok := strings.Cut(pos, ",")
	if !ok {
		return overlay, fmt.Errorf("invalid --text %q: position must be X,Y", raw)
	}
	x, err := cast.ToIntE(strings.TrimSpace(xs))
	if err != nil {
		return overlay, fmt.Errorf("invalid --text %q: %w", raw, err)
	}
	y, err := cast.ToIntE(strings.TrimSpace(ys))
	if err != nil {
		return overlay, fmt.Errorf("invalid --text %q: %w", raw, err)
	}
	overlay.X, overlay.Y = x, y
	return overlay, nil
}

// uploadFromFile streams path as a one-file multipart body. The returned func
// must be called once the body is no longer read.
func uploadFromFile(path string) (saver.UploadSource, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return saver.UploadSource{}, nil, err
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer f.Close()
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	done := func() { _ = pr.Close() }
	return saver.UploadSource{Body: pr, ContentType: mw.FormDataContentType()}, done, nil
}
