package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	ImageStatusQueued    = "queued"
	ImageStatusSaved     = "saved"
	ImageStatusProcessed = "processed"
	ImageStatusMirrored  = "mirrored"
	ImageStatusFailed    = "failed"

	SourceKindURL    = "url"
	SourceKindUpload = "upload"
)

const (
	ActionResize    = "resize"
	ActionFit       = "fit"
	ActionCrop      = "crop"
	ActionRotate    = "rotate"
	ActionFlip      = "flip"
	ActionFlop      = "flop"
	ActionGrayscale = "grayscale"
	ActionBlur      = "blur"
	ActionConvert   = "convert"
	ActionWatermark = "watermark"
)

var knownActions = map[string]struct{}{
	ActionResize:    {},
	ActionFit:       {},
	ActionCrop:      {},
	ActionRotate:    {},
	ActionFlip:      {},
	ActionFlop:      {},
	ActionGrayscale: {},
	ActionBlur:      {},
	ActionConvert:   {},
	ActionWatermark: {},
}

// knownFormats are the output formats a step may name. "jpg" and "tif" are
// accepted as aliases.
var knownFormats = map[string]struct{}{
	"jpeg": {},
	"jpg":  {},
	"png":  {},
	"gif":  {},
	"tiff": {},
	"tif":  {},
	"bmp":  {},
	"webp": {},
}

type PipelineStep struct {
	ID        string     `json:"id,omitempty"`
	Action    string     `json:"action"`
	Width     int        `json:"width,omitempty"`
	Height    int        `json:"height,omitempty"`
	Angle     float64    `json:"angle,omitempty"`
	Sigma     float64    `json:"sigma,omitempty"`
	Anchor    string     `json:"anchor,omitempty"`
	Format    string     `json:"format,omitempty"`
	Quality   int        `json:"quality,omitempty"`
	Watermark *Watermark `json:"watermark,omitempty"`
}

type Watermark struct {
	Text    string  `json:"text"`
	Opacity float64 `json:"opacity"`
	Gravity string  `json:"gravity"`
}

// TextOverlay is a block of rendered text placed at pixel offset (X, Y) of the
// base image. Size is an integer glyph scale; colours are hex strings.
type TextOverlay struct {
	Text       string `json:"text"`
	Size       int    `json:"size,omitempty"`
	Color      string `json:"color,omitempty"`
	Background string `json:"background,omitempty"`
	X          int    `json:"x,omitempty"`
	Y          int    `json:"y,omitempty"`
}

type FetchImageRequest struct {
	URL          string         `json:"url"`
	Name         string         `json:"name,omitempty"`
	Pipeline     []PipelineStep `json:"pipeline,omitempty"`
	TextOverlays []TextOverlay  `json:"text_overlays,omitempty"`
	Async        bool           `json:"async,omitempty"`
	WebhookURL   string         `json:"webhook_url,omitempty"`
}

type ProcessImageRequest struct {
	Pipeline     []PipelineStep `json:"pipeline,omitempty"`
	TextOverlays []TextOverlay  `json:"text_overlays,omitempty"`
}

type SavedImage struct {
	ID         string    `json:"id"`
	FileName   string    `json:"file_name"`
	Path       string    `json:"path"`
	Format     string    `json:"format"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Bytes      int64     `json:"bytes"`
	SourceKind string    `json:"source_kind"`
	SourceURL  string    `json:"source_url,omitempty"`
	ObjectKey  string    `json:"object_key,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Validate checks request shape only. URL syntax and extension policy belong to
// the saver so that they surface with the proper error kind.
func (r FetchImageRequest) Validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return errors.New("url is required")
	}
	if err := ValidateName(r.Name); err != nil {
		return err
	}
	if r.WebhookURL != "" {
		u, err := url.Parse(r.WebhookURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid webhook_url: %s", r.WebhookURL)
		}
	}
	return ProcessImageRequest{Pipeline: r.Pipeline, TextOverlays: r.TextOverlays}.Validate()
}

func (r ProcessImageRequest) Validate() error {
	for i, step := range r.Pipeline {
		action := strings.ToLower(strings.TrimSpace(step.Action))
		if action == "" {
			return fmt.Errorf("pipeline[%d].action is required", i)
		}
		if _, ok := knownActions[action]; !ok {
			return fmt.Errorf("pipeline[%d].action %q is not supported", i, step.Action)
		}
		if err := step.validateArguments(action); err != nil {
			return fmt.Errorf("pipeline[%d]: %w", i, err)
		}
	}
	for i, overlay := range r.TextOverlays {
		if strings.TrimSpace(overlay.Text) == "" {
			return fmt.Errorf("text_overlays[%d].text is required", i)
		}
		if overlay.Size < 0 {
			return fmt.Errorf("text_overlays[%d].size must not be negative", i)
		}
	}
	return nil
}

func (s PipelineStep) validateArguments(action string) error {
	if s.Width < 0 || s.Height < 0 {
		return errors.New("width and height must not be negative")
	}
	if s.Quality < 0 || s.Quality > 100 {
		return errors.New("quality must be between 0 and 100")
	}
	if s.Sigma < 0 {
		return errors.New("sigma must not be negative")
	}
	format := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s.Format), "."))
	if format != "" {
		if _, ok := knownFormats[format]; !ok {
			return fmt.Errorf("format %q is not supported", s.Format)
		}
	}

	switch action {
	case ActionResize:
		if s.Width == 0 && s.Height == 0 {
			return errors.New("resize requires width or height")
		}
	case ActionFit, ActionCrop:
		if s.Width == 0 || s.Height == 0 {
			return fmt.Errorf("%s requires width and height", action)
		}
	case ActionConvert:
		if format == "" {
			return errors.New("convert requires format")
		}
	case ActionWatermark:
		if s.Watermark == nil || strings.TrimSpace(s.Watermark.Text) == "" {
			return errors.New("watermark requires watermark.text")
		}
	}
	return nil
}

// Empty reports whether the request would leave the file untouched.
func (r ProcessImageRequest) Empty() bool {
	return len(r.Pipeline) == 0 && len(r.TextOverlays) == 0
}

// ValidateName rejects target names that would escape the target directory.
func ValidateName(name string) error {
	if name == "" {
		return nil
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." || strings.Contains(name, "..") {
		return fmt.Errorf("invalid name: %q", name)
	}
	return nil
}
