package saver

import (
	"bytes"
	"context"
	"fmt"

	"github.com/disintegration/imaging"
)

// ExifOrienter applies the EXIF orientation tag of a JPEG and re-encodes it.
// Other formats carry no orientation to fix and are reported as an error so the
// caller keeps the original bytes.
type ExifOrienter struct{}

func (ExifOrienter) Orient(ctx context.Context, path string, quality int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	format, err := imaging.FormatFromFilename(path)
	if err != nil {
		return nil, err
	}
	if format != imaging.JPEG {
		return nil, fmt.Errorf("orientation fix does not apply to %s", format)
	}

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode %s: %w", path, err)
	}
	return buf.Bytes(), nil
}
