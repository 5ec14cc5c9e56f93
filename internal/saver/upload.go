package saver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
)

const defaultMaxUploadBytes = 32 << 20

var (
	errNoUploadFile   = errors.New("upload contains no file")
	errUploadTooLarge = errors.New("upload exceeds size limit")
)

// UploadedFile is a multipart file part already written to disk.
type UploadedFile struct {
	Name string
	Path string
}

// MultipartParser reads multipart/form-data and keeps only the first file part.
// Parts after it are never read.
type MultipartParser struct {
	MaxBytes int64
}

func (p MultipartParser) ParseFirstFile(ctx context.Context, src UploadSource, dir string) (UploadedFile, error) {
	mediaType, params, err := mime.ParseMediaType(src.ContentType)
	if err != nil {
		return UploadedFile{}, fmt.Errorf("parse content type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return UploadedFile{}, fmt.Errorf("content type %q is not multipart", mediaType)
	}

	reader := multipart.NewReader(src.Body, params["boundary"])
	for {
		if err := ctx.Err(); err != nil {
			return UploadedFile{}, err
		}
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return UploadedFile{}, errNoUploadFile
		}
		if err != nil {
			return UploadedFile{}, fmt.Errorf("read multipart: %w", err)
		}
		name := filepath.Base(part.FileName())
		if part.FileName() == "" || name == "." || name == string(filepath.Separator) {
			_ = part.Close()
			continue
		}
		file, err := p.store(part, name, dir)
		_ = part.Close()
		return file, err
	}
}

func (p MultipartParser) store(part io.Reader, name, dir string) (UploadedFile, error) {
	limit := p.MaxBytes
	if limit <= 0 {
		limit = defaultMaxUploadBytes
	}

	pattern := "upload-*"
	if ext := filepath.Ext(name); ext != "" {
		pattern += ext
	}
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return UploadedFile{}, fmt.Errorf("create temp file: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(part, limit+1))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && n > limit {
		err = errUploadTooLarge
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return UploadedFile{}, fmt.Errorf("store upload %s: %w", name, err)
	}
	return UploadedFile{Name: name, Path: f.Name()}, nil
}
