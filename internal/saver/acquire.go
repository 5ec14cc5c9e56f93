package saver

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"go.uber.org/zap"
)

// orientQuality is the JPEG quality used when re-encoding an upload to apply
// its EXIF rotation.
const orientQuality = 100

// Acquire resolves source into a validated file under the target directory.
// An empty targetName means a fresh token is generated. On failure the file
// written for a URL source is removed.
func (s *Session) Acquire(ctx context.Context, source Source, targetName string) (Target, error) {
	switch src := source.(type) {
	case URLSource:
		return s.acquireURL(ctx, string(src), targetName)
	case UploadSource:
		if !src.valid() {
			return Target{}, sourceBroken(fmt.Errorf("upload source has no body"))
		}
		return s.acquireUpload(ctx, src, targetName)
	case *UploadSource:
		if src == nil || !src.valid() {
			return Target{}, sourceBroken(fmt.Errorf("upload source has no body"))
		}
		return s.acquireUpload(ctx, *src, targetName)
	default:
		return Target{}, sourceBroken(fmt.Errorf("unrecognized image source %T", source))
	}
}

func (s *Session) acquireURL(ctx context.Context, raw, targetName string) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Target{}, sourceBroken(fmt.Errorf("invalid image url %q", raw))
	}

	// A trailing slash leaves no file name and so no extension.
	ext := extensionOf(u.Path[strings.LastIndex(u.Path, "/")+1:])
	if !s.allowed(ext) {
		return Target{}, formatUnsupported()
	}

	target := s.assign(targetName, ext)
	s.target = target

	if err := s.downloader.Download(ctx, u.String(), target.Path, s.events); err != nil {
		s.discard(target.Path)
		return Target{}, canNotBeLoaded(err)
	}
	if err := s.validateFile(ctx, target.Path); err != nil {
		s.discard(target.Path)
		return Target{}, err
	}

	s.logger.Debug("image downloaded", zap.String("url", u.Redacted()), zap.String("file", target.FileName))
	return target, nil
}

func (s *Session) acquireUpload(ctx context.Context, src UploadSource, targetName string) (Target, error) {
	uploaded, err := s.uploads.ParseFirstFile(ctx, src, s.targetDir)
	if err != nil {
		return Target{}, sourceBroken(err)
	}

	ext := extensionOf(uploaded.Name)
	if !s.allowed(ext) {
		s.discard(uploaded.Path)
		return Target{}, formatUnsupported()
	}

	target := s.assign(targetName, ext)
	s.target = target

	if err := s.placeOriented(ctx, uploaded.Path, target.Path); err != nil {
		s.discard(uploaded.Path)
		return Target{}, sourceBroken(err)
	}
	if err := s.validateFile(ctx, target.Path); err != nil {
		s.discard(target.Path)
		return Target{}, err
	}

	s.logger.Debug("image uploaded", zap.String("part", uploaded.Name), zap.String("file", target.FileName))
	return target, nil
}

// placeOriented writes the orientation-corrected temp file to dest, or moves
// the temp file there unchanged when the re-encode fails.
func (s *Session) placeOriented(ctx context.Context, tmp, dest string) error {
	data, err := s.orienter.Orient(ctx, tmp, orientQuality)
	if err == nil {
		err = os.WriteFile(dest, data, 0o644)
	}
	if err == nil {
		s.discard(tmp)
		return nil
	}

	s.logger.Debug("orientation fix skipped", zap.String("path", tmp), zap.Error(err))
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("move upload: %w", err)
	}
	return nil
}
