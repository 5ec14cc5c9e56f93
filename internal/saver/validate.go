package saver

import (
	"context"
	"fmt"
	"os"
)

// Validate decodes the current target and rewrites it with the codec's
// normalized encoding.
func (s *Session) Validate(ctx context.Context) error {
	if s.target.Empty() {
		return ErrNotAcquired
	}
	return s.validateFile(ctx, s.target.Path)
}

// validateFile maps every decode or rewrite failure to SourceBroken.
func (s *Session) validateFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return sourceBroken(fmt.Errorf("read image: %w", err))
	}
	normalized, _, err := s.codec.Normalize(ctx, data)
	if err != nil {
		return sourceBroken(fmt.Errorf("decode image: %w", err))
	}
	if err := os.WriteFile(path, normalized, 0o644); err != nil {
		return sourceBroken(fmt.Errorf("write image: %w", err))
	}
	return nil
}
