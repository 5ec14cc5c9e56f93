package store

import (
	"context"
	"errors"

	"github.com/dunamismax/imagesaver/internal/domain"
)

var ErrImageNotFound = errors.New("image not found")

// ImageStore keeps one record per saved image. Save inserts or replaces by ID;
// lookups by file name follow renames made by Save. Queued and failed records
// may have no file name yet and are only reachable by ID.
type ImageStore interface {
	Save(ctx context.Context, image domain.SavedImage) error
	Get(ctx context.Context, id string) (domain.SavedImage, bool, error)
	GetByFileName(ctx context.Context, fileName string) (domain.SavedImage, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.SavedImage, error)
}
