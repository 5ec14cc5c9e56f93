package store

import (
	"context"
	"sync"
	"time"

	"github.com/dunamismax/imagesaver/internal/domain"
)

type MemoryImageStore struct {
	mu     sync.RWMutex
	images map[string]domain.SavedImage
	byFile map[string]string
}

func NewMemoryImageStore() *MemoryImageStore {
	return &MemoryImageStore{
		images: make(map[string]domain.SavedImage),
		byFile: make(map[string]string),
	}
}

func (s *MemoryImageStore) Save(_ context.Context, image domain.SavedImage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.images[image.ID]; ok && prev.FileName != image.FileName {
		delete(s.byFile, prev.FileName)
	}
	s.images[image.ID] = image
	if image.FileName != "" {
		s.byFile[image.FileName] = image.ID
	}
	return nil
}

func (s *MemoryImageStore) Get(_ context.Context, id string) (domain.SavedImage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	image, ok := s.images[id]
	return image, ok, nil
}

func (s *MemoryImageStore) GetByFileName(_ context.Context, fileName string) (domain.SavedImage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byFile[fileName]
	if !ok {
		return domain.SavedImage{}, false, nil
	}
	return s.images[id], true, nil
}

func (s *MemoryImageStore) UpdateStatus(_ context.Context, id, status string) (domain.SavedImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	image, ok := s.images[id]
	if !ok {
		return domain.SavedImage{}, ErrImageNotFound
	}

	image.Status = status
	image.UpdatedAt = time.Now().UTC()
	s.images[id] = image
	return image, nil
}
