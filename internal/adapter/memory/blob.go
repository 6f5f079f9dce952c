// Package memory provides map-backed BlobStore and MetadataStore
// implementations for DEV_MODE and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/jun/wopihost/internal/adapter"
)

// BlobStore implements adapter.BlobStore in process memory.
// Stored slices are copied on the way in and out.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	maxSize int64
}

// NewBlobStore creates an empty BlobStore. maxSize <= 0 disables the size limit.
func NewBlobStore(maxSize int64) *BlobStore {
	return &BlobStore{
		objects: make(map[string][]byte),
		maxSize: maxSize,
	}
}

func (s *BlobStore) Download(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.objects[key]
	if !ok {
		return nil, adapter.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *BlobStore) Upload(_ context.Context, key string, data []byte, opts adapter.UploadOptions) error {
	if s.maxSize > 0 && int64(len(data)) > s.maxSize {
		return fmt.Errorf("content too large (max %d bytes)", s.maxSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.objects[key]; exists && !opts.Overwrite {
		return adapter.ErrAlreadyExists
	}
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *BlobStore) Size(_ context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.objects[key]
	if !ok {
		return 0, adapter.ErrNotFound
	}
	return int64(len(data)), nil
}

// Keys returns the number of stored objects.
func (s *BlobStore) Keys() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
