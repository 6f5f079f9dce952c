package memory

import (
	"context"
	"sync"

	"github.com/jun/wopihost/internal/adapter"
	"github.com/jun/wopihost/internal/model"
)

// MetadataStore implements adapter.MetadataStore in process memory.
type MetadataStore struct {
	mu        sync.RWMutex
	documents map[string]model.Document
	versions  map[string][]model.Version
}

// NewMetadataStore creates a MetadataStore seeded with docs.
func NewMetadataStore(docs ...model.Document) *MetadataStore {
	s := &MetadataStore{
		documents: make(map[string]model.Document),
		versions:  make(map[string][]model.Version),
	}
	for _, d := range docs {
		s.documents[d.ID] = d
	}
	return s
}

// Put inserts or replaces a document.
func (s *MetadataStore) Put(doc model.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[doc.ID] = doc
}

func (s *MetadataStore) Get(_ context.Context, fileID string) (*model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[fileID]
	if !ok {
		return nil, adapter.ErrNotFound
	}
	return &doc, nil
}

func (s *MetadataStore) Update(_ context.Context, fileID string, update model.DocumentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[fileID]
	if !ok {
		return adapter.ErrNotFound
	}
	doc.UpdatedAt = update.UpdatedAt
	s.documents[fileID] = doc
	return nil
}

func (s *MetadataStore) AppendVersion(_ context.Context, version model.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.documents[version.FileID]; !ok {
		return adapter.ErrNotFound
	}
	s.versions[version.FileID] = append(s.versions[version.FileID], version)
	return nil
}

// Versions returns the recorded versions of a document, oldest first.
func (s *MetadataStore) Versions(fileID string) []model.Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Version(nil), s.versions[fileID]...)
}
