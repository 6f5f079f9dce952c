package adapter

import (
	"context"

	"github.com/jun/wopihost/internal/model"
)

// UploadOptions controls how Upload treats an existing object.
type UploadOptions struct {
	// Overwrite replaces an existing object. When false, Upload fails with
	// ErrAlreadyExists if the key is taken.
	Overwrite bool

	// ContentType is stored with the object when the backend supports it.
	ContentType string
}

// BlobStore defines the interface for the object storage holding document
// bytes. Keys are opaque to the store.
type BlobStore interface {
	// Download returns the full content stored under key, or ErrNotFound.
	Download(ctx context.Context, key string) ([]byte, error)

	// Upload stores data under key as a complete replacement.
	Upload(ctx context.Context, key string, data []byte, opts UploadOptions) error

	// Size returns the byte length of the object under key, or ErrNotFound.
	Size(ctx context.Context, key string) (int64, error)
}

// MetadataStore defines the interface for the document metadata backend.
type MetadataStore interface {
	// Get returns the document with the given ID, or ErrNotFound.
	Get(ctx context.Context, fileID string) (*model.Document, error)

	// Update applies update to an existing document, or returns ErrNotFound.
	Update(ctx context.Context, fileID string, update model.DocumentUpdate) error

	// AppendVersion records a saved revision of a document.
	AppendVersion(ctx context.Context, version model.Version) error
}
