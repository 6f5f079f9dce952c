// Package postgres implements adapter.MetadataStore on the application's
// Postgres database (documents and document_versions tables).
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/jun/wopihost/internal/adapter"
	"github.com/jun/wopihost/internal/model"
)

const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

const (
	getDocumentQuery    = `SELECT title, owner_id, updated_at FROM documents WHERE id = $1`
	updateDocumentQuery = `UPDATE documents SET updated_at = $2 WHERE id = $1`
	insertVersionQuery  = `INSERT INTO document_versions (id, document_id, blob_key, created_at) VALUES ($1, $2, $3, $4)`
)

// Open connects to Postgres through the pgx driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// MetadataStore reads and updates document rows.
type MetadataStore struct {
	db *sql.DB
}

// NewMetadataStore creates a MetadataStore on an open database handle.
func NewMetadataStore(db *sql.DB) *MetadataStore {
	return &MetadataStore{db: db}
}

func (s *MetadataStore) Get(ctx context.Context, fileID string) (*model.Document, error) {
	doc := model.Document{ID: fileID}
	err := s.db.QueryRowContext(ctx, getDocumentQuery, fileID).Scan(&doc.Title, &doc.OwnerID, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, adapter.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document %s: %w", fileID, err)
	}
	return &doc, nil
}

func (s *MetadataStore) Update(ctx context.Context, fileID string, update model.DocumentUpdate) error {
	res, err := s.db.ExecContext(ctx, updateDocumentQuery, fileID, update.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update document %s: %w", fileID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update document %s: %w", fileID, err)
	}
	if n == 0 {
		return adapter.ErrNotFound
	}
	return nil
}

func (s *MetadataStore) AppendVersion(ctx context.Context, version model.Version) error {
	_, err := s.db.ExecContext(ctx, insertVersionQuery, version.ID, version.FileID, version.BlobKey, version.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgForeignKeyViolation:
				return fmt.Errorf("document %s: %w", version.FileID, adapter.ErrNotFound)
			case pgUniqueViolation:
				return fmt.Errorf("version %s: %w", version.ID, adapter.ErrAlreadyExists)
			}
		}
		return fmt.Errorf("failed to append version: %w", err)
	}
	return nil
}
