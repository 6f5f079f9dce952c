// Package handler implements the WOPI host endpoints on API Gateway events.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/jun/wopihost/internal/adapter"
	"github.com/jun/wopihost/internal/lock"
	"github.com/jun/wopihost/internal/metrics"
	"github.com/jun/wopihost/internal/model"
)

// Operation names used for logging and metrics.
const (
	opCheckFileInfo = "CheckFileInfo"
	opGetFile       = "GetFile"
	opPutFile       = "PutFile"
	opLock          = "Lock"
	opUnlock        = "Unlock"
	opRefreshLock   = "RefreshLock"
	opGetLock       = "GetLock"
	opPutRelative   = "PutRelativeFile"
	opOverride      = "Override"
	opCallback      = "Callback"
)

// FileSettings fixes how file IDs map to blob keys and what the content is.
type FileSettings struct {
	Extension   string
	ContentType string
}

// BlobKey returns the blob store key holding fileID's content.
func (s FileSettings) BlobKey(fileID string) string {
	return fileID + s.Extension
}

// WOPIHandler serves the file and lock endpoints.
type WOPIHandler struct {
	locks     lock.Manager
	blobs     adapter.BlobStore
	docs      adapter.MetadataStore
	files     FileSettings
	jwtSecret string
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewWOPIHandler creates a new WOPIHandler. An empty jwtSecret accepts any
// non-empty access token. logger and m may be nil.
func NewWOPIHandler(locks lock.Manager, blobs adapter.BlobStore, docs adapter.MetadataStore, files FileSettings, jwtSecret string, logger *zap.Logger, m *metrics.Metrics) *WOPIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WOPIHandler{
		locks:     locks,
		blobs:     blobs,
		docs:      docs,
		files:     files,
		jwtSecret: jwtSecret,
		logger:    logger.Named("wopi"),
		metrics:   m,
		now:       time.Now,
	}
}

func (h *WOPIHandler) done(op string, resp events.APIGatewayProxyResponse) (events.APIGatewayProxyResponse, error) {
	h.metrics.ObserveRequest(op, resp.StatusCode)
	return resp, nil
}

func (h *WOPIHandler) backendFailure(op, fileID string, err error) (events.APIGatewayProxyResponse, error) {
	h.logger.Error("backend failure",
		zap.String("operation", op),
		zap.String("file_id", fileID),
		zap.Error(err))
	return h.done(op, textResponse(http.StatusInternalServerError, "Internal server error"))
}

// CheckFileInfo returns the file properties and capability flags.
func (h *WOPIHandler) CheckFileInfo(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	fileID := req.PathParameters[pathParameterFileID]
	if fileID == "" {
		return h.done(opCheckFileInfo, textResponse(http.StatusBadRequest, "Missing file ID"))
	}

	accessToken := req.QueryStringParameters[queryAccessToken]
	if accessToken == "" {
		return h.done(opCheckFileInfo, textResponse(http.StatusUnauthorized, "Unauthorized"))
	}

	userID := ""
	if h.jwtSecret != "" {
		sub, err := UserIDFromToken(accessToken, h.jwtSecret)
		if err != nil {
			h.logger.Debug("rejected access token", zap.String("file_id", fileID), zap.Error(err))
			return h.done(opCheckFileInfo, textResponse(http.StatusUnauthorized, "Unauthorized"))
		}
		userID = sub
	}

	doc, err := h.docs.Get(ctx, fileID)
	if err != nil {
		if errors.Is(err, adapter.ErrNotFound) {
			return h.done(opCheckFileInfo, textResponse(http.StatusNotFound, "File not found"))
		}
		return h.backendFailure(opCheckFileInfo, fileID, err)
	}
	if userID == "" {
		userID = doc.OwnerID
	}

	info := model.CheckFileInfo{
		BaseFileName:            h.baseFileName(doc),
		OwnerID:                 doc.OwnerID,
		Size:                    sizeOrZero(ctx, h.blobs, h.files.BlobKey(fileID), h.logger),
		UserID:                  userID,
		Version:                 itemVersion(doc.UpdatedAt),
		UserCanWrite:            true,
		SupportsLocks:           true,
		SupportsGetLock:         true,
		SupportsUpdate:          true,
		UserCanNotWriteRelative: true,
	}
	if !doc.UpdatedAt.IsZero() {
		info.LastModifiedTime = doc.UpdatedAt.UTC().Format(time.RFC3339)
	}

	body, err := json.Marshal(info)
	if err != nil {
		return h.backendFailure(opCheckFileInfo, fileID, err)
	}
	return h.done(opCheckFileInfo, events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{headerContentType: contentTypeJSON},
		Body:       string(body),
	})
}

func (h *WOPIHandler) baseFileName(doc *model.Document) string {
	name := doc.Title
	if name == "" {
		name = doc.ID
	}
	if !strings.HasSuffix(strings.ToLower(name), strings.ToLower(h.files.Extension)) {
		name += h.files.Extension
	}
	return name
}

// GetFile returns the full document content.
func (h *WOPIHandler) GetFile(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	fileID := req.PathParameters[pathParameterFileID]
	if fileID == "" {
		return h.done(opGetFile, textResponse(http.StatusBadRequest, "Missing file ID"))
	}

	data, err := h.blobs.Download(ctx, h.files.BlobKey(fileID))
	if err != nil {
		if errors.Is(err, adapter.ErrNotFound) {
			return h.done(opGetFile, textResponse(http.StatusNotFound, "File not found"))
		}
		return h.backendFailure(opGetFile, fileID, err)
	}

	headers := map[string]string{headerContentType: h.files.ContentType}
	if doc, err := h.docs.Get(ctx, fileID); err == nil {
		headers[headerItemVersion] = itemVersion(doc.UpdatedAt)
	}

	return h.done(opGetFile, events.APIGatewayProxyResponse{
		StatusCode:      http.StatusOK,
		Headers:         headers,
		Body:            base64.StdEncoding.EncodeToString(data),
		IsBase64Encoded: true,
	})
}

// PutFile replaces the document content. The presented lock must match the
// current lock exactly; an unlocked file is a mismatch. The lock is guarded
// from the check through the metadata update, so it cannot be released or
// taken over while the new content is being stored.
func (h *WOPIHandler) PutFile(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	fileID := req.PathParameters[pathParameterFileID]
	if fileID == "" {
		return h.done(opPutFile, textResponse(http.StatusBadRequest, "Missing file ID"))
	}

	if _, err := h.docs.Get(ctx, fileID); err != nil {
		if errors.Is(err, adapter.ErrNotFound) {
			return h.done(opPutFile, textResponse(http.StatusNotFound, "File not found"))
		}
		return h.backendFailure(opPutFile, fileID, err)
	}

	data, err := requestBody(req)
	if err != nil {
		return h.done(opPutFile, textResponse(http.StatusBadRequest, "Invalid request body"))
	}

	var savedAt time.Time
	err = h.locks.Guard(ctx, fileID, getHeader(req, headerLock), func(ctx context.Context) error {
		err := h.blobs.Upload(ctx, h.files.BlobKey(fileID), data, adapter.UploadOptions{
			Overwrite:   true,
			ContentType: h.files.ContentType,
		})
		if err != nil {
			return fmt.Errorf("failed to store content: %w", err)
		}

		savedAt = h.now().UTC()
		if err := h.docs.Update(ctx, fileID, model.DocumentUpdate{UpdatedAt: savedAt}); err != nil {
			return fmt.Errorf("failed to update metadata: %w", err)
		}
		return nil
	})
	switch {
	case errors.Is(err, lock.ErrConflictingLock), errors.Is(err, lock.ErrNotLocked):
		return h.lockFailure(opPutFile, fileID, err)
	case errors.Is(err, adapter.ErrNotFound):
		return h.done(opPutFile, textResponse(http.StatusNotFound, "File not found"))
	case err != nil:
		return h.backendFailure(opPutFile, fileID, err)
	}

	h.metrics.ObservePutFile(len(data))
	h.logger.Info("document saved", zap.String("file_id", fileID), zap.Int("bytes", len(data)))
	return h.done(opPutFile, events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{headerItemVersion: itemVersion(savedAt)},
	})
}
