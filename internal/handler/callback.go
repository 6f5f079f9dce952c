package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jun/wopihost/internal/adapter"
	"github.com/jun/wopihost/internal/metrics"
	"github.com/jun/wopihost/internal/model"
)

// Document-server callback statuses that carry a finished file.
const (
	callbackStatusReady     = 2
	callbackStatusForceSave = 6
)

// CallbackRequest is the body the document server posts when an editing
// session changes state.
type CallbackRequest struct {
	Key    string `json:"key"`
	Status int    `json:"status"`
	URL    string `json:"url"`
}

type callbackResponse struct {
	Error int `json:"error"`
}

// CallbackHandler stores the files produced by the document server as new
// versions. It writes fresh version keys and does not consult the lock
// manager.
type CallbackHandler struct {
	blobs        adapter.BlobStore
	docs         adapter.MetadataStore
	files        FileSettings
	client       *http.Client
	maxBytes     int64
	allowedHosts map[string]struct{}
	logger       *zap.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	newID        func() string
}

// CallbackOptions configures how a CallbackHandler fetches finished files.
type CallbackOptions struct {
	// Client performs downloads. Nil uses a client with a 60 second timeout
	// that refuses redirects to hosts outside AllowedHosts.
	Client *http.Client

	// MaxBytes bounds a download. <= 0 disables the limit.
	MaxBytes int64

	// AllowedHosts lists the hosts (name or name:port) download URLs may
	// point at, compared case-insensitively. A name without a port matches
	// any port. Empty allows any host.
	AllowedHosts []string
}

// NewCallbackHandler creates a CallbackHandler. logger and m may be nil.
func NewCallbackHandler(blobs adapter.BlobStore, docs adapter.MetadataStore, files FileSettings, opts CallbackOptions, logger *zap.Logger, m *metrics.Metrics) *CallbackHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &CallbackHandler{
		blobs:    blobs,
		docs:     docs,
		files:    files,
		client:   opts.Client,
		maxBytes: opts.MaxBytes,
		logger:   logger.Named("callback"),
		metrics:  m,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	if len(opts.AllowedHosts) > 0 {
		h.allowedHosts = make(map[string]struct{}, len(opts.AllowedHosts))
		for _, host := range opts.AllowedHosts {
			h.allowedHosts[strings.ToLower(host)] = struct{}{}
		}
	}
	if h.client == nil {
		h.client = &http.Client{
			Timeout: 60 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return errors.New("stopped after 10 redirects")
				}
				return h.checkURL(req.URL)
			},
		}
	}
	return h
}

var errDisallowedURL = errors.New("download url not allowed")

// checkURL accepts http(s) URLs whose host is in the allow list.
func (h *CallbackHandler) checkURL(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", errDisallowedURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", errDisallowedURL)
	}
	if h.allowedHosts == nil {
		return nil
	}
	if _, ok := h.allowedHosts[strings.ToLower(u.Host)]; ok {
		return nil
	}
	if _, ok := h.allowedHosts[strings.ToLower(u.Hostname())]; ok {
		return nil
	}
	return fmt.Errorf("%w: host %q", errDisallowedURL, u.Host)
}

func (h *CallbackHandler) reply(status, code int) (events.APIGatewayProxyResponse, error) {
	body, _ := json.Marshal(callbackResponse{Error: code})
	h.metrics.ObserveRequest(opCallback, status)
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{headerContentType: contentTypeJSON},
		Body:       string(body),
	}, nil
}

// HandleCallback processes POST /callback/{fileId}.
func (h *CallbackHandler) HandleCallback(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	fileID := req.PathParameters[pathParameterFileID]
	if fileID == "" {
		return h.reply(http.StatusBadRequest, 1)
	}

	raw, err := requestBody(req)
	if err != nil {
		return h.reply(http.StatusBadRequest, 1)
	}
	var cb CallbackRequest
	if err := json.Unmarshal(raw, &cb); err != nil {
		return h.reply(http.StatusBadRequest, 1)
	}

	if cb.Status != callbackStatusReady && cb.Status != callbackStatusForceSave {
		h.logger.Debug("callback acknowledged", zap.String("file_id", fileID), zap.Int("status", cb.Status))
		return h.reply(http.StatusOK, 0)
	}
	if cb.URL == "" {
		return h.reply(http.StatusBadRequest, 1)
	}
	target, err := url.Parse(cb.URL)
	if err == nil {
		err = h.checkURL(target)
	}
	if err != nil {
		h.logger.Warn("callback url rejected",
			zap.String("file_id", fileID),
			zap.String("url", cb.URL),
			zap.Error(err))
		return h.reply(http.StatusBadRequest, 1)
	}

	version, err := h.saveVersion(ctx, fileID, target.String())
	if err != nil {
		h.logger.Error("callback save failed",
			zap.String("operation", opCallback),
			zap.String("file_id", fileID),
			zap.Error(err))
		return h.reply(http.StatusInternalServerError, 1)
	}

	h.logger.Info("version saved",
		zap.String("file_id", fileID),
		zap.String("version_id", version.ID),
		zap.String("key", cb.Key))
	return h.reply(http.StatusOK, 0)
}

func (h *CallbackHandler) saveVersion(ctx context.Context, fileID, source string) (*model.Version, error) {
	data, err := h.download(ctx, source)
	if err != nil {
		return nil, err
	}

	version := model.Version{
		ID:        h.newID(),
		FileID:    fileID,
		CreatedAt: h.now().UTC(),
	}
	version.BlobKey = fmt.Sprintf("versions/%s/%s%s", fileID, version.ID, h.files.Extension)

	err = h.blobs.Upload(ctx, version.BlobKey, data, adapter.UploadOptions{
		Overwrite:   false,
		ContentType: h.files.ContentType,
	})
	if err != nil {
		return nil, fmt.Errorf("upload version: %w", err)
	}

	if err := h.docs.AppendVersion(ctx, version); err != nil {
		return nil, fmt.Errorf("append version: %w", err)
	}
	return &version, nil
}

var errTooLarge = errors.New("downloaded file exceeds size limit")

func (h *CallbackHandler) download(ctx context.Context, source string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", source, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: unexpected status %d", source, resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if h.maxBytes > 0 {
		body = io.LimitReader(resp.Body, h.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read download: %w", err)
	}
	if h.maxBytes > 0 && int64(len(data)) > h.maxBytes {
		return nil, errTooLarge
	}
	return data, nil
}
