package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/jun/wopihost/internal/lock"
)

// Override is a parsed X-WOPI-Override value on POST /files/{fileId}.
type Override int

const (
	OverrideUnknown Override = iota
	OverrideLock
	OverrideUnlock
	OverrideRefreshLock
	OverrideGetLock
	OverridePutRelative
)

var overrideNames = map[string]Override{
	"LOCK":         OverrideLock,
	"UNLOCK":       OverrideUnlock,
	"REFRESH_LOCK": OverrideRefreshLock,
	"GET_LOCK":     OverrideGetLock,
	"PUT_RELATIVE": OverridePutRelative,
}

// ParseOverride maps a header value to an Override. Matching ignores case
// and surrounding whitespace.
func ParseOverride(value string) Override {
	if o, ok := overrideNames[strings.ToUpper(strings.TrimSpace(value))]; ok {
		return o
	}
	return OverrideUnknown
}

func (o Override) String() string {
	for name, v := range overrideNames {
		if v == o {
			return name
		}
	}
	return "UNKNOWN"
}

// HandleOverride dispatches a POST /files/{fileId} request on its X-WOPI-Override
// header.
func (h *WOPIHandler) HandleOverride(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	raw := getHeader(req, headerOverride)
	if raw == "" {
		return h.done(opOverride, textResponse(http.StatusBadRequest, "Missing X-WOPI-Override"))
	}

	switch ParseOverride(raw) {
	case OverrideLock:
		return h.Lock(ctx, req)
	case OverrideUnlock:
		return h.Unlock(ctx, req)
	case OverrideRefreshLock:
		return h.RefreshLock(ctx, req)
	case OverrideGetLock:
		return h.GetLock(ctx, req)
	case OverridePutRelative:
		return h.done(opPutRelative, textResponse(http.StatusNotImplemented, "Not implemented"))
	default:
		h.logger.Debug("unsupported override", zap.String("override", raw))
		return h.done(opOverride, textResponse(http.StatusNotImplemented, "Not implemented"))
	}
}

// lockRequest extracts the file ID and the mandatory X-WOPI-Lock token.
func lockRequest(req events.APIGatewayProxyRequest) (fileID, token string, resp *events.APIGatewayProxyResponse) {
	fileID = req.PathParameters[pathParameterFileID]
	if fileID == "" {
		r := textResponse(http.StatusBadRequest, "Missing file ID")
		return "", "", &r
	}
	token = getHeader(req, headerLock)
	if token == "" {
		r := textResponse(http.StatusBadRequest, "Missing X-WOPI-Lock")
		return "", "", &r
	}
	return fileID, token, nil
}

func lockGranted(token string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{headerLock: token},
	}
}

// lockMismatch answers 409 carrying the real current token, empty when the
// file is unlocked.
func (h *WOPIHandler) lockMismatch(op, current, reason string) (events.APIGatewayProxyResponse, error) {
	h.metrics.ObserveConflict(op)
	return h.done(op, events.APIGatewayProxyResponse{
		StatusCode: http.StatusConflict,
		Headers: map[string]string{
			headerLock:        current,
			headerLockFailure: reason,
		},
	})
}

func (h *WOPIHandler) lockFailure(op, fileID string, err error) (events.APIGatewayProxyResponse, error) {
	switch {
	case errors.Is(err, lock.ErrConflictingLock):
		return h.lockMismatch(op, lock.CurrentTokenOf(err), "Lock mismatch")
	case errors.Is(err, lock.ErrNotLocked):
		return h.lockMismatch(op, "", "File not locked")
	default:
		return h.backendFailure(op, fileID, err)
	}
}

// Lock takes the lock on an unlocked file or extends the caller's own lock.
func (h *WOPIHandler) Lock(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	fileID, token, bad := lockRequest(req)
	if bad != nil {
		return h.done(opLock, *bad)
	}
	if old := getHeader(req, headerOldLock); old != "" {
		h.logger.Debug("ignoring X-WOPI-OldLock", zap.String("file_id", fileID))
	}

	l, err := h.locks.Acquire(ctx, fileID, token)
	if err != nil {
		return h.lockFailure(opLock, fileID, err)
	}
	return h.done(opLock, lockGranted(l.Token))
}

// Unlock releases the caller's lock.
func (h *WOPIHandler) Unlock(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	fileID, token, bad := lockRequest(req)
	if bad != nil {
		return h.done(opUnlock, *bad)
	}

	if err := h.locks.Release(ctx, fileID, token); err != nil {
		return h.lockFailure(opUnlock, fileID, err)
	}
	return h.done(opUnlock, lockGranted(token))
}

// RefreshLock extends the caller's lock. It never creates one.
func (h *WOPIHandler) RefreshLock(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	fileID, token, bad := lockRequest(req)
	if bad != nil {
		return h.done(opRefreshLock, *bad)
	}

	l, err := h.locks.Refresh(ctx, fileID, token)
	if err != nil {
		return h.lockFailure(opRefreshLock, fileID, err)
	}
	return h.done(opRefreshLock, lockGranted(l.Token))
}

// GetLock reports the current lock token, empty when unlocked.
func (h *WOPIHandler) GetLock(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	fileID := req.PathParameters[pathParameterFileID]
	if fileID == "" {
		return h.done(opGetLock, textResponse(http.StatusBadRequest, "Missing file ID"))
	}

	current, err := h.locks.CurrentToken(ctx, fileID)
	if err != nil {
		return h.backendFailure(opGetLock, fileID, err)
	}
	return h.done(opGetLock, lockGranted(current))
}
