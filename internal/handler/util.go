package handler

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/jun/wopihost/internal/adapter"
)

const (
	headerOverride      = "X-WOPI-Override"
	headerLock          = "X-WOPI-Lock"
	headerOldLock       = "X-WOPI-OldLock"
	headerLockFailure   = "X-WOPI-LockFailureReason"
	headerItemVersion   = "X-WOPI-ItemVersion"
	headerContentType   = "Content-Type"
	contentTypeJSON     = "application/json"
	queryAccessToken    = "access_token"
	pathParameterFileID = "fileId"
)

// getHeader does a case-insensitive header lookup. API Gateway and the local
// server bridge do not agree on header casing.
func getHeader(req events.APIGatewayProxyRequest, name string) string {
	if v, ok := req.Headers[name]; ok {
		return v
	}
	for k, v := range req.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// UserIDFromToken verifies an HS256 access token and returns its "sub" claim.
func UserIDFromToken(tokenString, jwtSecret string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(jwtSecret), nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("invalid token claims")
	}
	return sub, nil
}

// requestBody returns the raw request bytes, decoding API Gateway's base64
// framing when present.
func requestBody(req events.APIGatewayProxyRequest) ([]byte, error) {
	if !req.IsBase64Encoded {
		return []byte(req.Body), nil
	}
	data, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return data, nil
}

// sizeOrZero reports the stored size of key. Any lookup failure is logged and
// reported as 0 so CheckFileInfo still succeeds.
func sizeOrZero(ctx context.Context, blobs adapter.BlobStore, key string, logger *zap.Logger) int64 {
	size, err := blobs.Size(ctx, key)
	if err != nil {
		logger.Debug("size lookup failed, reporting 0", zap.String("key", key), zap.Error(err))
		return 0
	}
	return size
}

// itemVersion renders the version marker an editor uses to detect external
// changes.
func itemVersion(updatedAt time.Time) string {
	return updatedAt.UTC().Format(time.RFC3339Nano)
}

func textResponse(status int, body string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{StatusCode: status, Body: body}
}
