// Package app wires the WOPI handlers to their backends and routes API
// Gateway requests to them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/jun/wopihost/internal/handler"
)

// pathPrefix is stripped when the host is mounted under /wopi.
const pathPrefix = "/wopi"

// App holds the dependencies for the Lambda function and the local server.
type App struct {
	wopiHandler     *handler.WOPIHandler
	callbackHandler *handler.CallbackHandler
	logger          *zap.Logger
	closers         []func() error
}

// New assembles an App from ready-made handlers.
func New(wopi *handler.WOPIHandler, callback *handler.CallbackHandler, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		wopiHandler:     wopi,
		callbackHandler: callback,
		logger:          logger,
	}
}

// Close releases backend connections opened by NewApp.
func (app *App) Close() error {
	var errs []error
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleRequest routes API Gateway requests to the appropriate handler.
func (app *App) HandleRequest(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	path := req.Path
	method := req.HTTPMethod

	app.logger.Debug("request", zap.String("method", method), zap.String("path", path))

	if path == pathPrefix || strings.HasPrefix(path, pathPrefix+"/") {
		path = strings.TrimPrefix(path, pathPrefix)
	}

	if req.PathParameters == nil {
		req.PathParameters = make(map[string]string)
	}

	if path == "/ping" {
		if method == http.MethodGet {
			return events.APIGatewayProxyResponse{StatusCode: http.StatusOK, Body: "pong"}, nil
		}
		return methodNotAllowed(method, path), nil
	}

	// /files/{fileId} and /files/{fileId}/contents
	if strings.HasPrefix(path, "/files/") {
		parts := strings.Split(strings.TrimPrefix(path, "/files/"), "/")
		if parts[0] == "" {
			return notFound(method, path), nil
		}
		req.PathParameters["fileId"] = parts[0]

		switch {
		case len(parts) == 1:
			switch method {
			case http.MethodGet:
				return app.must(app.wopiHandler.CheckFileInfo(ctx, req)), nil
			case http.MethodPost:
				return app.must(app.wopiHandler.HandleOverride(ctx, req)), nil
			}
			return methodNotAllowed(method, path), nil
		case len(parts) == 2 && parts[1] == "contents":
			switch method {
			case http.MethodGet:
				return app.must(app.wopiHandler.GetFile(ctx, req)), nil
			case http.MethodPost:
				return app.must(app.wopiHandler.PutFile(ctx, req)), nil
			}
			return methodNotAllowed(method, path), nil
		}
	}

	// /callback/{fileId}
	if strings.HasPrefix(path, "/callback/") {
		fileID := strings.TrimPrefix(path, "/callback/")
		if fileID != "" && !strings.Contains(fileID, "/") {
			if method != http.MethodPost {
				return methodNotAllowed(method, path), nil
			}
			req.PathParameters["fileId"] = fileID
			return app.must(app.callbackHandler.HandleCallback(ctx, req)), nil
		}
	}

	return notFound(method, path), nil
}

func notFound(method, path string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusNotFound,
		Body:       fmt.Sprintf("Not Found: %s %s", method, path),
	}
}

func methodNotAllowed(method, path string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusMethodNotAllowed,
		Body:       fmt.Sprintf("Method Not Allowed: %s %s", method, path),
	}
}

// must unwraps a handler response, turning an error into a 500.
func (app *App) must(resp events.APIGatewayProxyResponse, err error) events.APIGatewayProxyResponse {
	if err != nil {
		app.logger.Error("handler error", zap.Error(err))
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: "Internal Server Error"}
	}
	return resp
}
