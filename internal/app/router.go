package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
)

type route func(context.Context, events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error)

// HandleRequest routes API Gateway requests to the appropriate handler.
func (app *App) HandleRequest(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	path := req.Path
	method := req.HTTPMethod

	app.logger.Debug("request", "method", method, "path", path)

	// CORS Preflight
	if method == http.MethodOptions {
		return app.corsResponse(events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}), nil
	}

	// Strip /api prefix if present (for CloudFront proxying)
	path = strings.TrimPrefix(path, "/api")

	if req.PathParameters == nil {
		req.PathParameters = make(map[string]string)
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")

	// /wopi/files/{id}[/contents], called back by the editor itself
	if len(parts) >= 3 && parts[0] == "wopi" && parts[1] == "files" && parts[2] != "" {
		req.PathParameters["id"] = parts[2]
		var h route
		switch {
		case len(parts) == 3 && method == http.MethodGet:
			h = app.wopiHandler.CheckFileInfo
		case len(parts) == 3 && method == http.MethodPost:
			h = app.wopiHandler.DispatchAction
		case len(parts) == 4 && parts[3] == "contents" && method == http.MethodGet:
			h = app.wopiHandler.GetFileContents
		case len(parts) == 4 && parts[3] == "contents" && method == http.MethodPost:
			h = app.wopiHandler.PutFileContents
		}
		if h != nil {
			return app.must(h(ctx, req)), nil
		}
		return app.notFound(method, path), nil
	}

	// Security: Verify Request Origin (CloudFront only) on host routes
	if !app.Config().DevMode && app.originSecret != "" {
		if req.Headers["X-Origin-Verify"] != app.originSecret && req.Headers["x-origin-verify"] != app.originSecret {
			app.logger.Warn("security block: missing or invalid X-Origin-Verify header", "path", path)
			return events.APIGatewayProxyResponse{
				StatusCode: http.StatusForbidden,
				Body:       "Forbidden: Access denied",
			}, nil
		}
	}

	// /edit/{id}
	if len(parts) == 2 && parts[0] == "edit" && parts[1] != "" && method == http.MethodGet {
		req.PathParameters["id"] = parts[1]
		return app.corsResponse(app.must(app.editHandler.Edit(ctx, req))), nil
	}

	// /admin
	if len(parts) >= 2 && parts[0] == "admin" {
		if parts[1] == "locks" && len(parts) == 3 && parts[2] != "" {
			req.PathParameters["id"] = parts[2]
			if method == http.MethodGet {
				return app.corsResponse(app.must(app.sessionHandler.GetLock(ctx, req))), nil
			}
			if method == http.MethodDelete {
				return app.corsResponse(app.must(app.sessionHandler.ForceUnlock(ctx, req))), nil
			}
		}
		if parts[1] == "discovery" && len(parts) == 2 {
			switch method {
			case http.MethodGet:
				return app.corsResponse(app.must(app.sessionHandler.GetDiscovery(ctx, req))), nil
			case http.MethodPost:
				return app.corsResponse(app.must(app.sessionHandler.RefreshDiscovery(ctx, req))), nil
			case http.MethodDelete:
				return app.corsResponse(app.must(app.sessionHandler.ClearDiscovery(ctx, req))), nil
			}
		}
	}

	return app.corsResponse(app.notFound(method, path)), nil
}

func (app *App) notFound(method, path string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusNotFound,
		Body:       fmt.Sprintf("Not Found: %s %s", method, path),
	}
}

// corsResponse adds CORS headers to an API Gateway response.
func (app *App) corsResponse(resp events.APIGatewayProxyResponse) events.APIGatewayProxyResponse {
	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}
	resp.Headers["Access-Control-Allow-Origin"] = app.Config().FrontendURL
	if resp.Headers["Access-Control-Allow-Origin"] == "" {
		resp.Headers["Access-Control-Allow-Origin"] = "http://localhost:3000"
	}
	resp.Headers["Access-Control-Allow-Credentials"] = "true"
	resp.Headers["Access-Control-Allow-Methods"] = "GET,POST,DELETE,OPTIONS"
	resp.Headers["Access-Control-Allow-Headers"] = "Content-Type,Authorization"
	return resp
}

// must unwraps a handler response, logging the error.
func (app *App) must(resp events.APIGatewayProxyResponse, err error) events.APIGatewayProxyResponse {
	if err != nil {
		app.logger.Error("handler error", "error", err)
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: "Internal Server Error"}
	}
	return resp
}
