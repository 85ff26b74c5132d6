package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/aws/aws-lambda-go/events"

	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/adapter"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/discovery"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/edition"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/host"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/logging"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/model"
)

// Launcher opens editions. *edition.Launcher implements it.
type Launcher interface {
	Launch(ctx context.Context, user model.User, file model.FileRef) (*edition.Launch, bool, error)
}

// PolicySource renders the Content-Security-Policy of the launch page.
// *host.AllowList implements it.
type PolicySource interface {
	ContentSecurityPolicy() string
}

// EditHandler serves the host side of a browser edition: it resolves the
// editor of a file and returns what the launch page needs to open it.
type EditHandler struct {
	storage  adapter.StorageProvider
	users    host.Users
	launcher Launcher
	policy   PolicySource
	verifier SessionVerifier
	logger   *logging.Logger
}

// NewEditHandler creates a new EditHandler.
func NewEditHandler(
	storage adapter.StorageProvider,
	users host.Users,
	launcher Launcher,
	policy PolicySource,
	verifier SessionVerifier,
	logger *logging.Logger,
) *EditHandler {
	return &EditHandler{
		storage:  storage,
		users:    users,
		launcher: launcher,
		policy:   policy,
		verifier: verifier,
		logger:   logger.WithComponent("edit"),
	}
}

// LaunchResponse is the body of GET /edit/{id}. AccessTokenTTL is the token
// expiry in milliseconds since the epoch.
type LaunchResponse struct {
	ClientURL      string `json:"clientUrl"`
	FileID         string `json:"fileId"`
	FileName       string `json:"fileName"`
	UserID         string `json:"userId"`
	AccessToken    string `json:"accessToken"`
	AccessTokenTTL int64  `json:"accessTokenTtl"`
}

// Edit handles GET /edit/{id}.
func (h *EditHandler) Edit(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	userID, err := GetUserID(req, h.verifier)
	if err != nil {
		return textResponse(http.StatusUnauthorized, "Unauthorized"), nil
	}

	fileID := req.PathParameters["id"]
	if fileID == "" {
		return textResponse(http.StatusBadRequest, "Missing file ID"), nil
	}
	logger := h.logger.WithFile(fileID).With("user", userID)

	user, err := h.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, host.ErrUnknownUser) {
			return textResponse(http.StatusUnauthorized, "Unauthorized"), nil
		}
		logger.Error("failed to resolve user", "error", err)
		return textResponse(http.StatusInternalServerError, "Internal Server Error"), nil
	}

	storage, err := h.storage.GetAdapter(ctx, fileID)
	if err != nil {
		logger.Error("failed to get storage adapter", "error", err)
		return textResponse(http.StatusInternalServerError, "Internal Server Error"), nil
	}
	meta, err := storage.GetMetadata(ctx, fileID)
	if err != nil {
		if errors.Is(err, adapter.ErrNotFound) {
			return textResponse(http.StatusNotFound, "File not found"), nil
		}
		logger.Error("failed to read file metadata", "error", err)
		return textResponse(http.StatusInternalServerError, "Internal Server Error"), nil
	}

	file := model.FileRef{ID: meta.ID, Name: meta.Name, MIMEType: meta.MIMEType}
	launch, ok, err := h.launcher.Launch(ctx, *user, file)
	if err != nil {
		if errors.Is(err, discovery.ErrDiscoveryUnavailable) {
			logger.Warn("editor discovery failed", "error", err)
			return discoveryError(err), nil
		}
		logger.Error("failed to launch edition", "error", err)
		return textResponse(http.StatusInternalServerError, "Internal Server Error"), nil
	}
	if !ok {
		return textResponse(http.StatusNotFound, "No editor for this file"), nil
	}
	logger.Info("edition launched", "mime_type", file.MIMEType)

	resp := jsonResponse(http.StatusOK, LaunchResponse{
		ClientURL:      launch.URL,
		FileID:         launch.File.ID,
		FileName:       launch.File.Name,
		UserID:         launch.User.ID,
		AccessToken:    launch.User.AccessToken,
		AccessTokenTTL: launch.AccessTokenExpiresAt.UnixMilli(),
	})
	resp.Headers["Cache-Control"] = "no-store"
	if h.policy != nil {
		resp.Headers["Content-Security-Policy"] = h.policy.ContentSecurityPolicy()
	}
	return resp, nil
}
