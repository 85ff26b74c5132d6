package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/adapter"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/config"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/conflict"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/host"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/logging"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/model"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/session"
)

// WOPI headers.
const (
	HeaderOverride      = "X-WOPI-Override"
	HeaderLock          = "X-WOPI-Lock"
	HeaderOldLock       = "X-WOPI-OldLock"
	HeaderLockFailure   = "X-WOPI-LockFailureReason"
	HeaderItemVersion   = "X-WOPI-ItemVersion"
	HeaderViewerUserIDs = "X-WOPI-ViewUserIds"
)

// Override actions.
const (
	ActionCurrentUsers    = "SP_CURRENT_USERS"
	ActionLock            = "LOCK"
	ActionGetLock         = "GET_LOCK"
	ActionRefreshLock     = "REFRESH_LOCK"
	ActionUnlock          = "UNLOCK"
	ActionUnlockAndRelock = "UNLOCK_AND_RELOCK"
)

const lastModifiedTimeField = "LastModifiedTime"

// WopiHandler serves the WOPI files endpoint called back by the editor.
type WopiHandler struct {
	storage  adapter.StorageProvider
	locks    session.Registry
	users    host.Users
	sessions host.Sessions
	tokens   AccessVerifier
	settings func() config.WopiConfig
	logger   *logging.Logger
}

// NewWopiHandler creates a new WopiHandler. settings is read on every request.
func NewWopiHandler(
	storage adapter.StorageProvider,
	locks session.Registry,
	users host.Users,
	sessions host.Sessions,
	tokens AccessVerifier,
	settings func() config.WopiConfig,
	logger *logging.Logger,
) *WopiHandler {
	return &WopiHandler{
		storage:  storage,
		locks:    locks,
		users:    users,
		sessions: sessions,
		tokens:   tokens,
		settings: settings,
		logger:   logger.WithComponent("wopi"),
	}
}

// call is an authorized WOPI request on an existing file.
type call struct {
	fileID  string
	user    *model.User
	storage adapter.StorageAdapter
	meta    *adapter.FileMetadata
	logger  *logging.Logger
}

// authorize resolves the file and the user of a WOPI request. It returns a
// response instead when the request must stop there.
func (h *WopiHandler) authorize(ctx context.Context, req events.APIGatewayProxyRequest) (*call, *events.APIGatewayProxyResponse) {
	fileID := req.PathParameters["id"]
	if fileID == "" {
		resp := textResponse(http.StatusBadRequest, "Missing file ID")
		return nil, &resp
	}
	logger := h.logger.WithFile(fileID)

	userID, err := h.tokens.VerifyAccessToken(req.QueryStringParameters["access_token"], fileID)
	if err != nil {
		logger.Debug("access token rejected", "error", err)
		resp := textResponse(http.StatusUnauthorized, "Unauthorized")
		return nil, &resp
	}
	user, err := h.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, host.ErrUnknownUser) {
			resp := textResponse(http.StatusUnauthorized, "Unauthorized")
			return nil, &resp
		}
		logger.Error("failed to resolve user", "user", userID, "error", err)
		resp := textResponse(http.StatusInternalServerError, "Internal Server Error")
		return nil, &resp
	}

	storage, err := h.storage.GetAdapter(ctx, fileID)
	if err != nil {
		logger.Error("failed to get storage adapter", "error", err)
		resp := textResponse(http.StatusInternalServerError, "Internal Server Error")
		return nil, &resp
	}
	meta, err := storage.GetMetadata(ctx, fileID)
	if err != nil {
		if errors.Is(err, adapter.ErrNotFound) {
			resp := textResponse(http.StatusNotFound, "File not found")
			return nil, &resp
		}
		logger.Error("failed to read file metadata", "error", err)
		resp := textResponse(http.StatusInternalServerError, "Internal Server Error")
		return nil, &resp
	}

	return &call{
		fileID:  fileID,
		user:    user,
		storage: storage,
		meta:    meta,
		logger:  logger.With("user", user.ID),
	}, nil
}

// requireWrite stops the call with 401 unless the user may modify the file.
func (h *WopiHandler) requireWrite(ctx context.Context, c *call) *events.APIGatewayProxyResponse {
	ok, err := h.users.CanModify(ctx, c.user, c.fileID)
	if err != nil {
		c.logger.Error("failed to check modify permission", "error", err)
		resp := textResponse(http.StatusInternalServerError, "Internal Server Error")
		return &resp
	}
	if !ok {
		c.logger.Warn("write refused to a read-only user")
		resp := textResponse(http.StatusUnauthorized, "Unauthorized")
		return &resp
	}
	return nil
}

// FileInfo is the CheckFileInfo payload.
type FileInfo struct {
	// File
	OwnerID          string `json:"OwnerId"`
	BaseFileName     string `json:"BaseFileName"`
	Size             int64  `json:"Size"`
	UserID           string `json:"UserId"`
	Version          string `json:"Version"`
	LastModifiedTime string `json:"LastModifiedTime"`

	// Host capabilities
	SupportsContainers         bool `json:"SupportsContainers"`
	SupportsDeleteFile         bool `json:"SupportsDeleteFile"`
	SupportsEcosystem          bool `json:"SupportsEcosystem"`
	SupportsExtendedLockLength bool `json:"SupportsExtendedLockLength"`
	SupportsFolders            bool `json:"SupportsFolders"`
	SupportsGetLock            bool `json:"SupportsGetLock"`
	SupportsLocks              bool `json:"SupportsLocks"`
	SupportsRename             bool `json:"SupportsRename"`
	SupportsUpdate             bool `json:"SupportsUpdate"`
	SupportsUserInfo           bool `json:"SupportsUserInfo"`

	// UI
	PostMessageOrigin string `json:"PostMessageOrigin"`
	ClosePostMessage  bool   `json:"ClosePostMessage"`

	// User
	UserFriendlyName string        `json:"UserFriendlyName"`
	UserExtraInfo    UserExtraInfo `json:"UserExtraInfo"`

	// User permissions
	ReadOnly                bool `json:"ReadOnly"`
	DisablePrint            bool `json:"DisablePrint"`
	DisableExport           bool `json:"DisableExport"`
	RestrictedWebViewOnly   bool `json:"RestrictedWebViewOnly"`
	UserCanAttend           bool `json:"UserCanAttend"`
	UserCanNotWriteRelative bool `json:"UserCanNotWriteRelative"`
	UserCanPresent          bool `json:"UserCanPresent"`
	UserCanRename           bool `json:"UserCanRename"`
	UserCanWrite            bool `json:"UserCanWrite"`
}

type UserExtraInfo struct {
	Avatar string `json:"avatar,omitempty"`
}

// CheckFileInfo handles GET /wopi/files/{id}.
func (h *WopiHandler) CheckFileInfo(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	c, resp := h.authorize(ctx, req)
	if resp != nil {
		return *resp, nil
	}
	cfg := h.settings()

	canWrite, err := h.users.CanModify(ctx, c.user, c.fileID)
	if err != nil {
		c.logger.Error("failed to check modify permission", "error", err)
		return textResponse(http.StatusInternalServerError, "Internal Server Error"), nil
	}

	info := FileInfo{
		OwnerID:          cfg.UserIDPrefix + c.meta.OwnerID,
		BaseFileName:     c.meta.Name,
		Size:             c.meta.Size,
		UserID:           c.user.ID,
		Version:          c.meta.Version,
		LastModifiedTime: model.FormatLastModified(c.meta.ModifiedTime),

		SupportsGetLock: cfg.Lock.Enabled,
		SupportsLocks:   cfg.Lock.Enabled,

		PostMessageOrigin: cfg.PostMessageOrigin,
		ClosePostMessage:  true,

		UserFriendlyName: c.user.DisplayName,
		UserExtraInfo:    UserExtraInfo{Avatar: c.user.AvatarURL},

		ReadOnly:                !canWrite,
		UserCanNotWriteRelative: true,
		UserCanWrite:            canWrite,
	}
	return jsonResponse(http.StatusOK, info), nil
}

// DispatchAction handles POST /wopi/files/{id}, driven by X-WOPI-Override.
func (h *WopiHandler) DispatchAction(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	c, resp := h.authorize(ctx, req)
	if resp != nil {
		return *resp, nil
	}

	action := strings.TrimSpace(header(req, HeaderOverride))
	switch action {
	case ActionCurrentUsers:
		viewers := parseViewers(header(req, HeaderViewerUserIDs))
		if err := h.sessions.NotifyViewers(ctx, c.fileID, viewers); err != nil {
			c.logger.Error("failed to notify viewers", "error", err)
			return textResponse(http.StatusInternalServerError, "Internal Server Error"), nil
		}
		return emptyResponse(http.StatusOK), nil
	case ActionLock, ActionGetLock, ActionRefreshLock, ActionUnlock, ActionUnlockAndRelock:
		if !h.settings().Lock.Enabled {
			return emptyResponse(http.StatusNotImplemented), nil
		}
		return h.manageLock(ctx, c, action, req), nil
	default:
		c.logger.Debug("unsupported action", "action", action)
		return emptyResponse(http.StatusNotImplemented), nil
	}
}

// parseViewers splits a viewer list on commas, spaces and semicolons,
// dropping blanks and duplicates.
func parseViewers(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == ';'
	})
	seen := make(map[string]bool, len(fields))
	viewers := make([]string, 0, len(fields))
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			viewers = append(viewers, f)
		}
	}
	return viewers
}

func (h *WopiHandler) manageLock(ctx context.Context, c *call, action string, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	token := header(req, HeaderLock)
	oldToken := header(req, HeaderOldLock)

	if action == ActionGetLock {
		l, err := h.locks.GetLock(ctx, c.fileID)
		if err != nil {
			c.logger.Error("failed to read lock", "error", err)
			return textResponse(http.StatusInternalServerError, "Internal Server Error")
		}
		current := ""
		if l != nil {
			current = l.Token
		}
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusOK,
			Headers:    map[string]string{HeaderLock: current},
		}
	}

	if resp := h.requireWrite(ctx, c); resp != nil {
		return *resp
	}
	if token == "" {
		return textResponse(http.StatusBadRequest, "Missing "+HeaderLock)
	}

	var err error
	switch {
	case action == ActionLock && oldToken != "", action == ActionUnlockAndRelock:
		if oldToken == "" {
			return textResponse(http.StatusBadRequest, "Missing "+HeaderOldLock)
		}
		_, err = h.locks.UnlockAndRelock(ctx, c.fileID, oldToken, token)
	case action == ActionLock:
		_, err = h.locks.Lock(ctx, c.fileID, token)
	case action == ActionRefreshLock:
		_, err = h.locks.RefreshLock(ctx, c.fileID, token)
	case action == ActionUnlock:
		err = h.locks.Unlock(ctx, c.fileID, token)
	}

	if err != nil {
		if current, ok := session.CurrentToken(err); ok {
			c.logger.Debug("lock conflict", "action", action, "current", current)
			return lockConflict(current, err.Error())
		}
		c.logger.Error("lock operation failed", "action", action, "error", err)
		return textResponse(http.StatusInternalServerError, "Internal Server Error")
	}

	c.logger.Debug("lock operation", "action", action)
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{HeaderItemVersion: c.meta.Version},
	}
}

func lockConflict(current, reason string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusConflict,
		Headers: map[string]string{
			HeaderLock:        current,
			HeaderLockFailure: reason,
		},
	}
}

// GetFileContents handles GET /wopi/files/{id}/contents.
func (h *WopiHandler) GetFileContents(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	c, resp := h.authorize(ctx, req)
	if resp != nil {
		return *resp, nil
	}

	f, err := c.storage.GetFile(ctx, c.fileID)
	if err != nil {
		if errors.Is(err, adapter.ErrNotFound) {
			return textResponse(http.StatusNotFound, "File not found"), nil
		}
		c.logger.Error("failed to read file", "error", err)
		return textResponse(http.StatusInternalServerError, "Internal Server Error"), nil
	}

	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"Content-Type":    "application/octet-stream",
			HeaderItemVersion: f.Version,
		},
		Body:            base64.StdEncoding.EncodeToString(f.Content),
		IsBase64Encoded: true,
	}, nil
}

// PutFileContents handles POST /wopi/files/{id}/contents.
func (h *WopiHandler) PutFileContents(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	c, resp := h.authorize(ctx, req)
	if resp != nil {
		return *resp, nil
	}
	if resp := h.requireWrite(ctx, c); resp != nil {
		return *resp, nil
	}
	cfg := h.settings()

	content := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return textResponse(http.StatusBadRequest, "Invalid body encoding"), nil
		}
		content = decoded
	}

	var checks []conflict.Check
	if cfg.Lock.Enabled {
		checks = append(checks, conflict.LockCheck(h.locks))
	}
	checks = append(checks, conflict.TimestampCheck())

	pending := conflict.Request{
		FileID:       c.fileID,
		LockToken:    header(req, HeaderLock),
		LastModified: c.meta.ModifiedTime,
	}
	if cfg.TimestampHeader != "" {
		pending.Timestamp = header(req, cfg.TimestampHeader)
	}

	verdict, err := conflict.NewPipeline(checks...).Evaluate(ctx, pending)
	if err != nil {
		c.logger.Error("failed to check write conflicts", "error", err)
		return textResponse(http.StatusInternalServerError, "Internal Server Error"), nil
	}
	switch verdict.Outcome {
	case conflict.LockConflict:
		c.logger.Debug("write conflict on lock", "presented", pending.LockToken, "current", verdict.CurrentLock)
		return lockConflict(verdict.CurrentLock, verdict.Err.Error()), nil
	case conflict.TimestampConflict:
		c.logger.Debug("write conflict on timestamp", "expected", pending.Timestamp)
		return timestampConflict(cfg.TimestampConflictBody, verdict), nil
	case conflict.Invalid:
		return textResponse(http.StatusBadRequest, verdict.Err.Error()), nil
	}

	saved, err := c.storage.SaveFile(ctx, c.fileID, content, c.meta.Version)
	if err != nil {
		switch {
		case errors.Is(err, adapter.ErrNotFound):
			return textResponse(http.StatusNotFound, "File not found"), nil
		case errors.Is(err, adapter.ErrPreconditionFailed):
			// Written by someone else since the checks ran.
			latest, gerr := c.storage.GetMetadata(ctx, c.fileID)
			if gerr != nil {
				return textResponse(http.StatusConflict, "File changed"), nil
			}
			return timestampConflict(cfg.TimestampConflictBody, conflict.Verdict{LastModified: latest.ModifiedTime}), nil
		case errors.Is(err, adapter.ErrTooLarge):
			return textResponse(http.StatusRequestEntityTooLarge, err.Error()), nil
		}
		c.logger.Error("failed to save file", "error", err)
		return textResponse(http.StatusInternalServerError, "Internal Server Error"), nil
	}
	c.logger.Info("file saved", "size", saved.Size, "version", saved.Version)

	if cfg.ExitSaveHeader != "" {
		if exit, _ := strconv.ParseBool(header(req, cfg.ExitSaveHeader)); exit {
			if err := h.sessions.Revoke(ctx, c.fileID); err != nil {
				c.logger.Warn("failed to revoke editing session", "error", err)
			}
		}
	}

	out := jsonResponse(http.StatusOK, map[string]string{
		lastModifiedTimeField: model.FormatLastModified(saved.ModifiedTime),
	})
	out.Headers[HeaderItemVersion] = saved.Version
	return out, nil
}

// timestampConflict answers a stale write with the configured body plus the
// file's actual last-modified time.
func timestampConflict(configured string, v conflict.Verdict) events.APIGatewayProxyResponse {
	var body map[string]any
	if configured != "" {
		if err := json.Unmarshal([]byte(configured), &body); err != nil {
			body = nil
		}
	}
	if body == nil {
		body = make(map[string]any, 1)
	}
	body[lastModifiedTimeField] = model.FormatLastModified(v.LastModified)
	return jsonResponse(http.StatusConflict, body)
}
