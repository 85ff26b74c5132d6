package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/discovery"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/host"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/logging"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/session"
)

// DiscoveryAdmin is the administration side of the discovery cache.
// *discovery.Cache implements it.
type DiscoveryAdmin interface {
	Refresh(ctx context.Context) error
	Clear()
	Status() (discovery.Status, bool)
}

// SessionHandler handles the host administration of editing sessions:
// lock inspection, forced unlock and discovery cache control. Only host
// administrators may call it.
type SessionHandler struct {
	locks     session.Registry
	sessions  host.Sessions
	users     host.Users
	discovery DiscoveryAdmin
	adminURL  func() (string, bool)
	verifier  SessionVerifier
	logger    *logging.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(
	locks session.Registry,
	sessions host.Sessions,
	users host.Users,
	disco DiscoveryAdmin,
	adminURL func() (string, bool),
	verifier SessionVerifier,
	logger *logging.Logger,
) *SessionHandler {
	return &SessionHandler{
		locks:     locks,
		sessions:  sessions,
		users:     users,
		discovery: disco,
		adminURL:  adminURL,
		verifier:  verifier,
		logger:    logger.WithComponent("admin"),
	}
}

// admin resolves the calling administrator. It returns a response instead
// when the caller is not one.
func (h *SessionHandler) admin(ctx context.Context, req events.APIGatewayProxyRequest) (string, *events.APIGatewayProxyResponse) {
	userID, err := GetUserID(req, h.verifier)
	if err != nil {
		resp := textResponse(http.StatusUnauthorized, "Unauthorized")
		return "", &resp
	}
	user, err := h.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, host.ErrUnknownUser) {
			resp := textResponse(http.StatusUnauthorized, "Unauthorized")
			return "", &resp
		}
		h.logger.Error("failed to resolve user", "user", userID, "error", err)
		resp := textResponse(http.StatusInternalServerError, "Internal Server Error")
		return "", &resp
	}
	ok, err := h.users.IsAdmin(ctx, user)
	if err != nil {
		h.logger.Error("failed to check admin role", "user", userID, "error", err)
		resp := textResponse(http.StatusInternalServerError, "Internal Server Error")
		return "", &resp
	}
	if !ok {
		h.logger.Warn("administration refused", "user", userID, "path", req.Path)
		resp := textResponse(http.StatusForbidden, "Forbidden")
		return "", &resp
	}
	return userID, nil
}

// LockStatus is the body of GET /admin/locks/{id}. The lock token itself is
// never disclosed.
type LockStatus struct {
	FileID     string     `json:"fileId"`
	Locked     bool       `json:"locked"`
	AcquiredAt *time.Time `json:"acquiredAt,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// GetLock
func (h *SessionHandler) GetLock(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if _, resp := h.admin(ctx, req); resp != nil {
		return *resp, nil
	}

	fileID := req.PathParameters["id"]
	if fileID == "" {
		return textResponse(http.StatusBadRequest, "Missing file ID"), nil
	}

	l, err := h.locks.GetLock(ctx, fileID)
	if err != nil {
		h.logger.WithFile(fileID).Error("failed to read lock", "error", err)
		return textResponse(http.StatusInternalServerError, "Failed to read lock"), nil
	}

	status := LockStatus{FileID: fileID}
	if l != nil {
		status.Locked = true
		status.AcquiredAt = &l.AcquiredAt
		status.ExpiresAt = &l.ExpiresAt
	}
	return jsonResponse(http.StatusOK, status), nil
}

// ForceUnlock drops the lock on a file whatever its token and ends the
// editing session bound to it.
func (h *SessionHandler) ForceUnlock(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	userID, resp := h.admin(ctx, req)
	if resp != nil {
		return *resp, nil
	}

	fileID := req.PathParameters["id"]
	if fileID == "" {
		return textResponse(http.StatusBadRequest, "Missing file ID"), nil
	}
	logger := h.logger.WithFile(fileID)

	if err := h.locks.Revoke(ctx, fileID); err != nil {
		logger.Error("failed to revoke lock", "error", err)
		return textResponse(http.StatusInternalServerError, "Failed to release lock"), nil
	}
	if err := h.sessions.Revoke(ctx, fileID); err != nil {
		logger.Warn("failed to revoke editing session", "error", err)
	}
	logger.Info("lock forcibly released", "by", userID)

	return emptyResponse(http.StatusNoContent), nil
}

// DiscoveryStatus is the body of GET /admin/discovery.
type DiscoveryStatus struct {
	AdministrationURL string            `json:"administrationUrl,omitempty"`
	Cached            bool              `json:"cached"`
	Manifest          *discovery.Status `json:"manifest,omitempty"`
}

// GetDiscovery
func (h *SessionHandler) GetDiscovery(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if _, resp := h.admin(ctx, req); resp != nil {
		return *resp, nil
	}

	var resp DiscoveryStatus
	if h.adminURL != nil {
		resp.AdministrationURL, _ = h.adminURL()
	}
	if s, ok := h.discovery.Status(); ok {
		resp.Cached = true
		resp.Manifest = &s
	}
	return jsonResponse(http.StatusOK, resp), nil
}

// RefreshDiscovery fetches the editor manifest now.
func (h *SessionHandler) RefreshDiscovery(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if _, resp := h.admin(ctx, req); resp != nil {
		return *resp, nil
	}

	if err := h.discovery.Refresh(ctx); err != nil {
		h.logger.Warn("forced discovery refresh failed", "error", err)
		return discoveryError(err), nil
	}
	s, _ := h.discovery.Status()
	return jsonResponse(http.StatusOK, s), nil
}

// ClearDiscovery empties the discovery cache.
func (h *SessionHandler) ClearDiscovery(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if _, resp := h.admin(ctx, req); resp != nil {
		return *resp, nil
	}

	h.discovery.Clear()
	return emptyResponse(http.StatusNoContent), nil
}

// discoveryError maps a discovery failure to a gateway status.
func discoveryError(err error) events.APIGatewayProxyResponse {
	if discovery.IsTimeout(err) {
		return textResponse(http.StatusGatewayTimeout, "Editor discovery timed out")
	}
	return textResponse(http.StatusServiceUnavailable, "Editor discovery unavailable")
}
