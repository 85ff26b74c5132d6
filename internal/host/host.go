// Package host defines the capabilities the WOPI engine consumes from the
// surrounding document-management application, along with in-memory
// implementations used by the local server and the tests.
package host

import (
	"context"
	"errors"

	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/model"
)

// ErrUnknownUser is returned when a user id cannot be resolved.
var ErrUnknownUser = errors.New("unknown user")

// Users resolves host users and their rights on files.
type Users interface {
	// GetUser returns the user with the given id.
	GetUser(ctx context.Context, userID string) (*model.User, error)

	// CanModify reports whether user may write the file.
	CanModify(ctx context.Context, user *model.User, fileID string) (bool, error)

	// IsAdmin reports whether user may administrate editing sessions.
	IsAdmin(ctx context.Context, user *model.User) (bool, error)
}

// Sessions is the host side of editing sessions.
type Sessions interface {
	// NotifyViewers propagates the set of users currently viewing a file.
	NotifyViewers(ctx context.Context, fileID string, userIDs []string) error

	// Revoke terminates the editing session on a file.
	Revoke(ctx context.Context, fileID string) error

	// Clear drops every registered editing session.
	Clear(ctx context.Context) error
}

// SecurityRegistrar allow-lists editor origins for inbound scripts and connections.
type SecurityRegistrar interface {
	Allow(rawURL string) error
	Allowed() []string
}
