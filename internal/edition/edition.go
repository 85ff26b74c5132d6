// Package edition turns a host file and user into a launch URL for the
// external web editor that handles the file type.
package edition

import (
	"errors"

	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/model"
)

// ErrConfiguration is returned when a configured or discovered base URL is malformed.
var ErrConfiguration = errors.New("configuration error")

// Edition is a file opened for edition by a user.
type Edition interface {
	File() model.FileRef
	User() model.User
}

// WopiEdition is an Edition served by a WOPI client.
type WopiEdition struct {
	file          model.FileRef
	user          model.User
	clientBaseURL string
}

// NewWopiEdition returns the edition of file by user in the WOPI client at clientBaseURL.
func NewWopiEdition(file model.FileRef, user model.User, clientBaseURL string) *WopiEdition {
	return &WopiEdition{file: file, user: user, clientBaseURL: clientBaseURL}
}

func (e *WopiEdition) File() model.FileRef { return e.file }
func (e *WopiEdition) User() model.User    { return e.user }

// ClientBaseURL is the URL loading the editor in the browser.
func (e *WopiEdition) ClientBaseURL() string { return e.clientBaseURL }
