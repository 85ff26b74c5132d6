package edition

import (
	"context"

	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/model"
)

// ClientURLResolver finds the editor base URL for a file type.
// *discovery.Cache implements it.
type ClientURLResolver interface {
	ResolveClientURL(ctx context.Context, mimeType, ext string) (string, bool, error)
}

// Resolver decides whether a file can be edited in the browser and prepares
// its edition.
type Resolver struct {
	clients  ClientURLResolver
	adminURL func() string
}

// NewResolver returns a Resolver. adminURL is read on every call so that
// configuration reloads are honored.
func NewResolver(clients ClientURLResolver, adminURL func() string) *Resolver {
	return &Resolver{clients: clients, adminURL: adminURL}
}

// IsHandled reports whether an editor is known for the file type.
func (r *Resolver) IsHandled(ctx context.Context, file model.FileRef) (bool, error) {
	_, ok, err := r.clients.ResolveClientURL(ctx, file.MIMEType, file.Ext())
	return ok, err
}

// PrepareEdition returns the edition of file by user, or false when no
// editor handles the file type.
func (r *Resolver) PrepareEdition(ctx context.Context, user model.User, file model.FileRef) (*WopiEdition, bool, error) {
	clientURL, ok, err := r.clients.ResolveClientURL(ctx, file.MIMEType, file.Ext())
	if err != nil || !ok {
		return nil, false, err
	}
	return NewWopiEdition(file, user, clientURL), true, nil
}

// AdministrationURL returns the editor administration console, when configured.
func (r *Resolver) AdministrationURL() (string, bool) {
	if r.adminURL == nil {
		return "", false
	}
	u := r.adminURL()
	return u, u != ""
}
