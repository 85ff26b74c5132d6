package edition

import (
	"context"
	"fmt"
	"time"

	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/model"
)

// TokenIssuer issues the access token an editor presents on WOPI calls.
type TokenIssuer interface {
	IssueAccessToken(userID, fileID string) (string, time.Time, error)
}

// Launch is what the launch page needs to open the editor.
type Launch struct {
	URL                  string
	User                 model.User
	File                 model.FileRef
	AccessTokenExpiresAt time.Time
}

// Launcher prepares editions and dispatches them to the first dispatcher
// able to handle them.
type Launcher struct {
	resolver    *Resolver
	tokens      TokenIssuer
	dispatchers []Dispatcher
}

// NewLauncher returns a Launcher.
func NewLauncher(resolver *Resolver, tokens TokenIssuer, dispatchers ...Dispatcher) *Launcher {
	return &Launcher{resolver: resolver, tokens: tokens, dispatchers: dispatchers}
}

// Launch returns the launch of file by user, or false when the file cannot
// be edited in the browser.
func (l *Launcher) Launch(ctx context.Context, user model.User, file model.FileRef) (*Launch, bool, error) {
	e, ok, err := l.resolver.PrepareEdition(ctx, user, file)
	if err != nil || !ok {
		return nil, false, err
	}

	token, expires, err := l.tokens.IssueAccessToken(user.ID, file.ID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to issue access token: %w", err)
	}
	user.AccessToken = token
	e = NewWopiEdition(file, user, e.ClientBaseURL())

	for _, d := range l.dispatchers {
		if !d.CanHandle(e) {
			continue
		}
		u, err := d.Dispatch(ctx, e)
		if err != nil {
			return nil, false, err
		}
		return &Launch{URL: u, User: user, File: file, AccessTokenExpiresAt: expires}, true, nil
	}
	return nil, false, nil
}
