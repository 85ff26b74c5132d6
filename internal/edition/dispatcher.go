package edition

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"
)

const (
	wopiSrcParam     = "WOPISrc"
	accessTokenParam = "access_token"
)

// Dispatcher builds the browser URL opening an edition.
type Dispatcher interface {
	CanHandle(e Edition) bool
	Dispatch(ctx context.Context, e Edition) (string, error)
}

// WopiDispatcher launches WOPI editions.
type WopiDispatcher struct {
	hostBase atomic.Pointer[url.URL]
}

// NewWopiDispatcher returns a WopiDispatcher pointing editors back at the
// WOPI files endpoint hostServiceBaseURL.
func NewWopiDispatcher(hostServiceBaseURL string) (*WopiDispatcher, error) {
	d := &WopiDispatcher{}
	if err := d.SetHostServiceBaseURL(hostServiceBaseURL); err != nil {
		return nil, err
	}
	return d, nil
}

// SetHostServiceBaseURL points the next launches at another WOPI files
// endpoint. A malformed URL is rejected and the current one kept.
func (d *WopiDispatcher) SetHostServiceBaseURL(raw string) error {
	u, err := parseAbsolute(raw)
	if err != nil {
		return fmt.Errorf("%w: host service base url: %w", ErrConfiguration, err)
	}
	d.hostBase.Store(u)
	return nil
}

func parseAbsolute(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%q is not an absolute url", raw)
	}
	return u, nil
}

func (d *WopiDispatcher) CanHandle(e Edition) bool {
	_, ok := e.(*WopiEdition)
	return ok
}

func (d *WopiDispatcher) Dispatch(ctx context.Context, e Edition) (string, error) {
	we, ok := e.(*WopiEdition)
	if !ok {
		return "", fmt.Errorf("unsupported edition %T", e)
	}
	return d.BuildLaunchURL(we)
}

// BuildLaunchURL appends to the editor base URL the WOPISrc of the file and
// the user's access token.
func (d *WopiDispatcher) BuildLaunchURL(e *WopiEdition) (string, error) {
	client, err := parseAbsolute(e.ClientBaseURL())
	if err != nil {
		return "", fmt.Errorf("%w: client base url: %w", ErrConfiguration, err)
	}

	q := client.Query()
	q.Set(wopiSrcParam, d.hostBase.Load().JoinPath(e.File().ID).String())
	q.Set(accessTokenParam, e.User().AccessToken)
	client.RawQuery = q.Encode()
	client.ForceQuery = false
	return client.String(), nil
}
