package host

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/model"
)

// Directory implements Users with a static in-memory user table.
type Directory struct {
	mu      sync.RWMutex
	users   map[string]model.User
	writers map[string]map[string]bool // fileID -> userID
	// Editors may write every file they are not explicitly denied on.
	editors map[string]bool
	admins  map[string]bool
}

// NewDirectory creates an empty Directory.
func NewDirectory() *Directory {
	return &Directory{
		users:   make(map[string]model.User),
		writers: make(map[string]map[string]bool),
		editors: make(map[string]bool),
		admins:  make(map[string]bool),
	}
}

// AddUser registers a user. When editor is true the user may modify every file.
func (d *Directory) AddUser(u model.User, editor bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
	d.editors[u.ID] = editor
}

// Grant gives userID write access on fileID.
func (d *Directory) Grant(fileID, userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writers[fileID] == nil {
		d.writers[fileID] = make(map[string]bool)
	}
	d.writers[fileID][userID] = true
}

// GrantAdmin lets userID administrate locks and the discovery cache.
func (d *Directory) GrantAdmin(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.admins[userID] = true
}

func (d *Directory) GetUser(ctx context.Context, userID string) (*model.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	return &u, nil
}

func (d *Directory) CanModify(ctx context.Context, user *model.User, fileID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.editors[user.ID] {
		return true, nil
	}
	return d.writers[fileID][user.ID], nil
}

func (d *Directory) IsAdmin(ctx context.Context, user *model.User) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.admins[user.ID], nil
}

// SessionTracker implements Sessions by keeping viewer sets in memory.
type SessionTracker struct {
	mu      sync.Mutex
	viewers map[string][]string
	revoked []string
	// OnRevoke, when set, is called after a session has been revoked.
	OnRevoke func(ctx context.Context, fileID string)
}

// NewSessionTracker creates an empty SessionTracker.
func NewSessionTracker() *SessionTracker {
	return &SessionTracker{viewers: make(map[string][]string)}
}

func (s *SessionTracker) NotifyViewers(ctx context.Context, fileID string, userIDs []string) error {
	ids := slices.Clone(userIDs)
	sort.Strings(ids)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(ids) == 0 {
		delete(s.viewers, fileID)
		return nil
	}
	s.viewers[fileID] = ids
	return nil
}

func (s *SessionTracker) Revoke(ctx context.Context, fileID string) error {
	s.mu.Lock()
	delete(s.viewers, fileID)
	s.revoked = append(s.revoked, fileID)
	onRevoke := s.OnRevoke
	s.mu.Unlock()
	if onRevoke != nil {
		onRevoke(ctx, fileID)
	}
	return nil
}

func (s *SessionTracker) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewers = make(map[string][]string)
	return nil
}

// Viewers returns the sorted viewer ids last notified for fileID.
func (s *SessionTracker) Viewers(fileID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.viewers[fileID])
}

// Revoked returns the file ids whose sessions were revoked, in order.
func (s *SessionTracker) Revoked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.revoked)
}

// AllowList implements SecurityRegistrar by collecting origins in memory.
// The collected origins feed the Content-Security-Policy of the launch page.
type AllowList struct {
	mu      sync.RWMutex
	origins []string
}

// NewAllowList creates an empty AllowList.
func NewAllowList() *AllowList {
	return &AllowList{}
}

// Allow registers the origin of rawURL. Registering twice is a no-op.
func (a *AllowList) Allow(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid origin %q", rawURL)
	}
	origin := strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
	a.mu.Lock()
	defer a.mu.Unlock()
	if !slices.Contains(a.origins, origin) {
		a.origins = append(a.origins, origin)
	}
	return nil
}

func (a *AllowList) Allowed() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.origins)
}

// ContentSecurityPolicy renders the allow-list as frame and connect sources.
func (a *AllowList) ContentSecurityPolicy() string {
	sources := strings.Join(append([]string{"'self'"}, a.Allowed()...), " ")
	return "default-src " + sources + "; frame-src " + sources + "; connect-src " + sources
}
