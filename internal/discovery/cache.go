// Package discovery fetches the WOPI client discovery manifest and resolves,
// for a file type, the base URL of the editor that handles it.
//
// The cache is refreshed lazily on lookup: when no manifest was fetched yet,
// when the configured discovery URL changed, when nothing was indexed, or when
// the configured time to live elapsed. Refreshes are single-flight and the
// indexed state is swapped atomically, so readers never see a partial update
// and a failed refresh keeps serving the previous manifest.
package discovery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/host"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/logging"
)

// DefaultTimeout bounds a manifest fetch when Settings carries none.
const DefaultTimeout = 2 * time.Second

const flightKey = "discovery"

// Settings is the part of the configuration the cache reads on every lookup.
type Settings struct {
	Enabled bool
	URL     string
	TTL     time.Duration
	Timeout time.Duration
}

// SettingsFunc returns the current settings.
type SettingsFunc func() Settings

// Cleaner drops host state bound to previously discovered editors.
type Cleaner interface {
	Clear(ctx context.Context) error
}

// Status describes the cached manifest.
type Status struct {
	SourceURL  string    `json:"sourceUrl"`
	FetchedAt  time.Time `json:"fetchedAt"`
	MimeTypes  int       `json:"mimeTypes"`
	Extensions int       `json:"extensions"`
}

type snapshot struct {
	byMime    map[string]string
	byExt     map[string]string
	fetchedAt time.Time
	sourceURL string
}

// Cache resolves editor base URLs from the discovery manifest.
type Cache struct {
	settings  SettingsFunc
	client    *http.Client
	registrar host.SecurityRegistrar
	cleaner   Cleaner
	logger    *logging.Logger
	now       func() time.Time

	state atomic.Pointer[snapshot]
	group singleflight.Group
}

// Option customizes a Cache.
type Option func(*Cache)

// WithHTTPClient replaces the client used to fetch the manifest.
func WithHTTPClient(c *http.Client) Option {
	return func(cache *Cache) { cache.client = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(cache *Cache) { cache.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(cache *Cache) { cache.logger = l.WithComponent("discovery") }
}

// NewCache creates an empty Cache. The editor endpoint is a pre-configured
// trusted party, so the default client does not verify its certificate.
func NewCache(settings SettingsFunc, registrar host.SecurityRegistrar, cleaner Cleaner, opts ...Option) *Cache {
	c := &Cache{
		settings:  settings,
		registrar: registrar,
		cleaner:   cleaner,
		logger:    logging.Nop(),
		now:       time.Now,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ResolveClientURL returns the editor base URL for a mime type, falling back
// to the file extension. The boolean is false when no editor handles the file.
//
// A failed refresh is only reported when there is no previous manifest to
// serve from.
func (c *Cache) ResolveClientURL(ctx context.Context, mimeType, ext string) (string, bool, error) {
	set := c.settings()
	if !set.Enabled {
		c.disable(ctx)
		return "", false, nil
	}

	if err := c.ensureFresh(ctx, set); err != nil {
		if c.state.Load() == nil {
			return "", false, err
		}
		c.logger.Warn("serving previous discovery manifest", "error", err)
	}

	s := c.state.Load()
	if s == nil {
		return "", false, nil
	}
	if u, ok := s.byMime[mimeType]; ok && u != "" {
		return u, true, nil
	}
	if u, ok := s.byExt[strings.ToLower(ext)]; ok && u != "" {
		return u, true, nil
	}
	return "", false, nil
}

// Refresh fetches the manifest now, whatever the cache state.
func (c *Cache) Refresh(ctx context.Context) error {
	set := c.settings()
	if !set.Enabled {
		return fmt.Errorf("%w: feature disabled", ErrDiscoveryUnavailable)
	}
	return c.await(ctx, set, func(ctx context.Context) error {
		return c.refresh(ctx, set)
	})
}

// Clear empties the cache; the next lookup fetches the manifest again.
func (c *Cache) Clear() {
	c.state.Store(nil)
}

// Status returns the state of the cached manifest, false when empty.
func (c *Cache) Status() (Status, bool) {
	s := c.state.Load()
	if s == nil {
		return Status{}, false
	}
	return Status{
		SourceURL:  s.sourceURL,
		FetchedAt:  s.fetchedAt,
		MimeTypes:  len(s.byMime),
		Extensions: len(s.byExt),
	}, true
}

func (c *Cache) due(s *snapshot, set Settings) bool {
	return s == nil ||
		s.sourceURL != set.URL ||
		len(s.byMime) == 0 ||
		c.now().Sub(s.fetchedAt) >= set.TTL
}

func (c *Cache) ensureFresh(ctx context.Context, set Settings) error {
	if !c.due(c.state.Load(), set) {
		return nil
	}
	return c.await(ctx, set, func(ctx context.Context) error {
		// another flight may have completed while this one was queued
		if !c.due(c.state.Load(), set) {
			return nil
		}
		return c.refresh(ctx, set)
	})
}

// await runs fn once across concurrent callers. The fetch outlives a caller
// that gives up; that caller gets a failure of its own.
func (c *Cache) await(ctx context.Context, set Settings, fn func(context.Context) error) error {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(flightKey, func() (any, error) {
		return nil, fn(detached)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return newFetchError(set.URL, ctx.Err())
	}
}

func (c *Cache) refresh(ctx context.Context, set Settings) error {
	timeout := set.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.logger.Debug("discovering WOPI client", "url", set.URL)

	entries, err := c.fetch(ctx, set.URL)
	if err != nil {
		c.logger.Error("WOPI discovery failed", "url", set.URL, "error", err)
		return err
	}

	byMime, byExt := index(entries)
	if len(byMime) == 0 {
		return newFetchError(set.URL, errors.New("manifest declares no application"))
	}

	if err := c.registerOrigins(byMime, byExt); err != nil {
		return fmt.Errorf("%w: %w", ErrDiscoveryUnavailable, err)
	}

	c.state.Store(&snapshot{
		byMime:    byMime,
		byExt:     byExt,
		fetchedAt: c.now(),
		sourceURL: set.URL,
	})
	c.logger.Info("WOPI discovery refreshed", "url", set.URL, "mime_types", len(byMime), "extensions", len(byExt))

	if c.cleaner != nil {
		if err := c.cleaner.Clear(ctx); err != nil {
			c.logger.Warn("failed to clear editing sessions after discovery", "error", err)
		}
	}
	return nil
}

func (c *Cache) fetch(ctx context.Context, url string) ([]Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, newFetchError(url, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, newFetchError(url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newFetchError(url, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	entries, err := Parse(resp.Body)
	if err != nil {
		return nil, newFetchError(url, err)
	}
	return entries, nil
}

// registerOrigins allow-lists every discovered base URL together with its
// WebSocket variant, used by editors for their streaming channel.
func (c *Cache) registerOrigins(maps ...map[string]string) error {
	if c.registrar == nil {
		return nil
	}
	seen := make(map[string]bool)
	var urls []string
	for _, m := range maps {
		for _, u := range m {
			if !seen[u] {
				seen[u] = true
				urls = append(urls, u)
			}
		}
	}
	sort.Strings(urls)

	for _, u := range urls {
		for _, v := range []string{u, webSocketVariant(u)} {
			if err := c.registrar.Allow(v); err != nil {
				return fmt.Errorf("failed to register %s: %w", v, err)
			}
			c.logger.Debug("registering WOPI client base URL into security", "url", v)
		}
	}
	return nil
}

func webSocketVariant(u string) string {
	if strings.HasPrefix(u, "http") {
		return "ws" + strings.TrimPrefix(u, "http")
	}
	return u
}

func (c *Cache) disable(ctx context.Context) {
	old := c.state.Swap(nil)
	if old == nil || len(old.byMime) == 0 {
		return
	}
	c.logger.Debug("removing all discovered actions because of WOPI disabling")
	if c.cleaner != nil {
		if err := c.cleaner.Clear(ctx); err != nil {
			c.logger.Warn("failed to clear editing sessions", "error", err)
		}
	}
}
