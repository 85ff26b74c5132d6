package handler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/discovery"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/handler"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/host"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/logging"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/model"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/session"
)

const odtManifest = `<wopi-discovery><net-zone name="external-https">` +
	`<app name="application/vnd.oasis.opendocument.text">` +
	`<action name="edit" ext="odt" urlsrc="https://editor.example/cool.html?"/>` +
	`</app></net-zone></wopi-discovery>`

// newEditorServer serves odtManifest, or fails with status when it is set.
func newEditorServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		fmt.Fprint(w, odtManifest)
	}))
	t.Cleanup(srv.Close)
	return srv, &status
}

func newDiscovery(url string, allow *host.AllowList, sessions *host.SessionTracker) *discovery.Cache {
	return discovery.NewCache(func() discovery.Settings {
		return discovery.Settings{Enabled: true, URL: url, TTL: time.Hour, Timeout: time.Second}
	}, allow, sessions)
}

type adminFixture struct {
	handler  *handler.SessionHandler
	locks    *session.MemoryRegistry
	sessions *host.SessionTracker
	cache    *discovery.Cache
	status   *atomic.Int32
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	srv, status := newEditorServer(t)
	f := &adminFixture{
		locks:    session.NewMemoryRegistry(time.Minute),
		sessions: host.NewSessionTracker(),
		status:   status,
	}
	f.cache = newDiscovery(srv.URL, host.NewAllowList(), f.sessions)

	users := host.NewDirectory()
	users.AddUser(model.User{ID: testUserID, DisplayName: "Test User"}, true)
	users.AddUser(model.User{ID: readerID, DisplayName: "Reader"}, false)
	users.GrantAdmin(testUserID)

	f.handler = handler.NewSessionHandler(
		f.locks,
		f.sessions,
		users,
		f.cache,
		func() (string, bool) { return "https://editor.example/admin", true },
		testTokens,
		logging.Nop(),
	)
	return f
}

func adminRequest(method, fileID string) events.APIGatewayProxyRequest {
	req := makeRequest(method, "/admin/locks/"+fileID, "")
	req.PathParameters["id"] = fileID
	return req
}

func TestSessionHandler_GetLock(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	resp, err := f.handler.GetLock(ctx, adminRequest("GET", "file1"))
	if err != nil {
		t.Fatalf("GetLock returned error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, resp.Body)
	}
	var s handler.LockStatus
	json.Unmarshal([]byte(resp.Body), &s)
	if s.Locked || s.FileID != "file1" {
		t.Errorf("Expected file1 unlocked, got %+v", s)
	}

	f.locks.Lock(ctx, "file1", "secret-lock-token")
	resp, _ = f.handler.GetLock(ctx, adminRequest("GET", "file1"))
	json.Unmarshal([]byte(resp.Body), &s)
	if !s.Locked || s.AcquiredAt == nil || s.ExpiresAt == nil {
		t.Errorf("Expected file1 locked, got %+v", s)
	}
	if strings.Contains(resp.Body, "secret-lock-token") {
		t.Errorf("Lock token must not be disclosed: %s", resp.Body)
	}
}

func TestSessionHandler_Unauthorized(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	req := events.APIGatewayProxyRequest{
		Headers:        map[string]string{},
		PathParameters: map[string]string{"id": "file1"},
	}
	calls := map[string]func(context.Context, events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error){
		"GetLock":          f.handler.GetLock,
		"ForceUnlock":      f.handler.ForceUnlock,
		"GetDiscovery":     f.handler.GetDiscovery,
		"RefreshDiscovery": f.handler.RefreshDiscovery,
		"ClearDiscovery":   f.handler.ClearDiscovery,
	}
	for name, call := range calls {
		resp, _ := call(ctx, req)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", name, resp.StatusCode)
		}
	}
}

func TestSessionHandler_NotAdmin(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()
	f.locks.Lock(ctx, "file1", "A")

	calls := map[string]func(context.Context, events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error){
		"GetLock":          f.handler.GetLock,
		"ForceUnlock":      f.handler.ForceUnlock,
		"GetDiscovery":     f.handler.GetDiscovery,
		"RefreshDiscovery": f.handler.RefreshDiscovery,
		"ClearDiscovery":   f.handler.ClearDiscovery,
	}
	for name, call := range calls {
		req := adminRequest("GET", "file1")
		req.Headers["Authorization"] = "Bearer " + makeToken(readerID)
		resp, _ := call(ctx, req)
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("%s: expected 403, got %d", name, resp.StatusCode)
		}
	}

	l, _ := f.locks.GetLock(ctx, "file1")
	if l == nil || l.Token != "A" {
		t.Errorf("Expected the lock to survive, got %+v", l)
	}
	if got := f.sessions.Revoked(); len(got) != 0 {
		t.Errorf("Expected no session revoked, got %v", got)
	}
}

func TestSessionHandler_UnknownUser(t *testing.T) {
	f := newAdminFixture(t)

	req := adminRequest("GET", "file1")
	req.Headers["Authorization"] = "Bearer " + makeToken("ghost")
	resp, _ := f.handler.GetLock(context.Background(), req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", resp.StatusCode)
	}
}

func TestSessionHandler_MissingFileID(t *testing.T) {
	f := newAdminFixture(t)

	req := makeRequest("GET", "/admin/locks/", "")
	resp, _ := f.handler.GetLock(context.Background(), req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestSessionHandler_ForceUnlock(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()
	f.locks.Lock(ctx, "file1", "A")

	resp, err := f.handler.ForceUnlock(ctx, adminRequest("DELETE", "file1"))
	if err != nil {
		t.Fatalf("ForceUnlock returned error: %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d: %s", resp.StatusCode, resp.Body)
	}

	l, _ := f.locks.GetLock(ctx, "file1")
	if l != nil {
		t.Errorf("Expected lock to be released, got %+v", l)
	}
	if got := f.sessions.Revoked(); !slices.Equal(got, []string{"file1"}) {
		t.Errorf("Expected session of file1 revoked, got %v", got)
	}
}

func TestSessionHandler_Discovery(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	resp, _ := f.handler.GetDiscovery(ctx, makeRequest("GET", "/admin/discovery", ""))
	var st handler.DiscoveryStatus
	json.Unmarshal([]byte(resp.Body), &st)
	if st.Cached || st.AdministrationURL != "https://editor.example/admin" {
		t.Errorf("Expected empty cache with admin URL, got %+v", st)
	}

	resp, _ = f.handler.RefreshDiscovery(ctx, makeRequest("POST", "/admin/discovery", ""))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, resp.Body)
	}

	resp, _ = f.handler.GetDiscovery(ctx, makeRequest("GET", "/admin/discovery", ""))
	st = handler.DiscoveryStatus{}
	json.Unmarshal([]byte(resp.Body), &st)
	if !st.Cached || st.Manifest == nil || st.Manifest.MimeTypes != 1 {
		t.Errorf("Expected one cached mime type, got %+v", st)
	}

	resp, _ = f.handler.ClearDiscovery(ctx, makeRequest("DELETE", "/admin/discovery", ""))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", resp.StatusCode)
	}
	if _, ok := f.cache.Status(); ok {
		t.Error("Expected cache to be empty after clear")
	}
}

func TestSessionHandler_RefreshDiscovery_Unavailable(t *testing.T) {
	f := newAdminFixture(t)
	f.status.Store(http.StatusInternalServerError)

	resp, _ := f.handler.RefreshDiscovery(context.Background(), makeRequest("POST", "/admin/discovery", ""))
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", resp.StatusCode)
	}
}
