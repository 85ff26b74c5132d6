package handler_test

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/adapter"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/adapter/memory"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/auth"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/config"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/handler"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/host"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/logging"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/model"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/session"
)

const (
	testJWTSecret = "test-secret"
	testUserID    = "test-user-123"
	readerID      = "reader-456"
	odtMIME       = "application/vnd.oasis.opendocument.text"
)

var testTokens = auth.NewTokens(testJWTSecret, time.Hour)

func makeToken(userID string) string {
	signed, _ := testTokens.IssueSessionToken(userID)
	return signed
}

func makeAccessToken(userID, fileID string) string {
	signed, _, _ := testTokens.IssueAccessToken(userID, fileID)
	return signed
}

func makeRequest(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Body:       body,
		Headers: map[string]string{
			"Authorization": "Bearer " + makeToken(testUserID),
			"Content-Type":  "application/json",
		},
		PathParameters: map[string]string{},
	}
}

// wopiRequest builds an editor callback on fileID authorized for userID.
func wopiRequest(method, fileID, userID string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod:            method,
		Path:                  "/wopi/files/" + fileID,
		Headers:               map[string]string{},
		PathParameters:        map[string]string{"id": fileID},
		QueryStringParameters: map[string]string{"access_token": makeAccessToken(userID, fileID)},
	}
}

type wopiFixture struct {
	handler  *handler.WopiHandler
	store    *memory.MemoryAdapter
	locks    *session.MemoryRegistry
	sessions *host.SessionTracker
	settings config.WopiConfig
	file     *adapter.FileMetadata
}

func newWopiFixture(t *testing.T) *wopiFixture {
	t.Helper()

	provider := memory.NewProvider(nil, "", "")
	file, err := provider.Store().CreateFile(context.Background(), "report.odt", odtMIME, "owner-1", []byte("hello"))
	if err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}

	users := host.NewDirectory()
	users.AddUser(model.User{ID: testUserID, DisplayName: "Test User", AvatarURL: "https://host/avatar/1"}, true)
	users.AddUser(model.User{ID: readerID, DisplayName: "Reader"}, false)

	f := &wopiFixture{
		store:    provider.Store(),
		locks:    session.NewMemoryRegistry(time.Minute),
		sessions: host.NewSessionTracker(),
		settings: config.Default().Wopi,
		file:     file,
	}
	f.handler = handler.NewWopiHandler(
		provider,
		f.locks,
		users,
		f.sessions,
		testTokens,
		func() config.WopiConfig { return f.settings },
		logging.Nop(),
	)
	return f
}
