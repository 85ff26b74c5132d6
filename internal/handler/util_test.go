package handler_test

import (
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/auth"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/handler"
)

func TestGetUserID_BearerToken(t *testing.T) {
	token := makeToken(testUserID)
	req := events.APIGatewayProxyRequest{
		Headers: map[string]string{
			"Authorization": "Bearer " + token,
		},
	}

	userID, err := handler.GetUserID(req, testTokens)
	if err != nil {
		t.Fatalf("GetUserID failed: %v", err)
	}
	if userID != testUserID {
		t.Errorf("Expected userID '%s', got '%s'", testUserID, userID)
	}
}

func TestGetUserID_Cookie(t *testing.T) {
	token := makeToken(testUserID)
	req := events.APIGatewayProxyRequest{
		Headers: map[string]string{
			"Cookie": "session_token=" + token + "; Path=/",
		},
	}

	userID, err := handler.GetUserID(req, testTokens)
	if err != nil {
		t.Fatalf("GetUserID from cookie failed: %v", err)
	}
	if userID != testUserID {
		t.Errorf("Expected userID '%s', got '%s'", testUserID, userID)
	}
}

func TestGetUserID_MultiValueHeader(t *testing.T) {
	req := events.APIGatewayProxyRequest{
		MultiValueHeaders: map[string][]string{
			"Authorization": {"Bearer " + makeToken(testUserID)},
		},
	}

	userID, err := handler.GetUserID(req, testTokens)
	if err != nil {
		t.Fatalf("GetUserID from multi-value header failed: %v", err)
	}
	if userID != testUserID {
		t.Errorf("Expected userID '%s', got '%s'", testUserID, userID)
	}
}

func TestGetUserID_NoToken(t *testing.T) {
	req := events.APIGatewayProxyRequest{
		Headers: map[string]string{},
	}

	_, err := handler.GetUserID(req, testTokens)
	if err == nil {
		t.Error("Expected error for missing token, got nil")
	}
}

func TestGetUserID_InvalidToken(t *testing.T) {
	req := events.APIGatewayProxyRequest{
		Headers: map[string]string{
			"Authorization": "Bearer invalid-jwt-token",
		},
	}

	_, err := handler.GetUserID(req, testTokens)
	if err == nil {
		t.Error("Expected error for invalid token, got nil")
	}
}

func TestGetUserID_ExpiredToken(t *testing.T) {
	expired := auth.NewTokens(testJWTSecret, -time.Hour)
	signed, _ := expired.IssueSessionToken(testUserID)

	req := events.APIGatewayProxyRequest{
		Headers: map[string]string{
			"Authorization": "Bearer " + signed,
		},
	}

	_, err := handler.GetUserID(req, testTokens)
	if err == nil {
		t.Error("Expected error for expired token, got nil")
	}
}

func TestGetUserID_AccessTokenRejected(t *testing.T) {
	req := events.APIGatewayProxyRequest{
		Headers: map[string]string{
			"Authorization": "Bearer " + makeAccessToken(testUserID, "file1"),
		},
	}

	_, err := handler.GetUserID(req, testTokens)
	if err == nil {
		t.Error("Expected error for an access token used as session token, got nil")
	}
}

func TestGetUserID_CaseInsensitiveHeaders(t *testing.T) {
	token := makeToken(testUserID)
	req := events.APIGatewayProxyRequest{
		Headers: map[string]string{
			"authorization": "Bearer " + token, // lowercase
		},
	}

	userID, err := handler.GetUserID(req, testTokens)
	if err != nil {
		t.Fatalf("GetUserID with lowercase header failed: %v", err)
	}
	if userID != testUserID {
		t.Errorf("Expected userID '%s', got '%s'", testUserID, userID)
	}
}
