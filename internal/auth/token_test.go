package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testTokens() *Tokens {
	tokens := NewTokens("test-secret", time.Hour)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	tokens.now = func() time.Time { return now }
	return tokens
}

func TestTokens_AccessToken(t *testing.T) {
	tokens := testTokens()

	signed, expires, err := tokens.IssueAccessToken("user1", "file1")
	if err != nil {
		t.Fatalf("IssueAccessToken failed: %v", err)
	}
	if want := tokens.now().Add(time.Hour); !expires.Equal(want) {
		t.Errorf("Expected expiry %v, got %v", want, expires)
	}

	userID, err := tokens.VerifyAccessToken(signed, "file1")
	if err != nil {
		t.Fatalf("VerifyAccessToken failed: %v", err)
	}
	if userID != "user1" {
		t.Errorf("Expected user1, got %s", userID)
	}

	if _, err := tokens.VerifyAccessToken(signed, "file2"); !errors.Is(err, ErrWrongFile) {
		t.Errorf("Expected ErrWrongFile, got %v", err)
	}
	if _, err := tokens.VerifySessionToken(signed); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Access token must not verify as session token, got %v", err)
	}
}

func TestTokens_SessionToken(t *testing.T) {
	tokens := testTokens()

	signed, err := tokens.IssueSessionToken("user1")
	if err != nil {
		t.Fatalf("IssueSessionToken failed: %v", err)
	}
	userID, err := tokens.VerifySessionToken(signed)
	if err != nil {
		t.Fatalf("VerifySessionToken failed: %v", err)
	}
	if userID != "user1" {
		t.Errorf("Expected user1, got %s", userID)
	}
	if _, err := tokens.VerifyAccessToken(signed, "file1"); !errors.Is(err, ErrWrongFile) {
		t.Errorf("Session token must not verify as access token, got %v", err)
	}
}

func TestTokens_Invalid(t *testing.T) {
	tokens := testTokens()
	valid, _, _ := tokens.IssueAccessToken("user1", "file1")

	expired := testTokens()
	expired.now = func() time.Time { return tokens.now().Add(-2 * time.Hour) }
	old, _, _ := expired.IssueAccessToken("user1", "file1")

	otherKey, _, _ := NewTokens("other-secret", time.Hour).IssueAccessToken("user1", "file1")

	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "user1", "fid": "file1", "iss": Issuer, "exp": tokens.now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user1", "fid": "file1", "iss": Issuer,
	}).SignedString([]byte("test-secret"))

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-jwt"},
		{"tampered", valid + "x"},
		{"expired", old},
		{"other key", otherKey},
		{"alg none", none},
		{"no expiry", noExp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tokens.VerifyAccessToken(tt.token, "file1"); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Expected ErrInvalidToken, got %v", err)
			}
		})
	}
}
