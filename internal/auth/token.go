// Package auth issues and verifies the JWTs of the WOPI host.
//
// Two kinds of tokens share one HMAC secret: host session tokens, carried as
// a bearer header or cookie by the host UI, and WOPI access tokens, handed to
// the editor in the launch URL and bound to a single file.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is the iss claim of every token.
const Issuer = "silverpeas-wbe"

var (
	// ErrInvalidToken is returned for malformed, expired or badly signed tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrWrongFile is returned when an access token is presented for another file.
	ErrWrongFile = errors.New("token not valid for this file")
)

// Claims are the claims of a WOPI access token. FileID is empty on session tokens.
type Claims struct {
	FileID string `json:"fid,omitempty"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies tokens with HS256.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens returns a Tokens signing with secret; tokens live for ttl.
func NewTokens(secret string, ttl time.Duration) *Tokens {
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (t *Tokens) sign(claims Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (t *Tokens) claims(userID string) Claims {
	now := t.now()
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
}

// IssueAccessToken returns a WOPI access token for userID on fileID and its expiry.
func (t *Tokens) IssueAccessToken(userID, fileID string) (string, time.Time, error) {
	c := t.claims(userID)
	c.FileID = fileID
	signed, err := t.sign(c)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, c.ExpiresAt.Time, nil
}

// IssueSessionToken returns a host session token for userID.
func (t *Tokens) IssueSessionToken(userID string) (string, error) {
	return t.sign(t.claims(userID))
}

func (t *Tokens) parse(tokenString string) (*Claims, error) {
	var c Claims
	_, err := jwt.ParseWithClaims(tokenString, &c, func(token *jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return &c, nil
}

// VerifyAccessToken checks a WOPI access token presented for fileID and
// returns the user it was issued to.
func (t *Tokens) VerifyAccessToken(tokenString, fileID string) (string, error) {
	c, err := t.parse(tokenString)
	if err != nil {
		return "", err
	}
	if c.FileID != fileID {
		return "", ErrWrongFile
	}
	return c.Subject, nil
}

// VerifySessionToken checks a host session token and returns its user.
func (t *Tokens) VerifySessionToken(tokenString string) (string, error) {
	c, err := t.parse(tokenString)
	if err != nil {
		return "", err
	}
	if c.FileID != "" {
		// Access tokens leak to the editor; they must not open the host API.
		return "", fmt.Errorf("%w: access token used as session token", ErrInvalidToken)
	}
	return c.Subject, nil
}
