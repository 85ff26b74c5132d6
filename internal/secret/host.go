package secret

import (
	"context"
	"fmt"
)

// HostParams names the parameters holding the host secrets.
type HostParams struct {
	JWT    string
	Origin string
	// DevJWT replaces an unset JWT secret. Empty makes the JWT secret required.
	DevJWT string
}

// HostSecrets are the secrets the WOPI host loads at startup.
type HostSecrets struct {
	// JWT signs WOPI access tokens and host session tokens.
	JWT string
	// JWTFallback is set when JWT is HostParams.DevJWT.
	JWTFallback bool
	// Origin is the CDN shared secret; empty disables origin verification.
	Origin string
}

// LoadHostSecrets resolves the host secrets in one round trip when r
// supports batching. Only a missing JWT secret without a DevJWT fails.
func LoadHostSecrets(ctx context.Context, r Resolver, p HostParams) (HostSecrets, error) {
	names := []string{p.JWT}
	if p.Origin != "" && p.Origin != p.JWT {
		names = append(names, p.Origin)
	}

	values, err := getAll(ctx, r, names)
	if err != nil && p.DevJWT == "" {
		return HostSecrets{}, fmt.Errorf("resolve host secrets: %w", err)
	}

	s := HostSecrets{JWT: values[p.JWT]}
	if p.Origin != "" {
		s.Origin = values[p.Origin]
	}
	if s.JWT == "" {
		if p.DevJWT == "" {
			return HostSecrets{}, fmt.Errorf("%w: jwt parameter %q", ErrNotSet, p.JWT)
		}
		s.JWT, s.JWTFallback = p.DevJWT, true
	}
	return s, nil
}
