package secret

import (
	"context"
	"errors"
	"testing"
)

func TestLoadHostSecrets(t *testing.T) {
	params := HostParams{JWT: "/wopi/jwt-secret", Origin: "/wopi/origin-secret"}

	client := &fakeSSMClient{
		params: map[string]string{"/wopi/jwt-secret": "jwt", "/wopi/origin-secret": "origin"},
	}
	s, err := LoadHostSecrets(context.Background(), NewSSMResolver(client), params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.JWT != "jwt" || s.Origin != "origin" || s.JWTFallback {
		t.Fatalf("unexpected secrets %+v", s)
	}
	if client.calls != 1 {
		t.Fatalf("expected both secrets in 1 SSM call, got %d", client.calls)
	}
}

func TestLoadHostSecrets_OriginOptional(t *testing.T) {
	client := &fakeSSMClient{params: map[string]string{"/wopi/jwt-secret": "jwt"}}

	s, err := LoadHostSecrets(context.Background(), NewSSMResolver(client), HostParams{
		JWT:    "/wopi/jwt-secret",
		Origin: "/wopi/origin-secret",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.JWT != "jwt" || s.Origin != "" {
		t.Fatalf("unexpected secrets %+v", s)
	}
}

func TestLoadHostSecrets_MissingJWT(t *testing.T) {
	tests := []struct {
		name      string
		batchFail error
		devJWT    string
		wantErr   bool
	}{
		{name: "unset", wantErr: true},
		{name: "backend failure", batchFail: errors.New("throttled"), wantErr: true},
		{name: "unset in dev", devJWT: "dev"},
		{name: "backend failure in dev", batchFail: errors.New("throttled"), devJWT: "dev"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeSSMClient{params: map[string]string{}, batchFail: tt.batchFail}

			s, err := LoadHostSecrets(context.Background(), NewSSMResolver(client), HostParams{
				JWT:    "/wopi/jwt-secret",
				DevJWT: tt.devJWT,
			})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if s.JWT != "dev" || !s.JWTFallback {
				t.Fatalf("expected the development secret, got %+v", s)
			}
		})
	}
}

func TestLoadHostSecrets_Env(t *testing.T) {
	t.Setenv("WOPI_JWT_SECRET", "")
	t.Setenv("JWT_SECRET", "env-jwt")
	t.Setenv("WOPI_ORIGIN_SECRET", "")
	t.Setenv("ORIGIN_SECRET", "")

	s, err := LoadHostSecrets(context.Background(), Cached(NewEnvResolver()), HostParams{
		JWT:    "/wopi/jwt-secret",
		Origin: "/wopi/origin-secret",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.JWT != "env-jwt" || s.Origin != "" {
		t.Fatalf("unexpected secrets %+v", s)
	}
}
