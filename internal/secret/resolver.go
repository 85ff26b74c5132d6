// Package secret resolves the WOPI host secrets (token signing key, CDN
// origin secret) from SSM Parameter Store, or from the environment in
// development.
package secret

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ErrNotSet is returned when a secret has no value in its backend.
var ErrNotSet = errors.New("secret not set")

// SSMClient is the subset of *ssm.Client methods used by SSMResolver.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	GetParameters(ctx context.Context, params *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// Resolver retrieves secret values by parameter name.
type Resolver interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// BatchResolver resolves several parameters in one round trip. Names missing
// from the result are unset; the error is reserved for backend failures.
type BatchResolver interface {
	Resolver
	GetSecrets(ctx context.Context, names ...string) (map[string]string, error)
}

// SSMResolver reads SecureString parameters from SSM Parameter Store.
type SSMResolver struct {
	client SSMClient
}

// NewSSMResolver returns a BatchResolver backed by SSM Parameter Store.
func NewSSMResolver(client SSMClient) BatchResolver {
	return &SSMResolver{client: client}
}

func (r *SSMResolver) GetSecret(ctx context.Context, name string) (string, error) {
	out, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("ssm get parameter %q: %w", name, err)
	}
	if out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
		return "", fmt.Errorf("%w: ssm parameter %q", ErrNotSet, name)
	}
	return *out.Parameter.Value, nil
}

// GetSecrets fetches names with a single GetParameters call. Parameters SSM
// reports as invalid are left out of the result.
func (r *SSMResolver) GetSecrets(ctx context.Context, names ...string) (map[string]string, error) {
	values := make(map[string]string, len(names))
	if len(names) == 0 {
		return values, nil
	}
	out, err := r.client.GetParameters(ctx, &ssm.GetParametersInput{
		Names:          names,
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("ssm get parameters %v: %w", names, err)
	}
	for _, p := range out.Parameters {
		if v := aws.ToString(p.Value); v != "" {
			values[aws.ToString(p.Name)] = v
		}
	}
	return values, nil
}

// EnvResolver reads secrets from environment variables named after the last
// segment of the parameter path: "/wopi/jwt-secret" is read from
// WOPI_JWT_SECRET, falling back to JWT_SECRET.
type EnvResolver struct{}

// NewEnvResolver returns a Resolver that reads from environment variables.
func NewEnvResolver() Resolver {
	return EnvResolver{}
}

func (EnvResolver) GetSecret(_ context.Context, name string) (string, error) {
	vars := envVars(name)
	for _, v := range vars {
		if val := os.Getenv(v); val != "" {
			return val, nil
		}
	}
	return "", fmt.Errorf("%w: none of %v (from param %q)", ErrNotSet, vars, name)
}

// envVars lists the environment variables holding name, by precedence.
func envVars(name string) []string {
	last := name[strings.LastIndex(name, "/")+1:]
	base := strings.ToUpper(strings.ReplaceAll(last, "-", "_"))
	return []string{"WOPI_" + base, base}
}

// Cached memoizes the secrets resolved by next. Failures are not cached so
// that a parameter created after startup is picked up on the next call.
func Cached(next Resolver) BatchResolver {
	return &cachedResolver{next: next, values: make(map[string]string)}
}

type cachedResolver struct {
	next   Resolver
	mu     sync.RWMutex
	values map[string]string
}

func (c *cachedResolver) GetSecret(ctx context.Context, name string) (string, error) {
	c.mu.RLock()
	val, ok := c.values[name]
	c.mu.RUnlock()
	if ok {
		return val, nil
	}

	val, err := c.next.GetSecret(ctx, name)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.values[name] = val
	c.mu.Unlock()
	return val, nil
}

func (c *cachedResolver) GetSecrets(ctx context.Context, names ...string) (map[string]string, error) {
	values := make(map[string]string, len(names))
	var missing []string
	c.mu.RLock()
	for _, n := range names {
		if v, ok := c.values[n]; ok {
			values[n] = v
		} else {
			missing = append(missing, n)
		}
	}
	c.mu.RUnlock()
	if len(missing) == 0 {
		return values, nil
	}

	fetched, err := getAll(ctx, c.next, missing)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	for n, v := range fetched {
		c.values[n] = v
		values[n] = v
	}
	c.mu.Unlock()
	return values, nil
}

// getAll resolves names in one call when r supports it, one by one otherwise.
func getAll(ctx context.Context, r Resolver, names []string) (map[string]string, error) {
	if b, ok := r.(BatchResolver); ok {
		return b.GetSecrets(ctx, names...)
	}
	values := make(map[string]string, len(names))
	for _, n := range names {
		v, err := r.GetSecret(ctx, n)
		if errors.Is(err, ErrNotSet) {
			continue
		}
		if err != nil {
			return nil, err
		}
		values[n] = v
	}
	return values, nil
}
