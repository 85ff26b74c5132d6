package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/logging"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if !logging.ValidLevel(c.Logging.Level) {
		errs = append(errs, ValidationError{"logging.level", c.Logging.Level, "unknown log level"})
	}

	w := c.Wopi
	if w.Enabled {
		if !isAbsoluteURL(w.DiscoveryURL) {
			errs = append(errs, ValidationError{"wopi.discovery_url", w.DiscoveryURL, "must be an absolute http(s) URL"})
		}
		if !isAbsoluteURL(w.HostServiceBaseURL) {
			errs = append(errs, ValidationError{"wopi.host_service_base_url", w.HostServiceBaseURL, "must be an absolute http(s) URL"})
		}
	}
	if w.DiscoveryTTLHours < 0 {
		errs = append(errs, ValidationError{"wopi.discovery_ttl_hours", w.DiscoveryTTLHours, "must not be negative"})
	}
	if w.DiscoveryTimeout <= 0 {
		errs = append(errs, ValidationError{"wopi.discovery_timeout", w.DiscoveryTimeout, "must be positive"})
	}
	if w.TimestampConflictBody != "" && !isJSONObject(w.TimestampConflictBody) {
		errs = append(errs, ValidationError{"wopi.timestamp_conflict_body", w.TimestampConflictBody, "must be a JSON object"})
	}
	if w.Lock.Enabled && w.Lock.TTL <= 0 {
		errs = append(errs, ValidationError{"wopi.lock.ttl", w.Lock.TTL, "must be positive when locking is enabled"})
	}
	if !slices.Contains([]string{"memory", "dynamodb"}, w.Lock.Store) {
		errs = append(errs, ValidationError{"wopi.lock.store", w.Lock.Store, "must be memory or dynamodb"})
	}
	if !slices.Contains([]string{"memory", "dynamodb", "drive"}, c.Storage.Backend) {
		errs = append(errs, ValidationError{"storage.backend", c.Storage.Backend, "must be memory, dynamodb or drive"})
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, ValidationError{"auth.token_ttl", c.Auth.TokenTTL, "must be positive"})
	}

	seen := make(map[string]bool, len(c.Users))
	for i, u := range c.Users {
		field := fmt.Sprintf("users[%d].id", i)
		switch {
		case strings.TrimSpace(u.ID) == "":
			errs = append(errs, ValidationError{field, u.ID, "must not be empty"})
		case seen[u.ID]:
			errs = append(errs, ValidationError{field, u.ID, "duplicate user id"})
		}
		seen[u.ID] = true
	}

	return errs
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func isJSONObject(raw string) bool {
	var obj map[string]any
	return json.Unmarshal([]byte(raw), &obj) == nil && obj != nil
}
