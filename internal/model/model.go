package model

import (
	"path"
	"strings"
	"time"
)

// LastModifiedLayout renders instants the way WOPI clients expect them back:
// UTC with exactly six fractional-second digits, even when they are zero.
const LastModifiedLayout = "2006-01-02T15:04:05.000000Z"

// FormatLastModified formats t with LastModifiedLayout.
func FormatLastModified(t time.Time) string {
	return t.UTC().Format(LastModifiedLayout)
}

// Lock represents an exclusive edition claim on a file held by a WOPI client session.
type Lock struct {
	FileID     string    `json:"file_id"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lock lifetime has elapsed at now.
func (l Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// FileRef identifies a host file handed to the edition layer.
type FileRef struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MIMEType string `json:"mimeType"`
}

// Ext returns the file name extension without the leading dot, lower cased.
func (f FileRef) Ext() string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(f.Name), "."))
}

// User is the host user on whose behalf an editor session runs.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	AccessToken string `json:"-"`
}
