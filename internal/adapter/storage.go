package adapter

import (
	"context"
	"time"
)

// FileMetadata represents what the WOPI host knows about a stored file.
type FileMetadata struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	MIMEType     string    `json:"mimeType"`
	OwnerID      string    `json:"ownerId"`
	ModifiedTime time.Time `json:"modifiedTime"`
	Size         int64     `json:"size"`
	// Version changes on every content write.
	Version string `json:"version"`
}

// File represents a file with its content.
type File struct {
	FileMetadata
	Content []byte `json:"content"`
}

// StorageAdapter defines the interface for the storage holding the edited files.
// It is authoritative for file bytes and last-modified times.
type StorageAdapter interface {
	// GetMetadata retrieves a file's metadata without its content.
	GetMetadata(ctx context.Context, fileID string) (*FileMetadata, error)

	// GetFile retrieves a file's content and metadata by its ID.
	GetFile(ctx context.Context, fileID string) (*File, error)

	// SaveFile replaces an existing file's content.
	// When version is not empty it must match the stored version (optimistic
	// locking), otherwise ErrPreconditionFailed is returned.
	SaveFile(ctx context.Context, fileID string, content []byte, version string) (*FileMetadata, error)

	// CreateFile stores a new file.
	CreateFile(ctx context.Context, name, mimeType, ownerID string, content []byte) (*FileMetadata, error)
}
