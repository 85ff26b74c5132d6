package googledrive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/adapter"
)

const metadataFields = "id, name, mimeType, modifiedTime, size, version, owners(permissionId, emailAddress)"

// DriveAdapter implements adapter.StorageAdapter for Google Drive.
type DriveAdapter struct {
	service *drive.Service
	// FolderID is where CreateFile puts new files; empty means the drive root.
	FolderID string
}

// NewDriveAdapter creates a new DriveAdapter.
// client should be an http.Client authenticated for the Drive API.
func NewDriveAdapter(ctx context.Context, client *http.Client, folderID string, opts ...option.ClientOption) (*DriveAdapter, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	srv, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve Drive client: %w", err)
	}
	return &DriveAdapter{service: srv, FolderID: folderID}, nil
}

// toMetadata converts a Drive file resource. Drive reports its own version
// counter, which changes on every content or metadata update.
func toMetadata(f *drive.File) adapter.FileMetadata {
	modTime, _ := time.Parse(time.RFC3339Nano, f.ModifiedTime)
	meta := adapter.FileMetadata{
		ID:           f.Id,
		Name:         f.Name,
		MIMEType:     f.MimeType,
		ModifiedTime: modTime.UTC(),
		Size:         f.Size,
		Version:      strconv.FormatInt(f.Version, 10),
	}
	if len(f.Owners) > 0 {
		meta.OwnerID = f.Owners[0].EmailAddress
		if meta.OwnerID == "" {
			meta.OwnerID = f.Owners[0].PermissionId
		}
	}
	return meta
}

// GetMetadata retrieves a file's metadata.
func (d *DriveAdapter) GetMetadata(ctx context.Context, fileID string) (*adapter.FileMetadata, error) {
	f, err := d.service.Files.Get(fileID).
		Context(ctx).
		SupportsAllDrives(true).
		Fields(googleapi.Field(metadataFields)).
		Do()
	if err != nil {
		if isNotFound(err) {
			return nil, adapter.ErrNotFound
		}
		return nil, fmt.Errorf("unable to get file metadata: %w", err)
	}
	meta := toMetadata(f)
	return &meta, nil
}

// GetFile retrieves a file's content and metadata by its ID.
func (d *DriveAdapter) GetFile(ctx context.Context, fileID string) (*adapter.File, error) {
	// 1. Get Metadata
	meta, err := d.GetMetadata(ctx, fileID)
	if err != nil {
		return nil, err
	}

	// 2. Get Content
	resp, err := d.service.Files.Get(fileID).Context(ctx).SupportsAllDrives(true).Download()
	if err != nil {
		if isNotFound(err) {
			return nil, adapter.ErrNotFound
		}
		return nil, fmt.Errorf("unable to download file: %w", err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("unable to read file content: %w", err)
	}

	return &adapter.File{FileMetadata: *meta, Content: content}, nil
}

// SaveFile updates an existing file's content.
func (d *DriveAdapter) SaveFile(ctx context.Context, fileID string, content []byte, version string) (*adapter.FileMetadata, error) {
	if version != "" {
		current, err := d.GetMetadata(ctx, fileID)
		if err != nil {
			return nil, err
		}
		if current.Version != version {
			return nil, adapter.ErrPreconditionFailed
		}
	}

	res, err := d.service.Files.Update(fileID, &drive.File{}).
		Context(ctx).
		Media(bytes.NewReader(content)).
		SupportsAllDrives(true).
		Fields(googleapi.Field(metadataFields)).
		Do()
	if err != nil {
		if isPreconditionFailed(err) {
			return nil, adapter.ErrPreconditionFailed
		}
		if isNotFound(err) {
			return nil, adapter.ErrNotFound
		}
		return nil, fmt.Errorf("unable to update file: %w", err)
	}

	meta := toMetadata(res)
	return &meta, nil
}

// CreateFile creates a new file in the adapter's folder.
func (d *DriveAdapter) CreateFile(ctx context.Context, name, mimeType, ownerID string, content []byte) (*adapter.FileMetadata, error) {
	parents := []string{"root"}
	if d.FolderID != "" {
		parents = []string{d.FolderID}
	}

	f := &drive.File{
		Name:     name,
		MimeType: mimeType,
		Parents:  parents,
	}
	res, err := d.service.Files.Create(f).
		Context(ctx).
		Media(bytes.NewReader(content)).
		SupportsAllDrives(true).
		Fields(googleapi.Field(metadataFields)).
		Do()
	if err != nil {
		return nil, fmt.Errorf("unable to create file: %w", err)
	}

	meta := toMetadata(res)
	if meta.OwnerID == "" {
		meta.OwnerID = ownerID
	}
	return &meta, nil
}

func isPreconditionFailed(err error) bool {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code == http.StatusPreconditionFailed
	}
	return false
}

func isNotFound(err error) bool {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code == http.StatusNotFound
	}
	return false
}
