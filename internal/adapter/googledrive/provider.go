package googledrive

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"

	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/adapter"
)

// Provider implements adapter.StorageProvider for Google Drive. It signs in
// once with Application Default Credentials (a service account in production)
// and shares one DriveAdapter across requests.
type Provider struct {
	folderID string

	once    sync.Once
	storage *DriveAdapter
	err     error
}

// NewProvider creates a new Google Drive provider storing new files in folderID.
func NewProvider(folderID string) *Provider {
	return &Provider{folderID: folderID}
}

// GetAdapter returns the DriveAdapter.
func (p *Provider) GetAdapter(ctx context.Context, fileID string) (adapter.StorageAdapter, error) {
	p.once.Do(func() {
		// The client outlives the request that happens to create it.
		ctx := context.WithoutCancel(ctx)
		client, err := google.DefaultClient(ctx, drive.DriveScope)
		if err != nil {
			p.err = fmt.Errorf("failed to get authenticated client: %w", err)
			return
		}
		p.storage, p.err = NewDriveAdapter(ctx, client, p.folderID)
		if p.err != nil {
			p.err = fmt.Errorf("failed to create drive adapter: %w", p.err)
		}
	})
	if p.err != nil {
		return nil, p.err
	}
	return p.storage, nil
}
