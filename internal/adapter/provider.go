package adapter

import (
	"context"
	"strings"
)

// StorageProvider defines how to get the StorageAdapter holding a file.
type StorageProvider interface {
	// GetAdapter returns the StorageAdapter for the given file ID.
	GetAdapter(ctx context.Context, fileID string) (StorageAdapter, error)
}

// PrefixProvider delegates to Prefixed for file ids starting with Prefix and
// to Default for every other id.
type PrefixProvider struct {
	Prefix   string
	Prefixed StorageProvider
	Default  StorageProvider
}

func (p *PrefixProvider) GetAdapter(ctx context.Context, fileID string) (StorageAdapter, error) {
	if p.Prefix != "" && strings.HasPrefix(fileID, p.Prefix) {
		return p.Prefixed.GetAdapter(ctx, fileID)
	}
	return p.Default.GetAdapter(ctx, fileID)
}

// Static is a StorageProvider that always returns the same adapter.
type Static struct {
	Adapter StorageAdapter
}

func (s Static) GetAdapter(ctx context.Context, fileID string) (StorageAdapter, error) {
	return s.Adapter, nil
}
