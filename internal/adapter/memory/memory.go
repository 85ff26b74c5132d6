package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/adapter"
)

// DynamoAPI is the subset of the DynamoDB client used for dev persistence.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

const (
	// DynamoDB items are capped at 400KB, metadata included.
	maxDemoContentSize = 350 * 1024
	maxDemoTitleLength = 255
	maxDemoItemCount   = 50
	itemTTL            = 24 * time.Hour
)

// MemoryAdapter implements adapter.StorageAdapter.
// If client is nil, it uses an in-memory map (for tests).
// If client is set, it uses DynamoDB (for dev mode persistence).
type MemoryAdapter struct {
	client    DynamoAPI
	tableName string
	prefix    string
	now       func() time.Time

	// Fallback for tests
	files map[string]*adapter.File
	mu    sync.RWMutex
}

type FileItem struct {
	PK           string    `dynamodbav:"pk"`
	ID           string    `dynamodbav:"id"`
	Name         string    `dynamodbav:"name"`
	MIMEType     string    `dynamodbav:"mime_type"`
	OwnerID      string    `dynamodbav:"owner_id"`
	ModifiedTime time.Time `dynamodbav:"modified_time"`
	Size         int64     `dynamodbav:"size"`
	Version      string    `dynamodbav:"version"`
	Content      []byte    `dynamodbav:"content"`
	TTL          int64     `dynamodbav:"ttl"`
}

func (i FileItem) file() *adapter.File {
	return &adapter.File{
		FileMetadata: adapter.FileMetadata{
			ID:           i.ID,
			Name:         i.Name,
			MIMEType:     i.MIMEType,
			OwnerID:      i.OwnerID,
			ModifiedTime: i.ModifiedTime,
			Size:         i.Size,
			Version:      i.Version,
		},
		Content: i.Content,
	}
}

// NewMemoryAdapter creates a MemoryAdapter. Generated file ids start with
// prefix so that an adapter.PrefixProvider can route them back here.
func NewMemoryAdapter(client DynamoAPI, tableName, prefix string) *MemoryAdapter {
	if tableName == "" {
		tableName = "FileStore"
	}
	return &MemoryAdapter{
		client:    client,
		tableName: tableName,
		prefix:    prefix,
		now:       time.Now,
		files:     make(map[string]*adapter.File),
	}
}

func (m *MemoryAdapter) countItems(ctx context.Context) (int, error) {
	if m.client == nil {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return len(m.files), nil
	}

	// Scan to count (inefficient for prod, but acceptable for demo/dev mode limit enforcement)
	out, err := m.client.Scan(ctx, &dynamodb.ScanInput{
		TableName: aws.String(m.tableName),
		Select:    types.SelectCount,
	})
	if err != nil {
		return 0, err
	}
	return int(out.Count), nil
}

func (m *MemoryAdapter) GetMetadata(ctx context.Context, fileID string) (*adapter.FileMetadata, error) {
	f, err := m.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return &f.FileMetadata, nil
}

func (m *MemoryAdapter) GetFile(ctx context.Context, fileID string) (*adapter.File, error) {
	if m.client == nil {
		return m.getFileMap(fileID)
	}

	out, err := m.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(m.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: fileID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	if out.Item == nil {
		return nil, adapter.ErrNotFound
	}

	var item FileItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal file: %w", err)
	}
	return item.file(), nil
}

func (m *MemoryAdapter) SaveFile(ctx context.Context, fileID string, content []byte, version string) (*adapter.FileMetadata, error) {
	if len(content) > maxDemoContentSize {
		return nil, fmt.Errorf("%w (max %d bytes)", adapter.ErrTooLarge, maxDemoContentSize)
	}

	if m.client == nil {
		return m.saveFileMap(fileID, content, version)
	}

	// Get existing to keep its metadata
	f, err := m.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if version != "" && f.Version != version {
		return nil, adapter.ErrPreconditionFailed
	}
	previous := f.Version

	now := m.now()
	item := FileItem{
		PK:           f.ID,
		ID:           f.ID,
		Name:         f.Name,
		MIMEType:     f.MIMEType,
		OwnerID:      f.OwnerID,
		ModifiedTime: now.UTC(),
		Size:         int64(len(content)),
		Version:      uuid.New().String(),
		Content:      content,
		TTL:          now.Add(itemTTL).Unix(),
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal file: %w", err)
	}

	// The version condition keeps a concurrent writer from being overwritten
	// between the read above and this put.
	_, err = m.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(m.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_exists(pk) AND version = :version"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":version": &types.AttributeValueMemberS{Value: previous},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, adapter.ErrPreconditionFailed
		}
		return nil, fmt.Errorf("failed to save file: %w", err)
	}

	meta := item.file().FileMetadata
	return &meta, nil
}

func (m *MemoryAdapter) CreateFile(ctx context.Context, name, mimeType, ownerID string, content []byte) (*adapter.FileMetadata, error) {
	if len(name) > maxDemoTitleLength {
		return nil, fmt.Errorf("name too long (max %d characters)", maxDemoTitleLength)
	}
	if len(content) > maxDemoContentSize {
		return nil, fmt.Errorf("%w (max %d bytes)", adapter.ErrTooLarge, maxDemoContentSize)
	}

	count, err := m.countItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count items: %w", err)
	}
	if count >= maxDemoItemCount {
		return nil, fmt.Errorf("item limit reached (max %d)", maxDemoItemCount)
	}

	now := m.now()
	id := m.prefix + uuid.New().String()
	item := FileItem{
		PK:           id,
		ID:           id,
		Name:         name,
		MIMEType:     mimeType,
		OwnerID:      ownerID,
		ModifiedTime: now.UTC(),
		Size:         int64(len(content)),
		Version:      uuid.New().String(),
		Content:      content,
		TTL:          now.Add(itemTTL).Unix(),
	}

	if m.client == nil {
		m.mu.Lock()
		m.files[id] = item.file()
		m.mu.Unlock()
		meta := item.file().FileMetadata
		return &meta, nil
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal file: %w", err)
	}
	_, err = m.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(m.tableName),
		Item:      av,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	meta := item.file().FileMetadata
	return &meta, nil
}

// --- Map Implementations (Fallback) ---

func (m *MemoryAdapter) getFileMap(fileID string) (*adapter.File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[fileID]
	if !ok {
		return nil, adapter.ErrNotFound
	}
	return &adapter.File{
		FileMetadata: f.FileMetadata,
		Content:      f.Content,
	}, nil
}

func (m *MemoryAdapter) saveFileMap(fileID string, content []byte, version string) (*adapter.FileMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[fileID]
	if !ok {
		return nil, adapter.ErrNotFound
	}
	if version != "" && f.Version != version {
		return nil, adapter.ErrPreconditionFailed
	}
	f.Content = append([]byte(nil), content...)
	f.ModifiedTime = m.now().UTC()
	f.Version = uuid.New().String()
	f.Size = int64(len(content))
	meta := f.FileMetadata
	return &meta, nil
}

// Provider implements adapter.StorageProvider with a single shared MemoryAdapter.
type Provider struct {
	store *MemoryAdapter
}

func NewProvider(client DynamoAPI, tableName, prefix string) *Provider {
	return &Provider{store: NewMemoryAdapter(client, tableName, prefix)}
}

func (p *Provider) GetAdapter(ctx context.Context, fileID string) (adapter.StorageAdapter, error) {
	return p.store, nil
}

// Store returns the shared adapter, e.g. to seed demo files.
func (p *Provider) Store() *MemoryAdapter {
	return p.store
}
