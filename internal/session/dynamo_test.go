package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo evaluates the handful of condition expressions DynamoRegistry issues.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]lockItem
	fail  error
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]lockItem)}
}

func num(av types.AttributeValue) int64 {
	n, _ := strconv.ParseInt(av.(*types.AttributeValueMemberN).Value, 10, 64)
	return n
}

func text(av types.AttributeValue) string {
	return av.(*types.AttributeValueMemberS).Value
}

func (f *fakeDynamo) conditionFailed(id string) error {
	ccf := &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	if item, ok := f.items[id]; ok {
		ccf.Item, _ = attributevalue.MarshalMap(item)
	}
	return ccf
}

func (f *fakeDynamo) liveAndOwned(id string, values map[string]types.AttributeValue) bool {
	item, ok := f.items[id]
	return ok && item.Token == text(values[":token"]) && item.ExpiresAt > num(values[":now"])
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	item, ok := f.items[text(in.Key["file_id"])]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	av, _ := attributevalue.MarshalMap(item)
	return &dynamodb.GetItemOutput{Item: av}, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	var item lockItem
	if err := attributevalue.UnmarshalMap(in.Item, &item); err != nil {
		return nil, err
	}
	if old, ok := f.items[item.FileID]; ok && old.ExpiresAt > num(in.ExpressionAttributeValues[":now"]) {
		return nil, f.conditionFailed(item.FileID)
	}
	f.items[item.FileID] = item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	id := text(in.Key["file_id"])
	values := in.ExpressionAttributeValues
	if !f.liveAndOwned(id, values) {
		return nil, f.conditionFailed(id)
	}
	item := f.items[id]
	item.ExpiresAt = num(values[":expires_at"])
	item.TTL = num(values[":ttl"])
	if newToken, ok := values[":new_token"]; ok {
		item.Token = text(newToken)
		item.AcquiredAt = num(values[":now"])
	}
	f.items[id] = item
	av, _ := attributevalue.MarshalMap(item)
	return &dynamodb.UpdateItemOutput{Attributes: av}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	id := text(in.Key["file_id"])
	if in.ConditionExpression != nil && !f.liveAndOwned(id, in.ExpressionAttributeValues) {
		return nil, f.conditionFailed(id)
	}
	delete(f.items, id)
	return &dynamodb.DeleteItemOutput{}, nil
}

func newTestDynamoRegistry() (*DynamoRegistry, *fakeDynamo, *testClock) {
	db := newFakeDynamo()
	clock := &testClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	r := NewDynamoRegistry(db, "WopiLocks", time.Minute)
	r.now = clock.Now
	return r, db, clock
}

func TestDynamoRegistry_LockThenOtherToken(t *testing.T) {
	r, db, _ := newTestDynamoRegistry()
	ctx := context.Background()

	l, err := r.Lock(ctx, "file1", "A")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if l.Token != "A" {
		t.Errorf("Expected token A, got %s", l.Token)
	}
	if stored := db.items["file1"]; stored.TTL != l.ExpiresAt.Unix() {
		t.Errorf("Expected ttl %d, got %d", l.ExpiresAt.Unix(), stored.TTL)
	}

	_, err = r.Lock(ctx, "file1", "B")
	assertMismatch(t, err, "A")

	if err := r.Unlock(ctx, "file1", "A"); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if _, err := r.Lock(ctx, "file1", "B"); err != nil {
		t.Errorf("Lock after unlock should succeed: %v", err)
	}
}

func TestDynamoRegistry_RelockSameTokenKeepsAcquisition(t *testing.T) {
	r, _, clock := newTestDynamoRegistry()
	ctx := context.Background()

	first, _ := r.Lock(ctx, "file1", "A")
	clock.Advance(20 * time.Second)
	second, err := r.Lock(ctx, "file1", "A")
	if err != nil {
		t.Fatalf("Re-lock failed: %v", err)
	}
	if !second.AcquiredAt.Equal(first.AcquiredAt) {
		t.Errorf("Expected acquisition %v, got %v", first.AcquiredAt, second.AcquiredAt)
	}
	if !second.ExpiresAt.After(first.ExpiresAt) {
		t.Error("Expected re-lock to extend expiry")
	}
}

func TestDynamoRegistry_ExpiredLock(t *testing.T) {
	r, _, clock := newTestDynamoRegistry()
	ctx := context.Background()
	r.Lock(ctx, "file1", "A")
	clock.Advance(time.Minute)

	if l, err := r.GetLock(ctx, "file1"); err != nil || l != nil {
		t.Errorf("Expected no live lock, got %+v, %v", l, err)
	}

	_, err := r.RefreshLock(ctx, "file1", "A")
	assertMismatch(t, err, "")

	if _, err := r.Lock(ctx, "file1", "B"); err != nil {
		t.Errorf("Expired lock should be taken over: %v", err)
	}
}

func TestDynamoRegistry_UnlockAndRelock(t *testing.T) {
	r, _, _ := newTestDynamoRegistry()
	ctx := context.Background()
	r.Lock(ctx, "file1", "A")

	_, err := r.UnlockAndRelock(ctx, "file1", "X", "B")
	assertMismatch(t, err, "A")

	l, err := r.UnlockAndRelock(ctx, "file1", "A", "B")
	if err != nil {
		t.Fatalf("UnlockAndRelock failed: %v", err)
	}
	if l.Token != "B" {
		t.Errorf("Expected token B, got %s", l.Token)
	}
}

func TestDynamoRegistry_UnlockUnlockedFile(t *testing.T) {
	r, _, _ := newTestDynamoRegistry()

	err := r.Unlock(context.Background(), "file1", "A")
	assertMismatch(t, err, "")
}

func TestDynamoRegistry_Revoke(t *testing.T) {
	r, db, _ := newTestDynamoRegistry()
	ctx := context.Background()
	r.Lock(ctx, "file1", "A")

	if err := r.Revoke(ctx, "file1"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if len(db.items) != 0 {
		t.Errorf("Expected table to be empty, got %v", db.items)
	}
}

func TestDynamoRegistry_ClientError(t *testing.T) {
	r, db, _ := newTestDynamoRegistry()
	boom := errors.New("throttled")
	db.fail = boom

	_, err := r.Lock(context.Background(), "file1", "A")
	if !errors.Is(err, boom) {
		t.Errorf("Expected client error to be wrapped, got %v", err)
	}
	if errors.Is(err, ErrLockMismatch) {
		t.Error("Client errors must not look like lock mismatches")
	}
}
