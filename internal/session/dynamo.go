package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/model"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoRegistry.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// lockItem is the stored form of a lock. Instants are unix milliseconds;
// ttl is in seconds so that DynamoDB's TTL sweeper eventually drops the row.
type lockItem struct {
	FileID     string `dynamodbav:"file_id"`
	Token      string `dynamodbav:"lock_token"`
	AcquiredAt int64  `dynamodbav:"acquired_at"`
	ExpiresAt  int64  `dynamodbav:"expires_at"`
	TTL        int64  `dynamodbav:"ttl"`
}

func (i lockItem) lock() model.Lock {
	return model.Lock{
		FileID:     i.FileID,
		Token:      i.Token,
		AcquiredAt: time.UnixMilli(i.AcquiredAt).UTC(),
		ExpiresAt:  time.UnixMilli(i.ExpiresAt).UTC(),
	}
}

// DynamoRegistry implements Registry with conditional writes on a DynamoDB
// table keyed by file_id, so several processes can share the lock state.
type DynamoRegistry struct {
	client    DynamoAPI
	tableName string
	ttl       lifetime
	now       func() time.Time
}

// NewDynamoRegistry creates a DynamoRegistry; a non-positive ttl means DefaultTTL.
func NewDynamoRegistry(client DynamoAPI, tableName string, ttl time.Duration) *DynamoRegistry {
	r := &DynamoRegistry{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
	r.ttl.set(ttl)
	return r
}

// SetTTL changes the lifetime of locks granted or refreshed from now on.
func (r *DynamoRegistry) SetTTL(ttl time.Duration) {
	r.ttl.set(ttl)
}

func millis(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}

func seconds(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}

func str(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}

func (r *DynamoRegistry) key(fileID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"file_id": str(fileID)}
}

// mismatch converts a failed condition into a LockMismatchError carrying the
// token of the row that made it fail, if that row is still live.
func (r *DynamoRegistry) mismatch(fileID string, err error, now time.Time) error {
	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return err
	}
	current := ""
	if len(ccf.Item) > 0 {
		var old lockItem
		if uerr := attributevalue.UnmarshalMap(ccf.Item, &old); uerr == nil && old.ExpiresAt > now.UnixMilli() {
			current = old.Token
		}
	}
	return &LockMismatchError{FileID: fileID, CurrentToken: current}
}

const liveAndOwned = "lock_token = :token AND expires_at > :now"

func (r *DynamoRegistry) Lock(ctx context.Context, fileID, token string) (*model.Lock, error) {
	now := r.now()

	// Extend first: it keeps the acquisition time when token already holds the lock.
	l, err := r.RefreshLock(ctx, fileID, token)
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, ErrLockMismatch) {
		return nil, err
	}

	expires := now.Add(r.ttl.get())
	item := lockItem{
		FileID:     fileID,
		Token:      token,
		AcquiredAt: now.UnixMilli(),
		ExpiresAt:  expires.UnixMilli(),
		TTL:        expires.Unix(),
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(file_id) OR expires_at <= :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": millis(now),
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		err = r.mismatch(fileID, err, now)
		if current, ok := CurrentToken(err); ok && current == token {
			// A concurrent request with the same token won the race.
			return r.GetLock(ctx, fileID)
		}
		if errors.Is(err, ErrLockMismatch) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	l2 := item.lock()
	return &l2, nil
}

func (r *DynamoRegistry) GetLock(ctx context.Context, fileID string) (*model.Lock, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            r.key(fileID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}

	var item lockItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lock: %w", err)
	}
	l := item.lock()
	if l.Expired(r.now()) {
		return nil, nil
	}
	return &l, nil
}

func (r *DynamoRegistry) RefreshLock(ctx context.Context, fileID, token string) (*model.Lock, error) {
	now := r.now()
	expires := now.Add(r.ttl.get())

	out, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 r.key(fileID),
		UpdateExpression:    aws.String("SET expires_at = :expires_at, #ttl = :ttl"),
		ConditionExpression: aws.String(liveAndOwned),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expires_at": millis(expires),
			":ttl":        seconds(expires),
			":token":      str(token),
			":now":        millis(now),
		},
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		if err = r.mismatch(fileID, err, now); errors.Is(err, ErrLockMismatch) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to refresh lock: %w", err)
	}

	var item lockItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lock: %w", err)
	}
	l := item.lock()
	return &l, nil
}

func (r *DynamoRegistry) Unlock(ctx context.Context, fileID, token string) error {
	now := r.now()
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 r.key(fileID),
		ConditionExpression: aws.String(liveAndOwned),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":token": str(token),
			":now":   millis(now),
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		if err = r.mismatch(fileID, err, now); errors.Is(err, ErrLockMismatch) {
			return err
		}
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func (r *DynamoRegistry) UnlockAndRelock(ctx context.Context, fileID, oldToken, newToken string) (*model.Lock, error) {
	now := r.now()
	expires := now.Add(r.ttl.get())

	out, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 r.key(fileID),
		UpdateExpression:    aws.String("SET lock_token = :new_token, acquired_at = :now, expires_at = :expires_at, #ttl = :ttl"),
		ConditionExpression: aws.String(liveAndOwned),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new_token":  str(newToken),
			":expires_at": millis(expires),
			":ttl":        seconds(expires),
			":token":      str(oldToken),
			":now":        millis(now),
		},
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		if err = r.mismatch(fileID, err, now); errors.Is(err, ErrLockMismatch) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to relock: %w", err)
	}

	var item lockItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lock: %w", err)
	}
	l := item.lock()
	return &l, nil
}

func (r *DynamoRegistry) Revoke(ctx context.Context, fileID string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key:       r.key(fileID),
	})
	if err != nil {
		return fmt.Errorf("failed to revoke lock: %w", err)
	}
	return nil
}
