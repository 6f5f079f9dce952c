package lock

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

	"github.com/jun/wopihost/internal/model"
)

// DynamoDBAPI is the subset of *dynamodb.Client methods used by DynamoManager.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// lockItem is the DynamoDB representation of a lock.
// ExpiresAt and WritingUntil are in Unix milliseconds. WritingUntil is the
// lease of a guarded write and is absent when none is running.
type lockItem struct {
	FileID       string `dynamodbav:"file_id"`
	LockToken    string `dynamodbav:"lock_token"`
	ExpiresAt    int64  `dynamodbav:"expires_at"`
	WritingUntil int64  `dynamodbav:"writing_until,omitempty"`
}

func (i lockItem) writing(now time.Time) bool {
	return i.WritingUntil >= now.UnixMilli()
}

func (i lockItem) toModel() *model.Lock {
	return &model.Lock{
		FileID:    i.FileID,
		Token:     i.LockToken,
		ExpiresAt: time.UnixMilli(i.ExpiresAt),
	}
}

// DynamoManager stores locks in a DynamoDB table keyed by file_id so that
// several host instances share one lock table. Atomicity comes from
// condition expressions on every write.
type DynamoManager struct {
	client    DynamoDBAPI
	tableName string
	opts      options
}

// NewDynamoManager creates a DynamoManager.
func NewDynamoManager(client DynamoDBAPI, tableName string, opts ...Option) *DynamoManager {
	return &DynamoManager{
		client:    client,
		tableName: tableName,
		opts:      applyOptions(opts),
	}
}

func millis(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}

func (m *DynamoManager) key(fileID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"file_id": &types.AttributeValueMemberS{Value: fileID},
	}
}

// Acquire writes the lock if the file is unlocked, the lock expired, or the
// same token holds it. It updates in place so a running guarded write keeps
// its lease.
func (m *DynamoManager) Acquire(ctx context.Context, fileID, token string) (*model.Lock, error) {
	now := m.opts.now()

	out, err := m.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(m.tableName),
		Key:              m.key(fileID),
		UpdateExpression: aws.String("SET lock_token = :token, expires_at = :expires_at"),
		ConditionExpression: aws.String(
			"attribute_not_exists(file_id) OR expires_at < :now OR lock_token = :token",
		),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expires_at": millis(now.Add(m.opts.ttl)),
			":now":        millis(now),
			":token":      &types.AttributeValueMemberS{Value: token},
		},
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		return nil, m.classify(err, now, token, "failed to acquire lock")
	}
	return m.unmarshal(out.Attributes)
}

// Refresh extends the lock only while token holds an unexpired lock.
func (m *DynamoManager) Refresh(ctx context.Context, fileID, token string) (*model.Lock, error) {
	now := m.opts.now()

	out, err := m.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(m.tableName),
		Key:                 m.key(fileID),
		UpdateExpression:    aws.String("SET expires_at = :expires_at"),
		ConditionExpression: aws.String("lock_token = :token AND expires_at >= :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expires_at": millis(now.Add(m.opts.ttl)),
			":now":        millis(now),
			":token":      &types.AttributeValueMemberS{Value: token},
		},
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		return nil, m.classify(err, now, token, "failed to refresh lock")
	}
	return m.unmarshal(out.Attributes)
}

func (m *DynamoManager) unmarshal(av map[string]types.AttributeValue) (*model.Lock, error) {
	var item lockItem
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lock: %w", err)
	}
	return item.toModel(), nil
}

// Release deletes the lock only while token holds an unexpired lock. It
// waits for a running guarded write to finish first.
func (m *DynamoManager) Release(ctx context.Context, fileID, token string) error {
	return untilIdle(ctx, m.opts.retryInterval, "release", func() error {
		now := m.opts.now()
		_, err := m.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(m.tableName),
			Key:       m.key(fileID),
			ConditionExpression: aws.String(
				"lock_token = :token AND expires_at >= :now AND (attribute_not_exists(writing_until) OR writing_until < :now)",
			),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":now":   millis(now),
				":token": &types.AttributeValueMemberS{Value: token},
			},
			ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
		})
		if err != nil {
			return m.classify(err, now, token, "failed to release lock")
		}
		return nil
	})
}

// Guard takes a write lease on the lock, runs fn, then drops the lease.
// Writes under one lock run one at a time. The lease lasts one TTL, so a
// crashed writer cannot pin the lock forever.
func (m *DynamoManager) Guard(ctx context.Context, fileID, token string, fn func(ctx context.Context) error) error {
	err := untilIdle(ctx, m.opts.retryInterval, "guard", func() error {
		now := m.opts.now()
		_, err := m.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:        aws.String(m.tableName),
			Key:              m.key(fileID),
			UpdateExpression: aws.String("SET expires_at = :expires_at, writing_until = :expires_at"),
			ConditionExpression: aws.String(
				"lock_token = :token AND expires_at >= :now AND (attribute_not_exists(writing_until) OR writing_until < :now)",
			),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":expires_at": millis(now.Add(m.opts.ttl)),
				":now":        millis(now),
				":token":      &types.AttributeValueMemberS{Value: token},
			},
			ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
		})
		if err != nil {
			return m.classify(err, now, token, "failed to guard lock")
		}
		return nil
	})
	if err != nil {
		return err
	}

	defer func() {
		// A failed clear leaves the lease to lapse on its own.
		_, _ = m.client.UpdateItem(context.WithoutCancel(ctx), &dynamodb.UpdateItemInput{
			TableName:           aws.String(m.tableName),
			Key:                 m.key(fileID),
			UpdateExpression:    aws.String("REMOVE writing_until"),
			ConditionExpression: aws.String("lock_token = :token"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":token": &types.AttributeValueMemberS{Value: token},
			},
		})
	}()

	return fn(ctx)
}

func (m *DynamoManager) CurrentToken(ctx context.Context, fileID string) (string, error) {
	out, err := m.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(m.tableName),
		Key:            m.key(fileID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get lock status: %w", err)
	}
	if out.Item == nil {
		return "", nil
	}

	var item lockItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return "", fmt.Errorf("failed to unmarshal lock: %w", err)
	}
	if item.toModel().Expired(m.opts.now()) {
		return "", nil
	}
	return item.LockToken, nil
}

// classify turns a failed condition check into ErrNotLocked, a
// *ConflictError or errWriteInProgress using the item DynamoDB returned
// alongside the failure.
func (m *DynamoManager) classify(err error, now time.Time, token, op string) error {
	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if len(ccf.Item) == 0 {
		return ErrNotLocked
	}

	var holder lockItem
	if uerr := attributevalue.UnmarshalMap(ccf.Item, &holder); uerr != nil {
		return fmt.Errorf("%s: failed to unmarshal holder: %w", op, uerr)
	}
	if holder.toModel().Expired(now) {
		return ErrNotLocked
	}
	if holder.LockToken != token {
		return &ConflictError{CurrentToken: holder.LockToken}
	}
	if holder.writing(now) {
		return errWriteInProgress
	}
	return fmt.Errorf("%s: condition failed for current holder", op)
}
