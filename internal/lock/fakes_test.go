package lock

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeDynamo evaluates the condition expressions DynamoManager issues
// against an in-memory table.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]lockItem
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]lockItem)}
}

func numAttr(values map[string]types.AttributeValue, name string) int64 {
	n, _ := strconv.ParseInt(values[name].(*types.AttributeValueMemberN).Value, 10, 64)
	return n
}

func strAttr(values map[string]types.AttributeValue, name string) string {
	return values[name].(*types.AttributeValueMemberS).Value
}

func (f *fakeDynamo) conditionFailed(fileID string) error {
	ccf := &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	if existing, ok := f.items[fileID]; ok {
		ccf.Item, _ = attributevalue.MarshalMap(existing)
	}
	return ccf
}

// holds reports whether token holds an unexpired lock under the
// "lock_token = :token AND expires_at >= :now" condition.
func (f *fakeDynamo) holds(fileID string, values map[string]types.AttributeValue) bool {
	existing, ok := f.items[fileID]
	return ok && existing.LockToken == strAttr(values, ":token") && existing.ExpiresAt >= numAttr(values, ":now")
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, ok := f.items[strAttr(in.Key, "file_id")]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	av, err := attributevalue.MarshalMap(existing)
	return &dynamodb.GetItemOutput{Item: av}, err
}

// idle reports whether no write lease is running under the
// "attribute_not_exists(writing_until) OR writing_until < :now" condition.
func (f *fakeDynamo) idle(fileID string, values map[string]types.AttributeValue) bool {
	return f.items[fileID].WritingUntil < numAttr(values, ":now")
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fileID := strAttr(in.Key, "file_id")
	values := in.ExpressionAttributeValues
	existing, ok := f.items[fileID]

	switch aws.ToString(in.UpdateExpression) {
	case "SET lock_token = :token, expires_at = :expires_at":
		if ok && existing.ExpiresAt >= numAttr(values, ":now") && existing.LockToken != strAttr(values, ":token") {
			return nil, f.conditionFailed(fileID)
		}
		existing.FileID = fileID
		existing.LockToken = strAttr(values, ":token")
		existing.ExpiresAt = numAttr(values, ":expires_at")
	case "SET expires_at = :expires_at":
		if !f.holds(fileID, values) {
			return nil, f.conditionFailed(fileID)
		}
		existing.ExpiresAt = numAttr(values, ":expires_at")
	case "SET expires_at = :expires_at, writing_until = :expires_at":
		if !f.holds(fileID, values) || !f.idle(fileID, values) {
			return nil, f.conditionFailed(fileID)
		}
		existing.ExpiresAt = numAttr(values, ":expires_at")
		existing.WritingUntil = existing.ExpiresAt
	case "REMOVE writing_until":
		if !ok || existing.LockToken != strAttr(values, ":token") {
			return nil, f.conditionFailed(fileID)
		}
		existing.WritingUntil = 0
	default:
		return nil, fmt.Errorf("unexpected update %q", aws.ToString(in.UpdateExpression))
	}
	f.items[fileID] = existing

	av, err := attributevalue.MarshalMap(existing)
	return &dynamodb.UpdateItemOutput{Attributes: av}, err
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fileID := strAttr(in.Key, "file_id")
	if !f.holds(fileID, in.ExpressionAttributeValues) || !f.idle(fileID, in.ExpressionAttributeValues) {
		return nil, f.conditionFailed(fileID)
	}
	delete(f.items, fileID)
	return &dynamodb.DeleteItemOutput{}, nil
}

// fakeRedis implements redis.Scripter by running the Go equivalent of each
// lock script, keyed by script hash.
type fakeRedis struct {
	mu    sync.Mutex
	clock *fakeClock
	keys  map[string]fakeRedisValue
}

type fakeRedisValue struct {
	token     string
	expiresAt time.Time
}

func newFakeRedis(clock *fakeClock) *fakeRedis {
	return &fakeRedis{clock: clock, keys: make(map[string]fakeRedisValue)}
}

func (f *fakeRedis) get(key string) (string, bool) {
	v, ok := f.keys[key]
	if !ok {
		return "", false
	}
	if !f.clock.Now().Before(v.expiresAt) {
		delete(f.keys, key)
		return "", false
	}
	return v.token, true
}

func (f *fakeRedis) setWithTTL(key, token string, ttlMillis int64) {
	f.keys[key] = fakeRedisValue{
		token:     token,
		expiresAt: f.clock.Now().Add(time.Duration(ttlMillis) * time.Millisecond),
	}
}

func (f *fakeRedis) EvalSha(_ context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := keys[0]
	cur, locked := f.get(key)
	if sha1 == currentScript.Hash() {
		return redis.NewCmdResult(cur, nil)
	}

	token := args[0].(string)
	ttl := args[1].(int64)
	writingKey := keys[1]
	_, writing := f.get(writingKey)

	switch sha1 {
	case acquireScript.Hash():
		if locked && cur != token {
			return redis.NewCmdResult([]interface{}{codeConflict, cur}, nil)
		}
		f.setWithTTL(key, token, ttl)
		return redis.NewCmdResult([]interface{}{codeOK, token}, nil)
	case refreshScript.Hash(), releaseScript.Hash(), beginWriteScript.Hash():
		if !locked {
			return redis.NewCmdResult([]interface{}{codeNotLocked, ""}, nil)
		}
		if cur != token {
			return redis.NewCmdResult([]interface{}{codeConflict, cur}, nil)
		}
		switch sha1 {
		case releaseScript.Hash():
			if writing {
				return redis.NewCmdResult([]interface{}{codeBusy, cur}, nil)
			}
			delete(f.keys, key)
		case beginWriteScript.Hash():
			if writing {
				return redis.NewCmdResult([]interface{}{codeBusy, cur}, nil)
			}
			f.setWithTTL(key, token, ttl)
			f.setWithTTL(writingKey, token, ttl)
		default:
			f.setWithTTL(key, token, ttl)
		}
		return redis.NewCmdResult([]interface{}{codeOK, cur}, nil)
	case endWriteScript.Hash():
		if holder, ok := f.get(writingKey); ok && holder == token {
			delete(f.keys, writingKey)
		}
		return redis.NewCmdResult([]interface{}{codeOK, token}, nil)
	}
	return redis.NewCmdResult(nil, redis.Nil)
}

func (f *fakeRedis) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.EvalSha(ctx, redis.NewScript(script).Hash(), keys, args...)
}

func (f *fakeRedis) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.Eval(ctx, script, keys, args...)
}

func (f *fakeRedis) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.EvalSha(ctx, sha1, keys, args...)
}

func (f *fakeRedis) ScriptExists(_ context.Context, hashes ...string) *redis.BoolSliceCmd {
	exists := make([]bool, len(hashes))
	for i := range exists {
		exists[i] = true
	}
	return redis.NewBoolSliceResult(exists, nil)
}

func (f *fakeRedis) ScriptLoad(_ context.Context, script string) *redis.StringCmd {
	return redis.NewStringResult(redis.NewScript(script).Hash(), nil)
}
