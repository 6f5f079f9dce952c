package lock

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/jun/wopihost/internal/model"
)

// Script result codes.
const (
	codeNotLocked int64 = 0
	codeOK        int64 = 1
	codeConflict  int64 = 2
	codeBusy      int64 = 3
)

// KEYS[1] lock key, KEYS[2] write lease key, ARGV[1] token, ARGV[2] ttl in
// milliseconds.
var (
	acquireScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and cur ~= ARGV[1] then
  return {2, cur}
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return {1, ARGV[1]}
`)

	refreshScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return {0, ''}
end
if cur ~= ARGV[1] then
  return {2, cur}
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return {1, cur}
`)

	releaseScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return {0, ''}
end
if cur ~= ARGV[1] then
  return {2, cur}
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  return {3, cur}
end
redis.call('DEL', KEYS[1])
return {1, cur}
`)

	beginWriteScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return {0, ''}
end
if cur ~= ARGV[1] then
  return {2, cur}
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  return {3, cur}
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
return {1, cur}
`)

	endWriteScript = redis.NewScript(`
if redis.call('GET', KEYS[2]) == ARGV[1] then
  redis.call('DEL', KEYS[2])
end
return {1, ARGV[1]}
`)

	currentScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return ''
end
return cur
`)
)

// RedisManager stores each lock as a Redis string with a PX expiry.
// Redis expires keys on its own, so a stale lock reads as absent. A guarded
// write holds a second key, the lock key plus ":writing", for at most one TTL.
type RedisManager struct {
	client redis.Scripter
	prefix string
	opts   options
}

// NewRedisManager creates a RedisManager. Keys are prefix + file ID.
func NewRedisManager(client redis.Scripter, prefix string, opts ...Option) *RedisManager {
	return &RedisManager{
		client: client,
		prefix: prefix,
		opts:   applyOptions(opts),
	}
}

func (m *RedisManager) run(ctx context.Context, script *redis.Script, fileID, token string) (int64, string, error) {
	key := m.prefix + fileID
	res, err := script.Run(ctx, m.client, []string{key, key + ":writing"}, token, m.opts.ttl.Milliseconds()).Slice()
	if err != nil {
		return 0, "", err
	}
	if len(res) != 2 {
		return 0, "", fmt.Errorf("unexpected script reply %v", res)
	}
	code, ok := res[0].(int64)
	if !ok {
		return 0, "", fmt.Errorf("unexpected script code %T", res[0])
	}
	holder, _ := res[1].(string)
	return code, holder, nil
}

func (m *RedisManager) mutate(ctx context.Context, script *redis.Script, fileID, token, op string) (*model.Lock, error) {
	expiresAt := m.opts.now().Add(m.opts.ttl)

	code, holder, err := m.run(ctx, script, fileID, token)
	if err != nil {
		return nil, fmt.Errorf("failed to %s lock: %w", op, err)
	}

	switch code {
	case codeOK:
		return &model.Lock{FileID: fileID, Token: token, ExpiresAt: expiresAt}, nil
	case codeConflict:
		return nil, &ConflictError{CurrentToken: holder}
	case codeNotLocked:
		return nil, ErrNotLocked
	case codeBusy:
		return nil, errWriteInProgress
	default:
		return nil, fmt.Errorf("failed to %s lock: unknown script code %d", op, code)
	}
}

func (m *RedisManager) Acquire(ctx context.Context, fileID, token string) (*model.Lock, error) {
	return m.mutate(ctx, acquireScript, fileID, token, "acquire")
}

func (m *RedisManager) Refresh(ctx context.Context, fileID, token string) (*model.Lock, error) {
	return m.mutate(ctx, refreshScript, fileID, token, "refresh")
}

// Release waits for a running guarded write to finish before deleting.
func (m *RedisManager) Release(ctx context.Context, fileID, token string) error {
	return untilIdle(ctx, m.opts.retryInterval, "release", func() error {
		_, err := m.mutate(ctx, releaseScript, fileID, token, "release")
		return err
	})
}

// Guard runs fn under the write lease. Writes under one lock run one at a
// time.
func (m *RedisManager) Guard(ctx context.Context, fileID, token string, fn func(ctx context.Context) error) error {
	err := untilIdle(ctx, m.opts.retryInterval, "guard", func() error {
		_, err := m.mutate(ctx, beginWriteScript, fileID, token, "guard")
		return err
	})
	if err != nil {
		return err
	}
	// A failed clear leaves the lease to lapse on its own.
	defer func() { _, _, _ = m.run(context.WithoutCancel(ctx), endWriteScript, fileID, token) }()

	return fn(ctx)
}

func (m *RedisManager) CurrentToken(ctx context.Context, fileID string) (string, error) {
	token, err := currentScript.Run(ctx, m.client, []string{m.prefix + fileID}).Text()
	if err != nil {
		return "", fmt.Errorf("failed to get lock status: %w", err)
	}
	return token, nil
}
