package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type managerFactory func(clock *fakeClock) Manager

func backends() map[string]managerFactory {
	return map[string]managerFactory{
		"memory": func(clock *fakeClock) Manager {
			return NewMemoryManager(8, WithClock(clock.Now))
		},
		"dynamodb": func(clock *fakeClock) Manager {
			return NewDynamoManager(newFakeDynamo(), "WopiLocks", WithClock(clock.Now), WithRetryInterval(time.Millisecond))
		},
		"redis": func(clock *fakeClock) Manager {
			return NewRedisManager(newFakeRedis(clock), "wopi:lock:", WithClock(clock.Now), WithRetryInterval(time.Millisecond))
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, m Manager, clock *fakeClock)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			fn(t, factory(clock), clock)
		})
	}
}

func TestManager_AcquireUnlocked(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m Manager, clock *fakeClock) {
		ctx := context.Background()

		l, err := m.Acquire(ctx, "doc1", "abc")
		require.NoError(t, err)
		assert.Equal(t, "doc1", l.FileID)
		assert.Equal(t, "abc", l.Token)
		assert.WithinDuration(t, clock.Now().Add(DefaultTTL), l.ExpiresAt, time.Millisecond)

		token, err := m.CurrentToken(ctx, "doc1")
		require.NoError(t, err)
		assert.Equal(t, "abc", token)
	})
}

func TestManager_IdempotentRelock(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m Manager, clock *fakeClock) {
		ctx := context.Background()

		first, err := m.Acquire(ctx, "doc1", "abc")
		require.NoError(t, err)

		clock.Advance(10 * time.Minute)
		second, err := m.Acquire(ctx, "doc1", "abc")
		require.NoError(t, err)
		assert.True(t, second.ExpiresAt.After(first.ExpiresAt), "re-lock should extend expiry")
		assert.Equal(t, "abc", second.Token)

		token, err := m.CurrentToken(ctx, "doc1")
		require.NoError(t, err)
		assert.Equal(t, "abc", token)
	})
}

func TestManager_AcquireConflict(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m Manager, _ *fakeClock) {
		ctx := context.Background()

		_, err := m.Acquire(ctx, "doc1", "abc")
		require.NoError(t, err)

		_, err = m.Acquire(ctx, "doc1", "xyz")
		require.ErrorIs(t, err, ErrConflictingLock)
		assert.Equal(t, "abc", CurrentTokenOf(err))
	})
}

func TestManager_ReleaseThenAcquire(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m Manager, _ *fakeClock) {
		ctx := context.Background()

		_, err := m.Acquire(ctx, "doc1", "abc")
		require.NoError(t, err)
		require.NoError(t, m.Release(ctx, "doc1", "abc"))

		token, err := m.CurrentToken(ctx, "doc1")
		require.NoError(t, err)
		assert.Empty(t, token)

		_, err = m.Acquire(ctx, "doc1", "other")
		require.NoError(t, err)
	})
}

func TestManager_ReleaseMismatch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m Manager, _ *fakeClock) {
		ctx := context.Background()

		_, err := m.Acquire(ctx, "doc1", "abc")
		require.NoError(t, err)

		err = m.Release(ctx, "doc1", "other")
		require.ErrorIs(t, err, ErrConflictingLock)
		assert.Equal(t, "abc", CurrentTokenOf(err))

		token, err := m.CurrentToken(ctx, "doc1")
		require.NoError(t, err)
		assert.Equal(t, "abc", token, "lock must remain held")
	})
}

func TestManager_ReleaseUnlocked(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m Manager, _ *fakeClock) {
		err := m.Release(context.Background(), "doc1", "abc")
		require.ErrorIs(t, err, ErrNotLocked)
		assert.Empty(t, CurrentTokenOf(err))
	})
}

func TestManager_RefreshNeverCreates(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m Manager, _ *fakeClock) {
		ctx := context.Background()

		_, err := m.Refresh(ctx, "doc1", "abc")
		require.ErrorIs(t, err, ErrNotLocked)

		token, err := m.CurrentToken(ctx, "doc1")
		require.NoError(t, err)
		assert.Empty(t, token)
	})
}

func TestManager_Refresh(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m Manager, clock *fakeClock) {
		ctx := context.Background()

		first, err := m.Acquire(ctx, "doc1", "abc")
		require.NoError(t, err)

		clock.Advance(20 * time.Minute)
		refreshed, err := m.Refresh(ctx, "doc1", "abc")
		require.NoError(t, err)
		assert.True(t, refreshed.ExpiresAt.After(first.ExpiresAt))

		// Past the original expiry but inside the refreshed window.
		clock.Advance(20 * time.Minute)
		token, err := m.CurrentToken(ctx, "doc1")
		require.NoError(t, err)
		assert.Equal(t, "abc", token)

		_, err = m.Refresh(ctx, "doc1", "xyz")
		require.ErrorIs(t, err, ErrConflictingLock)
		assert.Equal(t, "abc", CurrentTokenOf(err))
	})
}

func TestManager_ExpiredLockIsAbsent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m Manager, clock *fakeClock) {
		ctx := context.Background()

		_, err := m.Acquire(ctx, "doc1", "abc")
		require.NoError(t, err)
		clock.Advance(DefaultTTL + time.Second)

		token, err := m.CurrentToken(ctx, "doc1")
		require.NoError(t, err)
		assert.Empty(t, token)

		require.ErrorIs(t, m.Release(ctx, "doc1", "abc"), ErrNotLocked)
		_, err = m.Refresh(ctx, "doc1", "abc")
		require.ErrorIs(t, err, ErrNotLocked)

		l, err := m.Acquire(ctx, "doc1", "xyz")
		require.NoError(t, err)
		assert.Equal(t, "xyz", l.Token)
	})
}

func TestManager_MutualExclusion(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m Manager, _ *fakeClock) {
		ctx := context.Background()
		const contenders = 32

		var (
			wg        sync.WaitGroup
			winners   atomic.Int32
			conflicts atomic.Int32
			mu        sync.Mutex
			winner    string
			reported  []string
		)
		start := make(chan struct{})

		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(token string) {
				defer wg.Done()
				<-start
				_, err := m.Acquire(ctx, "race", token)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					winners.Add(1)
					winner = token
				case errors.Is(err, ErrConflictingLock):
					conflicts.Add(1)
					reported = append(reported, CurrentTokenOf(err))
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(fmt.Sprintf("token-%d", i))
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), winners.Load())
		assert.Equal(t, int32(contenders-1), conflicts.Load())
		for _, got := range reported {
			assert.Equal(t, winner, got)
		}
	})
}

func TestManager_FilesAreIndependent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m Manager, _ *fakeClock) {
		ctx := context.Background()

		_, err := m.Acquire(ctx, "doc1", "abc")
		require.NoError(t, err)
		_, err = m.Acquire(ctx, "doc2", "xyz")
		require.NoError(t, err)

		require.NoError(t, m.Release(ctx, "doc2", "xyz"))
		token, err := m.CurrentToken(ctx, "doc1")
		require.NoError(t, err)
		assert.Equal(t, "abc", token)
	})
}

func TestManager_GuardRequiresHolder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m Manager, _ *fakeClock) {
		ctx := context.Background()
		calls := 0
		write := func(context.Context) error {
			calls++
			return nil
		}

		require.ErrorIs(t, m.Guard(ctx, "doc1", "abc", write), ErrNotLocked)

		_, err := m.Acquire(ctx, "doc1", "abc")
		require.NoError(t, err)
		err = m.Guard(ctx, "doc1", "xyz", write)
		require.ErrorIs(t, err, ErrConflictingLock)
		assert.Equal(t, "abc", CurrentTokenOf(err))
		assert.Zero(t, calls)

		require.NoError(t, m.Guard(ctx, "doc1", "abc", write))
		assert.Equal(t, 1, calls)

		failed := errors.New("upload failed")
		err = m.Guard(ctx, "doc1", "abc", func(context.Context) error { return failed })
		assert.Same(t, failed, err)

		// The lock is released normally once no write runs.
		require.NoError(t, m.Release(ctx, "doc1", "abc"))
	})
}

func TestManager_GuardHoldsOffRelease(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m Manager, _ *fakeClock) {
		ctx := context.Background()
		_, err := m.Acquire(ctx, "doc1", "abc")
		require.NoError(t, err)

		entered := make(chan struct{})
		finish := make(chan struct{})
		guarded := make(chan error, 1)
		go func() {
			guarded <- m.Guard(ctx, "doc1", "abc", func(context.Context) error {
				close(entered)
				<-finish
				return nil
			})
		}()
		<-entered

		released := make(chan error, 1)
		go func() { released <- m.Release(ctx, "doc1", "abc") }()

		select {
		case err := <-released:
			t.Fatalf("release finished during a guarded write: %v", err)
		case <-time.After(50 * time.Millisecond):
		}

		_, err = m.Acquire(ctx, "doc1", "xyz")
		require.ErrorIs(t, err, ErrConflictingLock)
		assert.Equal(t, "abc", CurrentTokenOf(err))

		close(finish)
		require.NoError(t, <-guarded)
		require.NoError(t, <-released)

		_, err = m.Acquire(ctx, "doc1", "xyz")
		require.NoError(t, err)
	})
}

func TestManager_GuardedWriteAfterRelease(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m Manager, _ *fakeClock) {
		ctx := context.Background()
		_, err := m.Acquire(ctx, "doc1", "abc")
		require.NoError(t, err)
		require.NoError(t, m.Release(ctx, "doc1", "abc"))
		_, err = m.Acquire(ctx, "doc1", "xyz")
		require.NoError(t, err)

		called := false
		err = m.Guard(ctx, "doc1", "abc", func(context.Context) error {
			called = true
			return nil
		})
		require.ErrorIs(t, err, ErrConflictingLock)
		assert.Equal(t, "xyz", CurrentTokenOf(err))
		assert.False(t, called)
	})
}

func TestSharedManagers_ReleaseGivesUpWithContext(t *testing.T) {
	for name, factory := range backends() {
		if name == "memory" {
			continue
		}
		t.Run(name, func(t *testing.T) {
			m := factory(newFakeClock())
			_, err := m.Acquire(context.Background(), "doc1", "abc")
			require.NoError(t, err)

			err = m.Guard(context.Background(), "doc1", "abc", func(context.Context) error {
				ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
				defer cancel()
				err := m.Release(ctx, "doc1", "abc")
				require.ErrorIs(t, err, context.DeadlineExceeded)
				return nil
			})
			require.NoError(t, err)

			token, err := m.CurrentToken(context.Background(), "doc1")
			require.NoError(t, err)
			assert.Equal(t, "abc", token)
		})
	}
}

func TestMemoryManager_GuardedLockOutlivesTTL(t *testing.T) {
	clock := newFakeClock()
	m := NewMemoryManager(4, WithClock(clock.Now))
	ctx := context.Background()

	_, err := m.Acquire(ctx, "doc1", "abc")
	require.NoError(t, err)

	err = m.Guard(ctx, "doc1", "abc", func(context.Context) error {
		clock.Advance(DefaultTTL + time.Minute)
		_, err := m.Acquire(ctx, "doc1", "xyz")
		require.ErrorIs(t, err, ErrConflictingLock)
		return nil
	})
	require.NoError(t, err)

	token, err := m.CurrentToken(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "abc", token)
}

func TestConflictError(t *testing.T) {
	err := fmt.Errorf("lock: %w", &ConflictError{CurrentToken: "abc"})
	assert.ErrorIs(t, err, ErrConflictingLock)
	assert.NotErrorIs(t, err, ErrNotLocked)
	assert.Equal(t, "abc", CurrentTokenOf(err))
	assert.Empty(t, CurrentTokenOf(ErrNotLocked))
}

func TestWithTTL(t *testing.T) {
	clock := newFakeClock()
	m := NewMemoryManager(0, WithTTL(time.Minute), WithClock(clock.Now))
	assert.Len(t, m.stripes, DefaultStripes)

	l, err := m.Acquire(context.Background(), "doc1", "abc")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Minute), l.ExpiresAt)

	m = NewMemoryManager(4, WithTTL(-time.Second))
	assert.Equal(t, DefaultTTL, m.opts.ttl)
}
