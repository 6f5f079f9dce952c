package lock

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/jun/wopihost/internal/model"
)

// DefaultStripes is the number of independently locked shards of the table.
const DefaultStripes = 64

// entry is a held lock plus the number of guarded writes running under it.
type entry struct {
	lock    model.Lock
	writers int
}

type stripe struct {
	mu    sync.Mutex
	idle  *sync.Cond
	locks map[string]*entry
}

// MemoryManager keeps locks in process memory, sharded by file ID.
// Locks are lost on restart.
type MemoryManager struct {
	stripes []stripe
	opts    options
}

// NewMemoryManager creates a MemoryManager with the given number of stripes.
func NewMemoryManager(stripes int, opts ...Option) *MemoryManager {
	if stripes <= 0 {
		stripes = DefaultStripes
	}
	m := &MemoryManager{
		stripes: make([]stripe, stripes),
		opts:    applyOptions(opts),
	}
	for i := range m.stripes {
		s := &m.stripes[i]
		s.locks = make(map[string]*entry)
		s.idle = sync.NewCond(&s.mu)
	}
	return m
}

func (m *MemoryManager) stripeFor(fileID string) *stripe {
	return &m.stripes[xxhash.Sum64String(fileID)%uint64(len(m.stripes))]
}

// active returns the unexpired lock for fileID, dropping a stale one.
// A lock with guarded writers never expires. The stripe mutex must be held.
func (m *MemoryManager) active(s *stripe, fileID string) *entry {
	e, ok := s.locks[fileID]
	if !ok {
		return nil
	}
	if e.writers == 0 && e.lock.Expired(m.opts.now()) {
		delete(s.locks, fileID)
		return nil
	}
	return e
}

func (m *MemoryManager) Acquire(_ context.Context, fileID, token string) (*model.Lock, error) {
	s := m.stripeFor(fileID)
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt := m.opts.now().Add(m.opts.ttl)
	if e := m.active(s, fileID); e != nil {
		if e.lock.Token != token {
			return nil, &ConflictError{CurrentToken: e.lock.Token}
		}
		e.lock.ExpiresAt = expiresAt
		held := e.lock
		return &held, nil
	}

	e := &entry{lock: model.Lock{FileID: fileID, Token: token, ExpiresAt: expiresAt}}
	s.locks[fileID] = e
	held := e.lock
	return &held, nil
}

// Release waits for guarded writes under the lock to finish before
// removing it.
func (m *MemoryManager) Release(_ context.Context, fileID, token string) error {
	s := m.stripeFor(fileID)
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		e := m.active(s, fileID)
		if e == nil {
			return ErrNotLocked
		}
		if e.lock.Token != token {
			return &ConflictError{CurrentToken: e.lock.Token}
		}
		if e.writers == 0 {
			delete(s.locks, fileID)
			return nil
		}
		s.idle.Wait()
	}
}

func (m *MemoryManager) Refresh(_ context.Context, fileID, token string) (*model.Lock, error) {
	s := m.stripeFor(fileID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e := m.active(s, fileID)
	if e == nil {
		return nil, ErrNotLocked
	}
	if e.lock.Token != token {
		return nil, &ConflictError{CurrentToken: e.lock.Token}
	}
	e.lock.ExpiresAt = m.opts.now().Add(m.opts.ttl)
	held := e.lock
	return &held, nil
}

func (m *MemoryManager) CurrentToken(_ context.Context, fileID string) (string, error) {
	s := m.stripeFor(fileID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := m.active(s, fileID); e != nil {
		return e.lock.Token, nil
	}
	return "", nil
}

// Guard registers a writer on the lock, runs fn without holding the stripe
// mutex, then wakes any Release waiting on the file.
func (m *MemoryManager) Guard(ctx context.Context, fileID, token string, fn func(ctx context.Context) error) error {
	s := m.stripeFor(fileID)
	s.mu.Lock()
	e := m.active(s, fileID)
	switch {
	case e == nil:
		s.mu.Unlock()
		return ErrNotLocked
	case e.lock.Token != token:
		current := e.lock.Token
		s.mu.Unlock()
		return &ConflictError{CurrentToken: current}
	}
	e.writers++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		e.writers--
		if e.writers == 0 {
			e.lock.ExpiresAt = m.opts.now().Add(m.opts.ttl)
		}
		s.mu.Unlock()
		s.idle.Broadcast()
	}()

	return fn(ctx)
}
