package session

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/model"
)

const shardCount = 32

type shard struct {
	mu    sync.Mutex
	locks map[string]model.Lock
}

// MemoryRegistry implements Registry in process memory. Locks are sharded by
// file id so that unrelated files do not contend on the same mutex.
type MemoryRegistry struct {
	shards [shardCount]*shard
	ttl    lifetime
	now    func() time.Time
}

// NewMemoryRegistry creates a MemoryRegistry; a non-positive ttl means DefaultTTL.
func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	r := &MemoryRegistry{now: time.Now}
	r.ttl.set(ttl)
	for i := range r.shards {
		r.shards[i] = &shard{locks: make(map[string]model.Lock)}
	}
	return r
}

// SetTTL changes the lifetime of locks granted or refreshed from now on.
func (r *MemoryRegistry) SetTTL(ttl time.Duration) {
	r.ttl.set(ttl)
}

func (r *MemoryRegistry) shardFor(fileID string) *shard {
	return r.shards[xxhash.Sum64String(fileID)%shardCount]
}

// live returns the unexpired lock of fileID, dropping an expired one.
// The shard mutex must be held.
func (s *shard) live(fileID string, now time.Time) (model.Lock, bool) {
	l, ok := s.locks[fileID]
	if !ok {
		return model.Lock{}, false
	}
	if l.Expired(now) {
		delete(s.locks, fileID)
		return model.Lock{}, false
	}
	return l, true
}

func (r *MemoryRegistry) Lock(ctx context.Context, fileID, token string) (*model.Lock, error) {
	s := r.shardFor(fileID)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := r.now()
	current, ok := s.live(fileID, now)
	if ok && current.Token != token {
		return nil, &LockMismatchError{FileID: fileID, CurrentToken: current.Token}
	}

	l := model.Lock{FileID: fileID, Token: token, AcquiredAt: now, ExpiresAt: now.Add(r.ttl.get())}
	if ok {
		l.AcquiredAt = current.AcquiredAt
	}
	s.locks[fileID] = l
	return &l, nil
}

func (r *MemoryRegistry) GetLock(ctx context.Context, fileID string) (*model.Lock, error) {
	s := r.shardFor(fileID)
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[fileID]
	if !ok || l.Expired(r.now()) {
		return nil, nil
	}
	return &l, nil
}

func (r *MemoryRegistry) RefreshLock(ctx context.Context, fileID, token string) (*model.Lock, error) {
	s := r.shardFor(fileID)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := r.now()
	current, ok := s.live(fileID, now)
	if !ok || current.Token != token {
		return nil, &LockMismatchError{FileID: fileID, CurrentToken: current.Token}
	}
	current.ExpiresAt = now.Add(r.ttl.get())
	s.locks[fileID] = current
	return &current, nil
}

func (r *MemoryRegistry) Unlock(ctx context.Context, fileID, token string) error {
	s := r.shardFor(fileID)
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.live(fileID, r.now())
	if !ok || current.Token != token {
		return &LockMismatchError{FileID: fileID, CurrentToken: current.Token}
	}
	delete(s.locks, fileID)
	return nil
}

func (r *MemoryRegistry) UnlockAndRelock(ctx context.Context, fileID, oldToken, newToken string) (*model.Lock, error) {
	s := r.shardFor(fileID)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := r.now()
	current, ok := s.live(fileID, now)
	if !ok || current.Token != oldToken {
		return nil, &LockMismatchError{FileID: fileID, CurrentToken: current.Token}
	}
	l := model.Lock{FileID: fileID, Token: newToken, AcquiredAt: now, ExpiresAt: now.Add(r.ttl.get())}
	s.locks[fileID] = l
	return &l, nil
}

func (r *MemoryRegistry) Revoke(ctx context.Context, fileID string) error {
	s := r.shardFor(fileID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, fileID)
	return nil
}

// Reap removes every expired lock and returns how many were dropped.
func (r *MemoryRegistry) Reap() int {
	now := r.now()
	removed := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for id, l := range s.locks {
			if l.Expired(now) {
				delete(s.locks, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// StartReaper runs Reap every interval until ctx is done. Expiry is enforced
// on access regardless; reaping only bounds memory.
func (r *MemoryRegistry) StartReaper(ctx context.Context, interval time.Duration, onReap func(removed int)) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.Reap(); n > 0 && onReap != nil {
					onReap(n)
				}
			}
		}
	}()
}

// Len returns the number of stored locks, expired ones included.
func (r *MemoryRegistry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}
