// Package session holds the WOPI lock registry: the per-file state machine
// that grants a single editing session the right to write a file.
//
// A file is either unlocked or locked by a token until an expiry instant. An
// expired lock is indistinguishable from no lock. Operations on one file id
// are linearized; operations on different files are independent.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/model"
)

// DefaultTTL is the WOPI lock lifetime.
const DefaultTTL = 30 * time.Minute

// lifetime is a lock TTL that can change while the registry serves requests.
// Locks already granted keep their expiry.
type lifetime struct {
	ns atomic.Int64
}

func (l *lifetime) get() time.Duration {
	return time.Duration(l.ns.Load())
}

func (l *lifetime) set(d time.Duration) {
	if d <= 0 {
		d = DefaultTTL
	}
	l.ns.Store(int64(d))
}

// ErrLockMismatch is returned when the presented token does not match the
// current lock, including when the file is not locked at all.
var ErrLockMismatch = errors.New("lock mismatch")

// LockMismatchError carries the authoritative current token ("" when unlocked).
type LockMismatchError struct {
	FileID       string
	CurrentToken string
}

func (e *LockMismatchError) Error() string {
	if e.CurrentToken == "" {
		return fmt.Sprintf("lock mismatch on %s: file is not locked", e.FileID)
	}
	return fmt.Sprintf("lock mismatch on %s: locked by another session", e.FileID)
}

func (e *LockMismatchError) Is(target error) bool {
	return target == ErrLockMismatch
}

// CurrentToken extracts the current lock token from a mismatch error.
func CurrentToken(err error) (string, bool) {
	var me *LockMismatchError
	if errors.As(err, &me) {
		return me.CurrentToken, true
	}
	return "", false
}

// Registry defines the WOPI lock state machine.
type Registry interface {
	// Lock acquires the lock, or extends it when token already holds it.
	Lock(ctx context.Context, fileID, token string) (*model.Lock, error)

	// GetLock returns the live lock, or nil when the file is unlocked. It never mutates state.
	GetLock(ctx context.Context, fileID string) (*model.Lock, error)

	// RefreshLock extends the lock held by token.
	RefreshLock(ctx context.Context, fileID, token string) (*model.Lock, error)

	// Unlock releases the lock held by token.
	Unlock(ctx context.Context, fileID, token string) error

	// UnlockAndRelock atomically replaces the lock held by oldToken with newToken.
	UnlockAndRelock(ctx context.Context, fileID, oldToken, newToken string) (*model.Lock, error)

	// Revoke drops any lock on the file regardless of its token.
	Revoke(ctx context.Context, fileID string) error
}
