package protocols

import (
	"context"
	"errors"
	"fmt"

	"github.com/aura-net/aura/pkg/aura"
	"github.com/aura-net/aura/pkg/event"
	"github.com/aura-net/aura/pkg/runtime"
)

// DefaultLockAttempts bounds how many lottery rounds a contender plays
// before giving up. Each lost round already includes a randomized backoff.
const DefaultLockAttempts = 3

// Lock names a critical operation to arbitrate before mutating shared
// account structure.
type Lock struct {
	Operation event.ProtocolType
	ContextID aura.ContextID
	Attempts  int
}

func (l Lock) attempts() int {
	if l.Attempts <= 0 {
		return DefaultLockAttempts
	}
	return l.Attempts
}

// Acquire plays the lock lottery until this device wins or the attempt
// budget runs out. The returned status names the arbitration session the
// caller releases when done.
func Acquire(ctx context.Context, co *runtime.Coroutine, l Lock) (*runtime.SessionStatus, error) {
	var lastErr error
	for i := 0; i < l.attempts(); i++ {
		status, err := co.CheckSessionCollision(ctx, l.Operation, l.ContextID)
		if err == nil {
			return status, nil
		}
		if !errors.Is(err, runtime.ErrLockLost) {
			return status, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("lock %s not acquired after %d rounds: %w", l.Operation, l.attempts(), lastErr)
}

// Release closes the arbitration session so the next generation opens for
// future contenders.
func Release(co *runtime.Coroutine, l Lock, status *runtime.SessionStatus) error {
	prev := co.Session()
	co.BindSession(status.SessionID)
	defer co.BindSession(prev)
	_, err := co.WriteToLedger(event.TypeLockReleased, event.LockReleased{
		SessionID: status.SessionID,
		Operation: l.Operation,
	})
	return err
}

// WithLock runs fn holding the arbitration lock. The lock is released even
// when fn fails; a release failure is reported only if fn succeeded.
func WithLock(ctx context.Context, co *runtime.Coroutine, l Lock, fn func() error) error {
	status, err := Acquire(ctx, co, l)
	if err != nil {
		return err
	}
	fnErr := fn()
	if relErr := Release(co, l, status); fnErr == nil {
		return relErr
	}
	return fnErr
}
