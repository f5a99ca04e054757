package wake

import "context"

// SessionLock serializes access to the reasoning engine. It is a plain
// token semaphore, deliberately not reentrant: a wake issued while an
// invocation is running finds the token gone and is skipped, the next
// tick re-detects whatever prompted it.
type SessionLock struct {
	token chan struct{}
}

func NewSessionLock() *SessionLock {
	l := &SessionLock{token: make(chan struct{}, 1)}
	l.token <- struct{}{}
	return l
}

// Acquire blocks until the token is free. Interactive sessions use this
// so a user request waits for the daemon rather than failing.
func (l *SessionLock) Acquire(ctx context.Context) error {
	select {
	case <-l.token:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire never blocks. The daemon's wake path uses this.
func (l *SessionLock) TryAcquire() bool {
	select {
	case <-l.token:
		return true
	default:
		return false
	}
}

func (l *SessionLock) Release() {
	select {
	case l.token <- struct{}{}:
	default:
	}
}
