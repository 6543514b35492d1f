package executor

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSessionBusy is returned when a session already has a request in
// flight and the caller cannot (or chose not to) wait for it.
var ErrSessionBusy = errors.New("session has an execution in flight")

// lockTable hands out one execution slot per session. Entries are
// created on demand and removed when the last interested caller
// releases, so idle sessions cost nothing.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	slot chan struct{} // capacity 1
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sessionLock)}
}

// acquire claims the session's execution slot. With reject set, a held
// slot fails immediately with ErrSessionBusy; otherwise the caller
// queues for at most wait before giving up. The returned release
// function must be called exactly once on every path.
func (t *lockTable) acquire(ctx context.Context, sessionID string, reject bool, wait time.Duration) (func(), error) {
	t.mu.Lock()
	l, ok := t.locks[sessionID]
	if !ok {
		l = &sessionLock{slot: make(chan struct{}, 1)}
		t.locks[sessionID] = l
	}
	l.refs++
	t.mu.Unlock()

	release := func() {
		<-l.slot
		t.drop(sessionID, l)
	}

	if reject {
		select {
		case l.slot <- struct{}{}:
			return release, nil
		default:
			t.drop(sessionID, l)
			return nil, ErrSessionBusy
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case l.slot <- struct{}{}:
		return release, nil
	case <-ctx.Done():
		t.drop(sessionID, l)
		return nil, ctx.Err()
	case <-timer.C:
		t.drop(sessionID, l)
		return nil, ErrSessionBusy
	}
}

func (t *lockTable) drop(sessionID string, l *sessionLock) {
	t.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, sessionID)
	}
	t.mu.Unlock()
}
