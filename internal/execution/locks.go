package execution

import "sync"

// userLocks serializes executions per username. Entries are reference
// counted and removed once no goroutine holds or waits for them.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

// Lock blocks until username's lock is held and returns its release func.
func (l *userLocks) Lock(username string) func() {
	l.mu.Lock()
	ul, ok := l.locks[username]
	if !ok {
		ul = &userLock{}
		l.locks[username] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, username)
		}
		l.mu.Unlock()
	}
}

// size returns the number of live entries.
func (l *userLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
