package subsync

import "sync"

// accountLocks serializes reconciliations per account id. Different
// accounts proceed fully in parallel; the same account's
// read-compute-write sequence runs under one mutex. Entries are
// reference-counted so the map does not grow with the account population.
type accountLocks struct {
	mu    sync.Mutex
	locks map[string]*accountLock
}

type accountLock struct {
	mu   sync.Mutex
	refs int
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[string]*accountLock)}
}

func (l *accountLocks) lock(id string) {
	l.mu.Lock()
	al, ok := l.locks[id]
	if !ok {
		al = &accountLock{}
		l.locks[id] = al
	}
	al.refs++
	l.mu.Unlock()

	al.mu.Lock()
}

func (l *accountLocks) unlock(id string) {
	l.mu.Lock()
	al := l.locks[id]
	al.refs--
	if al.refs == 0 {
		delete(l.locks, id)
	}
	l.mu.Unlock()

	al.mu.Unlock()
}
