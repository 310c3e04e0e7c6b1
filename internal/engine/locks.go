package engine

import "sync"

// contractLocks serializes mutations per contract ID. Cross-contract
// operations never contend with each other.
type contractLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newContractLocks() *contractLocks {
	return &contractLocks{m: make(map[string]*sync.Mutex)}
}

// acquire locks the mutex for id and returns its unlock func.
func (l *contractLocks) acquire(id string) func() {
	l.mu.Lock()
	cl, ok := l.m[id]
	if !ok {
		cl = &sync.Mutex{}
		l.m[id] = cl
	}
	l.mu.Unlock()
	cl.Lock()
	return cl.Unlock
}
