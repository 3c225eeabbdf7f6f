package upload

import "sync"

// keyedLocks provides one mutex per session handle with reference counting
// so idle entries do not accumulate.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*lockEntry)}
}

// Lock acquires the handle's mutex and returns its unlock func.
func (k *keyedLocks) Lock(handle string) func() {
	k.mu.Lock()
	e, ok := k.locks[handle]
	if !ok {
		e = &lockEntry{}
		k.locks[handle] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, handle)
		}
		k.mu.Unlock()
	}
}
