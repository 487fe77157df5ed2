package router

import "sync"

// keyedMutex serializes dispatch per session code so a mutation and its
// broadcast form one atomic step relative to other events on the same code.
// Entries are refcounted and removed when the last holder releases them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*codeLock
}

type codeLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(code string) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*codeLock)
	}
	l, ok := k.locks[code]
	if !ok {
		l = &codeLock{}
		k.locks[code] = l
	}
	l.refs++
	k.mu.Unlock()
	l.mu.Lock()
}

func (k *keyedMutex) unlock(code string) {
	k.mu.Lock()
	l := k.locks[code]
	l.refs--
	if l.refs == 0 {
		delete(k.locks, code)
	}
	k.mu.Unlock()
	l.mu.Unlock()
}
