package index

import "sync"

// Locks is an advisory per-document lock table keyed by namespace and
// document id. Embed and delete take the same document's lock so they never
// interleave; unrelated documents stay non-blocking. Acquisition never
// waits: a held lock means a competing embed or delete is in flight and the
// caller should surface a conflict.
type Locks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocks() *Locks {
	return &Locks{held: make(map[string]struct{})}
}

// TryAcquire takes the lock for the document, reporting false when it is
// already held.
func (l *Locks) TryAcquire(namespace, documentID string) bool {
	key := namespace + "/" + documentID
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

// Release frees the lock. Callers must release on every exit path.
func (l *Locks) Release(namespace, documentID string) {
	key := namespace + "/" + documentID
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}
