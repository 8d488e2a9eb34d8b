package engine

import "sync"

// enrollmentLocks serializes work per enrollment.
//
// Compilation, materialization and outcome handling for one enrollment run
// under its lock; different enrollments proceed in parallel. Entries are
// refcounted and dropped when the last holder releases, so the map only
// holds enrollments with work in flight.
//
// The lock is process-local. Engines in different processes sharing a store
// are still serialized by the store's compare-and-swap on enrollment version.
type enrollmentLocks struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newEnrollmentLocks() *enrollmentLocks {
	return &enrollmentLocks{locks: make(map[string]*refLock)}
}

// lock blocks until the caller holds id's lock and returns the release func.
func (l *enrollmentLocks) lock(id string) func() {
	l.mu.Lock()
	rl, ok := l.locks[id]
	if !ok {
		rl = &refLock{}
		l.locks[id] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()

		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// size returns the number of enrollments with a held or awaited lock.
func (l *enrollmentLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
