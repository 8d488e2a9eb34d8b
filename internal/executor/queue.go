package executor

import (
	"sync"

	"github.com/rasheedb1/cadence/internal/model"
)

// entryQueue is a thread-safe FIFO of due entries between the poller and
// the workers.
//
// An entry id stays tracked from Enqueue until Done, so a poll that sees the
// same due entry again while a worker still holds it does not queue it twice.
type entryQueue struct {
	mu       sync.Mutex
	entries  []model.ScheduleEntry
	inFlight map[string]struct{}
	closed   bool
	signal   chan struct{} // buffered, size 1
}

func newEntryQueue() *entryQueue {
	return &entryQueue{
		entries:  make([]model.ScheduleEntry, 0, 64),
		inFlight: make(map[string]struct{}),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue adds e unless it is already queued or being worked on. Returns
// false when e was not added.
func (q *entryQueue) Enqueue(e model.ScheduleEntry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if _, ok := q.inFlight[e.ID]; ok {
		return false
	}
	q.inFlight[e.ID] = struct{}{}
	q.entries = append(q.entries, e)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front entry without blocking.
func (q *entryQueue) TryDequeue() (model.ScheduleEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return model.ScheduleEntry{}, false
	}
	e := q.entries[0]
	q.entries[0] = model.ScheduleEntry{}
	if len(q.entries) == 1 {
		q.entries = q.entries[:0]
	} else {
		q.entries = q.entries[1:]
	}
	// More work may remain for another waiting worker.
	if len(q.entries) > 0 && !q.closed {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return e, true
}

// Done releases an entry id taken by TryDequeue.
func (q *entryQueue) Done(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, id)
}

// Wait returns a channel that signals when entries may be available. It is
// closed by Close.
func (q *entryQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued entries.
func (q *entryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close stops accepting entries and wakes all waiters.
func (q *entryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
