package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rasheedb1/cadence/internal/model"
)

func TestEntryQueue_FIFO(t *testing.T) {
	q := newEntryQueue()
	require.True(t, q.Enqueue(model.ScheduleEntry{ID: "a"}))
	require.True(t, q.Enqueue(model.ScheduleEntry{ID: "b"}))
	assert.Equal(t, 2, q.Len())

	e, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "a", e.ID)
	e, ok = q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "b", e.ID)
	_, ok = q.TryDequeue()
	assert.False(t, ok)
}

func TestEntryQueue_DedupesUntilDone(t *testing.T) {
	q := newEntryQueue()
	require.True(t, q.Enqueue(model.ScheduleEntry{ID: "a"}))
	assert.False(t, q.Enqueue(model.ScheduleEntry{ID: "a"}), "already queued")

	_, ok := q.TryDequeue()
	require.True(t, ok)
	assert.False(t, q.Enqueue(model.ScheduleEntry{ID: "a"}), "still being worked on")

	q.Done("a")
	assert.True(t, q.Enqueue(model.ScheduleEntry{ID: "a"}))
}

func TestEntryQueue_CloseWakesWaiters(t *testing.T) {
	q := newEntryQueue()
	woke := make(chan bool)
	go func() {
		_, open := <-q.Wait()
		woke <- open
	}()

	q.Close()
	select {
	case open := <-woke:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
	assert.False(t, q.Enqueue(model.ScheduleEntry{ID: "a"}))
	q.Close()
}
