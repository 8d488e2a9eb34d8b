package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestManualClock_PinnedUntilAdvanced(t *testing.T) {
	clock := NewManualClock(start)

	assert.Equal(t, start, clock.Now())
	assert.Equal(t, start, clock.Now())

	clock.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), clock.Now())
}

func TestManualClock_Set(t *testing.T) {
	clock := NewManualClock(start)
	later := start.Add(48 * time.Hour)

	clock.Set(later)
	assert.Equal(t, later, clock.Now())
}

func TestManualClock_AfterFiresImmediatelyAndAdvances(t *testing.T) {
	clock := NewManualClock(start)

	select {
	case got := <-clock.After(3 * time.Second):
		assert.Equal(t, start.Add(3*time.Second), got)
	default:
		t.Fatal("After channel should already hold a value")
	}
	<-clock.After(2 * time.Second)

	assert.Equal(t, start.Add(5*time.Second), clock.Now())
	assert.Equal(t, []time.Duration{3 * time.Second, 2 * time.Second}, clock.Sleeps())
}

func TestManualClock_ThreadSafe(t *testing.T) {
	clock := NewManualClock(start)
	const goroutines = 50

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			clock.Advance(time.Second)
			_ = clock.Now()
		}()
	}
	wg.Wait()

	require.Equal(t, start.Add(goroutines*time.Second), clock.Now())
}
