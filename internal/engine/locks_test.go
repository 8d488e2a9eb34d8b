package engine

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnrollmentLocks_SerializesSameID(t *testing.T) {
	locks := newEnrollmentLocks()
	var inside, maxInside atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock("enr-1")
			defer unlock()

			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, locks.size(), "released locks are dropped")
}

func TestEnrollmentLocks_DifferentIDsDoNotBlock(t *testing.T) {
	locks := newEnrollmentLocks()
	unlockA := locks.lock("enr-a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := locks.lock("enr-b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different enrollment blocked")
	}
	assert.Equal(t, 1, locks.size())
}
