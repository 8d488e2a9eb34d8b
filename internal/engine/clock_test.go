package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSystemClock_ReturnsUTC(t *testing.T) {
	before := time.Now()
	now := SystemClock{}.Now()
	after := time.Now()

	assert.Equal(t, time.UTC, now.Location())
	assert.False(t, now.Before(before.Truncate(time.Second)))
	assert.False(t, now.After(after))
}

func TestClockFunc(t *testing.T) {
	pinned := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	var c Clock = ClockFunc(func() time.Time { return pinned })

	assert.Equal(t, pinned, c.Now())
}
