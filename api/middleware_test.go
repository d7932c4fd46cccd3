package api

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterPoolEvictsIdle(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := newLimiterPool(1, 2)
	p.now = func() time.Time { return now }
	p.lastSweep = now
	assert.Equal(t, limiterIdle, p.idle)

	for i := 0; i < 100; i++ {
		assert.True(t, p.Allow(fmt.Sprintf("u%d", i)))
	}
	assert.True(t, p.Allow("active"))
	assert.True(t, p.Allow("active"))
	assert.False(t, p.Allow("active"))
	assert.Equal(t, 101, p.size())

	now = now.Add(limiterIdle / 2)
	assert.True(t, p.Allow("active"))

	now = now.Add(limiterIdle/2 + time.Second)
	assert.True(t, p.Allow("other"))
	// only users seen within the idle window are kept.
	assert.Equal(t, 2, p.size())
}

func TestLimiterPoolIdleCoversRefill(t *testing.T) {
	p := newLimiterPool(0.01, 2)
	assert.InDelta(t, 200, p.idle.Seconds(), 0.001)
}
