package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGate_FirstCallAlwaysAllowed(t *testing.T) {
	g := New(time.Second)
	ok, wait := g.Allow()
	assert.True(t, ok)
	assert.Zero(t, wait)
}

func TestGate_SecondCallWithinIntervalBlocked(t *testing.T) {
	base := time.Now()
	g := New(time.Second)
	g.now = func() time.Time { return base }

	ok, _ := g.Allow()
	assert.True(t, ok)

	g.now = func() time.Time { return base.Add(200 * time.Millisecond) }
	ok, wait := g.Allow()
	assert.False(t, ok)
	assert.Equal(t, 800*time.Millisecond, wait)
}

func TestGate_CallAfterIntervalAllowed(t *testing.T) {
	base := time.Now()
	g := New(time.Second)
	g.now = func() time.Time { return base }
	g.Allow()

	g.now = func() time.Time { return base.Add(1500 * time.Millisecond) }
	ok, wait := g.Allow()
	assert.True(t, ok)
	assert.Zero(t, wait)
}

func TestGate_RefusedCallDoesNotAdvanceLastCall(t *testing.T) {
	base := time.Now()
	g := New(time.Second)
	g.now = func() time.Time { return base }
	g.Allow()

	g.now = func() time.Time { return base.Add(300 * time.Millisecond) }
	ok, _ := g.Allow()
	assert.False(t, ok)

	g.now = func() time.Time { return base.Add(1100 * time.Millisecond) }
	ok, _ = g.Allow()
	assert.True(t, ok)
}

func TestGate_WaitBlocksUntilIntervalElapses(t *testing.T) {
	g := New(30 * time.Millisecond)
	g.Wait()
	start := time.Now()
	g.Wait()
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}
