package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayConcreteValues(t *testing.T) {
	base := 1000 * time.Millisecond
	max := 8000 * time.Millisecond

	expected := []time.Duration{0, 1000, 2000, 4000, 8000, 8000}
	for i, want := range expected {
		attempt := i + 1
		assert.Equal(t, want*time.Millisecond, Delay(attempt, base, max), "attempt %d", attempt)
	}
}

func TestDelayNonPositiveAttempt(t *testing.T) {
	assert.Equal(t, time.Duration(0), Delay(0, time.Second, 8*time.Second))
	assert.Equal(t, time.Duration(0), Delay(-5, time.Second, 8*time.Second))
}

func TestDelayMonotonicAndCapped(t *testing.T) {
	base := 300 * time.Millisecond
	max := 7 * time.Second

	prev := Delay(1, base, max)
	for n := 2; n <= 200; n++ {
		d := Delay(n, base, max)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", n)
		assert.LessOrEqual(t, d, max, "attempt %d", n)
		prev = d
	}
	assert.Equal(t, max, Delay(200, base, max))
}

func TestDelayBaseAboveMax(t *testing.T) {
	assert.Equal(t, 2*time.Second, Delay(2, 5*time.Second, 2*time.Second))
}

func TestDelayZeroMaxMeansNoWait(t *testing.T) {
	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, time.Duration(0), Delay(attempt, time.Second, 0), "attempt %d", attempt)
	}
	assert.Equal(t, time.Duration(0), Delay(3, time.Second, -time.Second))
	assert.Equal(t, time.Duration(0), NewPolicy(1000, 0).Delay(4))
}

func TestPolicyFromMillis(t *testing.T) {
	p := NewPolicy(1000, 30000)
	assert.Equal(t, time.Second, p.Delay(2))
	assert.Equal(t, 16*time.Second, p.Delay(6))
	assert.Equal(t, 30*time.Second, p.Delay(7))
}

func TestPolicyWaitAbortsOnDone(t *testing.T) {
	p := NewPolicy(60000, 60000)
	done := make(chan struct{})
	close(done)
	assert.False(t, p.Wait(SystemClock, 2, done))
}

func TestPolicyWaitZeroDelay(t *testing.T) {
	p := NewPolicy(1000, 8000)
	assert.True(t, p.Wait(SystemClock, 1, make(chan struct{})))
}
