package main

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := newCircuitBreaker(3, time.Minute)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(func() error { return boom }), boom)
	}
	assert.Equal(t, breakerOpen, b.State())

	// rejected without invoking the operation
	invoked := false
	err := b.Execute(func() error { invoked = true; return nil })
	assert.ErrorIs(t, err, errBreakerOpen)
	assert.False(t, invoked)
}

func TestBreakerAdmitsOneTrialAfterCooldown(t *testing.T) {
	now := time.Now()
	b := newCircuitBreaker(1, time.Minute)
	b.now = func() time.Time { return now }

	require.Error(t, b.Execute(func() error { return errors.New("boom") }))
	require.Equal(t, breakerOpen, b.State())

	now = now.Add(time.Minute + time.Second)

	// the trial succeeds and closes the breaker
	invoked := 0
	require.NoError(t, b.Execute(func() error { invoked++; return nil }))
	assert.Equal(t, 1, invoked)
	assert.Equal(t, breakerClosed, b.State())
}

func TestBreakerReopensOnFailedTrial(t *testing.T) {
	now := time.Now()
	b := newCircuitBreaker(1, time.Minute)
	b.now = func() time.Time { return now }

	require.Error(t, b.Execute(func() error { return errors.New("boom") }))
	now = now.Add(2 * time.Minute)

	require.Error(t, b.Execute(func() error { return errors.New("still down") }))
	assert.Equal(t, breakerOpen, b.State())

	// and the new cooldown window holds
	assert.ErrorIs(t, b.Execute(func() error { return nil }), errBreakerOpen)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := newCircuitBreaker(2, time.Minute)

	require.Error(t, b.Execute(func() error { return errors.New("boom") }))
	require.NoError(t, b.Execute(func() error { return nil }))
	require.Error(t, b.Execute(func() error { return errors.New("boom") }))

	// one failure after a success is below the threshold again
	assert.Equal(t, breakerClosed, b.State())
}
