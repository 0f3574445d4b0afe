package retry

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureAfter records requested delays and keeps scheduled work for the test to run.
func captureAfter(t *testing.T) (*[]time.Duration, *[]func()) {
	t.Helper()
	var delays []time.Duration
	var pending []func()
	old := afterFunc
	afterFunc = func(d time.Duration, fn func()) func() bool {
		delays = append(delays, d)
		pending = append(pending, fn)
		return func() bool { return true }
	}
	t.Cleanup(func() { afterFunc = old })
	return &delays, &pending
}

func testPolicy() Policy {
	return Policy{
		Enabled:         true,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
		MaxAttempts:     4,
	}
}

func TestScheduler_Backoff(t *testing.T) {
	delays, pending := captureAfter(t)
	s := NewScheduler(testPolicy(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	runs := 0
	for i := 0; i < 4; i++ {
		_, ok := s.Schedule(func() { runs++ })
		require.True(t, ok)
		(*pending)[i]()
	}

	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}, *delays)
	assert.Equal(t, 4, runs)
	assert.Equal(t, 4, s.Attempts())

	t.Run("Exhausted after max attempts", func(t *testing.T) {
		_, ok := s.Schedule(func() { runs++ })
		assert.False(t, ok)
	})

	t.Run("Reset restarts the sequence", func(t *testing.T) {
		s.Reset()
		assert.Zero(t, s.Attempts())
		d, ok := s.Schedule(func() {})
		require.True(t, ok)
		assert.Equal(t, 100*time.Millisecond, d)
	})
}

func TestScheduler_PendingRetryIsNotDuplicated(t *testing.T) {
	_, pending := captureAfter(t)
	s := NewScheduler(testPolicy(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, first := s.Schedule(func() {})
	_, second := s.Schedule(func() {})

	assert.True(t, first)
	assert.False(t, second)
	assert.Len(t, *pending, 1)
}

func TestScheduler_Disabled(t *testing.T) {
	captureAfter(t)
	p := testPolicy()
	p.Enabled = false
	s := NewScheduler(p, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, ok := s.Schedule(func() {})
	assert.False(t, ok)
	assert.False(t, s.Enabled())

	var nilScheduler *Scheduler
	assert.False(t, nilScheduler.Enabled())
	assert.NotPanics(t, nilScheduler.Reset)
}
