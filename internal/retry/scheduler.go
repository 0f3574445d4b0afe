// Package retry schedules re-registration after a transport failure using a
// bounded exponential backoff. It is opt-in; by default the host decides when
// to try again.
package retry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy configures the backoff between registration attempts.
type Policy struct {
	Enabled         bool
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
	MaxAttempts     uint64
}

// DefaultPolicy is the policy used when retry is enabled without overrides.
var DefaultPolicy = Policy{
	InitialInterval: 2 * time.Second,
	MaxInterval:     2 * time.Minute,
	Multiplier:      2,
	Jitter:          0.2,
	MaxAttempts:     5,
}

// afterFunc is replaced in tests to run scheduled work without waiting.
var afterFunc = func(d time.Duration, fn func()) (stop func() bool) {
	return time.AfterFunc(d, fn).Stop
}

type Scheduler struct {
	policy Policy
	logger *slog.Logger

	mu       sync.Mutex
	backoff  backoff.BackOff
	stop     func() bool
	attempts int
}

func NewScheduler(policy Policy, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		policy: policy,
		logger: logger.With("component", "RetryScheduler"),
	}
	s.backoff = s.newBackOff()
	return s
}

func (s *Scheduler) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.policy.InitialInterval
	exp.MaxInterval = s.policy.MaxInterval
	exp.Multiplier = s.policy.Multiplier
	exp.RandomizationFactor = s.policy.Jitter
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, s.policy.MaxAttempts)
}

// Enabled reports whether automatic retry is configured.
func (s *Scheduler) Enabled() bool {
	return s != nil && s.policy.Enabled
}

// Schedule arranges for fn to run after the next backoff interval. It returns
// false when retry is disabled, attempts are exhausted, or a retry is already
// pending.
func (s *Scheduler) Schedule(fn func()) (time.Duration, bool) {
	if !s.Enabled() {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		return 0, false
	}
	next := s.backoff.NextBackOff()
	if next == backoff.Stop {
		s.logger.Warn("Registration retries exhausted", "attempts", s.attempts)
		return 0, false
	}
	s.attempts++
	attempt := s.attempts
	s.logger.Info("Scheduling registration retry", "attempt", attempt, "delay", next)

	s.stop = afterFunc(next, func() {
		s.mu.Lock()
		s.stop = nil
		s.mu.Unlock()
		fn()
	})
	return next, true
}

// Reset cancels any pending retry and restarts the backoff sequence.
func (s *Scheduler) Reset() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	s.attempts = 0
	s.backoff = s.newBackOff()
}

// Attempts counts retries scheduled since the last reset.
func (s *Scheduler) Attempts() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}
