// Package mainloop provides the serial "main" execution context that
// OS-facing calls such as remote-notification registration must run on.
package mainloop

import (
	"context"
	"log/slog"
	"sync"
)

// Loop is a FIFO executor drained by a single goroutine.
// Work posted before Start is kept and runs once the loop starts.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	logger *slog.Logger
}

func New(logger *slog.Logger) *Loop {
	return &Loop{
		wake:   make(chan struct{}, 1),
		logger: logger.With("component", "MainLoop"),
	}
}

// Run enqueues fn and returns immediately.
func (l *Loop) Run(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Start drains the queue until ctx is cancelled. It blocks.
func (l *Loop) Start(ctx context.Context) {
	l.logger.Debug("Main loop started")
	for {
		l.drain()
		select {
		case <-ctx.Done():
			l.logger.Debug("Main loop stopped", "pending", l.Pending())
			return
		case <-l.wake:
		}
	}
}

// Pending returns the number of queued, not yet executed, functions.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.exec(fn)
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Main loop task panicked", "panic", r)
		}
	}()
	fn()
}

// Inline runs work immediately on the caller's goroutine. Use it when the
// host already calls in from its main context.
type Inline struct{}

func (Inline) Run(fn func()) { fn() }
