package delivery

import (
	"log/slog"
	"sync"

	"github.com/tinywideclouds/go-push-binding/internal/metrics"
	"github.com/tinywideclouds/go-push-binding/pkg/push"
)

// Completion is the platform callback owed for one event. The dispatcher
// invokes it exactly once. Only the three variants below implement it.
type Completion interface {
	complete(o outcome)
	label(o outcome) string
}

// PresentationCompletion answers willPresent.
type PresentationCompletion func(push.PresentationOptions)

// FetchCompletion answers a remote notification delivered with a fetch budget.
type FetchCompletion func(push.FetchResult)

// ResponseCompletion answers a notification response (tap or dismiss).
type ResponseCompletion func()

type outcome struct {
	presentation push.PresentationOptions
	fetch        push.FetchResult
}

func (c PresentationCompletion) complete(o outcome) { c(o.presentation) }
func (c FetchCompletion) complete(o outcome)        { c(o.fetch) }
func (c ResponseCompletion) complete(outcome)       { c() }

func (PresentationCompletion) label(o outcome) string {
	if o.presentation == 0 {
		return "none"
	}
	return "present"
}
func (FetchCompletion) label(o outcome) string { return o.fetch.String() }
func (ResponseCompletion) label(outcome) string { return "handled" }

// guard wraps a Completion so it fires at most once. The dispatcher arms a
// fallback on every exit path; a normal completion makes the fallback a no-op.
type guard struct {
	c       Completion
	eventID string
	context string
	metrics *metrics.Metrics
	logger  *slog.Logger

	once sync.Once
}

// fire completes the event. A second call is a defect and is dropped.
func (g *guard) fire(o outcome) {
	if !g.tryFire(o) {
		g.metrics.DuplicateCompletion()
		g.logger.Error("Dropping duplicate completion", "event_id", g.eventID, "context", g.context)
	}
}

// ensure completes the event with o unless it already completed.
func (g *guard) ensure(o outcome) bool {
	return g.tryFire(o)
}

func (g *guard) tryFire(o outcome) bool {
	fired := false
	g.once.Do(func() {
		fired = true
		g.metrics.Completion(g.context, g.c.label(o))
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("Completion callback panicked", "event_id", g.eventID, "panic", r)
			}
		}()
		g.c.complete(o)
	})
	return fired
}
