// --- File: internal/delivery/dispatcher.go ---
// Package delivery routes incoming notification events by delivery context and
// completes the platform's delivery contract for each of them.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-push-binding/internal/metrics"
	"github.com/tinywideclouds/go-push-binding/pkg/push"
)

// DefaultFetchBudget stays under the ~30s the OS grants a background fetch.
const DefaultFetchBudget = 25 * time.Second

// Handlers are the optional application hooks. Nil hooks are skipped.
type Handlers struct {
	// Foreground sees notifications that arrive while the app is active.
	Foreground func(ev push.NotificationEvent)
	// Data processes background and terminated deliveries within the fetch budget.
	Data func(ctx context.Context, ev push.NotificationEvent) (push.FetchResult, error)
	// DefaultAction handles a plain tap on the notification.
	DefaultAction func(ev push.NotificationEvent)
	// Dismiss handles the user dismissing the notification.
	Dismiss func(ev push.NotificationEvent)
	// Actions maps registered custom action identifiers to their handlers.
	Actions map[string]func(ev push.NotificationEvent)
	// CustomAction receives action identifiers with no registered handler.
	CustomAction func(actionID string, ev push.NotificationEvent)
}

// AuthorizationReader reports the current notification authorization.
type AuthorizationReader interface {
	State() push.AuthorizationState
}

// Dispatcher classifies each event by its delivery context and runs the
// matching handler path. It keeps no state across events.
type Dispatcher struct {
	messaging push.Messaging
	auth      AuthorizationReader
	handlers  Handlers
	budget    time.Duration
	onFailure push.FailureListener
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// Events of the same kind complete in arrival order; kinds do not wait
	// on each other.
	presentMu  sync.Mutex
	fetchMu    sync.Mutex
	responseMu sync.Mutex
}

func NewDispatcher(
	messaging push.Messaging,
	auth AuthorizationReader,
	handlers Handlers,
	budget time.Duration,
	onFailure push.FailureListener,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Dispatcher {
	if budget <= 0 {
		budget = DefaultFetchBudget
	}
	return &Dispatcher{
		messaging: messaging,
		auth:      auth,
		handlers:  handlers,
		budget:    budget,
		onFailure: onFailure,
		metrics:   m,
		logger:    logger.With("component", "DeliveryDispatcher"),
	}
}

// NewEvent stamps a host delivery as a NotificationEvent.
func NewEvent(payload map[string]any, dc push.DeliveryContext) push.NotificationEvent {
	return push.NotificationEvent{
		ID:         uuid.NewString(),
		Payload:    payload,
		Context:    dc,
		ReceivedAt: time.Now().UTC(),
	}
}

// WillPresent handles a notification arriving while the app is in the foreground.
func (d *Dispatcher) WillPresent(ctx context.Context, payload map[string]any, done func(push.PresentationOptions)) {
	d.Dispatch(ctx, NewEvent(payload, push.Foreground{}), PresentationCompletion(done))
}

// ReceiveRemote handles a remote notification with a fetch completion; state
// is what the host reported at delivery time.
func (d *Dispatcher) ReceiveRemote(ctx context.Context, payload map[string]any, state push.AppState, done func(push.FetchResult)) {
	d.Dispatch(ctx, NewEvent(payload, push.ContextForAppState(state)), FetchCompletion(done))
}

// DidReceiveResponse handles the user interacting with a delivered notification.
func (d *Dispatcher) DidReceiveResponse(ctx context.Context, payload map[string]any, actionID string, done func()) {
	d.Dispatch(ctx, NewEvent(payload, push.UserTapped{ActionID: actionID}), ResponseCompletion(done))
}

// Dispatch routes ev and completes it exactly once through c, whatever path
// the routing takes, including handler panics and malformed events.
func (d *Dispatcher) Dispatch(ctx context.Context, ev push.NotificationEvent, c Completion) {
	mu := d.lockFor(c)
	mu.Lock()
	defer mu.Unlock()

	contextName := "unknown"
	if ev.Context != nil {
		contextName = ev.Context.String()
	}
	logger := d.logger.With("event_id", ev.ID, "context", contextName)
	g := &guard{c: c, eventID: ev.ID, context: contextName, metrics: d.metrics, logger: logger}
	fallback := outcome{fetch: push.FetchFailed}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered from panic while dispatching notification", "panic", r)
		}
		if g.ensure(fallback) {
			logger.Warn("Event completed by fallback", "result", c.label(fallback))
		}
	}()

	d.metrics.Delivery(contextName)

	if err := validate(ev); err != nil {
		logger.Warn("Malformed notification event", "err", err)
		d.fail(&push.Error{Kind: push.KindMalformedNotificationEvent, Message: ev.ID, Err: err})
		fallback = outcome{fetch: push.FetchNoData}
		return
	}

	r := &route{d: d, ctx: ctx, ev: ev, fetch: isFetch(c), logger: logger}
	ev.Context.Accept(r)
	g.fire(r.out)
}

func (d *Dispatcher) lockFor(c Completion) *sync.Mutex {
	switch c.(type) {
	case PresentationCompletion:
		return &d.presentMu
	case FetchCompletion:
		return &d.fetchMu
	default:
		return &d.responseMu
	}
}

func (d *Dispatcher) fail(err *push.Error) {
	if d.onFailure != nil {
		d.onFailure(err)
	}
}

// presentation masks the foreground treatment by the user's authorization.
func (d *Dispatcher) presentation() push.PresentationOptions {
	if d.auth != nil && d.auth.State() == push.AuthorizationDenied {
		return 0
	}
	return push.FullPresentation
}

func validate(ev push.NotificationEvent) error {
	if ev.Context == nil {
		return errors.New("missing delivery context")
	}
	if ev.Payload == nil {
		return errors.New("missing payload")
	}
	return nil
}

func isFetch(c Completion) bool {
	_, ok := c.(FetchCompletion)
	return ok
}

// route is the exhaustive match over delivery contexts for a single event.
type route struct {
	d      *Dispatcher
	ctx    context.Context
	ev     push.NotificationEvent
	fetch  bool
	logger *slog.Logger
	out    outcome
}

var _ push.ContextVisitor = (*route)(nil)

func (r *route) VisitForeground(push.Foreground) {
	r.logger.Info("Will present notification (foreground)")
	if h := r.d.handlers.Foreground; h != nil {
		h(r.ev)
	}
	r.out.presentation = r.d.presentation()
	if r.fetch {
		// Remote notification while active still owes a fetch result.
		r.out.fetch = r.processData()
	}
}

func (r *route) VisitBackground(push.Background) {
	r.logger.Info("Remote notification received in background")
	r.out.fetch = r.processData()
}

func (r *route) VisitTerminated(push.Terminated) {
	r.logger.Info("Remote notification woke terminated app")
	r.out.fetch = r.processData()
}

func (r *route) VisitUserTapped(tapped push.UserTapped) {
	h := r.d.handlers
	switch id := tapped.ActionID; {
	case id == "" || id == push.ActionDefault:
		r.logger.Info("Notification tapped")
		if h.DefaultAction != nil {
			h.DefaultAction(r.ev)
		}
	case id == push.ActionDismiss:
		r.logger.Info("Notification dismissed")
		if h.Dismiss != nil {
			h.Dismiss(r.ev)
		}
	case h.Actions[id] != nil:
		r.logger.Info("Notification action selected", "action_id", id)
		h.Actions[id](r.ev)
	case h.CustomAction != nil:
		r.logger.Info("Unregistered notification action; using custom action handler", "action_id", id)
		h.CustomAction(id, r.ev)
	default:
		r.logger.Warn("Unrecognized notification action; treating as default", "action_id", id)
		if h.DefaultAction != nil {
			h.DefaultAction(r.ev)
		}
	}
	r.out.fetch = push.FetchNoData
}

type dataResult struct {
	result push.FetchResult
	err    error
}

// processData informs the messaging layer and runs the data handler, bounded
// by the fetch budget. A timeout reports Failed; late work is abandoned.
func (r *route) processData() push.FetchResult {
	ctx, cancel := context.WithTimeout(r.ctx, r.d.budget)
	defer cancel()

	done := make(chan dataResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- dataResult{result: push.FetchFailed, err: fmt.Errorf("panic: %v", p)}
			}
		}()
		if err := r.d.messaging.NotifyMessageReceived(ctx, r.ev.Payload); err != nil {
			done <- dataResult{result: push.FetchFailed, err: fmt.Errorf("messaging layer: %w", err)}
			return
		}
		if r.d.handlers.Data == nil {
			done <- dataResult{result: push.FetchNewData}
			return
		}
		res, err := r.d.handlers.Data(ctx, r.ev)
		if err != nil {
			res = push.FetchFailed
		}
		done <- dataResult{result: res, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			r.logger.Warn("Background processing failed", "err", res.err)
		}
		return res.result
	case <-ctx.Done():
		r.logger.Warn("Background processing exceeded fetch budget", "budget", r.d.budget, "err", ctx.Err())
		return push.FetchFailed
	}
}
