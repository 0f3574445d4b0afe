// --- File: pushregistration/orchestrator.go ---
// Package pushregistration drives the launch-time push registration sequence
// and is the composition root for the transport, permission, binding and
// delivery components.
package pushregistration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinywideclouds/go-push-binding/internal/binding"
	"github.com/tinywideclouds/go-push-binding/internal/delivery"
	"github.com/tinywideclouds/go-push-binding/internal/events"
	"github.com/tinywideclouds/go-push-binding/internal/mainloop"
	"github.com/tinywideclouds/go-push-binding/internal/metrics"
	"github.com/tinywideclouds/go-push-binding/internal/permission"
	"github.com/tinywideclouds/go-push-binding/internal/retry"
	"github.com/tinywideclouds/go-push-binding/internal/transport"
	"github.com/tinywideclouds/go-push-binding/pkg/push"
	"github.com/tinywideclouds/go-push-binding/pushregistration/config"
)

// Dependencies are the host-side collaborators. Main defaults to running
// work inline when the caller is already on the main context.
type Dependencies struct {
	Registrar  push.Registrar
	Authorizer push.Authorizer
	Messaging  push.Messaging
	Main       push.MainExecutor
}

// Options configure the orchestrator. Zero values select the defaults.
type Options struct {
	Mode                 config.Mode
	AuthorizationOptions push.AuthorizationOptions
	FetchBudget          time.Duration
	Retry                retry.Policy
	Handlers             delivery.Handlers

	// RegistrationTimeout is how long an unanswered OS request absorbs new ones.
	RegistrationTimeout time.Duration

	// Registerer receives the Prometheus collectors; nil disables metrics.
	Registerer prometheus.Registerer
}

type Orchestrator struct {
	mode     config.Mode
	authOpts push.AuthorizationOptions
	logger   *slog.Logger
	metrics  *metrics.Metrics

	bus        *events.Bus
	negotiator *permission.Negotiator
	manager    *transport.Manager
	bridge     *binding.Bridge
	dispatcher *delivery.Dispatcher
	retry      *retry.Scheduler

	mu                 sync.Mutex
	state              push.RegistrationState
	launched           bool
	launchNotification map[string]any
	failureListeners   []push.FailureListener
	tokenListeners     []func(token push.TransportToken, changed bool)
}

// New wires the components. Nothing is requested from the host until
// LaunchWithOptions or BeginRegistration is called.
func New(opts Options, deps Dependencies, logger *slog.Logger) (*Orchestrator, error) {
	if deps.Registrar == nil || deps.Authorizer == nil || deps.Messaging == nil {
		return nil, fmt.Errorf("registrar, authorizer and messaging are required")
	}
	if opts.Mode == "" {
		opts.Mode = config.ModeRelease
	}
	if opts.AuthorizationOptions == 0 {
		opts.AuthorizationOptions = push.DefaultAuthorizationOptions
	}
	main := deps.Main
	if main == nil {
		main = mainloop.Inline{}
	}
	var m *metrics.Metrics
	if opts.Registerer != nil {
		m = metrics.New(opts.Registerer)
	}

	o := &Orchestrator{
		mode:     opts.Mode,
		authOpts: opts.AuthorizationOptions,
		logger:   logger.With("component", "RegistrationOrchestrator"),
		metrics:  m,
		bus:      events.NewBus(logger),
		retry:    retry.NewScheduler(opts.Retry, logger),
	}

	o.negotiator = permission.NewNegotiator(deps.Authorizer, o.fail, m, logger)
	o.manager = transport.NewManager(deps.Registrar, main, transportListener{o}, opts.RegistrationTimeout, m, logger)
	o.bridge = binding.NewBridge(deps.Messaging, o.bus, o.fail, m, logger)
	o.dispatcher = delivery.NewDispatcher(deps.Messaging, o.negotiator, opts.Handlers, opts.FetchBudget, o.fail, m, logger)

	o.bus.Subscribe(events.TokenChanged, func(events.Event) {
		o.advance(push.StateApplicationBound)
	})
	m.State(int(push.StateNotStarted))

	o.logger.Info("Push registration core ready", "mode", o.mode)
	return o, nil
}

// LaunchWithOptions runs the launch sequence: request authorization without
// waiting for the answer, then begin transport registration. Only the first
// call has an effect.
func (o *Orchestrator) LaunchWithOptions(info push.LaunchInfo) {
	o.mu.Lock()
	if o.launched {
		o.mu.Unlock()
		o.logger.Debug("Launch already handled")
		return
	}
	o.launched = true
	o.launchNotification = info.RemoteNotification
	o.mu.Unlock()

	if info.RemoteNotification != nil {
		o.logger.Info("Launched from notification", "payload_keys", len(info.RemoteNotification))
	}

	if o.mode == config.ModeDebug {
		o.logger.Warn("Debug mode: push registration pipeline is not wired")
		return
	}

	o.advance(push.StatePermissionPending)
	o.negotiator.RequestAuthorization(o.authOpts, func(state push.AuthorizationState) {
		o.logger.Info("Notification authorization resolved", "state", state.String())
	})

	// Silent and background delivery work without alert permission.
	o.BeginRegistration()
}

// BeginRegistration asks the OS for a transport token. It is safe to call at
// any time: an in-flight request absorbs it, a bound device re-requests the
// same token, a failed one tries again.
func (o *Orchestrator) BeginRegistration() bool {
	if o.mode == config.ModeDebug {
		o.logger.Debug("Debug mode: ignoring registration request")
		return false
	}
	o.advance(push.StateTransportPending)
	return o.manager.BeginRegistration()
}

// RegisterDeviceToken is the OS callback carrying the transport token.
func (o *Orchestrator) RegisterDeviceToken(token []byte) {
	if o.mode == config.ModeDebug {
		o.logger.Debug("Debug mode: ignoring device token")
		return
	}
	o.manager.OnTokenObtained(push.TransportToken(token))
}

// RegisterDeviceTokenFailed is the OS callback for a failed registration.
func (o *Orchestrator) RegisterDeviceTokenFailed(code int, domain, message string) {
	if o.mode == config.ModeDebug {
		o.logger.Debug("Debug mode: ignoring registration failure", "code", code)
		return
	}
	o.manager.OnRegistrationFailed(code, domain, message)
}

// OnApplicationTokenIssued is the messaging layer callback; token may be nil.
func (o *Orchestrator) OnApplicationTokenIssued(token *string) {
	if o.mode == config.ModeDebug {
		o.logger.Debug("Debug mode: ignoring application token")
		return
	}
	o.bridge.OnApplicationTokenChanged(token)
}

// ReceiveRemoteNotification dispatches a remote notification that carries a
// fetch completion. It runs in both modes.
func (o *Orchestrator) ReceiveRemoteNotification(ctx context.Context, payload map[string]any, state push.AppState, done func(push.FetchResult)) {
	o.dispatcher.ReceiveRemote(ctx, payload, state, done)
}

// WillPresentNotification decides the foreground presentation.
func (o *Orchestrator) WillPresentNotification(ctx context.Context, payload map[string]any, done func(push.PresentationOptions)) {
	if o.mode == config.ModeDebug {
		// No delegate in debug builds: the platform default shows nothing.
		done(0)
		return
	}
	o.dispatcher.WillPresent(ctx, payload, done)
}

// DidReceiveNotificationResponse handles a tap or action on a notification.
func (o *Orchestrator) DidReceiveNotificationResponse(ctx context.Context, payload map[string]any, actionID string, done func()) {
	if o.mode == config.ModeDebug {
		done()
		return
	}
	o.dispatcher.DidReceiveResponse(ctx, payload, actionID, done)
}

// OnFailure registers a listener for structured failures.
func (o *Orchestrator) OnFailure(fn push.FailureListener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failureListeners = append(o.failureListeners, fn)
}

// OnTransportToken registers a listener for every transport token answer.
func (o *Orchestrator) OnTransportToken(fn func(token push.TransportToken, changed bool)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tokenListeners = append(o.tokenListeners, fn)
}

// Events is the token-changed channel for the application layer.
func (o *Orchestrator) Events() *events.Bus {
	return o.bus
}

func (o *Orchestrator) State() push.RegistrationState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) Mode() config.Mode {
	return o.mode
}

// LaunchNotification returns the payload of the notification that launched the app, if any.
func (o *Orchestrator) LaunchNotification() (map[string]any, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.launchNotification, o.launchNotification != nil
}

func (o *Orchestrator) TransportToken() (push.TransportToken, bool) {
	return o.manager.Token()
}

func (o *Orchestrator) ApplicationToken() (push.ApplicationToken, bool) {
	return o.bridge.ApplicationToken()
}

func (o *Orchestrator) Authorization() push.AuthorizationState {
	return o.negotiator.State()
}

func (o *Orchestrator) Snapshot() push.Snapshot {
	s := push.Snapshot{
		Mode:          string(o.mode),
		State:         o.State().String(),
		Authorization: o.Authorization().String(),
		Generation:    o.bridge.Generation(),
		RetryAttempts: o.retry.Attempts(),
		Options:       o.authOpts.Names(),
	}
	if tok, ok := o.TransportToken(); ok {
		s.TransportToken = tok.String()
	}
	if tok, ok := o.ApplicationToken(); ok {
		s.ApplicationToken = string(tok)
	}
	if err := o.manager.LastError(); err != nil {
		s.LastError = err.Error()
	}
	return s
}

// advance moves the state forward, refusing backwards moves.
func (o *Orchestrator) advance(next push.RegistrationState) bool {
	o.mu.Lock()
	prev := o.state
	if !prev.CanAdvanceTo(next) {
		o.mu.Unlock()
		return false
	}
	o.state = next
	o.mu.Unlock()

	o.metrics.State(int(next))
	o.logger.Info("Registration state changed", "from", prev.String(), "to", next.String())
	return true
}

func (o *Orchestrator) fail(err *push.Error) {
	o.mu.Lock()
	listeners := append([]push.FailureListener(nil), o.failureListeners...)
	o.mu.Unlock()
	for _, l := range listeners {
		l(err)
	}
}

func (o *Orchestrator) onTransportToken(token push.TransportToken, changed bool) {
	o.retry.Reset()
	o.advance(push.StateTransportBound)

	o.mu.Lock()
	listeners := append(([]func(push.TransportToken, bool))(nil), o.tokenListeners...)
	o.mu.Unlock()
	for _, l := range listeners {
		l(token, changed)
	}

	if !changed {
		o.logger.Debug("Transport token unchanged; binding kept")
		return
	}
	o.bridge.OnTransportTokenChanged(token)
}

func (o *Orchestrator) onTransportFailure(err *push.Error) {
	if o.State() >= push.StateTransportBound {
		// A later re-request failed; the existing token is still valid.
		o.logger.Warn("Registration re-request failed; keeping existing binding", "err", err)
		o.fail(err)
		return
	}
	o.advance(push.StateTransportFailed)
	o.fail(err)

	if delay, ok := o.retry.Schedule(func() { o.BeginRegistration() }); ok {
		o.logger.Info("Registration retry scheduled", "delay", delay)
	}
}

// transportListener keeps the listener callbacks off the public API.
type transportListener struct {
	o *Orchestrator
}

func (l transportListener) TransportTokenObtained(token push.TransportToken, changed bool) {
	l.o.onTransportToken(token, changed)
}

func (l transportListener) TransportRegistrationFailed(err *push.Error) {
	l.o.onTransportFailure(err)
}
