// Package permission requests the user's authorization for alert-style
// notification delivery, once per process.
package permission

import (
	"log/slog"
	"sync"

	"github.com/tinywideclouds/go-push-binding/internal/metrics"
	"github.com/tinywideclouds/go-push-binding/pkg/push"
)

type Negotiator struct {
	authorizer push.Authorizer
	onFailure  push.FailureListener
	metrics    *metrics.Metrics
	logger     *slog.Logger

	requestOnce sync.Once
	mu          sync.Mutex
	state       push.AuthorizationState
	resolved    bool
	waiters     []func(push.AuthorizationState)
}

func NewNegotiator(
	authorizer push.Authorizer,
	onFailure push.FailureListener,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Negotiator {
	return &Negotiator{
		authorizer: authorizer,
		onFailure:  onFailure,
		metrics:    m,
		logger:     logger.With("component", "PermissionNegotiator"),
	}
}

// RequestAuthorization prompts for opts the first time it is called and never
// again. It does not block; then (optional) receives the resolved state. Later
// callers get the state once known and do not trigger another prompt.
// It reports whether this call issued the platform request.
func (n *Negotiator) RequestAuthorization(opts push.AuthorizationOptions, then func(push.AuthorizationState)) bool {
	issued := false
	n.requestOnce.Do(func() { issued = true })

	n.mu.Lock()
	if n.resolved {
		state := n.state
		n.mu.Unlock()
		if then != nil {
			then(state)
		}
		return issued
	}
	if then != nil {
		n.waiters = append(n.waiters, then)
	}
	n.mu.Unlock()

	if !issued {
		n.logger.Debug("Authorization already requested; ignoring repeat request")
		return false
	}

	n.logger.Info("Requesting notification authorization", "options", opts.Names())
	n.authorizer.RequestAuthorization(opts, n.resolve)
	return true
}

// State returns the current authorization state.
func (n *Negotiator) State() push.AuthorizationState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Negotiator) resolve(granted bool, err error) {
	n.mu.Lock()
	if n.resolved {
		n.mu.Unlock()
		n.logger.Warn("Ignoring repeated authorization result", "granted", granted)
		return
	}
	n.resolved = true
	n.state = push.AuthorizationDenied
	if granted {
		n.state = push.AuthorizationGranted
	}
	state := n.state
	waiters := n.waiters
	n.waiters = nil
	n.mu.Unlock()

	n.metrics.Authorization(state.String())
	if granted {
		n.logger.Info("Notification permission granted")
	} else {
		// Background and silent delivery keep working without alerts.
		n.logger.Warn("Notification permission denied; continuing with silent delivery only", "err", err)
		if n.onFailure != nil {
			n.onFailure(&push.Error{
				Kind:    push.KindPermissionDenied,
				Message: "user declined alert authorization",
				Err:     err,
			})
		}
	}

	for _, w := range waiters {
		w(state)
	}
}
