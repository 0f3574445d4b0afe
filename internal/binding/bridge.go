// --- File: internal/binding/bridge.go ---
// Package binding keeps the application messaging token bound to the current
// transport token.
package binding

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinywideclouds/go-push-binding/internal/events"
	"github.com/tinywideclouds/go-push-binding/internal/metrics"
	"github.com/tinywideclouds/go-push-binding/pkg/push"
)

// Bridge forwards the transport token to the messaging layer and publishes
// every application token the messaging layer issues for it.
//
// At cold start the messaging layer can issue an application token before the
// transport token exists. That token is bound to nothing, so after every
// transport token change the bridge deletes the cached application token and
// lets the messaging layer generate a fresh one. If that delete fails the early
// token survives in the messaging layer and becomes the binding.
type Bridge struct {
	messaging push.Messaging
	bus       *events.Bus
	onFailure push.FailureListener
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu         sync.Mutex
	transport  push.TransportToken
	generation uint64
	current    *push.ApplicationToken
	held       *push.ApplicationToken

	// held token awaiting the outcome of the delete for orphanGen
	orphan    *push.ApplicationToken
	orphanGen uint64
}

func NewBridge(
	messaging push.Messaging,
	bus *events.Bus,
	onFailure push.FailureListener,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Bridge {
	return &Bridge{
		messaging: messaging,
		bus:       bus,
		onFailure: onFailure,
		metrics:   m,
		logger:    logger.With("component", "BindingBridge"),
	}
}

// OnTransportTokenChanged hands the new transport token to the messaging layer
// and then forces the application token to be regenerated against it.
func (b *Bridge) OnTransportTokenChanged(token push.TransportToken) {
	b.mu.Lock()
	b.transport = token
	b.generation++
	gen := b.generation
	if b.held != nil {
		b.logger.Debug("Application token issued before the transport token will be replaced", "token", string(*b.held))
		b.orphan = b.held
		b.held = nil
	}
	if b.orphan != nil {
		b.orphanGen = gen
	}
	b.mu.Unlock()

	b.logger.Info("Forwarding APNs token to messaging layer", "token", token.String(), "generation", gen)
	b.messaging.SetTransportToken(token)
	b.forceApplicationTokenRefresh(gen)
}

func (b *Bridge) forceApplicationTokenRefresh(gen uint64) {
	b.metrics.Reconciliation()
	b.logger.Debug("Deleting cached application token", "generation", gen)

	b.messaging.DeleteApplicationToken(func(err error) {
		if err == nil {
			// Any successful delete removes the held token from the messaging layer.
			b.mu.Lock()
			b.orphan = nil
			b.mu.Unlock()
			b.logger.Debug("Application token deleted; awaiting regeneration", "generation", gen)
			return
		}
		// The messaging layer still reissues on its own schedule.
		b.metrics.DeletionFailure()
		b.logger.Warn("Failed to delete application token", "generation", gen, "err", err)
		if b.onFailure != nil {
			b.onFailure(&push.Error{
				Kind:    push.KindApplicationTokenDeletionFailed,
				Message: fmt.Sprintf("reconciliation generation %d", gen),
				Err:     err,
			})
		}
		b.adoptOrphan(gen)
	})
}

// adoptOrphan publishes the held token when its deletion failed: the messaging
// layer still holds it, now bound to the transport token of generation gen.
func (b *Bridge) adoptOrphan(gen uint64) {
	b.mu.Lock()
	tok := b.orphan
	if tok == nil || b.orphanGen != gen || b.generation != gen || b.current != nil {
		b.mu.Unlock()
		return
	}
	b.orphan = nil
	b.current = tok
	b.mu.Unlock()

	b.logger.Warn("Keeping application token that survived a failed deletion", "token", string(*tok), "generation", gen)
	b.publish(*tok)
}

func (b *Bridge) publish(tok push.ApplicationToken) {
	b.metrics.TokenPublished()
	b.bus.Publish(events.TokenChanged, map[string]string{"token": string(tok)})
}

// OnApplicationTokenChanged is called by the messaging layer whenever it issues
// or rotates a token. A nil or empty token clears the binding.
func (b *Bridge) OnApplicationTokenChanged(token *string) {
	if token == nil || *token == "" {
		b.mu.Lock()
		b.current = nil
		b.orphan = nil
		b.mu.Unlock()
		b.logger.Warn("Messaging layer reported no application token")
		b.bus.Publish(events.TokenCleared, map[string]string{})
		return
	}
	tok := push.ApplicationToken(*token)

	b.mu.Lock()
	if b.transport == nil {
		b.held = &tok
		b.mu.Unlock()
		b.logger.Warn("Application token issued before transport token; holding until reconciliation", "token", *token)
		return
	}
	b.current = &tok
	b.orphan = nil
	b.mu.Unlock()

	b.logger.Info("FCM registration token received", "token", *token)
	b.publish(tok)
}

// ApplicationToken returns the currently bound application token.
func (b *Bridge) ApplicationToken() (push.ApplicationToken, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return "", false
	}
	return *b.current, true
}

// Generation counts transport token changes seen by the bridge.
func (b *Bridge) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}
