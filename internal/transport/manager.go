// --- File: internal/transport/manager.go ---
// Package transport owns the device's OS-level push identity (the APNs token)
// and the lifecycle of the registration request that produces it.
package transport

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tinywideclouds/go-push-binding/internal/metrics"
	"github.com/tinywideclouds/go-push-binding/pkg/push"
)

// Listener receives the outcome of every registration answer from the OS.
// changed is false when the OS handed back the token we already hold.
type Listener interface {
	TransportTokenObtained(token push.TransportToken, changed bool)
	TransportRegistrationFailed(err *push.Error)
}

// DefaultRequestTimeout bounds how long an unanswered OS request absorbs new ones.
const DefaultRequestTimeout = 30 * time.Second

type Manager struct {
	registrar push.Registrar
	main      push.MainExecutor
	listener  Listener
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger

	token   atomic.Pointer[push.TransportToken]
	lastErr atomic.Pointer[push.Error]
	// issue time of the outstanding request in unix nanos; 0 when none
	issuedAt atomic.Int64
	requests atomic.Int64
}

func NewManager(
	registrar push.Registrar,
	main push.MainExecutor,
	listener Listener,
	requestTimeout time.Duration,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Manager {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	return &Manager{
		registrar: registrar,
		main:      main,
		listener:  listener,
		timeout:   requestTimeout,
		metrics:   m,
		logger:    logger.With("component", "TransportTokenManager"),
	}
}

// BeginRegistration asks the OS to register this device for remote
// notifications. The call is posted to the main executor. While a request is
// outstanding further calls are coalesced into it, unless it has gone
// unanswered for longer than the request timeout, in which case a new request
// supersedes it. It reports whether a new request was issued.
func (m *Manager) BeginRegistration() bool {
	for {
		now := time.Now()
		since := m.issuedAt.Load()
		if since != 0 && now.Sub(time.Unix(0, since)) < m.timeout {
			m.logger.Debug("Registration already in flight; coalescing request")
			m.metrics.Registration("coalesced")
			return false
		}
		if m.issuedAt.CompareAndSwap(since, now.UnixNano()) {
			if since != 0 {
				m.logger.Warn("Previous registration request went unanswered; issuing a new one", "timeout", m.timeout)
				m.metrics.Registration("superseded")
			}
			break
		}
	}

	n := m.requests.Add(1)
	m.metrics.Registration("requested")
	m.main.Run(func() {
		m.logger.Info("Registering for remote notifications", "request", n)
		m.registrar.RegisterForRemoteNotifications()
	})
	return true
}

// OnTokenObtained records the token issued by the OS.
func (m *Manager) OnTokenObtained(token push.TransportToken) {
	if len(token) == 0 {
		m.OnRegistrationFailed(0, "", "OS returned an empty device token")
		return
	}

	tok := append(push.TransportToken(nil), token...)
	m.issuedAt.Store(0)
	m.lastErr.Store(nil)
	prev := m.token.Swap(&tok)
	changed := prev == nil || !prev.Equal(tok)

	if changed {
		m.logger.Info("APNs token registered", "token", tok.String(), "rotated", prev != nil)
		m.metrics.Registration("obtained")
	} else {
		m.logger.Debug("APNs token unchanged", "token", tok.String())
		m.metrics.Registration("unchanged")
	}

	m.listener.TransportTokenObtained(tok, changed)
}

// OnRegistrationFailed records an OS registration failure. OS-level failures
// are usually configuration problems (missing entitlement, no aps-environment),
// so nothing is retried here.
func (m *Manager) OnRegistrationFailed(code int, domain, message string) {
	m.issuedAt.Store(0)
	err := &push.Error{
		Kind:    push.KindTransportRegistrationFailed,
		Code:    code,
		Domain:  domain,
		Message: message,
	}
	m.lastErr.Store(err)
	m.metrics.Registration("failed")
	m.logger.Error("Failed to register for remote notifications", "code", code, "domain", domain, "err", message)

	m.listener.TransportRegistrationFailed(err)
}

// Token returns the most recently obtained transport token.
func (m *Manager) Token() (push.TransportToken, bool) {
	tok := m.token.Load()
	if tok == nil {
		return nil, false
	}
	return *tok, true
}

// LastError returns the failure of the latest request, or nil after a success.
func (m *Manager) LastError() *push.Error {
	return m.lastErr.Load()
}

// Requests returns how many OS registration requests were issued.
func (m *Manager) Requests() int64 {
	return m.requests.Load()
}
