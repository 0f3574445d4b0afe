// --- File: pushregistration/agent.go ---
package pushregistration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-binding/internal/api"
	"github.com/tinywideclouds/go-push-binding/internal/delivery"
	"github.com/tinywideclouds/go-push-binding/internal/events"
	"github.com/tinywideclouds/go-push-binding/internal/mainloop"
	"github.com/tinywideclouds/go-push-binding/internal/platform/hostbridge"
	"github.com/tinywideclouds/go-push-binding/internal/retry"
	"github.com/tinywideclouds/go-push-binding/pkg/push"
	"github.com/tinywideclouds/go-push-binding/pushregistration/config"
)

const platformIOS = "ios"

// TopicRebinder moves topic subscriptions to a new application token.
type TopicRebinder interface {
	Rebind(ctx context.Context, previous, current push.ApplicationToken) error
}

// TokenForwarder tells the backend about a new binding.
type TokenForwarder interface {
	Forward(ctx context.Context, transportToken, applicationToken string) error
}

// ProbeSender sends a silent push to check a fresh transport token.
type ProbeSender interface {
	Send(ctx context.Context, token push.TransportToken) (string, error)
}

// Sinks receive binding changes. Every field is optional.
type Sinks struct {
	Store     push.BindingStore
	Topics    TopicRebinder
	Forwarder TokenForwarder
	Probe     ProbeSender
}

// Agent hosts the registration core behind the host bridge API.
type Agent struct {
	*microservice.BaseServer
	core   *Orchestrator
	host   *hostbridge.Client
	main   *mainloop.Loop
	sinkQ  *mainloop.Loop
	sinks  Sinks
	owner  urn.URN
	cfg    *config.Config
	logger *slog.Logger

	mu      sync.Mutex
	lastApp push.ApplicationToken
	cancel  context.CancelFunc
	done    sync.WaitGroup
}

// NewAgent assembles the agent. authMiddleware guards the bridge routes.
func NewAgent(
	cfg *config.Config,
	sinks Sinks,
	handlers delivery.Handlers,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Agent, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Host bridge and main loop
	mainLoop := mainloop.New(logger)
	host := hostbridge.NewClient(cfg.HostCallbackURL, cfg.HostTimeout, logger)

	// 3. Core
	registry := prometheus.NewRegistry()
	core, err := New(Options{
		Mode:                 cfg.Mode,
		AuthorizationOptions: cfg.AuthorizationOptions,
		FetchBudget:          cfg.FetchBudget,
		RegistrationTimeout:  cfg.RegistrationTimeout,
		Retry:                retryPolicy(cfg.Retry),
		Handlers:             handlers,
		Registerer:           registry,
	}, Dependencies{
		Registrar:  host,
		Authorizer: host,
		Messaging:  host,
		Main:       mainLoop,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create registration core: %w", err)
	}

	// The OS never answers a command the host did not receive.
	host.OnRegisterFailed(func(err error) {
		core.RegisterDeviceTokenFailed(0, "hostbridge", err.Error())
	})

	var owner urn.URN
	if cfg.OwnerURN != "" {
		owner, err = urn.Parse(cfg.OwnerURN)
		if err != nil {
			return nil, fmt.Errorf("invalid owner urn: %w", err)
		}
	}

	a := &Agent{
		BaseServer: baseServer,
		core:       core,
		host:       host,
		main:       mainLoop,
		sinkQ:      mainloop.New(logger),
		sinks:      sinks,
		owner:      owner,
		cfg:        cfg,
		logger:     logger.With("component", "PushAgent"),
	}

	core.OnFailure(func(err *push.Error) {
		a.logger.Warn("Push registration failure", "kind", err.Kind, "err", err)
	})
	core.OnTransportToken(a.onTransportToken)
	core.Events().Subscribe(events.TokenChanged, a.onApplicationToken)
	core.Events().Subscribe(events.TokenCleared, a.onApplicationTokenCleared)

	// 4. API (Host Bridge)
	bridgeAPI := api.NewBridgeAPI(core, host, logger)

	if authMiddleware == nil {
		authMiddleware = func(next http.Handler) http.Handler { return next }
	}

	// Register Routes
	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(authMiddleware(handlerFunc)))
	}

	// 1. OS callbacks
	handle("POST /api/v1/os/launch", bridgeAPI.Launch)
	handle("POST /api/v1/os/register", bridgeAPI.Register)
	handle("POST /api/v1/os/device-token", bridgeAPI.DeviceToken)
	handle("POST /api/v1/os/device-token-failed", bridgeAPI.DeviceTokenFailed)
	handle("POST /api/v1/os/authorization", bridgeAPI.Authorization)
	handle("POST /api/v1/os/remote-notification", bridgeAPI.RemoteNotification)
	handle("POST /api/v1/os/will-present", bridgeAPI.WillPresent)
	handle("POST /api/v1/os/response", bridgeAPI.Response)

	// 2. Messaging SDK callbacks
	handle("POST /api/v1/messaging/token", bridgeAPI.ApplicationToken)
	handle("POST /api/v1/messaging/token-deleted", bridgeAPI.TokenDeleted)

	// 3. Introspection
	handle("GET /api/v1/state", bridgeAPI.State)
	mux.Handle("GET /api/v1/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// 4. CORS preflight
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	return a, nil
}

// Core exposes the registration core, mainly for embedding hosts and tests.
func (a *Agent) Core() *Orchestrator {
	return a.core
}

// Start runs the main and sink loops, then serves the bridge API. It blocks.
func (a *Agent) Start(ctx context.Context) error {
	a.logger.Info("Push agent starting...", "mode", a.cfg.Mode, "installation_id", a.cfg.InstallationID)

	a.startLoops(ctx)
	a.restorePreviousBinding(ctx)

	a.SetReady(true)
	a.logger.Info("Service is now ready.")
	return a.BaseServer.Start()
}

func (a *Agent) startLoops(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	a.done.Add(2)
	go func() { defer a.done.Done(); a.main.Start(loopCtx) }()
	go func() { defer a.done.Done(); a.sinkQ.Start(loopCtx) }()
}

func (a *Agent) stopLoops() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		a.done.Wait()
	}
}

func (a *Agent) Shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down service components...")
	a.stopLoops()

	var finalErr error
	if err := a.BaseServer.Shutdown(ctx); err != nil {
		a.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	a.logger.Info("Service shutdown complete.")
	return finalErr
}

// restorePreviousBinding seeds the topic rebind with the last persisted token.
func (a *Agent) restorePreviousBinding(ctx context.Context) {
	if a.sinks.Store == nil {
		return
	}
	rec, err := a.sinks.Store.Load(ctx, a.owner, a.cfg.InstallationID)
	if err != nil {
		if errors.Is(err, push.ErrBindingNotFound) {
			a.logger.Info("No previous binding for this installation")
			return
		}
		a.logger.Warn("Failed to load previous binding", "err", err)
		return
	}
	a.mu.Lock()
	a.lastApp = push.ApplicationToken(rec.ApplicationToken)
	a.mu.Unlock()
	a.logger.Info("Previous binding found", "state", rec.State, "updated_at", rec.UpdatedAt)
}

func (a *Agent) onTransportToken(token push.TransportToken, changed bool) {
	if !changed {
		return
	}
	a.sinkQ.Run(func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HostTimeout)
		defer cancel()

		a.persist(ctx)
		a.pruneSupersededBindings(ctx, token.String())
		if a.sinks.Probe != nil {
			if id, err := a.sinks.Probe.Send(ctx, token); err != nil {
				a.logger.Warn("APNs probe failed", "err", err)
			} else {
				a.logger.Info("APNs probe accepted", "apns_id", id)
			}
		}
	})
}

func (a *Agent) onApplicationToken(ev events.Event) {
	current := push.ApplicationToken(ev.Token())
	a.mu.Lock()
	previous := a.lastApp
	a.lastApp = current
	a.mu.Unlock()

	a.sinkQ.Run(func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HostTimeout)
		defer cancel()

		a.persist(ctx)
		if a.sinks.Topics != nil {
			if err := a.sinks.Topics.Rebind(ctx, previous, current); err != nil {
				a.logger.Warn("Topic rebind incomplete", "err", err)
			}
		}
		if a.sinks.Forwarder != nil {
			var transport string
			if tok, ok := a.core.TransportToken(); ok {
				transport = tok.String()
			}
			if err := a.sinks.Forwarder.Forward(ctx, transport, string(current)); err != nil {
				a.logger.Error("Failed to forward token event", "err", err)
			}
		}
	})
}

func (a *Agent) onApplicationTokenCleared(events.Event) {
	a.mu.Lock()
	a.lastApp = ""
	a.mu.Unlock()

	a.sinkQ.Run(func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HostTimeout)
		defer cancel()
		a.persist(ctx)
	})
}

// pruneSupersededBindings deletes the owner's other installations that still
// claim this device's transport token, such as records left by a reinstall.
func (a *Agent) pruneSupersededBindings(ctx context.Context, transportToken string) {
	if a.sinks.Store == nil {
		return
	}
	records, err := a.sinks.Store.List(ctx, a.owner)
	if err != nil {
		a.logger.Warn("Failed to list bindings for pruning", "err", err)
		return
	}
	for _, rec := range records {
		if rec.InstallationID == a.cfg.InstallationID || rec.TransportToken != transportToken {
			continue
		}
		if err := a.sinks.Store.Delete(ctx, a.owner, rec.InstallationID); err != nil {
			a.logger.Warn("Failed to delete superseded binding", "installation_id", rec.InstallationID, "err", err)
			continue
		}
		a.logger.Info("Deleted superseded binding", "installation_id", rec.InstallationID)
	}
}

func (a *Agent) persist(ctx context.Context) {
	if a.sinks.Store == nil {
		return
	}
	snap := a.core.Snapshot()
	rec := push.BindingRecord{
		InstallationID:   a.cfg.InstallationID,
		Platform:         platformIOS,
		TransportToken:   snap.TransportToken,
		ApplicationToken: snap.ApplicationToken,
		State:            snap.State,
		UpdatedAt:        time.Now().UTC(),
	}
	if err := a.sinks.Store.Save(ctx, a.owner, rec); err != nil {
		a.logger.Error("Failed to persist binding", "err", err)
	}
}

func retryPolicy(c config.RetryConfig) retry.Policy {
	p := retry.DefaultPolicy
	p.Enabled = c.Enabled
	if c.InitialInterval > 0 {
		p.InitialInterval = c.InitialInterval
	}
	if c.MaxInterval > 0 {
		p.MaxInterval = c.MaxInterval
	}
	if c.Multiplier > 0 {
		p.Multiplier = c.Multiplier
	}
	if c.MaxAttempts > 0 {
		p.MaxAttempts = uint64(c.MaxAttempts)
	}
	return p
}
