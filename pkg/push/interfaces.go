// --- File: pkg/push/interfaces.go ---
package push

import "context"

// Registrar issues the OS-level request to register for remote notifications.
// The OS answers asynchronously through the orchestrator's RegisterDeviceToken
// or RegisterDeviceTokenFailed. Must be called on the main execution context.
type Registrar interface {
	RegisterForRemoteNotifications()
}

// Authorizer shows (or skips) the notification permission prompt.
// done is called once, from any goroutine.
type Authorizer interface {
	RequestAuthorization(opts AuthorizationOptions, done func(granted bool, err error))
}

// Messaging is the application messaging layer (FCM) as seen by the core.
type Messaging interface {
	// SetTransportToken hands the APNs token to the messaging layer.
	SetTransportToken(token TransportToken)
	// DeleteApplicationToken drops the cached application token so a new one
	// bound to the current transport token is generated. done reports the outcome.
	DeleteApplicationToken(done func(err error))
	// NotifyMessageReceived lets the messaging layer account for a raw delivery.
	NotifyMessageReceived(ctx context.Context, payload map[string]any) error
}

// MainExecutor runs fn on the host's main execution context, queueing if needed.
type MainExecutor interface {
	Run(fn func())
}
