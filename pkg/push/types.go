// --- File: pkg/push/types.go ---
// Package push contains the public domain model and boundary contracts of the
// push registration core: tokens, authorization and registration states, and
// the notification events handed to the delivery dispatcher.
package push

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// TransportToken is the opaque device identity issued by the OS push transport (APNs).
type TransportToken []byte

// ParseTransportToken decodes the hex form produced by TransportToken.String.
func ParseTransportToken(s string) (TransportToken, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid transport token: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("invalid transport token: empty")
	}
	return TransportToken(raw), nil
}

// String renders the token as lowercase hex, two digits per byte.
func (t TransportToken) String() string {
	return hex.EncodeToString(t)
}

func (t TransportToken) Equal(other TransportToken) bool {
	return bytes.Equal(t, other)
}

// ApplicationToken identifies the device to the application messaging layer (FCM).
type ApplicationToken string

// AuthorizationState is the outcome of the notification permission request.
type AuthorizationState int

const (
	AuthorizationUndetermined AuthorizationState = iota
	AuthorizationGranted
	AuthorizationDenied
)

func (s AuthorizationState) String() string {
	switch s {
	case AuthorizationGranted:
		return "granted"
	case AuthorizationDenied:
		return "denied"
	default:
		return "undetermined"
	}
}

// AuthorizationOptions is the set of alert capabilities requested from the user.
type AuthorizationOptions uint8

const (
	OptionAlert AuthorizationOptions = 1 << iota
	OptionBadge
	OptionSound
)

// DefaultAuthorizationOptions requests alerts, badges and sounds.
const DefaultAuthorizationOptions = OptionAlert | OptionBadge | OptionSound

var authorizationOptionNames = []struct {
	opt  AuthorizationOptions
	name string
}{
	{OptionAlert, "alert"},
	{OptionBadge, "badge"},
	{OptionSound, "sound"},
}

// ParseAuthorizationOptions maps names like "alert" and "sound" to an option set.
func ParseAuthorizationOptions(names []string) (AuthorizationOptions, error) {
	var opts AuthorizationOptions
	for _, n := range names {
		found := false
		for _, o := range authorizationOptionNames {
			if strings.EqualFold(strings.TrimSpace(n), o.name) {
				opts |= o.opt
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown authorization option %q", n)
		}
	}
	return opts, nil
}

func (o AuthorizationOptions) Has(opt AuthorizationOptions) bool {
	return o&opt == opt
}

// Names lists the options in a stable order.
func (o AuthorizationOptions) Names() []string {
	names := make([]string, 0, len(authorizationOptionNames))
	for _, n := range authorizationOptionNames {
		if o.Has(n.opt) {
			names = append(names, n.name)
		}
	}
	return names
}

// RegistrationState is the orchestrator's view of the binding lifecycle.
// The declaration order is the progress order.
type RegistrationState int

const (
	StateNotStarted RegistrationState = iota
	StatePermissionPending
	StateTransportPending
	StateTransportFailed
	StateTransportBound
	StateApplicationBound
)

func (s RegistrationState) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StatePermissionPending:
		return "permission_pending"
	case StateTransportPending:
		return "transport_pending"
	case StateTransportFailed:
		return "transport_failed"
	case StateTransportBound:
		return "transport_bound"
	case StateApplicationBound:
		return "application_bound"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// CanAdvanceTo reports whether moving from s to next keeps the lifecycle monotonic.
// The only backwards move allowed is the retry from TransportFailed to TransportPending.
func (s RegistrationState) CanAdvanceTo(next RegistrationState) bool {
	if s == StateTransportFailed && next == StateTransportPending {
		return true
	}
	return next > s
}

// PresentationOptions controls how a foreground notification is shown.
type PresentationOptions uint8

const (
	PresentBanner PresentationOptions = 1 << iota
	PresentList
	PresentBadge
	PresentSound
)

// FullPresentation is the visual treatment used for foreground notifications.
const FullPresentation = PresentBanner | PresentBadge | PresentSound

// Names lists the presentation options in a stable order.
func (p PresentationOptions) Names() []string {
	var names []string
	for _, o := range []struct {
		opt  PresentationOptions
		name string
	}{
		{PresentBanner, "banner"},
		{PresentList, "list"},
		{PresentBadge, "badge"},
		{PresentSound, "sound"},
	} {
		if p&o.opt != 0 {
			names = append(names, o.name)
		}
	}
	return names
}

// FetchResult is the terminal result reported for a background delivery.
type FetchResult int

const (
	FetchNewData FetchResult = iota
	FetchNoData
	FetchFailed
)

func (r FetchResult) String() string {
	switch r {
	case FetchNewData:
		return "new_data"
	case FetchNoData:
		return "no_data"
	default:
		return "failed"
	}
}

// Well-known action identifiers reported for notification responses.
const (
	ActionDefault = "com.apple.UNNotificationDefaultActionIdentifier"
	ActionDismiss = "com.apple.UNNotificationDismissActionIdentifier"
)

// NotificationEvent is one delivery handed over by the transport layer.
// It is consumed exactly once by the delivery dispatcher.
type NotificationEvent struct {
	ID         string
	Payload    map[string]any
	Context    DeliveryContext
	ReceivedAt time.Time
}

// ActionID returns the response action identifier when the event is a user tap.
func (e NotificationEvent) ActionID() (string, bool) {
	if tapped, ok := e.Context.(UserTapped); ok {
		return tapped.ActionID, true
	}
	return "", false
}
