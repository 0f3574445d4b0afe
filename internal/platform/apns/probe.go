// --- File: internal/platform/apns/probe.go ---
// Package apns sends a silent verification push to the device's own transport
// token once it is bound, through the Apple Push Notification Service.
package apns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
	"github.com/tinywideclouds/go-push-binding/pkg/push"
)

// ProbeKey is the custom payload key carrying the probe identifier.
const ProbeKey = "binding_probe_id"

// ErrTokenRejected means APNs no longer accepts the transport token.
var ErrTokenRejected = errors.New("apns rejected transport token")

// APNSClient defines the subset of the apns2.Client methods we use.
type APNSClient interface {
	Push(n *apns2.Notification) (*apns2.Response, error)
}

// Config holds the credentials required to sign APNs tokens.
type Config struct {
	KeyID    string
	TeamID   string
	BundleID string
	// P8KeyContent is the raw string content of the .p8 file
	P8KeyContent string
	// Sandbox targets the development gateway, used by debug-signed builds.
	Sandbox bool
}

type Probe struct {
	client APNSClient
	topic  string
	logger *slog.Logger
}

// NewProbe parses the P8 key immediately to fail fast on bad credentials.
func NewProbe(cfg Config, logger *slog.Logger) (*Probe, error) {
	authKey, err := token.AuthKeyFromBytes([]byte(cfg.P8KeyContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}

	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	})
	if cfg.Sandbox {
		client = client.Development()
	} else {
		client = client.Production()
	}

	return NewProbeWithClient(client, cfg.BundleID, logger), nil
}

func NewProbeWithClient(client APNSClient, bundleID string, logger *slog.Logger) *Probe {
	return &Probe{
		client: client,
		topic:  bundleID,
		logger: logger.With("component", "APNSProbe"),
	}
}

// Send pushes a content-available notification to tok and returns the probe ID
// the device will see in its background delivery. A dead token yields
// ErrTokenRejected.
func (p *Probe) Send(ctx context.Context, tok push.TransportToken) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(tok) == 0 {
		return "", errors.New("apns probe: empty transport token")
	}

	probeID := uuid.NewString()
	n := &apns2.Notification{
		ApnsID:      probeID,
		DeviceToken: tok.String(),
		Topic:       p.topic,
		PushType:    apns2.PushTypeBackground,
		Priority:    apns2.PriorityLow,
		Payload:     payload.NewPayload().ContentAvailable().Custom(ProbeKey, probeID),
	}

	res, err := p.client.Push(n)
	if err != nil {
		p.logger.Error("APNs transport failed", "token", tok.String(), "err", err)
		return "", fmt.Errorf("apns probe transport: %w", err)
	}
	if res.Sent() {
		p.logger.Debug("Binding probe sent", "probe_id", probeID)
		return probeID, nil
	}

	switch res.Reason {
	case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
		p.logger.Warn("APNs rejected transport token", "reason", res.Reason, "status", res.StatusCode)
		return "", fmt.Errorf("%w: %s", ErrTokenRejected, res.Reason)
	default:
		// Configuration problem on our side; the token may be fine.
		p.logger.Warn("APNs rejected binding probe", "reason", res.Reason, "status", res.StatusCode)
		return "", fmt.Errorf("apns probe rejected: %d %s", res.StatusCode, res.Reason)
	}
}
