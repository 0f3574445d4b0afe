// --- File: internal/platform/hostbridge/client.go ---
// Package hostbridge talks to the native shell that owns the OS and messaging
// SDK objects. Commands go out as JSON POSTs to the host's callback URL;
// asynchronous answers come back through the agent's inbound API and are
// matched to the pending callbacks here.
package hostbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tinywideclouds/go-push-binding/pkg/push"
)

// Commands understood by the host shell.
const (
	CmdRegisterForRemoteNotifications = "register_remote_notifications"
	CmdRequestAuthorization           = "request_authorization"
	CmdSetAPNSToken                   = "set_apns_token"
	CmdDeleteFCMToken                 = "delete_fcm_token"
	CmdAppDidReceiveMessage           = "app_did_receive_message"
)

// ErrHostUnreachable wraps transport failures talking to the host.
var ErrHostUnreachable = errors.New("host shell unreachable")

type command struct {
	Command string `json:"command"`
	Args    any    `json:"args,omitempty"`
}

// Client implements push.Registrar, push.Authorizer and push.Messaging over HTTP.
type Client struct {
	httpClient  *http.Client
	callbackURL string
	logger      *slog.Logger

	// Reports a registration command the host never received; otherwise
	// the OS would never answer and the request would stay in flight.
	onRegisterFailed func(err error)

	mu          sync.Mutex
	pendingAuth func(granted bool, err error)
	authSeq     uint64
	pendingDel  []func(error)
}

var (
	_ push.Registrar  = (*Client)(nil)
	_ push.Authorizer = (*Client)(nil)
	_ push.Messaging  = (*Client)(nil)
)

func NewClient(callbackURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		callbackURL: callbackURL,
		logger:      logger.With("component", "HostBridgeClient"),
	}
}

// OnRegisterFailed sets the hook for undeliverable registration commands.
func (c *Client) OnRegisterFailed(fn func(err error)) {
	c.onRegisterFailed = fn
}

func (c *Client) RegisterForRemoteNotifications() {
	if err := c.send(context.Background(), CmdRegisterForRemoteNotifications, nil); err != nil {
		c.logger.Error("Failed to send registration command", "err", err)
		if c.onRegisterFailed != nil {
			c.onRegisterFailed(err)
		}
	}
}

// RequestAuthorization records done as the pending request and sends the
// command in the background; it returns without waiting for the host.
func (c *Client) RequestAuthorization(opts push.AuthorizationOptions, done func(granted bool, err error)) {
	c.mu.Lock()
	c.pendingAuth = done
	c.authSeq++
	seq := c.authSeq
	c.mu.Unlock()

	go func() {
		err := c.send(context.Background(), CmdRequestAuthorization, map[string]any{"options": opts.Names()})
		if err == nil {
			return
		}
		c.logger.Error("Failed to send authorization command", "err", err)

		c.mu.Lock()
		if c.authSeq != seq || c.pendingAuth == nil {
			c.mu.Unlock()
			return
		}
		pending := c.pendingAuth
		c.pendingAuth = nil
		c.mu.Unlock()
		pending(false, err)
	}()
}

// ResolveAuthorization delivers the host's answer to the pending request.
func (c *Client) ResolveAuthorization(granted bool, err error) bool {
	c.mu.Lock()
	done := c.pendingAuth
	c.pendingAuth = nil
	c.mu.Unlock()

	if done == nil {
		c.logger.Warn("Authorization result with no pending request", "granted", granted)
		return false
	}
	done(granted, err)
	return true
}

func (c *Client) SetTransportToken(token push.TransportToken) {
	if err := c.send(context.Background(), CmdSetAPNSToken, map[string]string{"token": token.String()}); err != nil {
		c.logger.Error("Failed to forward APNs token to host", "err", err)
	}
}

func (c *Client) DeleteApplicationToken(done func(err error)) {
	c.mu.Lock()
	c.pendingDel = append(c.pendingDel, done)
	c.mu.Unlock()

	if err := c.send(context.Background(), CmdDeleteFCMToken, nil); err != nil {
		c.logger.Error("Failed to send token deletion command", "err", err)
		c.ResolveTokenDeletion(err)
	}
}

// ResolveTokenDeletion completes the oldest pending deletion.
func (c *Client) ResolveTokenDeletion(err error) bool {
	c.mu.Lock()
	if len(c.pendingDel) == 0 {
		c.mu.Unlock()
		c.logger.Warn("Token deletion result with no pending request")
		return false
	}
	done := c.pendingDel[0]
	c.pendingDel = c.pendingDel[1:]
	c.mu.Unlock()

	if done != nil {
		done(err)
	}
	return true
}

func (c *Client) NotifyMessageReceived(ctx context.Context, payload map[string]any) error {
	return c.send(ctx, CmdAppDidReceiveMessage, map[string]any{"payload": payload})
}

// PendingDeletions reports deletions still waiting for the host.
func (c *Client) PendingDeletions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingDel)
}

func (c *Client) send(ctx context.Context, name string, args any) error {
	body, err := json.Marshal(command{Command: name, Args: args})
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrHostUnreachable, name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("host rejected %s: status %d", name, resp.StatusCode)
	}
	c.logger.Debug("Host command delivered", "command", name)
	return nil
}
