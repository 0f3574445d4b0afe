package hostbridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-binding/internal/platform/hostbridge"
	"github.com/tinywideclouds/go-push-binding/pkg/push"
)

type recordedCommand struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args"`
}

// fakeHost records every command the client POSTs.
type fakeHost struct {
	mu       sync.Mutex
	commands []recordedCommand
	status   int
}

func (h *fakeHost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var cmd recordedCommand
	_ = json.NewDecoder(r.Body).Decode(&cmd)
	h.mu.Lock()
	h.commands = append(h.commands, cmd)
	status := h.status
	h.mu.Unlock()
	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
}

func (h *fakeHost) names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var names []string
	for _, c := range h.commands {
		names = append(names, c.Command)
	}
	return names
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClient_Commands(t *testing.T) {
	host := &fakeHost{}
	srv := httptest.NewServer(host)
	t.Cleanup(srv.Close)

	client := hostbridge.NewClient(srv.URL, time.Second, newTestLogger())

	client.RegisterForRemoteNotifications()
	client.SetTransportToken(push.TransportToken{0x0a, 0xff})
	require.NoError(t, client.NotifyMessageReceived(context.Background(), map[string]any{"k": "v"}))

	assert.Equal(t, []string{
		hostbridge.CmdRegisterForRemoteNotifications,
		hostbridge.CmdSetAPNSToken,
		hostbridge.CmdAppDidReceiveMessage,
	}, host.names())
	assert.JSONEq(t, `{"token":"0aff"}`, string(host.commands[1].Args))
}

func TestClient_AsyncAnswers(t *testing.T) {
	host := &fakeHost{}
	srv := httptest.NewServer(host)
	t.Cleanup(srv.Close)
	client := hostbridge.NewClient(srv.URL, time.Second, newTestLogger())

	t.Run("Authorization answer is matched to the pending request", func(t *testing.T) {
		var granted *bool
		client.RequestAuthorization(push.OptionAlert|push.OptionSound, func(g bool, err error) {
			granted = &g
		})
		assert.Nil(t, granted, "answer arrives later")
		require.Eventually(t, func() bool {
			return len(host.names()) == 1
		}, time.Second, 5*time.Millisecond)
		host.mu.Lock()
		assert.JSONEq(t, `{"options":["alert","sound"]}`, string(host.commands[0].Args))
		host.mu.Unlock()

		assert.True(t, client.ResolveAuthorization(true, nil))
		require.NotNil(t, granted)
		assert.True(t, *granted)
		assert.False(t, client.ResolveAuthorization(true, nil), "no second answer")
	})

	t.Run("Deletions resolve in order", func(t *testing.T) {
		var results []string
		client.DeleteApplicationToken(func(err error) { results = append(results, "first") })
		client.DeleteApplicationToken(func(err error) {
			if err != nil {
				results = append(results, "second:"+err.Error())
			}
		})
		assert.Equal(t, 2, client.PendingDeletions())

		client.ResolveTokenDeletion(nil)
		client.ResolveTokenDeletion(errors.New("installations error"))

		assert.Equal(t, []string{"first", "second:installations error"}, results)
		assert.Zero(t, client.PendingDeletions())
	})
}

func TestClient_HostUnavailable(t *testing.T) {
	host := &fakeHost{status: http.StatusServiceUnavailable}
	srv := httptest.NewServer(host)
	t.Cleanup(srv.Close)
	client := hostbridge.NewClient(srv.URL, time.Second, newTestLogger())

	t.Run("Failed deletion command resolves immediately with the error", func(t *testing.T) {
		var got error
		client.DeleteApplicationToken(func(err error) { got = err })
		require.Error(t, got)
		assert.Zero(t, client.PendingDeletions())
	})

	t.Run("Failed authorization command resolves as not granted", func(t *testing.T) {
		type answer struct {
			granted bool
			err     error
		}
		answers := make(chan answer, 1)
		client.RequestAuthorization(push.DefaultAuthorizationOptions, func(g bool, err error) {
			answers <- answer{g, err}
		})

		select {
		case a := <-answers:
			assert.False(t, a.granted)
			assert.Error(t, a.err)
		case <-time.After(2 * time.Second):
			t.Fatal("authorization was not resolved")
		}
	})

	t.Run("Failed registration command is reported", func(t *testing.T) {
		var reported error
		client.OnRegisterFailed(func(err error) { reported = err })
		client.RegisterForRemoteNotifications()
		assert.Error(t, reported)
	})

	t.Run("Unreachable host", func(t *testing.T) {
		dead := hostbridge.NewClient("http://127.0.0.1:1", 200*time.Millisecond, newTestLogger())
		err := dead.NotifyMessageReceived(context.Background(), map[string]any{})
		assert.ErrorIs(t, err, hostbridge.ErrHostUnreachable)
	})
}

func TestClient_AuthorizationDoesNotWaitForHost(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	client := hostbridge.NewClient(srv.URL, 5*time.Second, newTestLogger())

	start := time.Now()
	client.RequestAuthorization(push.DefaultAuthorizationOptions, func(bool, error) {})
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	assert.True(t, client.ResolveAuthorization(true, nil), "the request is pending before the host replies")
}
