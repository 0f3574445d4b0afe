package delivery_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-binding/internal/delivery"
	"github.com/tinywideclouds/go-push-binding/pkg/push"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeMessaging struct {
	mu       sync.Mutex
	received []map[string]any
	err      error
}

func (f *fakeMessaging) SetTransportToken(push.TransportToken) {}
func (f *fakeMessaging) DeleteApplicationToken(done func(error)) {
	done(nil)
}
func (f *fakeMessaging) NotifyMessageReceived(_ context.Context, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, payload)
	return f.err
}

func (f *fakeMessaging) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

type staticAuth push.AuthorizationState

func (s staticAuth) State() push.AuthorizationState { return push.AuthorizationState(s) }

// counter records every completion issued for an event.
type counter struct {
	presentations []push.PresentationOptions
	fetches       []push.FetchResult
	responses     int
}

func (c *counter) total() int { return len(c.presentations) + len(c.fetches) + c.responses }

func (c *counter) present(p push.PresentationOptions) { c.presentations = append(c.presentations, p) }
func (c *counter) fetch(r push.FetchResult)           { c.fetches = append(c.fetches, r) }
func (c *counter) respond()                           { c.responses++ }

func payload() map[string]any {
	return map[string]any{"aps": map[string]any{"content-available": 1}, "conversation": "c-1"}
}

func TestDispatcher_CompletesExactlyOnce(t *testing.T) {
	panicky := delivery.Handlers{
		Foreground:    func(push.NotificationEvent) { panic("foreground handler") },
		Data:          func(context.Context, push.NotificationEvent) (push.FetchResult, error) { panic("data handler") },
		DefaultAction: func(push.NotificationEvent) { panic("tap handler") },
		Dismiss:       func(push.NotificationEvent) { panic("dismiss handler") },
	}

	handlerSets := map[string]delivery.Handlers{
		"no handlers":       {},
		"panicking handlers": panicky,
	}
	payloads := map[string]map[string]any{
		"valid payload": payload(),
		"nil payload":   nil,
	}

	for hName, handlers := range handlerSets {
		for pName, p := range payloads {
			d := delivery.NewDispatcher(&fakeMessaging{}, staticAuth(push.AuthorizationGranted), handlers, time.Second, nil, nil, newTestLogger())

			t.Run("WillPresent - "+hName+" - "+pName, func(t *testing.T) {
				c := &counter{}
				d.WillPresent(context.Background(), p, c.present)
				assert.Equal(t, 1, c.total())
			})

			for _, state := range []push.AppState{push.AppActive, push.AppBackground, push.AppTerminated, "unknown"} {
				t.Run("ReceiveRemote "+string(state)+" - "+hName+" - "+pName, func(t *testing.T) {
					c := &counter{}
					d.ReceiveRemote(context.Background(), p, state, c.fetch)
					assert.Equal(t, 1, c.total())
				})
			}

			for _, action := range []string{"", push.ActionDefault, push.ActionDismiss, "REPLY"} {
				t.Run("DidReceiveResponse "+action+" - "+hName+" - "+pName, func(t *testing.T) {
					c := &counter{}
					d.DidReceiveResponse(context.Background(), p, action, c.respond)
					assert.Equal(t, 1, c.total())
				})
			}
		}
	}

	t.Run("Event without a delivery context is still completed", func(t *testing.T) {
		d := delivery.NewDispatcher(&fakeMessaging{}, nil, delivery.Handlers{}, time.Second, nil, nil, newTestLogger())
		c := &counter{}
		d.Dispatch(context.Background(), push.NotificationEvent{ID: "x", Payload: payload()}, delivery.FetchCompletion(c.fetch))
		require.Equal(t, 1, c.total())
		assert.Equal(t, push.FetchNoData, c.fetches[0])
	})
}

func TestDispatcher_Foreground(t *testing.T) {
	t.Run("Granted presents banner badge and sound", func(t *testing.T) {
		var seen []push.NotificationEvent
		d := delivery.NewDispatcher(&fakeMessaging{}, staticAuth(push.AuthorizationGranted), delivery.Handlers{
			Foreground: func(ev push.NotificationEvent) { seen = append(seen, ev) },
		}, time.Second, nil, nil, newTestLogger())

		c := &counter{}
		d.WillPresent(context.Background(), payload(), c.present)

		require.Len(t, c.presentations, 1)
		assert.Equal(t, push.PresentBanner|push.PresentBadge|push.PresentSound, c.presentations[0])
		require.Len(t, seen, 1)
		assert.Equal(t, push.Foreground{}, seen[0].Context)
		assert.NotEmpty(t, seen[0].ID)
	})

	t.Run("Denied suppresses alert-style presentation", func(t *testing.T) {
		d := delivery.NewDispatcher(&fakeMessaging{}, staticAuth(push.AuthorizationDenied), delivery.Handlers{}, time.Second, nil, nil, newTestLogger())
		c := &counter{}
		d.WillPresent(context.Background(), payload(), c.present)
		assert.Equal(t, []push.PresentationOptions{0}, c.presentations)
	})

	t.Run("Remote notification while active informs messaging and reports new data", func(t *testing.T) {
		messaging := &fakeMessaging{}
		d := delivery.NewDispatcher(messaging, staticAuth(push.AuthorizationGranted), delivery.Handlers{}, time.Second, nil, nil, newTestLogger())
		c := &counter{}
		d.ReceiveRemote(context.Background(), payload(), push.AppActive, c.fetch)
		assert.Equal(t, []push.FetchResult{push.FetchNewData}, c.fetches)
		assert.Equal(t, 1, messaging.count())
	})
}

func TestDispatcher_Background(t *testing.T) {
	t.Run("Scenario E - background delivery does not depend on registration", func(t *testing.T) {
		// The dispatcher has no registration input at all; a transport failure
		// elsewhere cannot stop it.
		messaging := &fakeMessaging{}
		d := delivery.NewDispatcher(messaging, staticAuth(push.AuthorizationUndetermined), delivery.Handlers{}, time.Second, nil, nil, newTestLogger())

		c := &counter{}
		d.ReceiveRemote(context.Background(), payload(), push.AppBackground, c.fetch)

		assert.Equal(t, []push.FetchResult{push.FetchNewData}, c.fetches)
		require.Equal(t, 1, messaging.count())
		assert.Equal(t, "c-1", messaging.received[0]["conversation"])
	})

	t.Run("Data handler result is reported", func(t *testing.T) {
		d := delivery.NewDispatcher(&fakeMessaging{}, nil, delivery.Handlers{
			Data: func(context.Context, push.NotificationEvent) (push.FetchResult, error) {
				return push.FetchNoData, nil
			},
		}, time.Second, nil, nil, newTestLogger())
		c := &counter{}
		d.ReceiveRemote(context.Background(), payload(), push.AppTerminated, c.fetch)
		assert.Equal(t, []push.FetchResult{push.FetchNoData}, c.fetches)
	})

	t.Run("Messaging error reports failed", func(t *testing.T) {
		d := delivery.NewDispatcher(&fakeMessaging{err: errors.New("boom")}, nil, delivery.Handlers{}, time.Second, nil, nil, newTestLogger())
		c := &counter{}
		d.ReceiveRemote(context.Background(), payload(), push.AppBackground, c.fetch)
		assert.Equal(t, []push.FetchResult{push.FetchFailed}, c.fetches)
	})

	t.Run("Exceeding the fetch budget reports failed", func(t *testing.T) {
		d := delivery.NewDispatcher(&fakeMessaging{}, nil, delivery.Handlers{
			Data: func(ctx context.Context, _ push.NotificationEvent) (push.FetchResult, error) {
				<-ctx.Done()
				time.Sleep(10 * time.Millisecond)
				return push.FetchNewData, nil
			},
		}, 20*time.Millisecond, nil, nil, newTestLogger())

		c := &counter{}
		start := time.Now()
		d.ReceiveRemote(context.Background(), payload(), push.AppBackground, c.fetch)

		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, []push.FetchResult{push.FetchFailed}, c.fetches)
	})

	t.Run("Malformed payload completes with no data and is reported", func(t *testing.T) {
		messaging := &fakeMessaging{}
		var failures []*push.Error
		d := delivery.NewDispatcher(messaging, nil, delivery.Handlers{}, time.Second,
			func(err *push.Error) { failures = append(failures, err) }, nil, newTestLogger())

		c := &counter{}
		d.ReceiveRemote(context.Background(), nil, push.AppBackground, c.fetch)

		assert.Equal(t, []push.FetchResult{push.FetchNoData}, c.fetches)
		assert.Zero(t, messaging.count())
		require.Len(t, failures, 1)
		assert.ErrorIs(t, failures[0], push.ErrMalformedNotificationEvent)
	})
}

func TestDispatcher_UserTapped(t *testing.T) {
	var calls []string
	handlers := delivery.Handlers{
		DefaultAction: func(push.NotificationEvent) { calls = append(calls, "default") },
		Dismiss:       func(push.NotificationEvent) { calls = append(calls, "dismiss") },
		Actions: map[string]func(push.NotificationEvent){
			"REPLY": func(ev push.NotificationEvent) {
				id, _ := ev.ActionID()
				calls = append(calls, "action:"+id)
			},
		},
	}

	testCases := []struct {
		name     string
		actionID string
		custom   bool
		want     string
	}{
		{name: "Default identifier", actionID: push.ActionDefault, want: "default"},
		{name: "Empty identifier", actionID: "", want: "default"},
		{name: "Dismiss identifier", actionID: push.ActionDismiss, want: "dismiss"},
		{name: "Registered custom action", actionID: "REPLY", want: "action:REPLY"},
		{name: "Scenario D - unknown action without custom handler", actionID: "ARCHIVE", want: "default"},
		{name: "Scenario D - unknown action with custom handler", actionID: "ARCHIVE", custom: true, want: "custom:ARCHIVE"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			calls = nil
			h := handlers
			if tc.custom {
				h.CustomAction = func(id string, _ push.NotificationEvent) { calls = append(calls, "custom:"+id) }
			}
			d := delivery.NewDispatcher(&fakeMessaging{}, nil, h, time.Second, nil, nil, newTestLogger())

			c := &counter{}
			d.DidReceiveResponse(context.Background(), payload(), tc.actionID, c.respond)

			assert.Equal(t, []string{tc.want}, calls)
			assert.Equal(t, 1, c.responses)
		})
	}
}

func TestDispatcher_PreservesOrder(t *testing.T) {
	var order []string
	var mu sync.Mutex
	d := delivery.NewDispatcher(&fakeMessaging{}, nil, delivery.Handlers{
		Data: func(_ context.Context, ev push.NotificationEvent) (push.FetchResult, error) {
			mu.Lock()
			order = append(order, ev.Payload["seq"].(string))
			mu.Unlock()
			return push.FetchNewData, nil
		},
	}, time.Second, nil, nil, newTestLogger())

	for _, seq := range []string{"1", "2", "3", "4"} {
		d.ReceiveRemote(context.Background(), map[string]any{"seq": seq}, push.AppBackground, func(push.FetchResult) {})
	}
	assert.Equal(t, []string{"1", "2", "3", "4"}, order)
}

func TestDispatcher_KindsDoNotWaitOnEachOther(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	d := delivery.NewDispatcher(&fakeMessaging{}, staticAuth(push.AuthorizationGranted), delivery.Handlers{
		Data: func(ctx context.Context, _ push.NotificationEvent) (push.FetchResult, error) {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return push.FetchNewData, nil
		},
	}, 2*time.Second, nil, nil, newTestLogger())

	fetched := make(chan push.FetchResult, 1)
	go d.ReceiveRemote(context.Background(), payload(), push.AppBackground, func(r push.FetchResult) { fetched <- r })
	<-started

	t.Run("Foreground presentation completes while a fetch is running", func(t *testing.T) {
		presented := make(chan push.PresentationOptions, 1)
		start := time.Now()
		d.WillPresent(context.Background(), payload(), func(p push.PresentationOptions) { presented <- p })

		select {
		case p := <-presented:
			assert.Equal(t, push.FullPresentation, p)
		case <-time.After(time.Second):
			t.Fatal("presentation did not complete")
		}
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})

	t.Run("Response completes while a fetch is running", func(t *testing.T) {
		responded := make(chan struct{}, 1)
		d.DidReceiveResponse(context.Background(), payload(), push.ActionDefault, func() { responded <- struct{}{} })

		select {
		case <-responded:
		case <-time.After(time.Second):
			t.Fatal("response did not complete")
		}
	})

	close(release)
	select {
	case r := <-fetched:
		assert.Equal(t, push.FetchNewData, r)
	case <-time.After(3 * time.Second):
		t.Fatal("fetch did not complete")
	}
}
