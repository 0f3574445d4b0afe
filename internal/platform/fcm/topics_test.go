package fcm_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"firebase.google.com/go/v4/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-binding/internal/platform/fcm"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) SubscribeToTopic(ctx context.Context, tokens []string, topic string) (*messaging.TopicManagementResponse, error) {
	args := m.Called(ctx, tokens, topic)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*messaging.TopicManagementResponse), args.Error(1)
}

func (m *mockClient) UnsubscribeFromTopic(ctx context.Context, tokens []string, topic string) (*messaging.TopicManagementResponse, error) {
	args := m.Called(ctx, tokens, topic)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*messaging.TopicManagementResponse), args.Error(1)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTopicSubscriber_Rebind(t *testing.T) {
	ctx := context.Background()
	topics := []string{"announcements", "security"}
	ok := &messaging.TopicManagementResponse{SuccessCount: 1}

	t.Run("First token subscribes every topic", func(t *testing.T) {
		client := new(mockClient)
		for _, topic := range topics {
			client.On("SubscribeToTopic", ctx, []string{"A1"}, topic).Return(ok, nil).Once()
		}

		err := fcm.NewTopicSubscriber(client, topics, newTestLogger()).Rebind(ctx, "", "A1")

		require.NoError(t, err)
		client.AssertExpectations(t)
		client.AssertNotCalled(t, "UnsubscribeFromTopic", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Rotation moves subscriptions even when unsubscribe fails", func(t *testing.T) {
		client := new(mockClient)
		for _, topic := range topics {
			client.On("UnsubscribeFromTopic", ctx, []string{"A1"}, topic).Return(nil, errors.New("token expired")).Once()
			client.On("SubscribeToTopic", ctx, []string{"A2"}, topic).Return(ok, nil).Once()
		}

		err := fcm.NewTopicSubscriber(client, topics, newTestLogger()).Rebind(ctx, "A1", "A2")

		require.NoError(t, err)
		client.AssertExpectations(t)
	})

	t.Run("Same token is a no-op", func(t *testing.T) {
		client := new(mockClient)
		require.NoError(t, fcm.NewTopicSubscriber(client, topics, newTestLogger()).Rebind(ctx, "A1", "A1"))
		client.AssertNotCalled(t, "SubscribeToTopic", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Per-token failures are reported", func(t *testing.T) {
		client := new(mockClient)
		client.On("SubscribeToTopic", ctx, []string{"A1"}, "announcements").Return(&messaging.TopicManagementResponse{
			FailureCount: 1,
			Errors:       []*messaging.ErrorInfo{{Index: 0, Reason: "invalid-argument"}},
		}, nil)
		client.On("SubscribeToTopic", ctx, []string{"A1"}, "security").Return(nil, errors.New("network down"))

		err := fcm.NewTopicSubscriber(client, topics, newTestLogger()).Rebind(ctx, "", "A1")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid-argument")
		assert.Contains(t, err.Error(), "network down")
	})
}
