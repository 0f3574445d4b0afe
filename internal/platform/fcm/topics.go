// --- File: internal/platform/fcm/topics.go ---
package fcm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-push-binding/pkg/push"
)

// MessagingClient defines the subset of the Firebase Messaging API we use.
// *messaging.Client satisfies it.
type MessagingClient interface {
	SubscribeToTopic(ctx context.Context, tokens []string, topic string) (*messaging.TopicManagementResponse, error)
	UnsubscribeFromTopic(ctx context.Context, tokens []string, topic string) (*messaging.TopicManagementResponse, error)
}

// TopicSubscriber keeps the device's topic subscriptions attached to its
// current application token. Subscriptions belong to a token, so a rotated
// token must be subscribed again.
type TopicSubscriber struct {
	client MessagingClient
	topics []string
	logger *slog.Logger
}

func NewTopicSubscriber(client MessagingClient, topics []string, logger *slog.Logger) *TopicSubscriber {
	return &TopicSubscriber{
		client: client,
		topics: topics,
		logger: logger.With("component", "FCMTopicSubscriber"),
	}
}

// Rebind moves every configured topic from previous (may be empty) to current.
// Unsubscribing the old token is best effort; it is likely already invalid.
func (s *TopicSubscriber) Rebind(ctx context.Context, previous, current push.ApplicationToken) error {
	if current == "" {
		return errors.New("fcm topics: empty application token")
	}
	if previous == current {
		return nil
	}

	var errs []error
	for _, topic := range s.topics {
		if previous != "" {
			if _, err := s.client.UnsubscribeFromTopic(ctx, []string{string(previous)}, topic); err != nil {
				s.logger.Warn("Failed to unsubscribe previous token", "topic", topic, "err", err)
			}
		}

		res, err := s.client.SubscribeToTopic(ctx, []string{string(current)}, topic)
		if err != nil {
			if messaging.IsInvalidArgument(err) {
				s.logger.Error("FCM rejected topic subscription as InvalidArgument", "topic", topic, "err", err)
			}
			errs = append(errs, fmt.Errorf("subscribe %s: %w", topic, err))
			continue
		}
		if res.FailureCount > 0 {
			reason := "unknown"
			if len(res.Errors) > 0 {
				reason = res.Errors[0].Reason
			}
			errs = append(errs, fmt.Errorf("subscribe %s: %s", topic, reason))
			continue
		}
		s.logger.Debug("Subscribed application token to topic", "topic", topic)
	}
	return errors.Join(errs...)
}

// Topics returns the configured topic names.
func (s *TopicSubscriber) Topics() []string {
	return s.topics
}
