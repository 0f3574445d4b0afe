// --- File: internal/platform/pubsub/forwarder.go ---
// Package pubsub forwards application token changes to the backend over
// Google Cloud Pub/Sub, so the server side can address this installation.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	ps "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// TokenEvent is the message body published for every application token change.
type TokenEvent struct {
	EventID          string    `json:"event_id"`
	Owner            string    `json:"owner"`
	InstallationID   string    `json:"installation_id"`
	Platform         string    `json:"platform"`
	TransportToken   string    `json:"transport_token"`
	ApplicationToken string    `json:"application_token"`
	IssuedAt         time.Time `json:"issued_at"`
}

// Publisher sends one message and waits for the server ID.
type Publisher interface {
	Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error)
}

// TopicPublisher adapts a Pub/Sub publisher to Publisher.
type TopicPublisher struct {
	publisher *ps.Publisher
}

func NewTopicPublisher(client *ps.Client, topicID string) *TopicPublisher {
	return &TopicPublisher{publisher: client.Publisher(topicID)}
}

func (p *TopicPublisher) Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error) {
	return p.publisher.Publish(ctx, &ps.Message{Data: data, Attributes: attrs}).Get(ctx)
}

// Stop flushes pending messages.
func (p *TopicPublisher) Stop() {
	p.publisher.Stop()
}

type TokenEventForwarder struct {
	publisher      Publisher
	owner          urn.URN
	installationID string
	logger         *slog.Logger
}

func NewTokenEventForwarder(publisher Publisher, owner urn.URN, installationID string, logger *slog.Logger) *TokenEventForwarder {
	return &TokenEventForwarder{
		publisher:      publisher,
		owner:          owner,
		installationID: installationID,
		logger:         logger.With("component", "TokenEventForwarder"),
	}
}

// Forward publishes the binding for applicationToken.
func (f *TokenEventForwarder) Forward(ctx context.Context, transportToken, applicationToken string) error {
	ev := TokenEvent{
		EventID:          uuid.NewString(),
		Owner:            f.owner.String(),
		InstallationID:   f.installationID,
		Platform:         "ios",
		TransportToken:   transportToken,
		ApplicationToken: applicationToken,
		IssuedAt:         time.Now().UTC(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal token event: %w", err)
	}

	id, err := f.publisher.Publish(ctx, data, map[string]string{
		"owner":           ev.Owner,
		"installation_id": ev.InstallationID,
		"event":           "token_changed",
	})
	if err != nil {
		return fmt.Errorf("failed to publish token event: %w", err)
	}
	f.logger.Debug("Token event forwarded", "event_id", ev.EventID, "message_id", id)
	return nil
}

// EnsureTopic creates the topic if it does not exist yet.
func EnsureTopic(ctx context.Context, client *ps.Client, projectID, topicID string, logger *slog.Logger) error {
	name := fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
	_, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: name})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Topic already exists, skipping creation", "topic", name)
			return nil
		}
		return fmt.Errorf("could not create topic %s: %w", name, err)
	}
	logger.Info("Created token events topic", "topic", name)
	return nil
}
