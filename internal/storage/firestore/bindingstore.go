package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-push-binding/pkg/push"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// BindingStore implements push.BindingStore using Google Cloud Firestore.
type BindingStore struct {
	client *firestore.Client
}

func NewBindingStore(client *firestore.Client) *BindingStore {
	return &BindingStore{client: client}
}

// bindingDoc is the internal DB representation.
type bindingDoc struct {
	Platform         string    `firestore:"platform"`
	TransportToken   string    `firestore:"transport_token,omitempty"`
	ApplicationToken string    `firestore:"application_token,omitempty"`
	State            string    `firestore:"state"`
	UpdatedAt        time.Time `firestore:"updated_at"`
}

func (s *BindingStore) Save(ctx context.Context, owner urn.URN, rec push.BindingRecord) error {
	if rec.InstallationID == "" {
		return fmt.Errorf("binding record has no installation id")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	doc := bindingDoc{
		Platform:         rec.Platform,
		TransportToken:   rec.TransportToken,
		ApplicationToken: rec.ApplicationToken,
		State:            rec.State,
		UpdatedAt:        rec.UpdatedAt,
	}
	if _, err := s.bindingRef(owner, rec.InstallationID).Set(ctx, doc); err != nil {
		return fmt.Errorf("failed to save binding %s: %w", rec.InstallationID, err)
	}
	return nil
}

func (s *BindingStore) Load(ctx context.Context, owner urn.URN, installationID string) (*push.BindingRecord, error) {
	snap, err := s.bindingRef(owner, installationID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, push.ErrBindingNotFound
		}
		return nil, fmt.Errorf("failed to load binding %s: %w", installationID, err)
	}
	rec, err := toRecord(snap)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BindingStore) Delete(ctx context.Context, owner urn.URN, installationID string) error {
	_, err := s.bindingRef(owner, installationID).Delete(ctx)
	return err
}

// List returns every installation bound for owner.
func (s *BindingStore) List(ctx context.Context, owner urn.URN) ([]push.BindingRecord, error) {
	iter := s.bindingsCollection(owner).Documents(ctx)
	defer iter.Stop()

	records := make([]push.BindingRecord, 0)
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}
		rec, err := toRecord(snap)
		if err != nil {
			// skip corrupt rows
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func toRecord(snap *firestore.DocumentSnapshot) (push.BindingRecord, error) {
	var doc bindingDoc
	if err := snap.DataTo(&doc); err != nil {
		return push.BindingRecord{}, fmt.Errorf("corrupt binding %s: %w", snap.Ref.ID, err)
	}
	return push.BindingRecord{
		InstallationID:   snap.Ref.ID,
		Platform:         doc.Platform,
		TransportToken:   doc.TransportToken,
		ApplicationToken: doc.ApplicationToken,
		State:            doc.State,
		UpdatedAt:        doc.UpdatedAt,
	}, nil
}

// bindingRef: users/{owner}/bindings/{installationID}
func (s *BindingStore) bindingRef(owner urn.URN, installationID string) *firestore.DocumentRef {
	return s.bindingsCollection(owner).Doc(installationID)
}

func (s *BindingStore) bindingsCollection(owner urn.URN) *firestore.CollectionRef {
	return s.client.Collection("users").Doc(owner.String()).Collection("bindings")
}
