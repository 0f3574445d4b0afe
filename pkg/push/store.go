// --- File: pkg/push/store.go ---
package push

import (
	"context"
	"errors"
	"time"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// ErrBindingNotFound is returned by BindingStore.Load for an unknown installation.
var ErrBindingNotFound = errors.New("binding not found")

// BindingRecord is the persisted snapshot of one installation's binding.
type BindingRecord struct {
	InstallationID   string    `json:"installation_id"`
	Platform         string    `json:"platform"`
	TransportToken   string    `json:"transport_token,omitempty"`
	ApplicationToken string    `json:"application_token,omitempty"`
	State            string    `json:"state"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// BindingStore persists binding snapshots per owner and installation.
type BindingStore interface {
	Save(ctx context.Context, owner urn.URN, rec BindingRecord) error
	Load(ctx context.Context, owner urn.URN, installationID string) (*BindingRecord, error)
	Delete(ctx context.Context, owner urn.URN, installationID string) error
	List(ctx context.Context, owner urn.URN) ([]BindingRecord, error)
}
