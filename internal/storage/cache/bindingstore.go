package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-push-binding/pkg/push"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get fills dest or returns an error (ErrMiss when absent).
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// CachedBindingStore adds read-aside caching to any BindingStore.
// Writes go to the source of truth first, then invalidate.
type CachedBindingStore struct {
	realStore push.BindingStore
	cache     CacheClient
	ttl       time.Duration
}

func NewCachedBindingStore(realStore push.BindingStore, cache CacheClient, ttl time.Duration) *CachedBindingStore {
	return &CachedBindingStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
	}
}

func (s *CachedBindingStore) Load(ctx context.Context, owner urn.URN, installationID string) (*push.BindingRecord, error) {
	key := s.recordKey(owner, installationID)
	var cached push.BindingRecord
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return &cached, nil
	}

	rec, err := s.realStore.Load(ctx, owner, installationID)
	if err != nil {
		return nil, err
	}
	// Caching is an optimization; a Redis failure still serves from the DB.
	_ = s.cache.Set(ctx, key, rec, s.ttl)
	return rec, nil
}

func (s *CachedBindingStore) List(ctx context.Context, owner urn.URN) ([]push.BindingRecord, error) {
	key := s.listKey(owner)
	var cached []push.BindingRecord
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return cached, nil
	}

	records, err := s.realStore.List(ctx, owner)
	if err != nil {
		return nil, err
	}
	_ = s.cache.Set(ctx, key, records, s.ttl)
	return records, nil
}

func (s *CachedBindingStore) Save(ctx context.Context, owner urn.URN, rec push.BindingRecord) error {
	if err := s.realStore.Save(ctx, owner, rec); err != nil {
		return err
	}
	return s.invalidate(ctx, owner, rec.InstallationID)
}

func (s *CachedBindingStore) Delete(ctx context.Context, owner urn.URN, installationID string) error {
	if err := s.realStore.Delete(ctx, owner, installationID); err != nil {
		return err
	}
	return s.invalidate(ctx, owner, installationID)
}

func (s *CachedBindingStore) invalidate(ctx context.Context, owner urn.URN, installationID string) error {
	return s.cache.Del(ctx, s.recordKey(owner, installationID), s.listKey(owner))
}

func (s *CachedBindingStore) recordKey(owner urn.URN, installationID string) string {
	return fmt.Sprintf("push:binding:%s:%s", owner.String(), installationID)
}

func (s *CachedBindingStore) listKey(owner urn.URN) string {
	return fmt.Sprintf("push:bindings:%s", owner.String())
}
