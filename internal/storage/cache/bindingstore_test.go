package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-binding/internal/storage/cache"
	"github.com/tinywideclouds/go-push-binding/pkg/push"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

type mockCache struct {
	mock.Mock
}

func (m *mockCache) Get(ctx context.Context, key string, dest any) error {
	args := m.Called(ctx, key, dest)
	if fill, ok := args.Get(1).(func(any)); ok {
		fill(dest)
	}
	return args.Error(0)
}
func (m *mockCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return m.Called(ctx, key, value, ttl).Error(0)
}
func (m *mockCache) Del(ctx context.Context, keys ...string) error {
	return m.Called(ctx, keys).Error(0)
}

type mockRealStore struct {
	mock.Mock
}

func (m *mockRealStore) Save(ctx context.Context, owner urn.URN, rec push.BindingRecord) error {
	return m.Called(ctx, owner, rec).Error(0)
}
func (m *mockRealStore) Load(ctx context.Context, owner urn.URN, id string) (*push.BindingRecord, error) {
	args := m.Called(ctx, owner, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*push.BindingRecord), args.Error(1)
}
func (m *mockRealStore) Delete(ctx context.Context, owner urn.URN, id string) error {
	return m.Called(ctx, owner, id).Error(0)
}
func (m *mockRealStore) List(ctx context.Context, owner urn.URN) ([]push.BindingRecord, error) {
	args := m.Called(ctx, owner)
	return args.Get(0).([]push.BindingRecord), args.Error(1)
}

func TestCachedBindingStore(t *testing.T) {
	ctx := context.Background()
	owner, _ := urn.Parse("urn:sm:user:cached-user")
	recordKey := "push:binding:urn:sm:user:cached-user:install-1"
	listKey := "push:bindings:urn:sm:user:cached-user"

	t.Run("Save writes through then invalidates record and list", func(t *testing.T) {
		mc, db := new(mockCache), new(mockRealStore)
		store := cache.NewCachedBindingStore(db, mc, time.Hour)
		rec := push.BindingRecord{InstallationID: "install-1", ApplicationToken: "A2"}

		db.On("Save", ctx, owner, rec).Return(nil).Once()
		mc.On("Del", ctx, []string{recordKey, listKey}).Return(nil).Once()

		require.NoError(t, store.Save(ctx, owner, rec))
		db.AssertExpectations(t)
		mc.AssertExpectations(t)
	})

	t.Run("Failed write leaves cache untouched", func(t *testing.T) {
		mc, db := new(mockCache), new(mockRealStore)
		store := cache.NewCachedBindingStore(db, mc, time.Hour)

		db.On("Delete", ctx, owner, "install-1").Return(assert.AnError)

		assert.Error(t, store.Delete(ctx, owner, "install-1"))
		mc.AssertNotCalled(t, "Del", mock.Anything, mock.Anything)
	})

	t.Run("Miss falls back to DB and refills", func(t *testing.T) {
		mc, db := new(mockCache), new(mockRealStore)
		store := cache.NewCachedBindingStore(db, mc, time.Hour)
		fresh := &push.BindingRecord{InstallationID: "install-1", TransportToken: "abcd"}

		mc.On("Get", ctx, recordKey, mock.Anything).Return(cache.ErrMiss, nil)
		db.On("Load", ctx, owner, "install-1").Return(fresh, nil).Once()
		mc.On("Set", ctx, recordKey, fresh, time.Hour).Return(nil).Once()

		rec, err := store.Load(ctx, owner, "install-1")
		require.NoError(t, err)
		assert.Equal(t, "abcd", rec.TransportToken)
		db.AssertExpectations(t)
		mc.AssertExpectations(t)
	})

	t.Run("Hit skips the DB", func(t *testing.T) {
		mc, db := new(mockCache), new(mockRealStore)
		store := cache.NewCachedBindingStore(db, mc, time.Hour)

		mc.On("Get", ctx, listKey, mock.Anything).Return(nil, func(dest any) {
			*dest.(*[]push.BindingRecord) = []push.BindingRecord{{InstallationID: "install-1"}}
		})

		records, err := store.List(ctx, owner)
		require.NoError(t, err)
		require.Len(t, records, 1)
		db.AssertNotCalled(t, "List", mock.Anything, mock.Anything)
	})

	t.Run("Not found is passed through and not cached", func(t *testing.T) {
		mc, db := new(mockCache), new(mockRealStore)
		store := cache.NewCachedBindingStore(db, mc, time.Hour)

		mc.On("Get", ctx, recordKey, mock.Anything).Return(cache.ErrMiss, nil)
		db.On("Load", ctx, owner, "install-1").Return(nil, push.ErrBindingNotFound)

		_, err := store.Load(ctx, owner, "install-1")
		assert.ErrorIs(t, err, push.ErrBindingNotFound)
		mc.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}
