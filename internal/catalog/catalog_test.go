package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/store"
)

type countingStore struct {
	store.CatalogStore
	lists int
}

func (c *countingStore) ListActiveOfferings(ctx context.Context) ([]models.Offering, error) {
	c.lists++
	return c.CatalogStore.ListActiveOfferings(ctx)
}

type brokenCache struct{}

func (brokenCache) GetOfferings(ctx context.Context) ([]models.Offering, bool, error) {
	return nil, false, errors.New("cache down")
}
func (brokenCache) SetOfferings(ctx context.Context, _ []models.Offering) error {
	return errors.New("cache down")
}
func (brokenCache) Invalidate(ctx context.Context) error { return errors.New("cache down") }

func offering(id string, price float64, active bool) models.Offering {
	return models.Offering{ID: id, DisplayNames: map[string]string{"en": id}, Price: price, Currency: "USD", Active: active}
}

func TestService_ReadThroughCache(t *testing.T) {
	ctx := context.Background()
	st := &countingStore{CatalogStore: store.NewInMemoryStore()}
	svc := NewService(st, WithCache(NewMemoryCache(time.Minute)))
	require.NoError(t, svc.Upsert(ctx, offering("b", 20, true), offering("a", 10, true), offering("off", 5, false)))

	first, err := svc.ListActiveOfferings(ctx)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "a", first[0].ID)

	_, err = svc.ListActiveOfferings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.lists, "second read should be served from cache")

	require.NoError(t, svc.Upsert(ctx, offering("c", 30, true)))
	after, err := svc.ListActiveOfferings(ctx)
	require.NoError(t, err)
	assert.Len(t, after, 3)
	assert.Equal(t, 2, st.lists)
}

func TestService_CacheFailureFallsThrough(t *testing.T) {
	ctx := context.Background()
	svc := NewService(store.NewInMemoryStore(), WithCache(brokenCache{}))
	require.NoError(t, svc.Upsert(ctx, offering("a", 10, true)))
	got, err := svc.ListActiveOfferings(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestService_UpsertRejectsEmptyID(t *testing.T) {
	svc := NewService(store.NewInMemoryStore())
	assert.ErrorIs(t, svc.Upsert(context.Background(), models.Offering{}), models.ErrEmptyOfferingID)
}

func TestService_ImportFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	body := `[{"id":"svc_cut","display_names":{"en":"Haircut"},"price":25,"currency":"USD","type":"service","delivery_days":0,"active":true}]`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	svc := NewService(store.NewInMemoryStore())
	n, err := svc.ImportFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	o, err := svc.GetOffering(context.Background(), "svc_cut")
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, "Haircut", o.DisplayName("es"))

	_, err = svc.ImportFile(context.Background(), filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCache(time.Minute)
	c.now = func() time.Time { return now }

	_, ok, _ := c.GetOfferings(ctx)
	assert.False(t, ok)

	require.NoError(t, c.SetOfferings(ctx, []models.Offering{offering("a", 1, true)}))
	got, ok, _ := c.GetOfferings(ctx)
	assert.True(t, ok)
	assert.Len(t, got, 1)

	now = now.Add(2 * time.Minute)
	_, ok, _ = c.GetOfferings(ctx)
	assert.False(t, ok)
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	require.NoError(t, rdb.Ping(ctx).Err())

	c := NewRedisCache(rdb, time.Minute, "test:"+t.Name()+":")
	defer c.Invalidate(ctx)

	_, ok, err := c.GetOfferings(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetOfferings(ctx, []models.Offering{offering("a", 1, true)}))
	got, ok, err := c.GetOfferings(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)

	require.NoError(t, c.Invalidate(ctx))
	_, ok, err = c.GetOfferings(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
