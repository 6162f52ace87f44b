package progressstate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shoprank/internal/config"
	"shoprank/pkg/types"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(config.RedisConfig{Address: mr.Addr(), Key: "test:progress"}, 30*time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestNewRedisStoreRequiresAddress(t *testing.T) {
	_, err := NewRedisStore(config.RedisConfig{}, time.Minute)
	assert.ErrorIs(t, err, ErrEmptyAddress)
}

func TestPutListDelete(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.Put(ctx, types.SearchProgress{ItemID: 2, Keyword: "b", Status: types.StatusSearching, StartedAt: t0.Add(time.Second)}))
	require.NoError(t, store.Put(ctx, types.SearchProgress{ItemID: 1, Keyword: "a", Status: types.StatusRetrying, StartedAt: t0, RetryCount: 1, LastError: "timeout"}))

	assert.True(t, mr.Exists("test:progress"))
	assert.Equal(t, 30*time.Minute, mr.TTL("test:progress"))

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(1), list[0].ItemID)
	assert.Equal(t, "timeout", list[0].LastError)
	assert.Equal(t, types.StatusSearching, list[1].Status)

	require.NoError(t, store.Delete(ctx, 1))
	list, err = store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(2), list[0].ItemID)
}

func TestPutOverwritesSameItem(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, types.SearchProgress{ItemID: 5, Status: types.StatusSearching}))
	require.NoError(t, store.Put(ctx, types.SearchProgress{ItemID: 5, Status: types.StatusCompleted}))

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, types.StatusCompleted, list[0].Status)
}

func TestListSkipsCorruptFields(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client, "", 0)
	t.Cleanup(func() { _ = store.Close() })

	mr.HSet(defaultKey, "9", "{not json")
	require.NoError(t, store.Put(context.Background(), types.SearchProgress{ItemID: 3}))

	list, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(3), list[0].ItemID)
	assert.Zero(t, mr.TTL(defaultKey))
}
