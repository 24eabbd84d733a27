package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPresence(t *testing.T) (*RedisPresence, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisPresence(rdb, time.Minute), mr
}

func TestRedisPresence_OnlineAndLookup(t *testing.T) {
	p, mr := newTestPresence(t)
	ctx := context.Background()

	seen := time.UnixMilli(1700000000000)
	require.NoError(t, p.Online(ctx, DevicePresence{
		DeviceID: "disp-1", DeviceType: "display", ConnID: "c1", GatewayID: "gw-a", LastSeen: seen,
	}))

	got, ok, err := p.Lookup(ctx, "disp-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c1", got.ConnID)
	assert.Equal(t, "gw-a", got.GatewayID)
	assert.Equal(t, "display", got.DeviceType)
	assert.True(t, seen.Equal(got.LastSeen))
	assert.Equal(t, time.Minute, mr.TTL(presenceKey("disp-1")))

	mr.FastForward(2 * time.Minute)
	_, ok, err = p.Lookup(ctx, "disp-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisPresence_OfflineOnlyForOwner(t *testing.T) {
	p, _ := newTestPresence(t)
	ctx := context.Background()

	require.NoError(t, p.Online(ctx, DevicePresence{DeviceID: "disp-1", ConnID: "c2", GatewayID: "gw-b"}))

	// stale connection from before the reconnect
	require.NoError(t, p.Offline(ctx, "disp-1", "c1"))
	_, ok, err := p.Lookup(ctx, "disp-1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, p.Offline(ctx, "disp-1", "c2"))
	_, ok, err = p.Lookup(ctx, "disp-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisPresence_Validation(t *testing.T) {
	p, _ := newTestPresence(t)
	assert.Error(t, p.Online(context.Background(), DevicePresence{}))
	assert.NoError(t, p.Offline(context.Background(), "", "c1"))
}

func TestNopPresence(t *testing.T) {
	var p Presence = NopPresence{}
	assert.NoError(t, p.Online(context.Background(), DevicePresence{DeviceID: "x"}))
	assert.NoError(t, p.Offline(context.Background(), "x", "c"))
}
