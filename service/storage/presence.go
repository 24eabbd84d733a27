package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DevicePresence is what other services can learn about a connected device:
// which gateway and connection currently hold it, and when it was last heard from.
type DevicePresence struct {
	DeviceID   string
	DeviceType string
	ConnID     string
	GatewayID  string
	LastSeen   time.Time
}

// Presence records device liveness. Implementations must be safe for
// concurrent use; callers treat every error as non-fatal.
type Presence interface {
	Online(ctx context.Context, p DevicePresence) error
	Offline(ctx context.Context, deviceID, connID string) error
}

// NopPresence is used when no Redis backend is attached.
type NopPresence struct{}

func (NopPresence) Online(context.Context, DevicePresence) error  { return nil }
func (NopPresence) Offline(context.Context, string, string) error { return nil }

// presence key: device:presence:<deviceId>, a hash with a TTL renewed on every heartbeat.
func presenceKey(deviceID string) string { return "device:presence:" + deviceID }

// Deletes the key only if it still belongs to the disconnecting connection, so
// a device that already reconnected elsewhere is not marked offline.
var offlineScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "connId") == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisPresence struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisPresence(rdb redis.UniversalClient, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisPresence{rdb: rdb, ttl: ttl}
}

// Online writes the presence hash and renews its TTL.
func (p *RedisPresence) Online(ctx context.Context, d DevicePresence) error {
	if d.DeviceID == "" {
		return errors.New("presence: deviceId empty")
	}
	if d.LastSeen.IsZero() {
		d.LastSeen = time.Now()
	}
	key := presenceKey(d.DeviceID)
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"status", "online",
			"deviceType", d.DeviceType,
			"connId", d.ConnID,
			"gatewayId", d.GatewayID,
			"lastSeen", strconv.FormatInt(d.LastSeen.UnixMilli(), 10),
		)
		pipe.Expire(ctx, key, p.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence online %s: %w", d.DeviceID, err)
	}
	return nil
}

// Offline removes the presence hash if it is still owned by connID.
func (p *RedisPresence) Offline(ctx context.Context, deviceID, connID string) error {
	if deviceID == "" {
		return nil
	}
	if err := offlineScript.Run(ctx, p.rdb, []string{presenceKey(deviceID)}, connID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("presence offline %s: %w", deviceID, err)
	}
	return nil
}

// Lookup returns the stored presence of deviceID, if any.
func (p *RedisPresence) Lookup(ctx context.Context, deviceID string) (DevicePresence, bool, error) {
	vals, err := p.rdb.HGetAll(ctx, presenceKey(deviceID)).Result()
	if err != nil {
		return DevicePresence{}, false, err
	}
	if len(vals) == 0 {
		return DevicePresence{}, false, nil
	}
	out := DevicePresence{
		DeviceID:   deviceID,
		DeviceType: vals["deviceType"],
		ConnID:     vals["connId"],
		GatewayID:  vals["gatewayId"],
	}
	if ms, err := strconv.ParseInt(vals["lastSeen"], 10, 64); err == nil {
		out.LastSeen = time.UnixMilli(ms)
	}
	return out, true, nil
}
