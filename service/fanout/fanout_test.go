package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type delivery struct {
	Room    string
	Event   string
	Payload string
}

type recorder struct {
	mu  sync.Mutex
	got []delivery
}

func (r *recorder) DeliverLocal(room, event string, payload json.RawMessage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, delivery{Room: room, Event: event, Payload: string(payload)})
	return 1
}

func (r *recorder) all() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.got...)
}

func TestLocalPublishDeliversInProcess(t *testing.T) {
	rec := &recorder{}
	a := NewLocal(rec)

	require.NoError(t, a.Publish(context.Background(), "device:disp-1", "content:update", map[string]string{"id": "c1"}))
	assert.Equal(t, KindLocal, a.Kind())
	assert.False(t, a.Connected())
	assert.NoError(t, a.Subscribe(context.Background(), "device:disp-1"))
	assert.Equal(t, []delivery{{Room: "device:disp-1", Event: "content:update", Payload: `{"id":"c1"}`}}, rec.all())
}

func TestLocalPublishRejectsInvalidRawBytes(t *testing.T) {
	a := NewLocal(&recorder{})
	assert.Error(t, a.Publish(context.Background(), "r", "e", []byte("{not json")))
}

func TestSetupDisabledUsesLocal(t *testing.T) {
	a := Setup(context.Background(), Options{Enabled: false, Deliverer: &recorder{}, Logger: zap.NewNop()})
	assert.Equal(t, KindLocal, a.Kind())
}

func TestSetupFallsBackToLocal(t *testing.T) {
	cases := map[string]string{
		"unreachable redis": "redis://127.0.0.1:1/0",
		"unreachable nats":  "nats://127.0.0.1:1",
		"unreachable kafka": "kafka://127.0.0.1:1",
		"unknown scheme":    "amqp://127.0.0.1:5672",
		"garbage":           "::::",
	}
	for name, u := range cases {
		t.Run(name, func(t *testing.T) {
			a := Setup(context.Background(), Options{
				Enabled:        true,
				URL:            u,
				Origin:         "node-a",
				ConnectTimeout: 300 * time.Millisecond,
				Retries:        2,
				RetryBackoff:   10 * time.Millisecond,
				Deliverer:      &recorder{},
				Logger:         zap.NewNop(),
			})
			assert.Equal(t, KindLocal, a.Kind())
			assert.False(t, a.Connected())
			assert.NoError(t, a.Close())
		})
	}
}

func TestSetupRespectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := Setup(ctx, Options{
		Enabled:   true,
		URL:       "redis://127.0.0.1:1/0",
		Retries:   5,
		Deliverer: &recorder{},
		Logger:    zap.NewNop(),
	})
	assert.Equal(t, KindLocal, a.Kind())
}

func redisOptions(mr *miniredis.Miniredis, origin string, d Deliverer) Options {
	return Options{
		Enabled:        true,
		URL:            "redis://" + mr.Addr() + "/0",
		Prefix:         "signage",
		Origin:         origin,
		ConnectTimeout: time.Second,
		HealthInterval: 100 * time.Millisecond,
		Deliverer:      d,
		Logger:         zap.NewNop(),
	}
}

func TestRedisCrossNodeDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	recA, recB := &recorder{}, &recorder{}
	a := Setup(ctx, redisOptions(mr, "node-a", recA))
	b := Setup(ctx, redisOptions(mr, "node-b", recB))
	defer a.Close()
	defer b.Close()

	require.Equal(t, KindDistributed, a.Kind())
	require.Equal(t, KindDistributed, b.Kind())
	assert.True(t, a.Connected())

	require.NoError(t, a.Subscribe(ctx, "device:disp-1"))
	require.NoError(t, b.Subscribe(ctx, "device:disp-1"))

	require.Eventually(t, func() bool {
		return len(mr.PubSubChannels("signage:device:*")) == 1 && mr.PubSubNumSub("signage:device:disp-1")["signage:device:disp-1"] == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Publish(ctx, "device:disp-1", "content:update", map[string]int{"v": 2}))

	want := delivery{Room: "device:disp-1", Event: "content:update", Payload: `{"v":2}`}
	assert.Eventually(t, func() bool {
		got := recB.all()
		return len(got) == 1 && got[0] == want
	}, 2*time.Second, 10*time.Millisecond)

	// the origin node delivered locally once and drops its own echo
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []delivery{want}, recA.all())
}

func TestRedisClientExposed(t *testing.T) {
	mr := miniredis.RunT(t)
	a := Setup(context.Background(), redisOptions(mr, "node-a", &recorder{}))
	defer a.Close()

	rdb, ok := RedisClient(a)
	require.True(t, ok)
	require.NoError(t, rdb.Ping(context.Background()).Err())

	_, ok = RedisClient(NewLocal(&recorder{}))
	assert.False(t, ok)
}

func TestRedisConnectedTracksBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	a := Setup(context.Background(), redisOptions(mr, "node-a", &recorder{}))
	defer a.Close()
	require.True(t, a.Connected())

	mr.Close()
	assert.Eventually(t, func() bool { return !a.Connected() }, 3*time.Second, 20*time.Millisecond)
}

func TestOnMessageDropsOwnOriginAndGarbage(t *testing.T) {
	rec := &recorder{}
	d := newDistributed(rec, "node-a", zap.NewNop())

	own, _ := json.Marshal(Envelope{Origin: "node-a", Room: "r", Event: "e"})
	other, _ := json.Marshal(Envelope{Origin: "node-b", Room: "r", Event: "e", Payload: json.RawMessage(`1`)})
	d.onMessage(own)
	d.onMessage([]byte("not json"))
	d.onMessage(other)

	assert.Equal(t, []delivery{{Room: "r", Event: "e", Payload: "1"}}, rec.all())
}

func TestKafkaBrokersParsing(t *testing.T) {
	brokers, err := kafkaBrokers("kafka://k1:9092,k2:9092")
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, brokers)

	_, err = kafkaBrokers("kafka://")
	assert.Error(t, err)
}
