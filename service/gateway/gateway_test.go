package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"SignGate/service/fanout"
	"SignGate/tools/errs"
	"SignGate/tools/security"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testSecret = []byte("test-secret")

func newTestGateway(t *testing.T, mutate ...func(*Options)) *Gateway {
	t.Helper()
	v, err := security.NewVerifier(security.Options{Secret: testSecret, Alg: "HS256", Leeway: time.Second})
	require.NoError(t, err)

	var seq atomic.Int64
	opts := Options{
		GatewayID:       "gw-test",
		MaxConnections:  10,
		InactiveTimeout: time.Hour,
		SendQueueSize:   16,
		Verifier:        v,
		Logger:          zap.NewNop(),
		NewID:           func() string { return fmt.Sprintf("conn-%d", seq.Add(1)) },
	}
	for _, m := range mutate {
		m(&opts)
	}
	g := New(opts)
	t.Cleanup(func() { g.DisconnectAll(ReasonShutdown) })
	return g
}

func signToken(t *testing.T, subject, role string) string {
	t.Helper()
	tok, _, err := security.Generate(security.Options{Secret: testSecret, Alg: "HS256", TTL: time.Hour}, subject, role)
	require.NoError(t, err)
	return tok
}

func nextFrame(t *testing.T, c *Conn) Frame {
	t.Helper()
	select {
	case raw := <-c.Outbound():
		var f Frame
		require.NoError(t, json.Unmarshal(raw, &f))
		return f
	case <-time.After(time.Second):
		t.Fatalf("no frame queued for %s", c.ID)
		return Frame{}
	}
}

func noFrame(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case raw := <-c.Outbound():
		t.Fatalf("unexpected frame for %s: %s", c.ID, raw)
	default:
	}
}

func TestAcceptFailOpenAuth(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	valid, err := g.Accept(ctx, Handshake{Token: "Bearer " + signToken(t, "user-1", "admin")})
	require.NoError(t, err)
	assert.True(t, valid.Authenticated())
	require.NotNil(t, valid.Identity())
	assert.Equal(t, "user-1", valid.Identity().Subject())
	assert.Equal(t, "admin", valid.Identity().Role)

	bad, err := g.Accept(ctx, Handshake{Token: "not-a-jwt"})
	require.NoError(t, err)
	assert.False(t, bad.Authenticated())
	assert.Nil(t, bad.Identity())

	anon, err := g.Accept(ctx, Handshake{})
	require.NoError(t, err)
	assert.False(t, anon.Authenticated())

	assert.Equal(t, 3, g.Registry().Size())
	assert.Equal(t, float64(1), testutil.ToFloat64(g.metrics.AuthFailures))
	assert.Equal(t, float64(3), testutil.ToFloat64(g.metrics.ActiveConnections))
}

func TestAcceptExpiredTokenIsAnonymous(t *testing.T) {
	g := newTestGateway(t)
	tok, _, err := security.Generate(security.Options{Secret: testSecret, Alg: "HS256", TTL: time.Nanosecond}, "user-1", "")
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)

	c, err := g.Accept(context.Background(), Handshake{Token: tok})
	require.NoError(t, err)
	assert.False(t, c.Authenticated())
}

func TestAcceptHandshakeDevice(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	c, err := g.Accept(ctx, Handshake{DeviceID: "disp-1"})
	require.NoError(t, err)
	assert.Equal(t, "disp-1", c.DeviceID())
	assert.Equal(t, DeviceDisplay, c.DeviceType())
	assert.Equal(t, []string{"device:disp-1"}, g.Registry().Rooms(c.ID))

	odd, err := g.Accept(ctx, Handshake{DeviceID: "disp-2", DeviceType: "toaster"})
	require.NoError(t, err)
	assert.Equal(t, DeviceUnknown, odd.DeviceType())

	plain, err := g.Accept(ctx, Handshake{DeviceType: "admin"})
	require.NoError(t, err)
	assert.Equal(t, DeviceType(""), plain.DeviceType())
	assert.Empty(t, g.Registry().Rooms(plain.ID))
}

func TestAdmitCapacity(t *testing.T) {
	g := newTestGateway(t, func(o *Options) { o.MaxConnections = 2 })
	ctx := context.Background()

	a, err := g.Accept(ctx, Handshake{})
	require.NoError(t, err)
	_, err = g.Accept(ctx, Handshake{})
	require.NoError(t, err)

	_, err = g.Accept(ctx, Handshake{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrCapacityExceeded))
	assert.True(t, errors.Is(g.Admit(), errs.ErrCapacityExceeded))

	require.True(t, g.Disconnect(a.ID, ReasonClient))
	require.NoError(t, g.Admit())
	_, err = g.Accept(ctx, Handshake{})
	require.NoError(t, err)
	assert.Equal(t, 2, g.Registry().Size())
	assert.Equal(t, float64(2), testutil.ToFloat64(g.metrics.Rejected))
}

func TestRegisterDevice(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	c, err := g.Accept(ctx, Handshake{})
	require.NoError(t, err)
	require.False(t, c.Authenticated())

	require.NoError(t, g.HandleEvent(ctx, c, EventRegisterDevice, json.RawMessage(`{"deviceId":"disp-1","type":"display"}`)))
	f := nextFrame(t, c)
	assert.Equal(t, EventRegistrationSuccess, f.Event)
	assert.JSONEq(t, `{"message":"Device registered successfully"}`, string(f.Data))
	assert.True(t, c.Authenticated())
	assert.Equal(t, "disp-1", c.DeviceID())
	assert.Equal(t, []string{"device:disp-1"}, g.Registry().Rooms(c.ID))
}

func TestRegisterDeviceMovesRoom(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	c, err := g.Accept(ctx, Handshake{})
	require.NoError(t, err)

	require.NoError(t, g.HandleEvent(ctx, c, EventRegisterDevice, json.RawMessage(`{"deviceId":"disp-1"}`)))
	require.NoError(t, g.HandleEvent(ctx, c, EventRegisterDevice, json.RawMessage(`{"deviceId":"disp-2","type":"admin"}`)))
	nextFrame(t, c)
	nextFrame(t, c)

	assert.Equal(t, []string{"device:disp-2"}, g.Registry().Rooms(c.ID))
	assert.Equal(t, DeviceAdmin, c.DeviceType())

	require.NoError(t, g.EmitToDevice(ctx, "disp-1", "content:update", map[string]string{"id": "x"}))
	noFrame(t, c)
	require.NoError(t, g.EmitToDevice(ctx, "disp-2", "content:update", map[string]string{"id": "y"}))
	f := nextFrame(t, c)
	assert.Equal(t, "content:update", f.Event)
	assert.JSONEq(t, `{"id":"y"}`, string(f.Data))
}

func TestRegisterDeviceWeakTyping(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	c, err := g.Accept(ctx, Handshake{})
	require.NoError(t, err)

	require.NoError(t, g.HandleEvent(ctx, c, EventRegisterDevice, json.RawMessage(`{"deviceId":42}`)))
	assert.Equal(t, EventRegistrationSuccess, nextFrame(t, c).Event)
	assert.Equal(t, "42", c.DeviceID())
}

func TestRegisterDeviceRejectsMissingID(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	c, err := g.Accept(ctx, Handshake{})
	require.NoError(t, err)

	for _, payload := range []string{``, `{}`, `{"deviceId":""}`, `"disp-1"`} {
		err := g.HandleEvent(ctx, c, EventRegisterDevice, json.RawMessage(payload))
		assert.True(t, errors.Is(err, errs.ErrInvalidEvent), "payload %q", payload)
		f := nextFrame(t, c)
		assert.Equal(t, EventRegistrationError, f.Event)
	}
	assert.False(t, c.Authenticated())
	assert.Empty(t, g.Registry().Rooms(c.ID))
}

func TestRegisterDeviceRequiresAuthWhenConfigured(t *testing.T) {
	g := newTestGateway(t, func(o *Options) { o.RegistrationRequiresAuth = true })
	ctx := context.Background()

	anon, err := g.Accept(ctx, Handshake{})
	require.NoError(t, err)
	err = g.HandleEvent(ctx, anon, EventRegisterDevice, json.RawMessage(`{"deviceId":"disp-1"}`))
	assert.Error(t, err)
	assert.Equal(t, EventRegistrationError, nextFrame(t, anon).Event)

	authed, err := g.Accept(ctx, Handshake{Token: signToken(t, "svc", "display")})
	require.NoError(t, err)
	require.NoError(t, g.HandleEvent(ctx, authed, EventRegisterDevice, json.RawMessage(`{"deviceId":"disp-1"}`)))
	assert.Equal(t, EventRegistrationSuccess, nextFrame(t, authed).Event)
}

func TestTwoDisplaysScenario(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	d1, err := g.Accept(ctx, Handshake{})
	require.NoError(t, err)
	d2, err := g.Accept(ctx, Handshake{})
	require.NoError(t, err)

	require.NoError(t, g.HandleEvent(ctx, d1, EventRegisterDevice, json.RawMessage(`{"deviceId":"disp-1"}`)))
	require.NoError(t, g.HandleEvent(ctx, d2, EventRegisterDevice, json.RawMessage(`{"deviceId":"disp-2"}`)))
	nextFrame(t, d1)
	nextFrame(t, d2)

	require.NoError(t, g.Publish(ctx, DeviceRoom("disp-1"), "playlist", map[string]int{"v": 1}))
	assert.Equal(t, "playlist", nextFrame(t, d1).Event)
	noFrame(t, d2)
}

func TestHeartbeat(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	c, err := g.Accept(ctx, Handshake{DeviceID: "disp-1"})
	require.NoError(t, err)

	before := time.Now().UnixMilli()
	require.NoError(t, g.HandleEvent(ctx, c, EventHeartbeat, nil))
	f := nextFrame(t, c)
	assert.Equal(t, EventHeartbeatAck, f.Event)

	var ack struct {
		Timestamp int64 `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(f.Data, &ack))
	assert.GreaterOrEqual(t, ack.Timestamp, before)
}

func TestUnknownEventIsActivity(t *testing.T) {
	g := newTestGateway(t, func(o *Options) { o.InactiveTimeout = 120 * time.Millisecond })
	ctx := context.Background()
	c, err := g.Accept(ctx, Handshake{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		time.Sleep(60 * time.Millisecond)
		require.NoError(t, g.HandleEvent(ctx, c, "somethingElse", json.RawMessage(`{}`)))
	}
	_, ok := g.Registry().Get(c.ID)
	assert.True(t, ok)
	noFrame(t, c)
	assert.Equal(t, float64(5), testutil.ToFloat64(g.metrics.EventsReceived.WithLabelValues("other")))
}

func TestInactivityEviction(t *testing.T) {
	g := newTestGateway(t, func(o *Options) { o.InactiveTimeout = 50 * time.Millisecond })
	ctx := context.Background()
	c, err := g.Accept(ctx, Handshake{DeviceID: "disp-1"})
	require.NoError(t, err)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not evicted")
	}
	code, reason := c.CloseInfo()
	assert.Equal(t, ReasonInactivity, reason)
	assert.Equal(t, closeCodeFor(ReasonInactivity), code)
	assert.Equal(t, 0, g.Registry().Size())
	assert.Nil(t, g.Registry().Members("device:disp-1"))
	assert.Equal(t, float64(1), testutil.ToFloat64(g.metrics.Evicted))

	err = g.HandleEvent(ctx, c, EventHeartbeat, nil)
	assert.True(t, errors.Is(err, errs.ErrConnNotFound))
}

func TestDisconnectCleansUp(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	c, err := g.Accept(ctx, Handshake{DeviceID: "disp-1"})
	require.NoError(t, err)

	assert.True(t, g.Disconnect(c.ID, ReasonClient))
	assert.False(t, g.Disconnect(c.ID, ReasonClient))

	_, ok := g.Registry().Get(c.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, g.Registry().RoomCount())
	assert.Equal(t, 0, g.monitor.Len())
	assert.False(t, c.Emit("late", nil))
	assert.Equal(t, 0, g.DeliverLocal("device:disp-1", "late", nil))
}

func TestDisconnectAll(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	conns := make([]*Conn, 3)
	for i := range conns {
		c, err := g.Accept(ctx, Handshake{})
		require.NoError(t, err)
		conns[i] = c
	}

	assert.Equal(t, 3, g.DisconnectAll(ReasonShutdown))
	for _, c := range conns {
		_, reason := c.CloseInfo()
		assert.Equal(t, ReasonShutdown, reason)
	}
	assert.Equal(t, 0, g.Registry().Size())
}

func TestDeliverLocalDropsWhenQueueFull(t *testing.T) {
	g := newTestGateway(t, func(o *Options) { o.SendQueueSize = 1 })
	c, err := g.Accept(context.Background(), Handshake{DeviceID: "disp-1"})
	require.NoError(t, err)

	assert.Equal(t, 1, g.DeliverLocal("device:disp-1", "a", nil))
	assert.Equal(t, 0, g.DeliverLocal("device:disp-1", "b", nil))
	assert.Equal(t, "a", nextFrame(t, c).Event)
}

func TestStatusAfterFallback(t *testing.T) {
	g := newTestGateway(t, func(o *Options) { o.MaxConnections = 5 })
	a := fanout.Setup(context.Background(), fanout.Options{
		Enabled:        true,
		URL:            "redis://127.0.0.1:1/0",
		Origin:         "gw-test",
		ConnectTimeout: 200 * time.Millisecond,
		Retries:        1,
		Deliverer:      g,
		Logger:         zap.NewNop(),
	})
	g.SetAdapter(a)

	c, err := g.Accept(context.Background(), Handshake{DeviceID: "disp-1"})
	require.NoError(t, err)

	assert.Equal(t, Status{AdapterType: "local", BackendConnected: false, ActiveConnections: 1, MaxConnections: 5}, g.Status())

	require.NoError(t, g.EmitToDevice(context.Background(), "disp-1", "ping", nil))
	assert.Equal(t, "ping", nextFrame(t, c).Event)
}

func TestEmitToDeviceRequiresID(t *testing.T) {
	g := newTestGateway(t)
	assert.True(t, errors.Is(g.EmitToDevice(context.Background(), "", "x", nil), errs.ErrInvalidEvent))
}

func TestCloseAdapterFallsBackToLocal(t *testing.T) {
	g := newTestGateway(t)
	closed := &countingAdapter{}
	g.SetAdapter(closed)

	require.NoError(t, g.CloseAdapter())
	assert.Equal(t, int32(1), closed.closes.Load())
	assert.Equal(t, fanout.KindLocal, g.Adapter().Kind())
}

type countingAdapter struct {
	fanout.Local
	closes atomic.Int32
}

func (a *countingAdapter) Kind() fanout.Kind { return fanout.KindDistributed }
func (a *countingAdapter) Close() error {
	a.closes.Add(1)
	return nil
}
