package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"SignGate/logger"
	"SignGate/service/fanout"
	"SignGate/service/storage"
	"SignGate/tools/errs"
	"SignGate/tools/ids"

	"go.uber.org/zap"
)

// Disconnect reasons.
const (
	ReasonClient     = "client disconnect"
	ReasonInactivity = "inactivity timeout"
	ReasonShutdown   = "server shutdown"
	ReasonCapacity   = "server at capacity"
	ReasonPing       = "ping timeout"
	ReasonTooBig     = "message too big"
	ReasonTransport  = "transport error"
	ReasonInternal   = "internal error"
)

const presenceTimeout = 2 * time.Second

type Options struct {
	GatewayID                string
	MaxConnections           int
	InactiveTimeout          time.Duration
	SendQueueSize            int
	RegistrationRequiresAuth bool

	Verifier TokenVerifier
	Presence storage.Presence
	Metrics  *Metrics
	Logger   *zap.Logger
	// NewID mints connection ids; snowflake ids by default.
	NewID func() string
}

// Gateway owns the registry, room membership and the inactivity monitor of
// one process. Independent instances share nothing.
type Gateway struct {
	opts     Options
	log      *zap.Logger
	verifier TokenVerifier
	presence storage.Presence
	metrics  *Metrics

	registry *Registry
	monitor  *Monitor
	disp     *Dispatcher

	amu     sync.RWMutex
	adapter fanout.Adapter

	// smu serialises bus subscription changes; subscribed mirrors what the
	// adapter was last told for each room.
	smu        sync.Mutex
	subscribed map[string]bool
}

func New(opts Options) *Gateway {
	if opts.SendQueueSize < 1 {
		opts.SendQueueSize = 64
	}
	if opts.NewID == nil {
		opts.NewID = ids.GenerateString
	}
	if opts.Presence == nil {
		opts.Presence = storage.NopPresence{}
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}

	g := &Gateway{
		opts:     opts,
		log:      logger.Or(opts.Logger),
		verifier: opts.Verifier,
		presence: opts.Presence,
		metrics:  opts.Metrics,
		registry:   NewRegistry(opts.MaxConnections),
		disp:       NewDispatcher(),
		subscribed: make(map[string]bool),
	}
	g.monitor = NewMonitor(opts.InactiveTimeout, g.evict)
	g.adapter = fanout.NewLocal(g)

	g.disp.Register(registerDeviceHandler{})
	g.disp.Register(heartbeatHandler{})
	return g
}

// SetAdapter installs the adapter chosen at startup.
func (g *Gateway) SetAdapter(a fanout.Adapter) {
	g.amu.Lock()
	g.adapter = a
	g.amu.Unlock()
}

func (g *Gateway) Adapter() fanout.Adapter {
	g.amu.RLock()
	defer g.amu.RUnlock()
	return g.adapter
}

// SetPresence replaces the presence store, typically once a Redis-backed
// adapter is attached.
func (g *Gateway) SetPresence(p storage.Presence) {
	if p == nil {
		p = storage.NopPresence{}
	}
	g.amu.Lock()
	g.presence = p
	g.amu.Unlock()
}

func (g *Gateway) presenceStore() storage.Presence {
	g.amu.RLock()
	defer g.amu.RUnlock()
	return g.presence
}

func (g *Gateway) Registry() *Registry     { return g.registry }
func (g *Gateway) Dispatcher() *Dispatcher { return g.disp }

// Admit is the capacity gate in front of the upgrade.
func (g *Gateway) Admit() error {
	if max := g.opts.MaxConnections; max > 0 && g.registry.Size() >= max {
		g.metrics.Rejected.Inc()
		return errs.ErrCapacityExceeded.WrapMsg("admission refused", "active", g.registry.Size(), "max", max)
	}
	return nil
}

// Accept authenticates the handshake, admits and registers the connection,
// arms its inactivity timer and, when the handshake names a device, joins the
// device room. It fails when the registry is full or the connection was
// disconnected before accept completed.
func (g *Gateway) Accept(ctx context.Context, hs Handshake) (*Conn, error) {
	auth := g.authenticate(hs)
	if err := g.Admit(); err != nil {
		return nil, err
	}

	c := newConn(g.opts.NewID(), hs, g.opts.SendQueueSize, time.Now())
	if auth.Authenticated {
		c.authenticate(auth.Identity)
	}
	if auth.DeviceID != "" {
		c.setDevice(auth.DeviceID, auth.DeviceType)
	}

	if err := g.registry.Register(c); err != nil {
		if errors.Is(err, errs.ErrCapacityExceeded) {
			g.metrics.Rejected.Inc()
		}
		return nil, err
	}
	g.metrics.ActiveConnections.Set(float64(g.registry.Size()))
	g.monitor.Arm(c.ID)

	dev := c.DeviceID()
	if dev != "" {
		g.syncRooms(ctx, DeviceRoom(dev))
		g.markOnline(ctx, c)
	}
	// A Disconnect that landed after Register has already cleaned up; undo
	// the timer and subscription armed after it.
	if _, ok := g.registry.Get(c.ID); !ok {
		g.monitor.Cancel(c.ID)
		if dev != "" {
			g.syncRooms(ctx, DeviceRoom(dev))
		}
		return nil, errs.ErrConnNotFound.WrapMsg("connection closed during accept", "conn_id", c.ID)
	}

	fields := []zap.Field{
		zap.String("conn_id", c.ID),
		zap.String("device_id", c.DeviceID()),
		zap.String("device_type", string(c.DeviceType())),
		zap.Bool("authenticated", c.Authenticated()),
		zap.String("remote", c.RemoteAddr),
	}
	if id := c.Identity(); id != nil {
		fields = append(fields, zap.String("subject", id.Subject()), zap.String("role", id.Role))
	}
	g.log.Info("connection accepted", fields...)
	return c, nil
}

// HandleEvent processes one inbound application event in arrival order for
// its connection. Every event counts as activity; unknown events are ignored.
func (g *Gateway) HandleEvent(ctx context.Context, c *Conn, event string, data json.RawMessage) error {
	if !g.registry.Touch(c.ID) {
		return errs.ErrConnNotFound.WrapMsg("event on removed connection", "conn_id", c.ID, "event", event)
	}
	g.monitor.Reset(c.ID)

	h, ok := g.disp.Handler(event)
	if !ok {
		g.metrics.EventsReceived.WithLabelValues("other").Inc()
		g.log.Debug("unhandled event", zap.String("conn_id", c.ID), zap.String("event", event))
		return nil
	}
	g.metrics.EventsReceived.WithLabelValues(event).Inc()
	if err := h.Handle(ctx, g, c, data); err != nil {
		g.log.Warn("event rejected", zap.String("conn_id", c.ID), zap.String("event", event), zap.Error(err))
		return err
	}
	return nil
}

// Disconnect removes the connection and its memberships, cancels its timer
// and signals the transport to close. It is idempotent; only the first call
// for an id has an effect.
func (g *Gateway) Disconnect(id, reason string) bool {
	g.monitor.Cancel(id)

	c, emptied, ok := g.registry.remove(id)
	if !ok {
		return false
	}
	c.close(closeCodeFor(reason), reason)
	g.metrics.ActiveConnections.Set(float64(g.registry.Size()))

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	g.syncRooms(ctx, emptied...)
	if dev := c.DeviceID(); dev != "" {
		if err := g.presenceStore().Offline(ctx, dev, c.ID); err != nil {
			g.log.Warn("presence offline failed", zap.String("device_id", dev), zap.Error(err))
		}
	}

	g.log.Info("connection closed",
		zap.String("conn_id", id),
		zap.String("device_id", c.DeviceID()),
		zap.String("reason", reason),
		zap.Duration("lifetime", time.Since(c.ConnectedAt)))
	return true
}

func (g *Gateway) evict(id string) {
	if g.Disconnect(id, ReasonInactivity) {
		g.metrics.Evicted.Inc()
	}
}

// Publish sends an event to every member of room through the active adapter.
func (g *Gateway) Publish(ctx context.Context, room, event string, payload any) error {
	if err := g.Adapter().Publish(ctx, room, event, payload); err != nil {
		g.metrics.PublishErrors.Inc()
		return err
	}
	return nil
}

// EmitToDevice addresses the device room of deviceID.
func (g *Gateway) EmitToDevice(ctx context.Context, deviceID, event string, payload any) error {
	if deviceID == "" {
		return errs.ErrInvalidEvent.WrapMsg("empty device id", "event", event)
	}
	return g.Publish(ctx, DeviceRoom(deviceID), event, payload)
}

// DeliverLocal queues event for the members of room held by this process.
func (g *Gateway) DeliverLocal(room, event string, payload json.RawMessage) int {
	members := g.registry.Members(room)
	if len(members) == 0 {
		return 0
	}
	frame, err := encodeFrame(event, payload)
	if err != nil {
		g.log.Warn("frame encode failed", zap.String("room", room), zap.String("event", event), zap.Error(err))
		return 0
	}
	n := 0
	for _, c := range members {
		if c.enqueue(frame) {
			n++
		} else {
			g.log.Warn("outbound queue full, frame dropped",
				zap.String("conn_id", c.ID), zap.String("room", room), zap.String("event", event))
		}
	}
	return n
}

// CloseAdapter detaches the fan-out backend; later deliveries stay local.
// Presence of live devices is cleared first and the presence store is
// detached with it, since it may share the backend's client.
func (g *Gateway) CloseAdapter() error {
	g.releasePresence()

	g.amu.Lock()
	a := g.adapter
	g.adapter = fanout.NewLocal(g)
	g.amu.Unlock()
	return a.Close()
}

// DisconnectAll closes every live connection with reason and returns how
// many were closed.
func (g *Gateway) DisconnectAll(reason string) int {
	n := 0
	for _, c := range g.registry.Snapshot() {
		if g.Disconnect(c.ID, reason) {
			n++
		}
	}
	g.monitor.Stop()
	return n
}

// releasePresence marks every live device offline and swaps in NopPresence.
func (g *Gateway) releasePresence() {
	g.amu.Lock()
	p := g.presence
	g.presence = storage.NopPresence{}
	g.amu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	for _, c := range g.registry.Snapshot() {
		dev := c.DeviceID()
		if dev == "" {
			continue
		}
		if err := p.Offline(ctx, dev, c.ID); err != nil {
			g.log.Warn("presence offline failed", zap.String("device_id", dev), zap.Error(err))
		}
	}
}

// syncRooms brings the bus subscription of each room in line with its local
// membership at the time of the call. Membership is read under smu, so the
// last change to a room always decides its final subscription state.
func (g *Gateway) syncRooms(ctx context.Context, rooms ...string) {
	g.smu.Lock()
	defer g.smu.Unlock()
	for _, room := range rooms {
		want := g.registry.HasMembers(room)
		if want == g.subscribed[room] {
			continue
		}
		a := g.Adapter()
		if want {
			// errors are logged by the adapter; the next join retries
			if a.Subscribe(ctx, room) == nil {
				g.subscribed[room] = true
			}
			continue
		}
		_ = a.Unsubscribe(ctx, room)
		delete(g.subscribed, room)
	}
}

func (g *Gateway) isSubscribed(room string) bool {
	g.smu.Lock()
	defer g.smu.Unlock()
	return g.subscribed[room]
}

func (g *Gateway) markOnline(ctx context.Context, c *Conn) {
	dev := c.DeviceID()
	if dev == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()
	err := g.presenceStore().Online(ctx, storage.DevicePresence{
		DeviceID:   dev,
		DeviceType: string(c.DeviceType()),
		ConnID:     c.ID,
		GatewayID:  g.opts.GatewayID,
		LastSeen:   time.Now(),
	})
	if err != nil {
		g.log.Warn("presence update failed", zap.String("device_id", dev), zap.Error(err))
		return
	}
	// the connection may have gone while Online was in flight
	if _, ok := g.registry.Get(c.ID); !ok {
		_ = g.presenceStore().Offline(ctx, dev, c.ID)
	}
}
