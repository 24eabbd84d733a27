package gateway

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"SignGate/tools/security"

	"github.com/gorilla/websocket"
)

type DeviceType string

const (
	DeviceDisplay DeviceType = "display"
	DeviceAdmin   DeviceType = "admin"
	DeviceUnknown DeviceType = "unknown"
)

// ParseDeviceType maps a client-supplied type onto the known set.
func ParseDeviceType(s string) DeviceType {
	switch DeviceType(strings.ToLower(strings.TrimSpace(s))) {
	case DeviceDisplay:
		return DeviceDisplay
	case DeviceAdmin:
		return DeviceAdmin
	default:
		return DeviceUnknown
	}
}

// DeviceRoom is the room a registered device is addressed through.
func DeviceRoom(deviceID string) string { return "device:" + deviceID }

// Frame is one JSON text message in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeFrame(event string, payload json.RawMessage) ([]byte, error) {
	return json.Marshal(Frame{Event: event, Data: payload})
}

// Conn is the gateway's record of one accepted client. Identity fields set at
// handshake never change; mutable state sits behind mu.
type Conn struct {
	ID          string
	RemoteAddr  string
	UserAgent   string
	ConnectedAt time.Time

	mu            sync.RWMutex
	authenticated bool
	identity      *security.Claims
	deviceID      string
	deviceType    DeviceType
	lastActivity  time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	reason    string
}

func newConn(id string, hs Handshake, queue int, now time.Time) *Conn {
	if queue < 1 {
		queue = 1
	}
	return &Conn{
		ID:           id,
		RemoteAddr:   hs.RemoteAddr,
		UserAgent:    hs.UserAgent,
		ConnectedAt:  now,
		lastActivity: now,
		send:         make(chan []byte, queue),
		done:         make(chan struct{}),
	}
}

func (c *Conn) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// Identity is nil for anonymous connections.
func (c *Conn) Identity() *security.Claims {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Conn) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}

func (c *Conn) DeviceType() DeviceType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceType
}

func (c *Conn) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// authenticate is one-way: once set the flag is never cleared.
func (c *Conn) authenticate(claims *security.Claims) {
	c.mu.Lock()
	c.authenticated = true
	if claims != nil {
		c.identity = claims
	}
	c.mu.Unlock()
}

func (c *Conn) setDevice(id string, t DeviceType) {
	c.mu.Lock()
	c.deviceID = id
	c.deviceType = t
	c.mu.Unlock()
}

func (c *Conn) touch(now time.Time) {
	c.mu.Lock()
	if now.After(c.lastActivity) {
		c.lastActivity = now
	}
	c.mu.Unlock()
}

// Emit queues an event for this connection. It reports false when the
// connection is closed or its queue is full; the frame is dropped then.
func (c *Conn) Emit(event string, payload any) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	frame, err := encodeFrame(event, raw)
	if err != nil {
		return false
	}
	return c.enqueue(frame)
}

func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Outbound is drained by the connection's single writer.
func (c *Conn) Outbound() <-chan []byte { return c.send }

// Done is closed once the gateway has let go of the connection.
func (c *Conn) Done() <-chan struct{} { return c.done }

// CloseInfo returns the websocket close code and reason recorded by close.
func (c *Conn) CloseInfo() (int, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeCode, c.reason
}

func (c *Conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func closeCodeFor(reason string) int {
	switch reason {
	case ReasonInactivity:
		return websocket.ClosePolicyViolation
	case ReasonShutdown:
		return websocket.CloseGoingAway
	case ReasonCapacity:
		return websocket.CloseTryAgainLater
	case ReasonTooBig:
		return websocket.CloseMessageTooBig
	case ReasonInternal:
		return websocket.CloseInternalServerErr
	default:
		return websocket.CloseNormalClosure
	}
}
