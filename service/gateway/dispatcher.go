package gateway

import (
	"context"
	"encoding/json"
)

// Handler processes one inbound event type.
type Handler interface {
	Event() string
	Handle(ctx context.Context, g *Gateway, c *Conn, data json.RawMessage) error
}

type Dispatcher struct {
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register replaces any handler already bound to the same event.
func (d *Dispatcher) Register(h Handler) { d.handlers[h.Event()] = h }

func (d *Dispatcher) Handler(event string) (Handler, bool) {
	h, ok := d.handlers[event]
	return h, ok
}
