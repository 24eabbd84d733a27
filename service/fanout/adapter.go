package fanout

import (
	"context"
	"encoding/json"
	"fmt"
)

// Kind names the active adapter variant, as reported by the gateway status.
type Kind string

const (
	KindLocal       Kind = "local"
	KindDistributed Kind = "distributed"
)

// Adapter delivers a room-addressed event to every live member of the room,
// on this process and, for the distributed variant, on every other process
// attached to the same backend.
type Adapter interface {
	Kind() Kind
	Publish(ctx context.Context, room, event string, payload any) error
	// Subscribe makes this process receive remote events for room.
	Subscribe(ctx context.Context, room string) error
	Unsubscribe(ctx context.Context, room string) error
	// Connected reports whether the backend is currently reachable.
	Connected() bool
	Close() error
}

// Deliverer dispatches an event to the local members of a room and returns
// how many connections it was queued for. The gateway implements it.
type Deliverer interface {
	DeliverLocal(room, event string, payload json.RawMessage) int
}

// Envelope is the wire form of one fan-out message on the shared backend.
type Envelope struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload bytes are not valid JSON")
		}
		return p, nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return raw, nil
	}
}
