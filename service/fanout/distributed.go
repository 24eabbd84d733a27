package fanout

import (
	"context"
	"encoding/json"
	"sync"

	"SignGate/tools/errs"

	"go.uber.org/zap"
)

// Bus is the publisher/subscriber pair behind the distributed adapter.
// Inbound messages are handed to the MessageHandler given at dial time.
type Bus interface {
	Publish(ctx context.Context, room string, data []byte) error
	Subscribe(ctx context.Context, room string) error
	Unsubscribe(ctx context.Context, room string) error
	Connected() bool
	Close() error
}

// MessageHandler receives one raw envelope from the bus.
type MessageHandler func(data []byte)

// Distributed delivers locally and mirrors every event onto a shared bus so
// that other gateway processes can deliver it to their own members.
type Distributed struct {
	bus       Bus
	deliverer Deliverer
	origin    string
	log       *zap.Logger

	closeOnce sync.Once
}

func newDistributed(d Deliverer, origin string, log *zap.Logger) *Distributed {
	return &Distributed{deliverer: d, origin: origin, log: log}
}

func (d *Distributed) Kind() Kind { return KindDistributed }

func (d *Distributed) Publish(ctx context.Context, room, event string, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	d.deliverer.DeliverLocal(room, event, raw)

	data, err := json.Marshal(Envelope{Origin: d.origin, Room: room, Event: event, Payload: raw})
	if err != nil {
		return err
	}
	if err := d.bus.Publish(ctx, room, data); err != nil {
		d.log.Warn("fan-out publish failed", zap.String("room", room), zap.String("event", event), zap.Error(err))
		return errs.ErrBackendUnavailable.WrapMsg("publish failed", "room", room, "cause", err.Error())
	}
	return nil
}

func (d *Distributed) Subscribe(ctx context.Context, room string) error {
	if err := d.bus.Subscribe(ctx, room); err != nil {
		d.log.Warn("fan-out subscribe failed", zap.String("room", room), zap.Error(err))
		return errs.ErrBackendUnavailable.WrapMsg("subscribe failed", "room", room, "cause", err.Error())
	}
	return nil
}

func (d *Distributed) Unsubscribe(ctx context.Context, room string) error {
	if err := d.bus.Unsubscribe(ctx, room); err != nil {
		d.log.Warn("fan-out unsubscribe failed", zap.String("room", room), zap.Error(err))
		return errs.ErrBackendUnavailable.WrapMsg("unsubscribe failed", "room", room, "cause", err.Error())
	}
	return nil
}

func (d *Distributed) Connected() bool { return d.bus.Connected() }

func (d *Distributed) Close() error {
	var err error
	d.closeOnce.Do(func() { err = d.bus.Close() })
	return err
}

// onMessage re-dispatches a remote envelope to local members. Envelopes this
// node published itself were already delivered locally and are dropped.
func (d *Distributed) onMessage(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		d.log.Warn("fan-out envelope decode failed", zap.Error(err))
		return
	}
	if env.Origin == d.origin || env.Room == "" {
		return
	}
	d.deliverer.DeliverLocal(env.Room, env.Event, env.Payload)
}
