package fanout

import "context"

// Local delivers straight into this process's registry. It has no backend and
// no cross-process visibility.
type Local struct {
	deliverer Deliverer
}

func NewLocal(d Deliverer) *Local {
	return &Local{deliverer: d}
}

func (l *Local) Kind() Kind { return KindLocal }

func (l *Local) Publish(_ context.Context, room, event string, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	l.deliverer.DeliverLocal(room, event, raw)
	return nil
}

func (l *Local) Subscribe(context.Context, string) error   { return nil }
func (l *Local) Unsubscribe(context.Context, string) error { return nil }
func (l *Local) Connected() bool                           { return false }
func (l *Local) Close() error                              { return nil }
