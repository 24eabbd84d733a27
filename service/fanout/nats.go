package fanout

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type natsBus struct {
	nc      *nats.Conn
	prefix  string
	handler MessageHandler
	log     *zap.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

func dialNATS(ctx context.Context, o Options, h MessageHandler) (Bus, error) {
	timeout := dialBudget(ctx, o.ConnectTimeout)
	log := o.Logger
	opts := []nats.Option{
		nats.Name(o.Origin),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500 * time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Error("fan-out backend disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("fan-out backend reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Warn("fan-out backend error", zap.String("subject", subject), zap.Error(err))
		}),
	}
	nc, err := nats.Connect(o.URL, opts...)
	if err != nil {
		return nil, err
	}
	return &natsBus{
		nc:      nc,
		prefix:  o.Prefix,
		handler: h,
		log:     log,
		subs:    make(map[string]*nats.Subscription),
	}, nil
}

var subjectReplacer = strings.NewReplacer(" ", "_", "\t", "_", "*", "_", ">", "_")

func (b *natsBus) subject(room string) string {
	return b.prefix + "." + subjectReplacer.Replace(room)
}

func (b *natsBus) Publish(_ context.Context, room string, data []byte) error {
	return b.nc.Publish(b.subject(room), data)
}

func (b *natsBus) Subscribe(_ context.Context, room string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[room]; ok {
		return nil
	}
	sub, err := b.nc.Subscribe(b.subject(room), func(m *nats.Msg) {
		b.handler(append([]byte(nil), m.Data...))
	})
	if err != nil {
		return err
	}
	_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)
	b.subs[room] = sub
	return nil
}

func (b *natsBus) Unsubscribe(_ context.Context, room string) error {
	b.mu.Lock()
	sub, ok := b.subs[room]
	delete(b.subs, room)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return sub.Unsubscribe()
}

func (b *natsBus) Connected() bool { return b.nc.IsConnected() }

func (b *natsBus) Close() error {
	b.mu.Lock()
	for room, sub := range b.subs {
		_ = sub.Drain()
		delete(b.subs, room)
	}
	b.mu.Unlock()
	return b.nc.Drain()
}
