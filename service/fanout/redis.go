package fanout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	rdsx "SignGate/service/storage/redis"
	"SignGate/tools/safe"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// redisBus publishes on one pooled client and receives on a dedicated
// PubSub connection, one SUBSCRIBE per room channel.
type redisBus struct {
	pub     *redis.Client
	sub     *redis.PubSub
	prefix  string
	handler MessageHandler
	log     *zap.Logger

	connected atomic.Bool
	stop      chan struct{}
	wg        sync.WaitGroup
}

func dialRedis(ctx context.Context, o Options, h MessageHandler) (Bus, error) {
	pub, err := rdsx.NewClient(ctx, rdsx.Config{URL: o.URL, DialTimeout: o.ConnectTimeout})
	if err != nil {
		return nil, err
	}
	sub := pub.Subscribe(context.Background())
	if err := sub.Ping(ctx); err != nil {
		_ = sub.Close()
		_ = pub.Close()
		return nil, err
	}

	b := &redisBus{
		pub:     pub,
		sub:     sub,
		prefix:  o.Prefix,
		handler: h,
		log:     o.Logger,
		stop:    make(chan struct{}),
	}
	b.connected.Store(true)

	ch := sub.Channel(redis.WithChannelHealthCheckInterval(o.HealthInterval))
	b.wg.Add(2)
	safe.Go("fanout.redis.receive", func() {
		defer b.wg.Done()
		for msg := range ch {
			b.handler([]byte(msg.Payload))
		}
	})
	safe.Go("fanout.redis.health", func() {
		defer b.wg.Done()
		b.healthLoop(o.HealthInterval)
	})
	return b, nil
}

func (b *redisBus) channel(room string) string { return b.prefix + ":" + room }

// Client is the publisher connection; presence records share it.
func (b *redisBus) Client() *redis.Client { return b.pub }

func (b *redisBus) Publish(ctx context.Context, room string, data []byte) error {
	return b.pub.Publish(ctx, b.channel(room), data).Err()
}

func (b *redisBus) Subscribe(ctx context.Context, room string) error {
	return b.sub.Subscribe(ctx, b.channel(room))
}

func (b *redisBus) Unsubscribe(ctx context.Context, room string) error {
	return b.sub.Unsubscribe(ctx, b.channel(room))
}

func (b *redisBus) Connected() bool { return b.connected.Load() }

func (b *redisBus) healthLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval/2)
			err := b.pub.Ping(ctx).Err()
			cancel()
			up := err == nil
			if was := b.connected.Swap(up); was != up {
				if up {
					b.log.Info("fan-out backend reachable again")
				} else {
					b.log.Error("fan-out backend unreachable", zap.Error(err))
				}
			}
		}
	}
}

func (b *redisBus) Close() error {
	close(b.stop)
	subErr := b.sub.Close()
	pubErr := b.pub.Close()
	b.wg.Wait()
	b.connected.Store(false)
	if subErr != nil {
		return subErr
	}
	return pubErr
}
