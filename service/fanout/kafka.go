package fanout

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"SignGate/tools/safe"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// kafkaBus writes every envelope to a single topic keyed by room. Each node
// consumes through its own consumer group so it sees the whole stream, and
// keeps only rooms it has subscribed to.
type kafkaBus struct {
	client   sarama.Client
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	topic    string
	handler  MessageHandler
	log      *zap.Logger

	mu    sync.RWMutex
	rooms map[string]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func kafkaBrokers(raw string) ([]string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse kafka url: %w", err)
	}
	var brokers []string
	for _, b := range strings.Split(u.Host, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka url %q has no brokers", raw)
	}
	return brokers, nil
}

func dialKafka(ctx context.Context, o Options, h MessageHandler) (Bus, error) {
	brokers, err := kafkaBrokers(o.URL)
	if err != nil {
		return nil, err
	}

	timeout := dialBudget(ctx, o.ConnectTimeout)

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.ClientID = o.Origin
	cfg.Net.DialTimeout = timeout
	cfg.Metadata.Retry.Max = 0
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	if err := ensureTopic(brokers, cfg, o.Prefix, o.Logger); err != nil {
		_ = client.Close()
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	group, err := sarama.NewConsumerGroupFromClient(o.Origin, client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b := &kafkaBus{
		client:   client,
		producer: producer,
		group:    group,
		topic:    o.Prefix,
		handler:  h,
		log:      o.Logger,
		rooms:    make(map[string]struct{}),
		cancel:   cancel,
	}

	b.wg.Add(2)
	safe.Go("fanout.kafka.errors", func() {
		defer b.wg.Done()
		for err := range group.Errors() {
			b.log.Warn("fan-out consumer group error", zap.Error(err))
		}
	})
	safe.Go("fanout.kafka.consume", func() {
		defer b.wg.Done()
		for {
			if err := group.Consume(runCtx, []string{b.topic}, b); err != nil {
				if runCtx.Err() != nil {
					return
				}
				b.log.Warn("fan-out consume error", zap.Error(err))
				select {
				case <-runCtx.Done():
					return
				case <-time.After(time.Second):
				}
			}
			if runCtx.Err() != nil {
				return
			}
		}
	})
	return b, nil
}

func (b *kafkaBus) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (b *kafkaBus) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (b *kafkaBus) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if b.subscribed(string(msg.Key)) {
			b.handler(msg.Value)
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

func (b *kafkaBus) subscribed(room string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.rooms[room]
	return ok
}

func (b *kafkaBus) Publish(_ context.Context, room string, data []byte) error {
	_, _, err := b.producer.SendMessage(&sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(room),
		Value: sarama.ByteEncoder(data),
	})
	return err
}

func (b *kafkaBus) Subscribe(_ context.Context, room string) error {
	b.mu.Lock()
	b.rooms[room] = struct{}{}
	b.mu.Unlock()
	return nil
}

func (b *kafkaBus) Unsubscribe(_ context.Context, room string) error {
	b.mu.Lock()
	delete(b.rooms, room)
	b.mu.Unlock()
	return nil
}

func (b *kafkaBus) Connected() bool {
	return !b.client.Closed() && len(b.client.Brokers()) > 0
}

func (b *kafkaBus) Close() error {
	b.cancel()
	groupErr := b.group.Close()
	prodErr := b.producer.Close()
	b.wg.Wait()
	clientErr := b.client.Close()
	for _, err := range []error{groupErr, prodErr, clientErr} {
		if err != nil {
			return err
		}
	}
	return nil
}
