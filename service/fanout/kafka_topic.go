package fanout

import (
	"errors"
	"fmt"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

const (
	kafkaPartitions  = 8
	kafkaReplication = 1
)

// ensureTopic creates the fan-out topic when the cluster does not have it yet.
func ensureTopic(brokers []string, cfg *sarama.Config, topic string, log *zap.Logger) error {
	admin, err := sarama.NewClusterAdmin(brokers, cfg)
	if err != nil {
		return fmt.Errorf("kafka admin: %w", err)
	}
	defer admin.Close()

	descs, err := admin.DescribeTopics([]string{topic})
	if err == nil && len(descs) == 1 && descs[0].Err == sarama.ErrNoError {
		return nil
	}

	td := &sarama.TopicDetail{
		NumPartitions:     kafkaPartitions,
		ReplicationFactor: kafkaReplication,
		ConfigEntries: map[string]*string{
			"cleanup.policy":   strPtr("delete"),
			"retention.ms":     strPtr("3600000"),
			"compression.type": strPtr("producer"),
		},
	}
	if err := admin.CreateTopic(topic, td, false); err != nil {
		var te *sarama.TopicError
		if errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists {
			return nil
		}
		if errors.Is(err, sarama.ErrTopicAlreadyExists) {
			return nil
		}
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	log.Info("fan-out topic created", zap.String("topic", topic), zap.Int("partitions", kafkaPartitions))
	return nil
}

func strPtr(s string) *string { return &s }
