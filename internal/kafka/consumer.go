package kafka

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/relay-one/dispatch-engine/internal/config"
)

// NewConsumerGroup creates the consumer group the delivery workers join.
// Auto-commit is disabled: offsets advance only after the terminal step
// for each message (ack, drop, or retry-router hand-off).
func NewConsumerGroup(cfg config.KafkaConfig) (sarama.ConsumerGroup, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Consumer.Group.Session.Timeout = 30 * time.Second
	saramaConfig.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{
		sarama.NewBalanceStrategyRange(),
	}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaConfig.Consumer.Offsets.AutoCommit.Enable = false
	saramaConfig.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return group, nil
}
