package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"

	"github.com/relay-one/dispatch-engine/internal/config"
	"github.com/relay-one/dispatch-engine/internal/domain"
)

// Producer implements domain.Publisher on a sarama SyncProducer. The
// partition key is always the user id, which pins a user's notifications
// to one partition and preserves per-user ordering.
type Producer struct {
	producer sarama.SyncProducer
	timeout  time.Duration
}

// NewProducer creates a synchronous producer that waits for full ISR
// acknowledgement on every publish.
func NewProducer(cfg config.KafkaConfig) (*Producer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Retry.Max = 3
	saramaConfig.Producer.Timeout = cfg.PublishTimeout
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	return &Producer{producer: producer, timeout: cfg.PublishTimeout}, nil
}

// NewProducerFromSyncProducer wraps an existing SyncProducer. Used by
// tests that run against sarama's mock producer.
func NewProducerFromSyncProducer(sp sarama.SyncProducer, timeout time.Duration) *Producer {
	return &Producer{producer: sp, timeout: timeout}
}

// Publish sends one message keyed by msg.UserID with the standard headers
// attached. Extra headers are merged on top of the standard set.
func (p *Producer) Publish(ctx context.Context, topic string, msg *domain.Message, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	recordHeaders := []sarama.RecordHeader{
		{Key: []byte(domain.HeaderSchemaVersion), Value: []byte(msg.SchemaVersion)},
		{Key: []byte(domain.HeaderIdempotencyKey), Value: []byte(msg.IdempotencyKey)},
		{Key: []byte(domain.HeaderPriority), Value: []byte(msg.Priority)},
		{Key: []byte(domain.HeaderRetryCount), Value: []byte(strconv.Itoa(msg.RetryCount))},
	}
	for k, v := range headers {
		recordHeaders = append(recordHeaders, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(msg.UserID),
		Value:   sarama.ByteEncoder(value),
		Headers: recordHeaders,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	return nil
}

// PublishDeadLetter writes the DLQ envelope, keyed like the original
// message so replay tooling sees the same partitioning.
func (p *Producer) PublishDeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: domain.TopicDLQ,
		Key:   sarama.StringEncoder(dl.OriginalMessage.UserID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(domain.HeaderSchemaVersion), Value: []byte(dl.OriginalMessage.SchemaVersion)},
			{Key: []byte(domain.HeaderIdempotencyKey), Value: []byte(dl.OriginalMessage.IdempotencyKey)},
			{Key: []byte(domain.HeaderRetryCount), Value: []byte(strconv.Itoa(dl.RetryCount))},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish dead letter: %w", err)
	}

	return nil
}

// Close shuts down the underlying producer.
func (p *Producer) Close() error {
	return p.producer.Close()
}
