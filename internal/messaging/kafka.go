// Package messaging provides Kafka-based messaging for the pool: job
// distribution to stratumd and share/block result publication.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/M0nsieurChat/stratum-mining-litecoin/pkg/circuit"
	"github.com/M0nsieurChat/stratum-mining-litecoin/pkg/errors"
	"github.com/M0nsieurChat/stratum-mining-litecoin/pkg/retry"
)

// KafkaClient wraps kafka-go writers and readers with pooling, retry and
// circuit breaking.
type KafkaClient struct {
	brokers []string
	logger  *slog.Logger

	writersMu sync.RWMutex
	writers   map[string]*kafka.Writer

	readersMu sync.RWMutex
	readers   map[string]*kafka.Reader

	breaker     *circuit.Breaker
	retryConfig *retry.Config
}

// NewKafkaClient creates a Kafka client for the given brokers.
func NewKafkaClient(brokers []string, logger *slog.Logger) *KafkaClient {
	return &KafkaClient{
		brokers: brokers,
		logger:  logger,
		writers: make(map[string]*kafka.Writer),
		readers: make(map[string]*kafka.Reader),
		breaker: circuit.New(&circuit.Config{
			MaxFailures:     5,
			SuccessRequired: 3,
			Timeout:         15 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		retryConfig: retry.NetworkConfig(),
	}
}

// GetProducer returns the cached writer for a topic, creating it on first use.
func (k *KafkaClient) GetProducer(topic string) *kafka.Writer {
	k.writersMu.RLock()
	if w, ok := k.writers[topic]; ok {
		k.writersMu.RUnlock()
		return w
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()
	if w, ok := k.writers[topic]; ok {
		return w
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}
	k.writers[topic] = w
	k.logger.Info("created Kafka producer", "topic", topic)
	return w
}

// GetConsumer returns the cached reader for a topic+group, creating it on
// first use.
func (k *KafkaClient) GetConsumer(topic, groupID string) *kafka.Reader {
	key := fmt.Sprintf("%s-%s", topic, groupID)

	k.readersMu.RLock()
	if r, ok := k.readers[key]; ok {
		k.readersMu.RUnlock()
		return r
	}
	k.readersMu.RUnlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()
	if r, ok := k.readers[key]; ok {
		return r
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
	})
	k.readers[key] = r
	k.logger.Info("created Kafka consumer", "topic", topic, "group_id", groupID)
	return r
}

// Publish marshals v to JSON and publishes it under key.
func (k *KafkaClient) Publish(ctx context.Context, topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "marshal_message",
			"failed to marshal message").
			WithContext("topic", topic).
			WithContext("key", key)
	}

	return k.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			msg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			}
			if err := k.GetProducer(topic).WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, "publish_message",
					"failed to publish message").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}
			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// Consume reads one message from the reader and unmarshals it into v,
// returning the message key.
func (k *KafkaClient) Consume(ctx context.Context, reader *kafka.Reader, v any) (string, error) {
	msg, err := reader.ReadMessage(ctx)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeKafka, "read_message",
			"failed to read message")
	}

	if err := json.Unmarshal(msg.Value, v); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "unmarshal_message",
			"failed to unmarshal message").
			WithContext("topic", msg.Topic).
			WithContext("message_size", len(msg.Value))
	}

	return string(msg.Key), nil
}

// Close shuts down all producers and consumers.
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()
	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	var lastErr error
	for topic, w := range k.writers {
		if err := w.Close(); err != nil {
			k.logger.Error("failed to close producer", "topic", topic, "error", err)
			lastErr = err
		}
	}
	for key, r := range k.readers {
		if err := r.Close(); err != nil {
			k.logger.Error("failed to close consumer", "key", key, "error", err)
			lastErr = err
		}
	}

	k.writers = make(map[string]*kafka.Writer)
	k.readers = make(map[string]*kafka.Reader)
	return lastErr
}
