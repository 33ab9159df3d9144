package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/hylozoic/entitlements/internal/metrics"
)

// KafkaQueue publishes jobs to a Kafka topic for out-of-process workers.
// Used when the deployment runs dedicated job consumers instead of the
// in-process dispatcher.
type KafkaQueue struct {
	writer *kafka.Writer
}

// NewKafkaQueue creates a queue writing to the given brokers and topic.
func NewKafkaQueue(brokers []string, topic string) *KafkaQueue {
	return &KafkaQueue{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// Enqueue publishes the job keyed by type so consumers can partition work.
func (q *KafkaQueue) Enqueue(ctx context.Context, job Job) error {
	value, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	err = q.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(job.Type),
		Value: value,
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("jobId", job.ID).
			Str("type", string(job.Type)).
			Msg("Failed to publish job")
		metrics.SideEffectFailures.WithLabelValues("kafka_publish").Inc()
		return fmt.Errorf("failed to publish job: %w", err)
	}
	metrics.JobsEnqueued.WithLabelValues(string(job.Type)).Inc()
	return nil
}

// Close flushes and closes the writer.
func (q *KafkaQueue) Close() error {
	return q.writer.Close()
}
