// Package events publishes lifecycle transitions to Kafka and
// materialization notices over NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/telemetry"
)

const TopicLifecycle = "checkout.lifecycle"

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher implements interfaces.EventPublisher.
type KafkaPublisher struct {
	writer MessageWriter
}

func NewKafkaPublisher(writer MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

func NewLifecycleWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    TopicLifecycle,
		Balancer: &kafka.Hash{},
	}
}

func (p *KafkaPublisher) PublishLifecycle(ctx context.Context, event models.LifecycleEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	// keyed by staging id so one checkout's transitions stay ordered
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(event.StagingID), Value: value}); err != nil {
		return fmt.Errorf("publish lifecycle %s for %s: %w", event.State, event.StagingID, err)
	}
	return nil
}

// LogPublisher writes lifecycle events to the log only. Used when no
// broker is configured.
type LogPublisher struct{}

func (LogPublisher) PublishLifecycle(_ context.Context, event models.LifecycleEvent) error {
	telemetry.Logger.Info("Payment lifecycle transition",
		zap.String("staging_id", event.StagingID),
		zap.String("payment_reference", event.PaymentReference),
		zap.String("from_state", string(event.PreviousState)),
		zap.String("to_state", string(event.State)),
		zap.String("source", string(event.Source)),
	)
	return nil
}
