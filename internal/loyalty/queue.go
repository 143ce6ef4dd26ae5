// Package loyalty redeems points after an order is materialized. Deductions
// go through a Kafka outbox so failures stay observable and retryable.
package loyalty

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/telemetry"
)

const (
	TopicRequested = "loyalty.redemption.requested"
	TopicDead      = "loyalty.redemption.dead"
)

// MessageWriter is the subset of *kafka.Writer the outbox uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Queue implements interfaces.RedemptionQueue.
type Queue struct {
	writer MessageWriter
	now    func() time.Time
}

func NewQueue(writer MessageWriter) *Queue {
	return &Queue{writer: writer, now: time.Now}
}

// NewKafkaWriter returns a writer for the redemption topics. The topic is
// set per message.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

func (q *Queue) Enqueue(ctx context.Context, job models.RedemptionJob) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now().UTC()
	}
	value, err := json.Marshal(job)
	if err != nil {
		return err
	}
	err = q.writer.WriteMessages(ctx, kafka.Message{
		Topic: TopicRequested,
		Key:   []byte(job.OrderID),
		Value: value,
	})
	if err != nil {
		telemetry.LoyaltyRedemptions.WithLabelValues("enqueue_failed").Inc()
		return fmt.Errorf("enqueue redemption for order %s: %w", job.OrderID, err)
	}
	telemetry.LoyaltyRedemptions.WithLabelValues("enqueued").Inc()
	telemetry.Logger.Info("Points redemption enqueued",
		zap.String("order_id", job.OrderID),
		zap.String("staging_id", job.StagingID),
		zap.Int64("points", job.Points),
	)
	return nil
}
