package loyalty

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/telemetry"
)

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Consumer struct {
	reader     MessageReader
	ledger     interfaces.LoyaltyLedger
	deadLetter MessageWriter
	newBackOff func() backoff.BackOff
}

func NewConsumer(reader MessageReader, ledger interfaces.LoyaltyLedger, deadLetter MessageWriter) *Consumer {
	return &Consumer{
		reader:     reader,
		ledger:     ledger,
		deadLetter: deadLetter,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = time.Minute
			return b
		},
	}
}

func NewKafkaReader(brokers []string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    TopicRequested,
		GroupID:  "checkout-reconciler-loyalty",
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

// Run consumes redemption jobs until ctx is cancelled. A message is
// committed once it was deducted or parked on the dead letter topic.
// When a job can be neither, Run returns its error so that no later
// offset is committed past it.
func (c *Consumer) Run(ctx context.Context) error {
	telemetry.Logger.Info("Started consuming loyalty redemption jobs")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			telemetry.Logger.Error("Error reading message from Kafka", zap.Error(err))
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// not committed; redelivered after restart or rebalance
			telemetry.Logger.Error("Error handling redemption job",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			return fmt.Errorf("redemption job at offset %d: %w", msg.Offset, err)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			telemetry.Logger.Error("Error committing redemption job", zap.Error(err))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	var job models.RedemptionJob
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		telemetry.Logger.Error("Error unmarshaling redemption job", zap.Error(err))
		return c.park(ctx, msg.Value, string(msg.Key))
	}

	log := telemetry.Logger.With(
		zap.String("order_id", job.OrderID),
		zap.String("staging_id", job.StagingID),
		zap.String("payment_reference", job.PaymentReference),
		zap.Int64("user_id", job.UserID),
		zap.Int64("points", job.Points),
	)

	var result *models.RedemptionResult
	op := func() error {
		job.Attempts++
		r, err := c.ledger.DeductPoints(ctx, job.UserID, job.Points, job.OrderID)
		if errors.Is(err, ErrPermanent) {
			return backoff.Permanent(err)
		}
		if err != nil {
			log.Warn("Points deduction failed, retrying", zap.Int("attempt", job.Attempts), zap.Error(err))
			return err
		}
		result = r
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		telemetry.LoyaltyRedemptions.WithLabelValues("failed").Inc()
		log.Error("Points deduction abandoned", zap.Int("attempts", job.Attempts), zap.Error(err))
		job.LastError = err.Error()
		value, _ := json.Marshal(job)
		return c.park(ctx, value, job.OrderID)
	}

	telemetry.LoyaltyRedemptions.WithLabelValues("redeemed").Inc()
	log.Info("Points redeemed", zap.Int64("new_balance", result.NewBalance))
	return nil
}

func (c *Consumer) park(ctx context.Context, value []byte, key string) error {
	msg := kafka.Message{
		Topic: TopicDead,
		Key:   []byte(key),
		Value: value,
	}
	op := func() error {
		err := c.deadLetter.WriteMessages(ctx, msg)
		if err != nil {
			telemetry.Logger.Warn("Dead letter write failed, retrying", zap.String("key", key), zap.Error(err))
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return fmt.Errorf("park on %s: %w", TopicDead, err)
	}
	telemetry.LoyaltyRedemptions.WithLabelValues("dead_lettered").Inc()
	return nil
}
