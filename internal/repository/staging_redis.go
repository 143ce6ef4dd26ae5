package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/telemetry"
)

// RedisStagingStore keeps drafts in Redis so every instance sees the same
// staging state. Expiry is delegated to key TTLs.
type RedisStagingStore struct {
	client        *redis.Client
	prefix        string
	ttl           time.Duration
	completionTTL time.Duration
	now           func() time.Time
}

func NewRedisStagingStore(client *redis.Client, ttl, completionTTL time.Duration) *RedisStagingStore {
	return &RedisStagingStore{
		client:        client,
		prefix:        "checkout:staging:",
		ttl:           ttl,
		completionTTL: completionTTL,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *RedisStagingStore) recordKey(id string) string   { return s.prefix + id }
func (s *RedisStagingStore) refKey(ref string) string     { return s.prefix + "ref:" + ref }
func (s *RedisStagingStore) doneKey(id string) string     { return s.prefix + "done:" + id }
func (s *RedisStagingStore) doneRefKey(ref string) string { return s.prefix + "done-ref:" + ref }

func (s *RedisStagingStore) GenerateID(rail models.Rail) string {
	return NewStagingID(rail)
}

func (s *RedisStagingStore) Set(ctx context.Context, id string, record *models.StagedOrderRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal staged order %s: %w", id, err)
	}
	if err := s.client.Set(ctx, s.recordKey(id), string(data), s.ttl).Err(); err != nil {
		telemetry.StagingOperations.WithLabelValues("set", "error").Inc()
		return fmt.Errorf("store staged order %s: %w", id, err)
	}
	telemetry.StagingOperations.WithLabelValues("set", "ok").Inc()
	return nil
}

func (s *RedisStagingStore) Get(ctx context.Context, id string) (*models.StagedOrderRecord, error) {
	raw, err := s.client.Get(ctx, s.recordKey(id)).Result()
	if err == redis.Nil {
		return nil, interfaces.ErrStagingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load staged order %s: %w", id, err)
	}
	return s.decode(id, raw)
}

func (s *RedisStagingStore) decode(id, raw string) (*models.StagedOrderRecord, error) {
	var record models.StagedOrderRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("decode staged order %s: %w", id, err)
	}
	// key TTL is authoritative, this guards against keys written without one
	if !record.Completed() && record.Expired(s.now(), s.ttl) {
		return nil, interfaces.ErrStagingNotFound
	}
	return &record, nil
}

func (s *RedisStagingStore) SetPaymentIntentID(ctx context.Context, id, paymentReference string) error {
	record, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	record.PaymentIntentID = paymentReference
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal staged order %s: %w", id, err)
	}
	if err := s.client.SetArgs(ctx, s.recordKey(id), string(data), redis.SetArgs{KeepTTL: true}).Err(); err != nil {
		return fmt.Errorf("link payment %s to %s: %w", paymentReference, id, err)
	}
	if err := s.client.Set(ctx, s.refKey(paymentReference), id, s.ttl).Err(); err != nil {
		return fmt.Errorf("index payment %s: %w", paymentReference, err)
	}
	return nil
}

func (s *RedisStagingStore) GetByPaymentIntent(ctx context.Context, paymentReference string) (*models.StagedOrderRecord, error) {
	id, err := s.client.Get(ctx, s.refKey(paymentReference)).Result()
	if err == redis.Nil {
		return nil, interfaces.ErrStagingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve payment %s: %w", paymentReference, err)
	}
	return s.Get(ctx, id)
}

func (s *RedisStagingStore) GetCompletion(ctx context.Context, paymentReference string) (*models.Completion, error) {
	raw, err := s.client.Get(ctx, s.doneRefKey(paymentReference)).Result()
	if err == redis.Nil {
		return nil, interfaces.ErrStagingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load completion for %s: %w", paymentReference, err)
	}
	var c models.Completion
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("decode completion for %s: %w", paymentReference, err)
	}
	return &c, nil
}

// MarkCompleted is guarded by SET NX so only the first caller transitions
// the draft; later callers get ErrAlreadyCompleted.
func (s *RedisStagingStore) MarkCompleted(ctx context.Context, id string, completion models.Completion) error {
	data, err := json.Marshal(completion)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.doneKey(id), string(data), s.completionTTL).Result()
	if err != nil {
		telemetry.StagingOperations.WithLabelValues("mark_completed", "error").Inc()
		return fmt.Errorf("complete staged order %s: %w", id, err)
	}
	if !ok {
		telemetry.StagingOperations.WithLabelValues("mark_completed", "duplicate").Inc()
		return interfaces.ErrAlreadyCompleted
	}
	if completion.PaymentReference != "" {
		if err := s.client.Set(ctx, s.doneRefKey(completion.PaymentReference), string(data), s.completionTTL).Err(); err != nil {
			return fmt.Errorf("index completion for %s: %w", completion.PaymentReference, err)
		}
	}

	record, err := s.Get(ctx, id)
	if errors.Is(err, interfaces.ErrStagingNotFound) {
		telemetry.StagingOperations.WithLabelValues("mark_completed", "ok").Inc()
		return nil
	}
	if err != nil {
		return err
	}
	now := s.now()
	record.Status = models.StagingCompleted
	record.FinalOrderID = completion.FinalOrderID
	record.CompletedAt = &now
	if completion.PaymentReference != "" && record.PaymentIntentID == "" {
		record.PaymentIntentID = completion.PaymentReference
	}
	recordData, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.recordKey(id), string(recordData), s.completionTTL).Err(); err != nil {
		return fmt.Errorf("persist completed order %s: %w", id, err)
	}
	telemetry.StagingOperations.WithLabelValues("mark_completed", "ok").Inc()
	return nil
}

func (s *RedisStagingStore) Delete(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.recordKey(id)).Result()
	if err != nil {
		return fmt.Errorf("delete staged order %s: %w", id, err)
	}
	if n == 0 {
		return interfaces.ErrStagingNotFound
	}
	telemetry.StagingOperations.WithLabelValues("delete", "ok").Inc()
	return nil
}

func (s *RedisStagingStore) Take(ctx context.Context, id string) (*models.StagedOrderRecord, error) {
	raw, err := s.client.GetDel(ctx, s.recordKey(id)).Result()
	if err == redis.Nil {
		return nil, interfaces.ErrStagingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("take staged order %s: %w", id, err)
	}
	telemetry.StagingOperations.WithLabelValues("take", "ok").Inc()
	return s.decode(id, raw)
}
