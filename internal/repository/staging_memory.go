package repository

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
)

type completionEntry struct {
	completion models.Completion
	at         time.Time
}

// MemoryStagingStore is a process-local staging store for single-instance
// deployments and tests. It is not shared across replicas.
type MemoryStagingStore struct {
	mu            sync.RWMutex
	records       map[string][]byte
	byRef         map[string]string
	done          map[string]completionEntry
	doneByRef     map[string]completionEntry
	ttl           time.Duration
	completionTTL time.Duration
	now           func() time.Time
}

func NewMemoryStagingStore(ttl, completionTTL time.Duration) *MemoryStagingStore {
	return &MemoryStagingStore{
		records:       make(map[string][]byte),
		byRef:         make(map[string]string),
		done:          make(map[string]completionEntry),
		doneByRef:     make(map[string]completionEntry),
		ttl:           ttl,
		completionTTL: completionTTL,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (s *MemoryStagingStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStagingStore) GenerateID(rail models.Rail) string {
	return NewStagingID(rail)
}

func (s *MemoryStagingStore) Set(_ context.Context, id string, record *models.StagedOrderRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.records[id] = data
	s.mu.Unlock()
	return nil
}

// load must be called with at least a read lock held.
func (s *MemoryStagingStore) load(id string) (*models.StagedOrderRecord, error) {
	data, ok := s.records[id]
	if !ok {
		return nil, interfaces.ErrStagingNotFound
	}
	var record models.StagedOrderRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	if record.Completed() {
		if record.CompletedAt != nil && s.now().Sub(*record.CompletedAt) > s.completionTTL {
			return nil, interfaces.ErrStagingNotFound
		}
		return &record, nil
	}
	if record.Expired(s.now(), s.ttl) {
		return nil, interfaces.ErrStagingNotFound
	}
	return &record, nil
}

func (s *MemoryStagingStore) Get(_ context.Context, id string) (*models.StagedOrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load(id)
}

func (s *MemoryStagingStore) SetPaymentIntentID(_ context.Context, id, paymentReference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := s.load(id)
	if err != nil {
		return err
	}
	record.PaymentIntentID = paymentReference
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	s.records[id] = data
	s.byRef[paymentReference] = id
	return nil
}

func (s *MemoryStagingStore) GetByPaymentIntent(_ context.Context, paymentReference string) (*models.StagedOrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byRef[paymentReference]
	if !ok {
		return nil, interfaces.ErrStagingNotFound
	}
	return s.load(id)
}

func (s *MemoryStagingStore) GetCompletion(_ context.Context, paymentReference string) (*models.Completion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.doneByRef[paymentReference]
	if !ok || s.now().Sub(e.at) > s.completionTTL {
		return nil, interfaces.ErrStagingNotFound
	}
	c := e.completion
	return &c, nil
}

func (s *MemoryStagingStore) MarkCompleted(_ context.Context, id string, completion models.Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.done[id]; ok {
		return interfaces.ErrAlreadyCompleted
	}
	now := s.now()
	entry := completionEntry{completion: completion, at: now}
	s.done[id] = entry
	if completion.PaymentReference != "" {
		s.doneByRef[completion.PaymentReference] = entry
	}

	record, err := s.load(id)
	if err != nil {
		// the draft may have expired or been taken; the completion index still stands
		return nil
	}
	record.Status = models.StagingCompleted
	record.FinalOrderID = completion.FinalOrderID
	record.CompletedAt = &now
	if record.PaymentIntentID == "" {
		record.PaymentIntentID = completion.PaymentReference
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	s.records[id] = data
	return nil
}

func (s *MemoryStagingStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return interfaces.ErrStagingNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryStagingStore) Take(_ context.Context, id string) (*models.StagedOrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := s.load(id)
	delete(s.records, id)
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Sweep drops expired drafts and completion entries.
func (s *MemoryStagingStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id := range s.records {
		if _, err := s.load(id); err == interfaces.ErrStagingNotFound {
			delete(s.records, id)
			removed++
		}
	}
	now := s.now()
	for ref, id := range s.byRef {
		if _, ok := s.records[id]; !ok {
			delete(s.byRef, ref)
		}
	}
	for id, e := range s.done {
		if now.Sub(e.at) > s.completionTTL {
			delete(s.done, id)
		}
	}
	for ref, e := range s.doneByRef {
		if now.Sub(e.at) > s.completionTTL {
			delete(s.doneByRef, ref)
		}
	}
	return removed, nil
}
