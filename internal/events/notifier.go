package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
)

const subjectPrefix = "checkout.materialized."

func MaterializedSubject(paymentReference string) string {
	return subjectPrefix + paymentReference
}

// Bus is the publish/subscribe surface the notifier needs.
type Bus interface {
	Publish(subject string, data []byte) error
	// Subscribe delivers payloads on subject to ch until unsubscribe is called.
	Subscribe(subject string, ch chan []byte) (unsubscribe func() error, err error)
}

// Notifier implements interfaces.Notifier.
type Notifier struct {
	bus Bus
}

func NewNotifier(bus Bus) *Notifier {
	return &Notifier{bus: bus}
}

func (n *Notifier) NotifyMaterialized(_ context.Context, notice models.MaterializedNotice) error {
	data, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	if err := n.bus.Publish(MaterializedSubject(notice.PaymentReference), data); err != nil {
		return fmt.Errorf("notify materialized %s: %w", notice.PaymentReference, err)
	}
	return nil
}

// WaitMaterialized blocks until a notice for paymentReference arrives or
// ctx is done.
func (n *Notifier) WaitMaterialized(ctx context.Context, paymentReference string) (*models.MaterializedNotice, error) {
	ch := make(chan []byte, 1)
	unsubscribe, err := n.bus.Subscribe(MaterializedSubject(paymentReference), ch)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", paymentReference, err)
	}
	defer unsubscribe()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data := <-ch:
		var notice models.MaterializedNotice
		if err := json.Unmarshal(data, &notice); err != nil {
			return nil, err
		}
		return &notice, nil
	}
}

// NATSBus adapts a NATS connection.
type NATSBus struct {
	nc *nats.Conn
}

func NewNATSBus(nc *nats.Conn) *NATSBus {
	return &NATSBus{nc: nc}
}

func (b *NATSBus) Publish(subject string, data []byte) error {
	return b.nc.Publish(subject, data)
}

func (b *NATSBus) Subscribe(subject string, ch chan []byte) (func() error, error) {
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case ch <- msg.Data:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

// MemoryBus is an in-process Bus for single-instance runs and tests.
type MemoryBus struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]chan []byte
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int]chan []byte)}
}

func (b *MemoryBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[subject] {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(subject string, ch chan []byte) (func() error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[int]chan []byte)
	}
	b.subs[subject][id] = ch
	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[subject], id)
		if len(b.subs[subject]) == 0 {
			delete(b.subs, subject)
		}
		return nil
	}, nil
}
