package models

import "time"

// PaymentState is the lifecycle of a staged checkout from initiation to a
// terminal outcome. One row per staging id is kept in payment_lifecycle.
type PaymentState string

const (
	StateInitiated            PaymentState = "INITIATED"
	StateAwaitingConfirmation PaymentState = "AWAITING_CONFIRMATION"
	StateMaterializing        PaymentState = "MATERIALIZING"
	StateMaterialized         PaymentState = "MATERIALIZED"
	StateAbandoned            PaymentState = "ABANDONED"
	StateExpired              PaymentState = "EXPIRED"
)

var transitions = map[PaymentState][]PaymentState{
	StateInitiated:            {StateAwaitingConfirmation, StateMaterializing, StateAbandoned, StateExpired},
	StateAwaitingConfirmation: {StateMaterializing, StateAbandoned, StateExpired},
	StateMaterializing:        {StateMaterialized, StateAwaitingConfirmation},
}

// Terminal reports whether no further transition is allowed.
func (s PaymentState) Terminal() bool {
	return s == StateMaterialized || s == StateAbandoned || s == StateExpired
}

// Claimable reports whether a materialization claim may be taken from s.
func (s PaymentState) Claimable() bool {
	return s == StateInitiated || s == StateAwaitingConfirmation
}

func CanTransition(from, to PaymentState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ReconcileSource names the entry point that drove a transition.
type ReconcileSource string

const (
	SourceInitiation ReconcileSource = "initiation"
	SourceWebhook    ReconcileSource = "webhook"
	SourceFallback   ReconcileSource = "fallback"
	SourceCapture    ReconcileSource = "capture"
	SourceRecovery   ReconcileSource = "recovery"
	SourcePreCreated ReconcileSource = "precreated"
	SourceSweep      ReconcileSource = "sweep"
)

// LifecycleInfo represents the persisted lifecycle row of a staged checkout
type LifecycleInfo struct {
	StagingID        string
	Rail             Rail
	PaymentReference string
	State            PaymentState
	PreviousState    PaymentState
	OrderID          string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// LifecycleEvent is published on every state change.
type LifecycleEvent struct {
	StagingID        string          `json:"staging_id"`
	PaymentReference string          `json:"payment_reference,omitempty"`
	Rail             Rail            `json:"rail,omitempty"`
	State            PaymentState    `json:"state"`
	PreviousState    PaymentState    `json:"previous_state,omitempty"`
	OrderID          string          `json:"order_id,omitempty"`
	Source           ReconcileSource `json:"source"`
	Timestamp        time.Time       `json:"timestamp"`
}
