package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
)

type PaymentLifecycleRepository struct {
	db *sql.DB
}

func NewPaymentLifecycleRepository(db *sql.DB) *PaymentLifecycleRepository {
	return &PaymentLifecycleRepository{db: db}
}

func (r *PaymentLifecycleRepository) InitDB() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS payment_lifecycle (
			staging_id VARCHAR(255) PRIMARY KEY,
			rail VARCHAR(32) NOT NULL,
			payment_reference VARCHAR(255) NOT NULL DEFAULT '',
			state VARCHAR(50) NOT NULL,
			previous_state VARCHAR(50) NOT NULL DEFAULT '',
			order_id VARCHAR(255) NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_lifecycle_state ON payment_lifecycle(state)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_lifecycle_reference ON payment_lifecycle(payment_reference)`,
		// one materialized row per payment reference
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_payment_lifecycle_materialized_reference
			ON payment_lifecycle(payment_reference)
			WHERE state = 'MATERIALIZED' AND payment_reference <> ''`,
	}

	for _, query := range queries {
		if _, err := r.db.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

func (r *PaymentLifecycleRepository) InsertInitialState(ctx context.Context, stagingID string, rail models.Rail) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_lifecycle (staging_id, rail, state, previous_state)
		VALUES ($1, $2, $3, '')
		ON CONFLICT (staging_id) DO NOTHING
	`, stagingID, rail, models.StateInitiated)
	return err
}

func (r *PaymentLifecycleRepository) TransitionState(ctx context.Context, stagingID string, from, to models.PaymentState) (int64, error) {
	if !models.CanTransition(from, to) {
		return 0, fmt.Errorf("transition %s -> %s is not allowed", from, to)
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_lifecycle
		SET state = $1, previous_state = $2, updated_at = NOW()
		WHERE staging_id = $3 AND state = $4
	`, to, from, stagingID, from)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *PaymentLifecycleRepository) AttachPaymentReference(ctx context.Context, stagingID, paymentReference string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_lifecycle
		SET payment_reference = $1,
			previous_state = CASE WHEN state = $2 THEN state ELSE previous_state END,
			state = CASE WHEN state = $2 THEN $3 ELSE state END,
			updated_at = NOW()
		WHERE staging_id = $4
	`, paymentReference, models.StateInitiated, models.StateAwaitingConfirmation, stagingID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return interfaces.ErrLifecycleNotFound
	}
	return nil
}

func (r *PaymentLifecycleRepository) Claim(ctx context.Context, stagingID, paymentReference string, lease time.Duration) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_lifecycle
		SET previous_state = state,
			state = $1,
			payment_reference = CASE WHEN payment_reference = '' THEN $2 ELSE payment_reference END,
			updated_at = NOW()
		WHERE staging_id = $3
			AND (state IN ($4, $5)
				OR (state = $1 AND updated_at < NOW() - ($6 * INTERVAL '1 second')))
	`, models.StateMaterializing, paymentReference, stagingID,
		models.StateInitiated, models.StateAwaitingConfirmation, int64(lease.Seconds()))
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PaymentLifecycleRepository) MarkMaterialized(ctx context.Context, stagingID, orderID string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_lifecycle
		SET state = $1, previous_state = state, order_id = $2, updated_at = NOW()
		WHERE staging_id = $3 AND state = $4
	`, models.StateMaterialized, orderID, stagingID, models.StateMaterializing)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("staging %s is not materializing", stagingID)
	}
	return nil
}

func (r *PaymentLifecycleRepository) ReleaseClaim(ctx context.Context, stagingID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE payment_lifecycle
		SET state = $1, previous_state = state, updated_at = NOW()
		WHERE staging_id = $2 AND state = $3
	`, models.StateAwaitingConfirmation, stagingID, models.StateMaterializing)
	return err
}

const selectLifecycle = `
	SELECT staging_id, rail, payment_reference, state, previous_state, order_id, created_at, updated_at
	FROM payment_lifecycle`

func (r *PaymentLifecycleRepository) GetByStagingID(ctx context.Context, stagingID string) (*models.LifecycleInfo, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, selectLifecycle+` WHERE staging_id = $1`, stagingID))
}

func (r *PaymentLifecycleRepository) GetByPaymentReference(ctx context.Context, paymentReference string) (*models.LifecycleInfo, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		selectLifecycle+` WHERE payment_reference = $1 ORDER BY updated_at DESC LIMIT 1`, paymentReference))
}

func (r *PaymentLifecycleRepository) scanOne(row *sql.Row) (*models.LifecycleInfo, error) {
	var info models.LifecycleInfo
	err := row.Scan(&info.StagingID, &info.Rail, &info.PaymentReference, &info.State,
		&info.PreviousState, &info.OrderID, &info.CreatedAt, &info.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrLifecycleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (r *PaymentLifecycleRepository) ExpireStale(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_lifecycle
		SET previous_state = state, state = $1, updated_at = NOW()
		WHERE state IN ($2, $3) AND created_at < $4
	`, models.StateExpired, models.StateInitiated, models.StateAwaitingConfirmation, olderThan)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
