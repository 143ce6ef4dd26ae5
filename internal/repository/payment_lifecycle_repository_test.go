package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/checkout-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-reconciler/internal/models"
)

func newLifecycleRepo(t *testing.T) (*PaymentLifecycleRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPaymentLifecycleRepository(db), mock
}

func TestInsertInitialState(t *testing.T) {
	repo, mock := newLifecycleRepo(t)

	mock.ExpectExec("INSERT INTO payment_lifecycle").
		WithArgs("stg_1", models.RailCard, models.StateInitiated).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.InsertInitialState(context.Background(), "stg_1", models.RailCard))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionStateRejectsIllegalMove(t *testing.T) {
	repo, mock := newLifecycleRepo(t)

	_, err := repo.TransitionState(context.Background(), "stg_1", models.StateMaterialized, models.StateInitiated)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionState(t *testing.T) {
	repo, mock := newLifecycleRepo(t)

	mock.ExpectExec("UPDATE payment_lifecycle").
		WithArgs(models.StateAbandoned, models.StateAwaitingConfirmation, "stg_1", models.StateAwaitingConfirmation).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := repo.TransitionState(context.Background(), "stg_1", models.StateAwaitingConfirmation, models.StateAbandoned)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaim(t *testing.T) {
	repo, mock := newLifecycleRepo(t)
	lease := 2 * time.Minute

	mock.ExpectExec("UPDATE payment_lifecycle").
		WithArgs(models.StateMaterializing, "pi_1", "stg_1", models.StateInitiated, models.StateAwaitingConfirmation, int64(120)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE payment_lifecycle").
		WithArgs(models.StateMaterializing, "pi_1", "stg_1", models.StateInitiated, models.StateAwaitingConfirmation, int64(120)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	ok, err := repo.Claim(ctx, "stg_1", "pi_1", lease)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Claim(ctx, "stg_1", "pi_1", lease)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkMaterializedRequiresClaim(t *testing.T) {
	repo, mock := newLifecycleRepo(t)

	mock.ExpectExec("UPDATE payment_lifecycle").
		WithArgs(models.StateMaterialized, "1001", "stg_1", models.StateMaterializing).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkMaterialized(context.Background(), "stg_1", "1001")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachPaymentReferenceLeavesLaterStatesUntouched(t *testing.T) {
	repo, mock := newLifecycleRepo(t)

	// a late attach on a MATERIALIZED row must not rewrite its history
	mock.ExpectExec(`UPDATE payment_lifecycle\s+SET payment_reference = \$1,\s+`+
		`previous_state = CASE WHEN state = \$2 THEN state ELSE previous_state END,\s+`+
		`state = CASE WHEN state = \$2 THEN \$3 ELSE state END,`).
		WithArgs("pi_1", models.StateInitiated, models.StateAwaitingConfirmation, "stg_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.AttachPaymentReference(context.Background(), "stg_1", "pi_1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachPaymentReferenceMissingRow(t *testing.T) {
	repo, mock := newLifecycleRepo(t)

	mock.ExpectExec("UPDATE payment_lifecycle").
		WithArgs("pi_1", models.StateInitiated, models.StateAwaitingConfirmation, "stg_404").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.AttachPaymentReference(context.Background(), "stg_404", "pi_1")
	assert.ErrorIs(t, err, interfaces.ErrLifecycleNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByPaymentReference(t *testing.T) {
	repo, mock := newLifecycleRepo(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"staging_id", "rail", "payment_reference", "state", "previous_state", "order_id", "created_at", "updated_at"}).
		AddRow("stg_1", "card", "pi_1", "MATERIALIZED", "MATERIALIZING", "1001", now, now)
	mock.ExpectQuery("SELECT staging_id").WithArgs("pi_1").WillReturnRows(rows)
	mock.ExpectQuery("SELECT staging_id").WithArgs("pi_2").WillReturnError(sql.ErrNoRows)

	ctx := context.Background()
	info, err := repo.GetByPaymentReference(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, models.StateMaterialized, info.State)
	assert.Equal(t, "1001", info.OrderID)
	assert.Equal(t, models.RailCard, info.Rail)

	_, err = repo.GetByPaymentReference(ctx, "pi_2")
	assert.ErrorIs(t, err, interfaces.ErrLifecycleNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExpireStale(t *testing.T) {
	repo, mock := newLifecycleRepo(t)
	cutoff := time.Now().Add(-30 * time.Minute)

	mock.ExpectExec("UPDATE payment_lifecycle").
		WithArgs(models.StateExpired, models.StateInitiated, models.StateAwaitingConfirmation, cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.ExpireStale(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
