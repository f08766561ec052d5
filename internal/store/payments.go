package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kodisha/billing/internal/models"
	"github.com/kodisha/billing/internal/settlement"
)

// Payments is the pgx-backed PaymentStore. Terminal transitions are
// conditional UPDATEs guarded on the current status, so concurrent callback
// and reconciliation writers cannot clobber each other or double-fire side
// effects.
type Payments struct {
	db *pgxpool.Pool
}

// NewPayments creates the payment record store.
func NewPayments(db *pgxpool.Pool) *Payments {
	return &Payments{db: db}
}

const paymentColumns = `
	id, user_id, merchant_request_id, checkout_request_id, phone_number,
	amount, payment_type, plan, mode, status, result_code, result_desc,
	receipt_number, transaction_date, created_at, updated_at
`

// Create inserts a new pending record.
func (p *Payments) Create(ctx context.Context, rec *models.PaymentRecord) error {
	insertSQL := `
		INSERT INTO payments (id, user_id, phone_number, amount, payment_type, plan, mode, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := p.db.Exec(ctx, insertSQL,
		rec.ID, rec.UserID, rec.PhoneNumber, rec.Amount,
		rec.PaymentType, rec.Plan, rec.Mode, models.StatusPending,
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// MarkProcessing persists the gateway correlation identifiers and moves the
// record to processing. Guarded on pending: the correlation ids are set
// exactly once, at acceptance.
func (p *Payments) MarkProcessing(ctx context.Context, id uuid.UUID, merchantRequestID, checkoutRequestID string) error {
	updateSQL := `
		UPDATE payments
		SET merchant_request_id = $1, checkout_request_id = $2,
		    status = $3, updated_at = NOW()
		WHERE id = $4 AND status = $5
	`
	tag, err := p.db.Exec(ctx, updateSQL,
		merchantRequestID, checkoutRequestID,
		models.StatusProcessing, id, models.StatusPending,
	)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payment %s is not pending", id)
	}
	return nil
}

// MarkFailed records a definitive initiation failure on a record that never
// reached the gateway's acceptance.
func (p *Payments) MarkFailed(ctx context.Context, id uuid.UUID, resultDesc string) error {
	updateSQL := `
		UPDATE payments
		SET status = $1, result_desc = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`
	if _, err := p.db.Exec(ctx, updateSQL, models.StatusFailed, resultDesc, id, models.StatusPending); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// Complete applies the completed outcome only while the record is still
// processing. The returned bool reports whether this writer won the race.
func (p *Payments) Complete(ctx context.Context, checkoutRequestID string, outcome settlement.Outcome) (bool, error) {
	updateSQL := `
		UPDATE payments
		SET status = $1, result_code = $2, result_desc = $3,
		    receipt_number = $4, transaction_date = $5, updated_at = NOW()
		WHERE checkout_request_id = $6 AND status = $7
	`
	tag, err := p.db.Exec(ctx, updateSQL,
		models.StatusCompleted, outcome.ResultCode, outcome.ResultDesc,
		outcome.ReceiptNumber, outcome.TransactionDate,
		checkoutRequestID, models.StatusProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("complete payment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Fail applies the failed outcome with the same processing guard.
func (p *Payments) Fail(ctx context.Context, checkoutRequestID string, outcome settlement.Outcome) (bool, error) {
	updateSQL := `
		UPDATE payments
		SET status = $1, result_code = $2, result_desc = $3, updated_at = NOW()
		WHERE checkout_request_id = $4 AND status = $5
	`
	tag, err := p.db.Exec(ctx, updateSQL,
		models.StatusFailed, outcome.ResultCode, outcome.ResultDesc,
		checkoutRequestID, models.StatusProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("fail payment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FindByCheckoutID fetches the record matching a gateway correlation id.
func (p *Payments) FindByCheckoutID(ctx context.Context, checkoutRequestID string) (*models.PaymentRecord, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE checkout_request_id = $1`
	return p.scanOne(ctx, query, checkoutRequestID)
}

// FindByID fetches the record by internal id.
func (p *Payments) FindByID(ctx context.Context, id uuid.UUID) (*models.PaymentRecord, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return p.scanOne(ctx, query, id)
}

func (p *Payments) scanOne(ctx context.Context, query string, arg interface{}) (*models.PaymentRecord, error) {
	var rec models.PaymentRecord
	err := p.db.QueryRow(ctx, query, arg).Scan(
		&rec.ID, &rec.UserID, &rec.MerchantRequestID, &rec.CheckoutRequestID,
		&rec.PhoneNumber, &rec.Amount, &rec.PaymentType, &rec.Plan, &rec.Mode,
		&rec.Status, &rec.ResultCode, &rec.ResultDesc, &rec.ReceiptNumber,
		&rec.TransactionDate, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, settlement.ErrRecordNotFound
		}
		return nil, fmt.Errorf("query payment: %w", err)
	}
	return &rec, nil
}
