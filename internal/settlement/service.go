package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kodisha/billing/internal/daraja"
	"github.com/kodisha/billing/internal/models"
)

// Outcome is the terminal result applied to a processing record. Both the
// callback path and the reconciliation path converge on it.
type Outcome struct {
	ResultCode      int
	ResultDesc      string
	ReceiptNumber   *string
	TransactionDate *time.Time
}

// PaymentStore is the durable state machine behind the engine. Complete and
// Fail are compare-and-swap writes: they apply only while the record is
// still processing and report whether a row actually changed, so the racing
// loser of the callback/reconciliation pair becomes a safe no-op.
type PaymentStore interface {
	Create(ctx context.Context, rec *models.PaymentRecord) error
	MarkProcessing(ctx context.Context, id uuid.UUID, merchantRequestID, checkoutRequestID string) error
	MarkFailed(ctx context.Context, id uuid.UUID, resultDesc string) error
	FindByCheckoutID(ctx context.Context, checkoutRequestID string) (*models.PaymentRecord, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.PaymentRecord, error)
	Complete(ctx context.Context, checkoutRequestID string, outcome Outcome) (bool, error)
	Fail(ctx context.Context, checkoutRequestID string, outcome Outcome) (bool, error)
}

// UserStore exposes the subscription fields the engine updates on a
// successful subscription payment.
type UserStore interface {
	ActivateSubscription(ctx context.Context, userID uuid.UUID, plan string, expiry time.Time) error
}

// Notification is the outcome message handed to the external dispatch
// capability.
type Notification struct {
	UserID        uuid.UUID       `json:"user_id"`
	PhoneNumber   string          `json:"phone_number"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	ReceiptNumber string          `json:"receipt_number,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

// Notifier dispatches an outcome notification. Delivery is best-effort;
// failures never unwind a payment transition.
type Notifier interface {
	PaymentOutcome(ctx context.Context, n Notification) error
}

// Gateway is the slice of the daraja client the engine depends on.
type Gateway interface {
	STKPush(ctx context.Context, req daraja.PushRequest) (*daraja.PushResponse, error)
	QueryStatus(ctx context.Context, checkoutRequestID string, mode daraja.Mode) (*daraja.QueryResponse, error)
}

// Service drives a payment record from initiation to a terminal state
// exactly once, reconciling the callback and polling paths through the
// store's conditional writes.
type Service struct {
	payments PaymentStore
	users    UserStore
	notifier Notifier
	gateway  Gateway
	gwCfg    daraja.Config
	log      zerolog.Logger
	now      func() time.Time
}

// NewService wires the engine. gwCfg is consulted for routing decisions
// (which modes exist) without touching the network.
func NewService(payments PaymentStore, users UserStore, notifier Notifier, gateway Gateway, gwCfg daraja.Config, logger zerolog.Logger) *Service {
	return &Service{
		payments: payments,
		users:    users,
		notifier: notifier,
		gateway:  gateway,
		gwCfg:    gwCfg,
		log:      logger.With().Str("component", "settlement").Logger(),
		now:      time.Now,
	}
}

// InitiateRequest is one push-payment order.
type InitiateRequest struct {
	UserID           uuid.UUID
	PhoneNumber      string
	Amount           decimal.Decimal
	AccountReference string
	Description      string
	Mode             daraja.Mode
	PaymentType      models.PaymentType
	Plan             *string
}

// InitiateResult carries the correlation identifiers of an accepted push.
type InitiateResult struct {
	PaymentID         uuid.UUID
	MerchantRequestID string
	CheckoutRequestID string
}

// Initiate validates the order, submits the STK push, and moves the record
// pending → processing only once the gateway has accepted the request. Any
// initiation failure is persisted on the record and returned synchronously.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if !s.gwCfg.Enabled() {
		return nil, ErrNotConfigured
	}
	if _, err := s.gwCfg.CredentialFor(req.Mode); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModeNotConfigured, err)
	}

	phone, err := NormalizePhone(req.PhoneNumber)
	if err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	rec := &models.PaymentRecord{
		ID:          uuid.New(),
		UserID:      req.UserID,
		PhoneNumber: phone,
		Amount:      req.Amount.Round(0),
		PaymentType: req.PaymentType,
		Plan:        req.Plan,
		Mode:        string(req.Mode),
		Status:      models.StatusPending,
	}
	if err := s.payments.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create payment record: %w", err)
	}

	resp, err := s.gateway.STKPush(ctx, daraja.PushRequest{
		PhoneNumber:      phone,
		Amount:           rec.Amount,
		AccountReference: req.AccountReference,
		Description:      req.Description,
		Mode:             req.Mode,
	})
	if err != nil {
		if persistErr := s.payments.MarkFailed(ctx, rec.ID, err.Error()); persistErr != nil {
			s.log.Error().Err(persistErr).Stringer("payment_id", rec.ID).Msg("failed to persist initiation failure")
		}
		return nil, err
	}

	// The record only claims processing once a valid correlation id exists
	// to reconcile against.
	if err := s.payments.MarkProcessing(ctx, rec.ID, resp.MerchantRequestID, resp.CheckoutRequestID); err != nil {
		return nil, fmt.Errorf("mark processing: %w", err)
	}

	s.log.Info().
		Stringer("payment_id", rec.ID).
		Str("checkout_request_id", resp.CheckoutRequestID).
		Str("mode", string(req.Mode)).
		Msg("payment initiated")

	return &InitiateResult{
		PaymentID:         rec.ID,
		MerchantRequestID: resp.MerchantRequestID,
		CheckoutRequestID: resp.CheckoutRequestID,
	}, nil
}

// IngestCallback applies an inbound gateway callback. Malformed payloads,
// unknown correlation ids, and already-terminal records are logged no-ops:
// the transport layer acknowledges regardless, and redelivery must never
// re-trigger side effects.
func (s *Service) IngestCallback(ctx context.Context, raw []byte) error {
	cb, err := daraja.ParseCallback(raw)
	if err != nil {
		s.log.Warn().Err(err).Msg("dropping malformed callback")
		return nil
	}

	logger := s.log.With().Str("checkout_request_id", cb.CheckoutRequestID).Logger()

	rec, err := s.payments.FindByCheckoutID(ctx, cb.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			logger.Warn().Msg("callback for unknown payment record, acknowledging")
			return nil
		}
		return fmt.Errorf("find payment record: %w", err)
	}
	if rec.IsTerminal() {
		logger.Debug().Str("status", string(rec.Status)).Msg("callback redelivery for terminal record, skipping")
		return nil
	}

	outcome := Outcome{ResultCode: cb.ResultCode, ResultDesc: cb.ResultDesc}
	if cb.ResultCode == daraja.ResultSuccess {
		meta := cb.Meta()
		if meta.HasReceipt {
			receipt := meta.ReceiptNumber
			outcome.ReceiptNumber = &receipt
		} else {
			logger.Warn().Msg("successful callback without receipt number")
		}
		if meta.HasTransactionDate {
			txDate := meta.TransactionDate
			outcome.TransactionDate = &txDate
		}
		return s.complete(ctx, rec, outcome)
	}
	return s.fail(ctx, rec, outcome)
}

// Reconcile actively queries the gateway for the outcome of a record still
// processing. It shares the transition gate with the callback path; whichever
// writer lands first wins and the other is a no-op. Returns the refreshed
// record, or ErrStillPending when the subject has not yet acted on the
// device.
func (s *Service) Reconcile(ctx context.Context, checkoutRequestID string) (*models.PaymentRecord, error) {
	rec, err := s.payments.FindByCheckoutID(ctx, checkoutRequestID)
	if err != nil {
		return nil, err
	}
	if rec.IsTerminal() {
		return rec, nil
	}

	resp, err := s.gateway.QueryStatus(ctx, checkoutRequestID, daraja.Mode(rec.Mode))
	if err != nil {
		// Query failures are surfaced to the caller; the record is left
		// untouched for a later attempt or the callback to settle.
		return nil, err
	}

	code, err := strconv.Atoi(resp.ResultCode)
	if err != nil {
		return nil, fmt.Errorf("unparseable result code %q: %w", resp.ResultCode, err)
	}

	outcome := Outcome{ResultCode: code, ResultDesc: resp.ResultDesc}
	switch code {
	case daraja.ResultSuccess:
		if err := s.complete(ctx, rec, outcome); err != nil {
			return nil, err
		}
	case daraja.ResultCancelledByUser:
		return nil, ErrStillPending
	default:
		if err := s.fail(ctx, rec, outcome); err != nil {
			return nil, err
		}
	}

	return s.payments.FindByCheckoutID(ctx, checkoutRequestID)
}

// Status returns the current record, first triggering reconciliation when
// it is still processing (the callback may simply have been lost). A
// still-pending reconciliation outcome leaves the record untouched and is
// not an error to the status caller.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (*models.PaymentRecord, error) {
	rec, err := s.payments.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusProcessing || rec.CheckoutRequestID == nil {
		return rec, nil
	}

	updated, err := s.Reconcile(ctx, *rec.CheckoutRequestID)
	if errors.Is(err, ErrStillPending) {
		return rec, nil
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// complete applies the completed transition and fires side effects exactly
// once, gated on the store's conditional write reporting a change.
func (s *Service) complete(ctx context.Context, rec *models.PaymentRecord, outcome Outcome) error {
	checkoutID := *rec.CheckoutRequestID
	applied, err := s.payments.Complete(ctx, checkoutID, outcome)
	if err != nil {
		return fmt.Errorf("complete payment: %w", err)
	}
	if !applied {
		s.log.Debug().Str("checkout_request_id", checkoutID).Msg("completed transition already applied by other path")
		return nil
	}

	s.log.Info().
		Stringer("payment_id", rec.ID).
		Str("checkout_request_id", checkoutID).
		Msg("payment completed")

	if rec.PaymentType == models.TypeSubscription && rec.Plan != nil {
		expiry := s.now().AddDate(0, 1, 0)
		if err := s.users.ActivateSubscription(ctx, rec.UserID, *rec.Plan, expiry); err != nil {
			s.log.Error().Err(err).Stringer("user_id", rec.UserID).Msg("subscription activation failed")
		}
	}

	receipt := ""
	if outcome.ReceiptNumber != nil {
		receipt = *outcome.ReceiptNumber
	}
	s.notify(ctx, rec, Notification{
		UserID:        rec.UserID,
		PhoneNumber:   rec.PhoneNumber,
		Status:        string(models.StatusCompleted),
		Amount:        rec.Amount,
		ReceiptNumber: receipt,
	})
	return nil
}

// fail applies the failed transition with the same once-only gate.
func (s *Service) fail(ctx context.Context, rec *models.PaymentRecord, outcome Outcome) error {
	checkoutID := *rec.CheckoutRequestID
	applied, err := s.payments.Fail(ctx, checkoutID, outcome)
	if err != nil {
		return fmt.Errorf("fail payment: %w", err)
	}
	if !applied {
		s.log.Debug().Str("checkout_request_id", checkoutID).Msg("failed transition already applied by other path")
		return nil
	}

	s.log.Info().
		Stringer("payment_id", rec.ID).
		Str("checkout_request_id", checkoutID).
		Int("result_code", outcome.ResultCode).
		Msg("payment failed")

	s.notify(ctx, rec, Notification{
		UserID:        rec.UserID,
		PhoneNumber:   rec.PhoneNumber,
		Status:        string(models.StatusFailed),
		Amount:        rec.Amount,
		FailureReason: outcome.ResultDesc,
	})
	return nil
}

func (s *Service) notify(ctx context.Context, rec *models.PaymentRecord, n Notification) {
	if err := s.notifier.PaymentOutcome(ctx, n); err != nil {
		s.log.Error().Err(err).Stringer("payment_id", rec.ID).Msg("outcome notification failed")
	}
}
