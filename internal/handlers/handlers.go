package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kodisha/billing/internal/daraja"
	"github.com/kodisha/billing/internal/models"
	"github.com/kodisha/billing/internal/settlement"
	"github.com/kodisha/billing/internal/worker"
)

// Handler holds dependencies for the HTTP surface.
type Handler struct {
	db          *pgxpool.Pool
	engine      *settlement.Service
	queueClient *asynq.Client
	validator   *validator.Validate
	log         zerolog.Logger
}

// New creates a handler instance.
func New(db *pgxpool.Pool, engine *settlement.Service, queueClient *asynq.Client, logger zerolog.Logger) *Handler {
	return &Handler{
		db:          db,
		engine:      engine,
		queueClient: queueClient,
		validator:   validator.New(),
		log:         logger.With().Str("component", "http").Logger(),
	}
}

// InitiatePaymentRequest is the POST /payments body.
type InitiatePaymentRequest struct {
	UserID           string `json:"user_id" validate:"required,uuid4"`
	Phone            string `json:"phone" validate:"required"`
	Amount           string `json:"amount" validate:"required"`
	AccountReference string `json:"account_reference" validate:"required,max=20"`
	Description      string `json:"description" validate:"required,max=60"`
	Mode             string `json:"mode" validate:"required,oneof=paybill till"`
	PaymentType      string `json:"payment_type" validate:"required,oneof=subscription other"`
	Plan             string `json:"plan" validate:"omitempty,max=40"`
}

// InitiatePaymentResponse returns the correlation identifiers of an accepted
// push.
type InitiatePaymentResponse struct {
	PaymentID         uuid.UUID `json:"payment_id"`
	MerchantRequestID string    `json:"merchant_request_id"`
	CheckoutRequestID string    `json:"checkout_request_id"`
	Status            string    `json:"status"`
}

// InitiatePayment handles POST /payments.
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req InitiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amount format")
		return
	}

	var plan *string
	if req.Plan != "" {
		plan = &req.Plan
	}

	result, err := h.engine.Initiate(r.Context(), settlement.InitiateRequest{
		UserID:           userID,
		PhoneNumber:      req.Phone,
		Amount:           amount,
		AccountReference: req.AccountReference,
		Description:      req.Description,
		Mode:             daraja.Mode(req.Mode),
		PaymentType:      models.PaymentType(req.PaymentType),
		Plan:             plan,
	})
	if err != nil {
		h.respondInitiateError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, InitiatePaymentResponse{
		PaymentID:         result.PaymentID,
		MerchantRequestID: result.MerchantRequestID,
		CheckoutRequestID: result.CheckoutRequestID,
		Status:            string(models.StatusProcessing),
	})
}

func (h *Handler) respondInitiateError(w http.ResponseWriter, err error) {
	var rejection *daraja.RejectionError
	switch {
	case errors.Is(err, settlement.ErrNotConfigured),
		errors.Is(err, settlement.ErrModeNotConfigured):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, settlement.ErrInvalidPhone),
		errors.Is(err, settlement.ErrInvalidAmount):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &rejection):
		respondError(w, http.StatusUnprocessableEntity, "payment rejected by gateway: "+rejection.Body)
	default:
		h.log.Error().Err(err).Msg("payment initiation failed")
		respondError(w, http.StatusBadGateway, "failed to initiate payment")
	}
}

// GatewayCallback handles POST /payments/callback. The gateway must never be
// given a transport-level reason to retry delivery, so this acknowledges
// success no matter what happened internally; idempotency downstream makes
// redelivery safe anyway.
func (h *Handler) GatewayCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to read callback body")
		acknowledge(w)
		return
	}

	info, err := h.queueClient.Enqueue(
		worker.NewProcessCallbackTask(body),
		asynq.Queue("critical"),
		asynq.MaxRetry(3),
	)
	if err != nil {
		// Queue outage: fall back to inline processing rather than dropping
		// the delivery. Reconciliation still covers a total loss.
		h.log.Error().Err(err).Msg("failed to enqueue callback, processing inline")
		if ingestErr := h.engine.IngestCallback(r.Context(), body); ingestErr != nil {
			h.log.Error().Err(ingestErr).Msg("inline callback processing failed")
		}
		acknowledge(w)
		return
	}

	h.log.Debug().Str("task_id", info.ID).Msg("callback queued")
	acknowledge(w)
}

// PaymentStatusResponse is the GET /payments/{id}/status body.
type PaymentStatusResponse struct {
	PaymentID         uuid.UUID  `json:"payment_id"`
	Status            string     `json:"status"`
	Amount            string     `json:"amount"`
	CheckoutRequestID *string    `json:"checkout_request_id,omitempty"`
	ReceiptNumber     *string    `json:"receipt_number,omitempty"`
	ResultDesc        *string    `json:"result_desc,omitempty"`
	TransactionDate   *time.Time `json:"transaction_date,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// PaymentStatus handles GET /payments/{paymentID}/status. A record still
// processing triggers reconciliation against the gateway before answering.
func (h *Handler) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "paymentID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid payment id")
		return
	}

	rec, err := h.engine.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, settlement.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "payment not found")
			return
		}
		h.log.Error().Err(err).Stringer("payment_id", id).Msg("status reconciliation failed")
		respondError(w, http.StatusBadGateway, "status check failed, try again later")
		return
	}

	respondJSON(w, http.StatusOK, PaymentStatusResponse{
		PaymentID:         rec.ID,
		Status:            string(rec.Status),
		Amount:            rec.Amount.StringFixed(0),
		CheckoutRequestID: rec.CheckoutRequestID,
		ReceiptNumber:     rec.ReceiptNumber,
		ResultDesc:        rec.ResultDesc,
		TransactionDate:   rec.TransactionDate,
		UpdatedAt:         rec.UpdatedAt,
	})
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	health := map[string]string{"status": "ok", "database": "up"}
	status := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		health["database"] = "down"
		health["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}

	respondJSON(w, status, health)
}

// acknowledge returns the body the gateway expects on callback receipt.
func acknowledge(w http.ResponseWriter) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"ResultCode": 0,
		"ResultDesc": "Accepted",
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
