package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kodisha/billing/internal/daraja"
	"github.com/kodisha/billing/internal/models"
)

// memPayments is an in-memory PaymentStore with the same conditional-write
// semantics as the SQL implementation.
type memPayments struct {
	mu         sync.Mutex
	recs       map[uuid.UUID]*models.PaymentRecord
	byCheckout map[string]uuid.UUID
}

func newMemPayments() *memPayments {
	return &memPayments{
		recs:       make(map[uuid.UUID]*models.PaymentRecord),
		byCheckout: make(map[string]uuid.UUID),
	}
}

func (m *memPayments) Create(_ context.Context, rec *models.PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *rec
	clone.Status = models.StatusPending
	m.recs[rec.ID] = &clone
	return nil
}

func (m *memPayments) MarkProcessing(_ context.Context, id uuid.UUID, merchantRequestID, checkoutRequestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok || rec.Status != models.StatusPending {
		return fmt.Errorf("payment %s is not pending", id)
	}
	rec.MerchantRequestID = &merchantRequestID
	rec.CheckoutRequestID = &checkoutRequestID
	rec.Status = models.StatusProcessing
	m.byCheckout[checkoutRequestID] = id
	return nil
}

func (m *memPayments) MarkFailed(_ context.Context, id uuid.UUID, resultDesc string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok || rec.Status != models.StatusPending {
		return nil
	}
	rec.Status = models.StatusFailed
	rec.ResultDesc = &resultDesc
	return nil
}

func (m *memPayments) FindByCheckoutID(_ context.Context, checkoutRequestID string) (*models.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byCheckout[checkoutRequestID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	clone := *m.recs[id]
	return &clone, nil
}

func (m *memPayments) FindByID(_ context.Context, id uuid.UUID) (*models.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	clone := *rec
	return &clone, nil
}

func (m *memPayments) Complete(_ context.Context, checkoutRequestID string, outcome Outcome) (bool, error) {
	return m.apply(checkoutRequestID, models.StatusCompleted, outcome)
}

func (m *memPayments) Fail(_ context.Context, checkoutRequestID string, outcome Outcome) (bool, error) {
	return m.apply(checkoutRequestID, models.StatusFailed, outcome)
}

func (m *memPayments) apply(checkoutRequestID string, to models.PaymentStatus, outcome Outcome) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byCheckout[checkoutRequestID]
	if !ok {
		return false, nil
	}
	rec := m.recs[id]
	if rec.Status != models.StatusProcessing {
		return false, nil
	}
	rec.Status = to
	rec.ResultCode = &outcome.ResultCode
	rec.ResultDesc = &outcome.ResultDesc
	rec.ReceiptNumber = outcome.ReceiptNumber
	rec.TransactionDate = outcome.TransactionDate
	return true, nil
}

type memUsers struct {
	mu          sync.Mutex
	activations int
	lastPlan    string
	lastExpiry  time.Time
}

func (m *memUsers) ActivateSubscription(_ context.Context, _ uuid.UUID, plan string, expiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activations++
	m.lastPlan = plan
	m.lastExpiry = expiry
	return nil
}

type memNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (m *memNotifier) PaymentOutcome(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, n)
	return nil
}

type stubGateway struct {
	mu         sync.Mutex
	pushCalls  int
	queryCalls int
	lastPush   daraja.PushRequest
	pushErr    error
	queryResp  *daraja.QueryResponse
	queryErr   error
}

func (g *stubGateway) STKPush(_ context.Context, req daraja.PushRequest) (*daraja.PushResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushCalls++
	g.lastPush = req
	if g.pushErr != nil {
		return nil, g.pushErr
	}
	return &daraja.PushResponse{
		MerchantRequestID:   "MR-" + fmt.Sprint(g.pushCalls),
		CheckoutRequestID:   "ws_CO_" + fmt.Sprint(g.pushCalls),
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
	}, nil
}

func (g *stubGateway) QueryStatus(_ context.Context, checkoutRequestID string, _ daraja.Mode) (*daraja.QueryResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queryCalls++
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	resp := *g.queryResp
	resp.CheckoutRequestID = checkoutRequestID
	return &resp, nil
}

type testEnv struct {
	svc      *Service
	payments *memPayments
	users    *memUsers
	notifier *memNotifier
	gateway  *stubGateway
}

func newTestEnv() *testEnv {
	env := &testEnv{
		payments: newMemPayments(),
		users:    &memUsers{},
		notifier: &memNotifier{},
		gateway:  &stubGateway{},
	}
	gwCfg := daraja.Config{
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		CallbackURL:    "https://billing.example.com/payments/callback",
		Paybill:        &daraja.Credential{ShortCode: "174379", Passkey: "passkey"},
	}
	env.svc = NewService(env.payments, env.users, env.notifier, env.gateway, gwCfg, zerolog.Nop())
	return env
}

func subscriptionRequest() InitiateRequest {
	plan := "premium"
	return InitiateRequest{
		UserID:           uuid.New(),
		PhoneNumber:      "254712345678",
		Amount:           decimal.NewFromInt(1000),
		AccountReference: "KDS-001",
		Description:      "Premium subscription",
		Mode:             daraja.ModePaybill,
		PaymentType:      models.TypeSubscription,
		Plan:             &plan,
	}
}

func successCallback(checkoutID, receipt string) []byte {
	// Metadata items deliberately out of the documented order.
	return []byte(fmt.Sprintf(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "MR-1",
				"CheckoutRequestID": %q,
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "TransactionDate", "Value": 20240115103045},
						{"Name": "MpesaReceiptNumber", "Value": %q},
						{"Name": "PhoneNumber", "Value": 254712345678},
						{"Name": "Amount", "Value": 1000.00}
					]
				}
			}
		}
	}`, checkoutID, receipt))
}

func failureCallback(checkoutID string, code int, desc string) []byte {
	return []byte(fmt.Sprintf(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "MR-1",
				"CheckoutRequestID": %q,
				"ResultCode": %d,
				"ResultDesc": %q
			}
		}
	}`, checkoutID, code, desc))
}

func TestInitiateCreatesProcessingRecord(t *testing.T) {
	env := newTestEnv()

	result, err := env.svc.Initiate(context.Background(), subscriptionRequest())
	require.NoError(t, err)
	require.NotEmpty(t, result.CheckoutRequestID)
	require.NotEmpty(t, result.MerchantRequestID)

	rec, err := env.payments.FindByID(context.Background(), result.PaymentID)
	require.NoError(t, err)
	require.Equal(t, models.StatusProcessing, rec.Status)
	require.NotNil(t, rec.CheckoutRequestID)
	require.Equal(t, result.CheckoutRequestID, *rec.CheckoutRequestID)
	require.Equal(t, "254712345678", env.gateway.lastPush.PhoneNumber)
}

func TestInitiateNormalizesLocalPhoneFormats(t *testing.T) {
	env := newTestEnv()
	req := subscriptionRequest()
	req.PhoneNumber = "0712 345 678"

	_, err := env.svc.Initiate(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "254712345678", env.gateway.lastPush.PhoneNumber)
}

func TestInitiateRejectsBadPhoneBeforeNetworkCall(t *testing.T) {
	env := newTestEnv()
	req := subscriptionRequest()
	req.PhoneNumber = "12345"

	_, err := env.svc.Initiate(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidPhone)
	require.Zero(t, env.gateway.pushCalls)
}

func TestInitiateRejectsUnconfiguredMode(t *testing.T) {
	env := newTestEnv()
	req := subscriptionRequest()
	req.Mode = daraja.ModeTill

	_, err := env.svc.Initiate(context.Background(), req)
	require.ErrorIs(t, err, ErrModeNotConfigured)
	require.Zero(t, env.gateway.pushCalls)
}

func TestInitiateFailsClosedWithoutAnyCredentials(t *testing.T) {
	env := newTestEnv()
	env.svc.gwCfg = daraja.Config{}

	_, err := env.svc.Initiate(context.Background(), subscriptionRequest())
	require.ErrorIs(t, err, ErrNotConfigured)
	require.Zero(t, env.gateway.pushCalls)
}

func TestInitiateRejectsNonPositiveAmount(t *testing.T) {
	env := newTestEnv()
	req := subscriptionRequest()
	req.Amount = decimal.Zero

	_, err := env.svc.Initiate(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidAmount)
	require.Zero(t, env.gateway.pushCalls)
}

func TestInitiateGatewayRejectionPersistsFailure(t *testing.T) {
	env := newTestEnv()
	env.gateway.pushErr = &daraja.RejectionError{StatusCode: 400, Body: "Invalid Amount"}

	_, err := env.svc.Initiate(context.Background(), subscriptionRequest())
	var rejection *daraja.RejectionError
	require.ErrorAs(t, err, &rejection)

	// The record must carry the definitive failure.
	var failed *models.PaymentRecord
	for id := range env.payments.recs {
		rec, findErr := env.payments.FindByID(context.Background(), id)
		require.NoError(t, findErr)
		failed = rec
	}
	require.NotNil(t, failed)
	require.Equal(t, models.StatusFailed, failed.Status)
	require.NotNil(t, failed.ResultDesc)
}

func TestCallbackSuccessSettlesOnce(t *testing.T) {
	env := newTestEnv()
	fixedNow := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	env.svc.now = func() time.Time { return fixedNow }

	result, err := env.svc.Initiate(context.Background(), subscriptionRequest())
	require.NoError(t, err)

	payload := successCallback(result.CheckoutRequestID, "ABC123")
	require.NoError(t, env.svc.IngestCallback(context.Background(), payload))

	rec, err := env.payments.FindByCheckoutID(context.Background(), result.CheckoutRequestID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, rec.Status)
	require.NotNil(t, rec.ReceiptNumber)
	require.Equal(t, "ABC123", *rec.ReceiptNumber)

	require.Equal(t, 1, env.users.activations)
	require.Equal(t, "premium", env.users.lastPlan)
	require.Equal(t, fixedNow.AddDate(0, 1, 0), env.users.lastExpiry)

	require.Len(t, env.notifier.sent, 1)
	require.Equal(t, "completed", env.notifier.sent[0].Status)
	require.Equal(t, "ABC123", env.notifier.sent[0].ReceiptNumber)

	// Identical redelivery is a no-op on state and side effects.
	require.NoError(t, env.svc.IngestCallback(context.Background(), payload))
	require.Equal(t, 1, env.users.activations)
	require.Len(t, env.notifier.sent, 1)
}

func TestCallbackFailureNotifiesWithReason(t *testing.T) {
	env := newTestEnv()

	result, err := env.svc.Initiate(context.Background(), subscriptionRequest())
	require.NoError(t, err)

	payload := failureCallback(result.CheckoutRequestID, 1031, "Request cancelled by user")
	require.NoError(t, env.svc.IngestCallback(context.Background(), payload))

	rec, err := env.payments.FindByCheckoutID(context.Background(), result.CheckoutRequestID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, rec.Status)

	require.Zero(t, env.users.activations)
	require.Len(t, env.notifier.sent, 1)
	require.Equal(t, "failed", env.notifier.sent[0].Status)
	require.Equal(t, "Request cancelled by user", env.notifier.sent[0].FailureReason)
}

func TestCallbackForUnknownRecordIsNoOp(t *testing.T) {
	env := newTestEnv()
	err := env.svc.IngestCallback(context.Background(), successCallback("ws_CO_unknown", "XYZ"))
	require.NoError(t, err)
	require.Zero(t, env.users.activations)
	require.Empty(t, env.notifier.sent)
}

func TestMalformedCallbackIsNoOp(t *testing.T) {
	env := newTestEnv()
	require.NoError(t, env.svc.IngestCallback(context.Background(), []byte("not json at all")))
	require.NoError(t, env.svc.IngestCallback(context.Background(), []byte(`{"Body":{}}`)))
	require.Empty(t, env.notifier.sent)
}

func TestNotificationFailureDoesNotUnwindTransition(t *testing.T) {
	env := newTestEnv()
	env.notifier.err = errors.New("sms provider down")

	result, err := env.svc.Initiate(context.Background(), subscriptionRequest())
	require.NoError(t, err)

	require.NoError(t, env.svc.IngestCallback(context.Background(), successCallback(result.CheckoutRequestID, "ABC123")))

	rec, err := env.payments.FindByCheckoutID(context.Background(), result.CheckoutRequestID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, rec.Status)
}

func TestReconcileResultMapping(t *testing.T) {
	cases := []struct {
		name       string
		resultCode string
		wantStatus models.PaymentStatus
		wantErr    error
	}{
		{name: "success completes", resultCode: "0", wantStatus: models.StatusCompleted},
		{name: "cancelled on device stays processing", resultCode: "1032", wantStatus: models.StatusProcessing, wantErr: ErrStillPending},
		{name: "any other code fails", resultCode: "1037", wantStatus: models.StatusFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv()
			result, err := env.svc.Initiate(context.Background(), subscriptionRequest())
			require.NoError(t, err)

			env.gateway.queryResp = &daraja.QueryResponse{
				ResponseCode: "0",
				ResultCode:   tc.resultCode,
				ResultDesc:   "desc",
			}

			rec, err := env.svc.Reconcile(context.Background(), result.CheckoutRequestID)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
			} else {
				require.NoError(t, err)
				require.Equal(t, tc.wantStatus, rec.Status)
			}

			stored, err := env.payments.FindByCheckoutID(context.Background(), result.CheckoutRequestID)
			require.NoError(t, err)
			require.Equal(t, tc.wantStatus, stored.Status)
		})
	}
}

func TestReconcileQueryFailureLeavesRecordUntouched(t *testing.T) {
	env := newTestEnv()
	result, err := env.svc.Initiate(context.Background(), subscriptionRequest())
	require.NoError(t, err)

	env.gateway.queryErr = &daraja.TransientError{Err: errors.New("connection reset")}

	_, err = env.svc.Reconcile(context.Background(), result.CheckoutRequestID)
	var transient *daraja.TransientError
	require.ErrorAs(t, err, &transient)

	rec, err := env.payments.FindByCheckoutID(context.Background(), result.CheckoutRequestID)
	require.NoError(t, err)
	require.Equal(t, models.StatusProcessing, rec.Status)
}

func TestDualPathEquivalence(t *testing.T) {
	// The callback path and the reconciliation path must land the record in
	// the same terminal state with the same side effects.
	callbackEnv := newTestEnv()
	cbResult, err := callbackEnv.svc.Initiate(context.Background(), subscriptionRequest())
	require.NoError(t, err)
	require.NoError(t, callbackEnv.svc.IngestCallback(context.Background(), successCallback(cbResult.CheckoutRequestID, "ABC123")))

	pollEnv := newTestEnv()
	pollResult, err := pollEnv.svc.Initiate(context.Background(), subscriptionRequest())
	require.NoError(t, err)
	pollEnv.gateway.queryResp = &daraja.QueryResponse{ResponseCode: "0", ResultCode: "0", ResultDesc: "processed successfully"}
	_, err = pollEnv.svc.Reconcile(context.Background(), pollResult.CheckoutRequestID)
	require.NoError(t, err)

	cbRec, err := callbackEnv.payments.FindByCheckoutID(context.Background(), cbResult.CheckoutRequestID)
	require.NoError(t, err)
	pollRec, err := pollEnv.payments.FindByCheckoutID(context.Background(), pollResult.CheckoutRequestID)
	require.NoError(t, err)

	require.Equal(t, cbRec.Status, pollRec.Status)
	require.Equal(t, callbackEnv.users.activations, pollEnv.users.activations)
	require.Len(t, callbackEnv.notifier.sent, 1)
	require.Len(t, pollEnv.notifier.sent, 1)
}

func TestRacingWriterLosesQuietly(t *testing.T) {
	env := newTestEnv()
	result, err := env.svc.Initiate(context.Background(), subscriptionRequest())
	require.NoError(t, err)

	// Callback settles first.
	require.NoError(t, env.svc.IngestCallback(context.Background(), successCallback(result.CheckoutRequestID, "ABC123")))

	// Reconciliation arrives second with the same outcome; it must observe
	// the terminal record and fire nothing.
	env.gateway.queryResp = &daraja.QueryResponse{ResponseCode: "0", ResultCode: "0", ResultDesc: "processed successfully"}
	rec, err := env.svc.Reconcile(context.Background(), result.CheckoutRequestID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, rec.Status)
	require.Zero(t, env.gateway.queryCalls)

	require.Equal(t, 1, env.users.activations)
	require.Len(t, env.notifier.sent, 1)
}

func TestStatusTriggersReconciliation(t *testing.T) {
	env := newTestEnv()
	result, err := env.svc.Initiate(context.Background(), subscriptionRequest())
	require.NoError(t, err)

	env.gateway.queryResp = &daraja.QueryResponse{ResponseCode: "0", ResultCode: "0", ResultDesc: "processed successfully"}

	rec, err := env.svc.Status(context.Background(), result.PaymentID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, rec.Status)
	require.Equal(t, 1, env.gateway.queryCalls)
}

func TestStatusStillPendingReturnsProcessing(t *testing.T) {
	env := newTestEnv()
	result, err := env.svc.Initiate(context.Background(), subscriptionRequest())
	require.NoError(t, err)

	env.gateway.queryResp = &daraja.QueryResponse{ResponseCode: "0", ResultCode: "1032", ResultDesc: "Request cancelled by user"}

	rec, err := env.svc.Status(context.Background(), result.PaymentID)
	require.NoError(t, err)
	require.Equal(t, models.StatusProcessing, rec.Status)
}
