package daraja

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Retry policy shared by every gateway call: 3 attempts, exponential wait
// between 1s and 5s, 15s per attempt. A 4xx is a definitive rejection and is
// never retried; 5xx, connection errors, and timeouts are.
const (
	attemptTimeout = 15 * time.Second
	retryCount     = 2
	retryWaitMin   = 1 * time.Second
	retryWaitMax   = 5 * time.Second
)

func newRestyClient() *resty.Client {
	return resty.New().
		SetTimeout(attemptTimeout).
		SetRetryCount(retryCount).
		SetRetryWaitTime(retryWaitMin).
		SetRetryMaxWaitTime(retryWaitMax).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= http.StatusInternalServerError
		})
}

// Client submits STK push and status-query requests to the gateway.
type Client struct {
	cfg    Config
	tokens *TokenService
	http   *resty.Client
	log    zerolog.Logger
}

// NewClient builds a gateway client and its token cache.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		tokens: NewTokenService(cfg, logger),
		http:   newRestyClient(),
		log:    logger.With().Str("component", "daraja.client").Logger(),
	}
}

// Config exposes the client's configuration for routing decisions.
func (c *Client) Config() Config { return c.cfg }

// PushRequest is an initiation order for one STK push.
type PushRequest struct {
	PhoneNumber      string
	Amount           decimal.Decimal
	AccountReference string
	Description      string
	Mode             Mode
}

// stkPushPayload is the gateway wire format for a push submission.
type stkPushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// PushResponse carries the gateway's acceptance of a push submission.
type PushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// STKPush submits a push-payment request. The amount is rounded, not
// truncated, to a whole unit; the gateway only accepts integer amounts.
func (c *Client) STKPush(ctx context.Context, req PushRequest) (*PushResponse, error) {
	cred, err := c.cfg.CredentialFor(req.Mode)
	if err != nil {
		return nil, err
	}

	token, err := c.tokens.GetToken(ctx)
	if err != nil {
		return nil, err
	}

	password, timestamp := Password(cred, time.Now())

	payload := stkPushPayload{
		BusinessShortCode: cred.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   TransactionType(req.Mode),
		Amount:            req.Amount.Round(0).StringFixed(0),
		PartyA:            req.PhoneNumber,
		PartyB:            cred.ShortCode,
		PhoneNumber:       req.PhoneNumber,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  req.AccountReference,
		TransactionDesc:   req.Description,
	}

	var out PushResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		SetResult(&out).
		Post(c.cfg.baseURL() + pushPath)
	if err := classify(resp, err); err != nil {
		return nil, err
	}

	if out.ResponseCode != "0" {
		return nil, &RejectionError{
			StatusCode: resp.StatusCode(),
			Body:       fmt.Sprintf("response code %s: %s", out.ResponseCode, out.ResponseDescription),
		}
	}

	c.log.Info().
		Str("checkout_request_id", out.CheckoutRequestID).
		Str("mode", string(req.Mode)).
		Msg("stk push accepted")

	return &out, nil
}

// queryPayload is the gateway wire format for a status query.
type queryPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

// QueryResponse carries the gateway's view of a push request's outcome.
// ResultCode is a string on this endpoint, unlike the integer on callbacks.
type QueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// QueryStatus asks the gateway directly for the outcome of a push request.
// Used when no callback has arrived for a record still processing.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string, mode Mode) (*QueryResponse, error) {
	cred, err := c.cfg.CredentialFor(mode)
	if err != nil {
		return nil, err
	}

	token, err := c.tokens.GetToken(ctx)
	if err != nil {
		return nil, err
	}

	password, timestamp := Password(cred, time.Now())

	payload := queryPayload{
		BusinessShortCode: cred.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	var out QueryResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		SetResult(&out).
		Post(c.cfg.baseURL() + queryPath)
	if err := classify(resp, err); err != nil {
		return nil, err
	}

	return &out, nil
}

// classify maps a resty outcome onto the error taxonomy. A non-nil err here
// means resty already exhausted its retries.
func classify(resp *resty.Response, err error) error {
	if err != nil {
		return &TransientError{Err: err}
	}
	status := resp.StatusCode()
	switch {
	case status >= http.StatusInternalServerError:
		return &TransientError{StatusCode: status, Body: resp.String()}
	case status >= http.StatusBadRequest:
		return &RejectionError{StatusCode: status, Body: resp.String()}
	}
	return nil
}
