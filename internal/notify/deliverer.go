package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Deliverer posts notification payloads to the platform's notification
// service, which owns the actual SMS/WhatsApp/email transports.
type Deliverer struct {
	url    string
	secret []byte
	client *resty.Client
	log    zerolog.Logger
}

// NewDeliverer creates a deliverer. An empty URL disables delivery; payloads
// are then logged and dropped.
func NewDeliverer(url, secret string, logger zerolog.Logger) *Deliverer {
	return &Deliverer{
		url:    url,
		secret: []byte(secret),
		client: resty.New().SetTimeout(10 * time.Second),
		log:    logger.With().Str("component", "notify.deliverer").Logger(),
	}
}

// Deliver posts one signed payload. asynq handles retries on error.
func (d *Deliverer) Deliver(ctx context.Context, payload []byte) error {
	if d.url == "" {
		d.log.Info().RawJSON("notification", payload).Msg("notification service not configured, dropping")
		return nil
	}

	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Signature", d.sign(payload)).
		SetBody(payload).
		Post(d.url)
	if err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("notification service returned status %d: %s", resp.StatusCode(), resp.String())
	}

	d.log.Debug().Int("status", resp.StatusCode()).Msg("notification delivered")
	return nil
}

func (d *Deliverer) sign(payload []byte) string {
	h := hmac.New(sha256.New, d.secret)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
