// Package notify adapts the external notification capability. The engine
// only enqueues; delivery happens in the worker and is best-effort.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/kodisha/billing/internal/settlement"
)

// TaskTypePaymentOutcome is the asynq task carrying one outcome
// notification.
const TaskTypePaymentOutcome = "notification:payment_outcome"

// Enqueuer implements settlement.Notifier by handing notifications to the
// task queue.
type Enqueuer struct {
	client *asynq.Client
	log    zerolog.Logger
}

// NewEnqueuer creates the queue-backed notifier.
func NewEnqueuer(client *asynq.Client, logger zerolog.Logger) *Enqueuer {
	return &Enqueuer{
		client: client,
		log:    logger.With().Str("component", "notify.enqueuer").Logger(),
	}
}

// PaymentOutcome enqueues the notification for background delivery.
func (e *Enqueuer) PaymentOutcome(_ context.Context, n settlement.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	info, err := e.client.Enqueue(
		asynq.NewTask(TaskTypePaymentOutcome, payload),
		asynq.Queue("default"),
		asynq.MaxRetry(3),
	)
	if err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}

	e.log.Debug().Str("task_id", info.ID).Str("status", n.Status).Msg("outcome notification queued")
	return nil
}
