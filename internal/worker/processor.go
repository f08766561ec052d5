package worker

import (
	"context"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/kodisha/billing/internal/notify"
	"github.com/kodisha/billing/internal/settlement"
)

// TypeProcessCallback is the asynq task carrying one raw gateway callback
// body.
const TypeProcessCallback = "callback:process"

// NewProcessCallbackTask wraps a raw callback body for background
// processing.
func NewProcessCallbackTask(payload []byte) *asynq.Task {
	return asynq.NewTask(TypeProcessCallback, payload)
}

// Processor hosts the asynq task handlers.
type Processor struct {
	engine    *settlement.Service
	deliverer *notify.Deliverer
	log       zerolog.Logger
}

// NewProcessor creates the worker processor.
func NewProcessor(engine *settlement.Service, deliverer *notify.Deliverer, logger zerolog.Logger) *Processor {
	return &Processor{
		engine:    engine,
		deliverer: deliverer,
		log:       logger.With().Str("component", "worker").Logger(),
	}
}

// Register attaches all task handlers to the mux.
func (p *Processor) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeProcessCallback, p.HandleCallback)
	mux.HandleFunc(notify.TaskTypePaymentOutcome, p.HandleNotification)
}

// HandleCallback applies a gateway callback through the settlement engine.
// Malformed or unknown callbacks are absorbed there; an error here means a
// storage failure worth retrying.
func (p *Processor) HandleCallback(ctx context.Context, t *asynq.Task) error {
	if err := p.engine.IngestCallback(ctx, t.Payload()); err != nil {
		p.log.Error().Err(err).Msg("callback processing failed, will retry")
		return err
	}
	return nil
}

// HandleNotification delivers one outcome notification.
func (p *Processor) HandleNotification(ctx context.Context, t *asynq.Task) error {
	return p.deliverer.Deliver(ctx, t.Payload())
}
