package core

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultRelayInterval  = time.Second
	defaultRelayBatchSize = 100
)

// OutboxRelay drains pending outbox rows and applies them against the
// active scheduler provider. Rows are written in the same transaction
// as their ledger row, so a crash between commit and backend call
// only delays the arm/disarm until the relay's next pass.
type OutboxRelay struct {
	ledger   LedgerStore
	provider SchedulerProvider
	interval time.Duration
	batch    int
	log      zerolog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewOutboxRelay(ctx context.Context, ledger LedgerStore, provider SchedulerProvider, interval time.Duration, log zerolog.Logger) *OutboxRelay {
	if interval <= 0 {
		interval = DefaultRelayInterval
	}

	ctx, cancel := context.WithCancel(ctx)

	return &OutboxRelay{
		ledger:   ledger,
		provider: provider,
		interval: interval,
		batch:    defaultRelayBatchSize,
		log:      log.With().Str("component", "outbox_relay").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (r *OutboxRelay) Run() {
	go func() {
		r.log.Info().Dur("interval", r.interval).Msg("starting outbox relay")

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.ctx.Done():
				r.log.Info().Msg("outbox relay stopped")
				return
			case <-ticker.C:
				r.Drain(r.ctx)
			}
		}
	}()
}

func (r *OutboxRelay) Stop() {
	r.cancel()
}

// Drain applies one batch of pending rows in insertion order. A row
// that fails stays pending and is retried on the next pass.
func (r *OutboxRelay) Drain(ctx context.Context) {
	msgs, err := r.ledger.PendingOutbox(ctx, r.batch)

	if err != nil {
		r.log.Error().Err(err).Msg("failed to load pending outbox rows")
		return
	}

	for _, msg := range msgs {
		if err := r.apply(ctx, msg); err != nil {
			r.log.Warn().Err(err).Str("event_id", msg.EventID).Str("op", msg.Op).Msg("outbox row failed, will retry")
			continue
		}

		if err := r.ledger.MarkOutboxDispatched(ctx, msg.ID); err != nil {
			r.log.Error().Err(err).Int64("outbox_id", msg.ID).Msg("failed to mark outbox row dispatched")
		}
	}
}

func (r *OutboxRelay) apply(ctx context.Context, msg *OutboxMessage) error {
	switch msg.Op {
	case OutboxOpArm:
		_, err := r.provider.CreateSchedule(ctx, msg.EventID, msg.DueTime, msg.Payload)

		// Already armed counts as success: arming is idempotent per
		// schedule name.
		if errors.Is(err, ErrScheduleConflict) {
			return nil
		}

		return err
	case OutboxOpDisarm:
		return r.provider.DeleteSchedule(ctx, msg.EventID)
	default:
		r.log.Error().Str("op", msg.Op).Int64("outbox_id", msg.ID).Msg("unknown outbox op, dropping")
		return nil
	}
}
