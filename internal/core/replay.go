package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ReplayProcessor reconciles the ledger with the active backend once
// at process startup. The backend's durable state may have diverged
// from the ledger (cache eviction, store restart, infra migration), so
// every incomplete register row is either dropped as expired or
// re-armed.
//
// Dropping instead of firing late is deliberate: a stale notification
// is worse than a skipped one.
type ReplayProcessor struct {
	ledger   LedgerStore
	provider SchedulerProvider
	log      zerolog.Logger
}

func NewReplayProcessor(ledger LedgerStore, provider SchedulerProvider, log zerolog.Logger) *ReplayProcessor {
	return &ReplayProcessor{
		ledger:   ledger,
		provider: provider,
		log:      log.With().Str("component", "replay").Logger(),
	}
}

// Replay never fails startup: per-entry failures are logged and
// skipped. The returned counts are expired vs replayed entries.
func (r *ReplayProcessor) Replay(ctx context.Context) (expired int, replayed int) {
	recs, err := r.ledger.FindIncompleteByClass(ctx, EventClassNotificationTimeout)

	if err != nil {
		r.log.Error().Err(err).Msg("failed to load incomplete events, skipping replay")
		return 0, 0
	}

	now := time.Now()

	for _, rec := range recs {
		var payload NotificationPayload

		if err := json.Unmarshal([]byte(rec.EventPayload), &payload); err != nil {
			r.log.Error().Err(err).Str("event_id", rec.EventID).Msg("malformed event payload, skipping")
			continue
		}

		if payload.DueTime.After(now) {
			if err := r.rearm(ctx, rec, payload); err != nil {
				r.log.Error().Err(err).Str("event_id", rec.EventID).Msg("failed to re-arm event")
				continue
			}

			r.log.Info().Str("event_id", rec.EventID).Time("due", payload.DueTime).Msg("replayed event")
			replayed++
			continue
		}

		if err := r.drop(ctx, rec); err != nil {
			r.log.Error().Err(err).Str("event_id", rec.EventID).Msg("failed to drop expired event")
			continue
		}

		r.log.Info().Str("event_id", rec.EventID).Time("due", payload.DueTime).Msg("dropped expired event")
		expired++
	}

	r.log.Info().Int("expired", expired).Int("replayed", replayed).Msg("replay finished")

	return expired, replayed
}

// drop marks an expired row completed and not consumed so it never
// fires.
func (r *ReplayProcessor) drop(ctx context.Context, rec *EventRecord) error {
	_, err := r.ledger.UpdateIncomplete(ctx, rec.EventID, func(tx LedgerTx, locked *EventRecord) error {
		locked.Complete()
		locked.MarkNotConsumed()

		return tx.Save(locked)
	})

	return err
}

// rearm recreates the backend handle for a row that survived the
// ledger. Delete first in case a stale handle is still armed; a
// conflict on create means another replica already re-armed it.
func (r *ReplayProcessor) rearm(ctx context.Context, rec *EventRecord, payload NotificationPayload) error {
	fire, err := EncodeFireMessage(payload.FireMessage(rec.EventID))

	if err != nil {
		return err
	}

	if err := r.provider.DeleteSchedule(ctx, rec.EventID); err != nil {
		r.log.Warn().Err(err).Str("event_id", rec.EventID).Msg("failed to delete stale schedule before re-arming")
	}

	if _, err := r.provider.CreateSchedule(ctx, rec.EventID, payload.DueTime, fire); err != nil {
		if errors.Is(err, ErrScheduleConflict) {
			return nil
		}

		return err
	}

	return nil
}
