package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultReconcileSpec runs the reconciler at the top of every hour.
const DefaultReconcileSpec = "0 * * * *"

// Reconciler is the long-running counterpart of the replay processor:
// on a cron schedule it re-arms incomplete ledger rows whose backend
// handle disappeared after startup (index eviction, backend outage).
// Expired rows are left to the next restart's replay; the reconciler
// only repairs future schedules.
type Reconciler struct {
	ledger   LedgerStore
	provider SchedulerProvider
	spec     string
	cron     *cron.Cron
	log      zerolog.Logger
}

func NewReconciler(ledger LedgerStore, provider SchedulerProvider, spec string, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		ledger:   ledger,
		provider: provider,
		spec:     spec,
		cron:     cron.New(),
		log:      log.With().Str("component", "reconciler").Logger(),
	}
}

// Start schedules the reconcile job. An empty spec disables the
// reconciler.
func (r *Reconciler) Start() error {
	if r.spec == "" {
		r.log.Info().Msg("reconciler disabled")
		return nil
	}

	if _, err := r.cron.AddFunc(r.spec, func() {
		r.Reconcile(context.Background())
	}); err != nil {
		return err
	}

	r.cron.Start()
	r.log.Info().Str("spec", r.spec).Msg("reconciler started")

	return nil
}

func (r *Reconciler) Stop() {
	r.cron.Stop()
}

// Reconcile re-arms every incomplete future row missing from the
// backend. Returns the number of repaired schedules.
func (r *Reconciler) Reconcile(ctx context.Context) int {
	names, err := r.provider.ListSchedules(ctx)

	if err != nil {
		r.log.Error().Err(err).Msg("failed to list backend schedules")
		return 0
	}

	armed := make(map[string]struct{}, len(names))

	for _, name := range names {
		armed[name] = struct{}{}
	}

	recs, err := r.ledger.FindIncompleteByClass(ctx, EventClassNotificationTimeout)

	if err != nil {
		r.log.Error().Err(err).Msg("failed to load incomplete events")
		return 0
	}

	now := time.Now()
	repaired := 0

	for _, rec := range recs {
		if _, ok := armed[rec.EventID]; ok {
			continue
		}

		var payload NotificationPayload

		if err := json.Unmarshal([]byte(rec.EventPayload), &payload); err != nil {
			r.log.Error().Err(err).Str("event_id", rec.EventID).Msg("malformed event payload, skipping")
			continue
		}

		if !payload.DueTime.After(now) {
			continue
		}

		fire, err := EncodeFireMessage(payload.FireMessage(rec.EventID))

		if err != nil {
			r.log.Error().Err(err).Str("event_id", rec.EventID).Msg("failed to encode fire message")
			continue
		}

		if _, err := r.provider.CreateSchedule(ctx, rec.EventID, payload.DueTime, fire); err != nil && !errors.Is(err, ErrScheduleConflict) {
			r.log.Error().Err(err).Str("event_id", rec.EventID).Msg("failed to re-arm schedule")
			continue
		}

		r.log.Info().Str("event_id", rec.EventID).Time("due", payload.DueTime).Msg("re-armed schedule missing from backend")
		repaired++
	}

	if repaired > 0 {
		r.log.Info().Int("repaired", repaired).Msg("reconcile finished")
	}

	return repaired
}
