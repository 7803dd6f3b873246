package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Dispatcher owns the two-phase event protocol. Register and cancel
// are bookkeeping; invoke is the one side-effecting phase and is
// guarded by the ledger's row lock, which makes redelivered fire
// signals no-ops.
type Dispatcher struct {
	ledger       LedgerStore
	templates    TemplateRepository
	recipients   RecipientDirectory
	mail         MailSender
	history      SendHistorySink
	providerType string
	log          zerolog.Logger
}

func NewDispatcher(
	ledger LedgerStore,
	templates TemplateRepository,
	recipients RecipientDirectory,
	mail MailSender,
	history SendHistorySink,
	providerType string,
	log zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		ledger:       ledger,
		templates:    templates,
		recipients:   recipients,
		mail:         mail,
		history:      history,
		providerType: providerType,
		log:          log.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch routes an event to its handler. The switch is exhaustive
// over the Event variants.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	switch ev := ev.(type) {
	case RegisterEvent:
		return d.handleRegister(ctx, ev)
	case InvokeEvent:
		return d.handleInvoke(ctx, ev)
	case CancelEvent:
		return d.handleCancel(ctx, ev)
	default:
		return fmt.Errorf("unhandled event type %T", ev)
	}
}

// handleRegister writes the pending ledger row and an arm outbox row
// in one transaction. Arming the backend happens in the outbox relay,
// so the registration survives a crash between commit and arm.
func (d *Dispatcher) handleRegister(ctx context.Context, ev RegisterEvent) error {
	if !ev.Payload.DueTime.After(time.Now()) {
		return ErrDueTimeInPast
	}

	payload, err := json.Marshal(ev.Payload)

	if err != nil {
		return err
	}

	fire, err := EncodeFireMessage(ev.Payload.FireMessage(ev.EventID))

	if err != nil {
		return err
	}

	rec := &EventRecord{
		EventID:      ev.EventID,
		EventClass:   EventClassNotificationTimeout,
		EventPayload: string(payload),
		ScheduledAt:  d.providerType,
	}

	msg := &OutboxMessage{
		EventID: ev.EventID,
		Op:      OutboxOpArm,
		Payload: fire,
		DueTime: ev.Payload.DueTime,
	}

	if err := d.ledger.Register(ctx, rec, msg); err != nil {
		return fmt.Errorf("failed to register event %s: %w", ev.EventID, err)
	}

	d.log.Info().Str("event_id", ev.EventID).Time("due", ev.Payload.DueTime).Msg("registered scheduled event")

	return nil
}

// handleInvoke marks the row completed and sends the email inside the
// row lock. A concurrent duplicate delivery blocks on the lock, then
// observes completed=true and returns without sending.
func (d *Dispatcher) handleInvoke(ctx context.Context, ev InvokeEvent) error {
	handled, err := d.ledger.UpdateIncomplete(ctx, ev.EventID, func(tx LedgerTx, rec *EventRecord) error {
		rec.Complete()

		if err := tx.Save(rec); err != nil {
			return err
		}

		template, err := d.templates.Lookup(ctx, ev.TemplateID, ev.TemplateVersion)

		if err != nil {
			return fmt.Errorf("failed to resolve template %d: %w", ev.TemplateID, err)
		}

		recipients, err := d.recipients.Resolve(ctx, ev.UserIDs)

		if err != nil {
			return fmt.Errorf("failed to resolve recipients: %w", err)
		}

		for _, r := range recipients {
			messageID, err := d.mail.Send(ctx, r.Email, template.Subject, template.Body)

			if err != nil {
				return err
			}

			if err := d.history.Record(ctx, r.ID, messageID, template.Body, SendStatusSent); err != nil {
				return err
			}
		}

		return nil
	})

	if err != nil {
		return fmt.Errorf("failed to invoke event %s: %w", ev.EventID, err)
	}

	if !handled {
		d.log.Debug().Str("event_id", ev.EventID).Msg("fire signal for already handled event, skipping")
		return nil
	}

	d.log.Info().Str("event_id", ev.EventID).Msg("invoked scheduled event")

	return nil
}

// handleCancel commits the ledger transition before the backend
// delete: the disarm outbox row is written under the same lock, so a
// fire signal racing with the cancel either loses the lock and
// no-ops, or completes first and the cancel reports ErrNotFound.
func (d *Dispatcher) handleCancel(ctx context.Context, ev CancelEvent) error {
	handled, err := d.ledger.UpdateIncomplete(ctx, ev.EventID, func(tx LedgerTx, rec *EventRecord) error {
		rec.Cancel()

		if err := tx.Save(rec); err != nil {
			return err
		}

		return tx.AppendOutbox(&OutboxMessage{
			EventID: ev.EventID,
			Op:      OutboxOpDisarm,
			DueTime: time.Now(),
		})
	})

	if err != nil {
		return fmt.Errorf("failed to cancel event %s: %w", ev.EventID, err)
	}

	if !handled {
		return fmt.Errorf("cancel event %s: %w", ev.EventID, ErrNotFound)
	}

	d.log.Info().Str("event_id", ev.EventID).Msg("canceled scheduled event")

	return nil
}
