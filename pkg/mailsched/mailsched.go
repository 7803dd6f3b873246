// Package mailsched is the embeddable register API for the scheduled
// email dispatch engine. Callers construct a Service around their own
// collaborator implementations and use it to schedule, cancel and
// browse notifications; the engine's background loops (monitor, relay,
// consumer) run in the mailsched server process.
package mailsched

import (
	"github.com/crmstack/mailsched/internal/core"
	"github.com/rs/zerolog"
)

type (
	ScheduleInput    = core.ScheduleInput
	ScheduleTaskView = core.ScheduleTaskView
	Service          = core.Service

	LedgerStore        = core.LedgerStore
	SchedulerProvider  = core.SchedulerProvider
	TemplateRepository = core.TemplateRepository
	RecipientDirectory = core.RecipientDirectory
	MailSender         = core.MailSender
	SendHistorySink    = core.SendHistorySink
)

var (
	ErrDueTimeInPast    = core.ErrDueTimeInPast
	ErrNotFound         = core.ErrNotFound
	ErrScheduleConflict = core.ErrScheduleConflict
)

// New wires a Service around the given ledger, provider and
// collaborators.
func New(
	ledger LedgerStore,
	provider SchedulerProvider,
	templates TemplateRepository,
	recipients RecipientDirectory,
	mail MailSender,
	history SendHistorySink,
	log zerolog.Logger,
) *Service {
	dispatcher := core.NewDispatcher(ledger, templates, recipients, mail, history, provider.ProviderType(), log)

	return core.NewService(dispatcher, ledger, provider, log)
}
