package core

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/rs/zerolog"
	uuid "github.com/satori/go.uuid"
)

// ScheduleInput is the register request: which template to send to
// which users at which time.
type ScheduleInput struct {
	TemplateID      int64
	TemplateVersion *float32
	UserIDs         []int64
	DueTime         time.Time
}

// ScheduleTaskView is one armed schedule joined with its ledger row.
type ScheduleTaskView struct {
	TaskName        string
	TemplateID      int64
	TemplateVersion *float32
	UserIDs         []int64
	DueTime         time.Time
}

var eventIDPattern = regexp.MustCompile(`^[a-f0-9]{8}-([a-f0-9]{4}-){3}[a-f0-9]{12}$`)

// Service is the register API consumed by calling code.
type Service struct {
	dispatcher *Dispatcher
	ledger     LedgerStore
	provider   SchedulerProvider
	log        zerolog.Logger
}

func NewService(dispatcher *Dispatcher, ledger LedgerStore, provider SchedulerProvider, log zerolog.Logger) *Service {
	return &Service{
		dispatcher: dispatcher,
		ledger:     ledger,
		provider:   provider,
		log:        log.With().Str("component", "service").Logger(),
	}
}

// Schedule registers a notification and returns its event id. The due
// time must be strictly in the future.
func (s *Service) Schedule(ctx context.Context, in ScheduleInput) (string, error) {
	if !in.DueTime.After(time.Now()) {
		return "", ErrDueTimeInPast
	}

	eventID := uuid.NewV4().String()

	err := s.dispatcher.Dispatch(ctx, RegisterEvent{
		EventID: eventID,
		Payload: NotificationPayload{
			TemplateID:      in.TemplateID,
			TemplateVersion: in.TemplateVersion,
			UserIDs:         in.UserIDs,
			DueTime:         in.DueTime,
		},
	})

	if err != nil {
		return "", err
	}

	return eventID, nil
}

// Cancel drops a pending notification. Best effort on the backend
// side: the ledger transition is what actually prevents the send.
func (s *Service) Cancel(ctx context.Context, eventID string) error {
	return s.dispatcher.Dispatch(ctx, CancelEvent{EventID: eventID})
}

// BrowseScheduledTasks lists backend schedules joined with their
// ledger payloads. Backend entries whose name is not an event id
// (foreign schedules in a shared group) are skipped.
func (s *Service) BrowseScheduledTasks(ctx context.Context) ([]ScheduleTaskView, error) {
	names, err := s.provider.ListSchedules(ctx)

	if err != nil {
		return nil, err
	}

	var out []ScheduleTaskView

	for _, name := range names {
		if !eventIDPattern.MatchString(name) {
			continue
		}

		rec, err := s.ledger.FindByEventID(ctx, name)

		if err == ErrNotFound {
			continue
		}

		if err != nil {
			return nil, err
		}

		var payload NotificationPayload

		if err := json.Unmarshal([]byte(rec.EventPayload), &payload); err != nil {
			s.log.Warn().Err(err).Str("event_id", name).Msg("malformed event payload, skipping")
			continue
		}

		out = append(out, ScheduleTaskView{
			TaskName:        name,
			TemplateID:      payload.TemplateID,
			TemplateVersion: payload.TemplateVersion,
			UserIDs:         payload.UserIDs,
			DueTime:         payload.DueTime,
		})
	}

	return out, nil
}
