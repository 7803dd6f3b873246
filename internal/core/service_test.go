package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestService(ledger *memLedger, provider *memProvider) *Service {
	d := NewDispatcher(
		ledger,
		&stubTemplates{template: Template{Subject: "Hello", Body: "<p>Hi</p>"}},
		&stubDirectory{recipients: []Recipient{{ID: 7, Email: "seven@example.com"}}},
		&countingMailer{},
		&memHistory{},
		provider.ProviderType(),
		zerolog.Nop(),
	)

	return NewService(d, ledger, provider, zerolog.Nop())
}

func TestService_ScheduleRejectsPastDueTime(t *testing.T) {
	svc := newTestService(newMemLedger(), newMemProvider())

	_, err := svc.Schedule(context.Background(), ScheduleInput{
		TemplateID: 1,
		UserIDs:    []int64{7},
		DueTime:    time.Now().Add(-time.Minute),
	})

	if !errors.Is(err, ErrDueTimeInPast) {
		t.Fatalf("Expected ErrDueTimeInPast, got: %v\n", err)
	}
}

func TestService_ScheduleReturnsEventID(t *testing.T) {
	ledger := newMemLedger()
	svc := newTestService(ledger, newMemProvider())

	eventID, err := svc.Schedule(context.Background(), ScheduleInput{
		TemplateID: 1,
		UserIDs:    []int64{7},
		DueTime:    time.Now().Add(time.Hour),
	})

	if err != nil {
		t.Fatalf("An error occurred while scheduling: %v\n", err)
	}

	if !eventIDPattern.MatchString(eventID) {
		t.Fatalf("The event id must be a uuid, got: %s\n", eventID)
	}

	if _, err := ledger.FindByEventID(context.Background(), eventID); err != nil {
		t.Fatalf("The ledger row is missing: %v\n", err)
	}
}

func TestService_BrowseJoinsBackendWithLedger(t *testing.T) {
	ctx := context.Background()

	ledger := newMemLedger()
	provider := newMemProvider()
	svc := newTestService(ledger, provider)

	due := time.Now().Add(time.Hour)

	eventID, err := svc.Schedule(ctx, ScheduleInput{
		TemplateID: 42,
		UserIDs:    []int64{7, 8},
		DueTime:    due,
	})

	if err != nil {
		t.Fatalf("An error occurred while scheduling: %v\n", err)
	}

	relay := NewOutboxRelay(ctx, ledger, provider, time.Hour, zerolog.Nop())
	relay.Drain(ctx)
	relay.Stop()

	// Foreign schedules sharing the backend must be skipped.
	provider.entries["nightly-report"] = ScheduleEntry{Name: "nightly-report", DueTime: due}

	views, err := svc.BrowseScheduledTasks(ctx)

	if err != nil {
		t.Fatalf("An error occurred while browsing: %v\n", err)
	}

	if len(views) != 1 {
		t.Fatalf("Expected exactly one view, got: %+v\n", views)
	}

	view := views[0]

	if view.TaskName != eventID || view.TemplateID != 42 || len(view.UserIDs) != 2 {
		t.Fatalf("Wrong view: %+v\n", view)
	}

	if !view.DueTime.Equal(due) {
		t.Fatalf("Wrong due time: expected: %v, got: %v\n", due, view.DueTime)
	}
}

func TestService_CancelUnknownEventFails(t *testing.T) {
	svc := newTestService(newMemLedger(), newMemProvider())

	err := svc.Cancel(context.Background(), "0b38b77e-3f6a-4b58-b7a4-6a7a3b5e2f01")

	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got: %v\n", err)
	}
}
