package core

import (
	"context"
	"errors"
	"time"
)

var ErrScheduleConflict = errors.New("a schedule with this name already exists")

// ScheduleEntry is the backend-specific handle for an armed future
// trigger. Payload is the opaque fire-message body the backend will
// deliver when the entry comes due.
type ScheduleEntry struct {
	Name    string    `json:"name"`
	DueTime time.Time `json:"dueTime"`
	Payload string    `json:"payload"`
}

// SchedulerProvider abstracts the scheduling backend: a managed
// external time-based scheduler or the self-hosted poll-based one.
// Implementations report duplicate names as ErrScheduleConflict so
// callers can tell "already armed" apart from transient failure.
type SchedulerProvider interface {
	CreateSchedule(ctx context.Context, name string, dueTime time.Time, payload string) (string, error)
	ListSchedules(ctx context.Context) ([]string, error)
	DeleteSchedule(ctx context.Context, name string) error
	ProviderType() string
}

// PolledProvider is the extra surface the Schedule Monitor needs from
// the self-hosted backend. ClaimDue atomically removes the entries it
// returns, so two replicas polling the same index never hand the same
// entry to both executors. Rearm puts a claimed entry back with its
// original score after a failed publish.
type PolledProvider interface {
	SchedulerProvider
	FetchDue(ctx context.Context, now time.Time) ([]ScheduleEntry, error)
	ClaimDue(ctx context.Context, now time.Time) ([]ScheduleEntry, error)
	Rearm(ctx context.Context, entry ScheduleEntry) error
}
