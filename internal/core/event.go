package core

import (
	"encoding/json"
	"errors"
	"time"
)

// EventClassNotificationTimeout tags ledger rows created by the
// register phase of the notification dispatch protocol.
const EventClassNotificationTimeout = "NotificationEmailTimeoutEvent"

var ErrDueTimeInPast = errors.New("due time must be strictly in the future")

// EventRecord is a durable ledger row tracking whether a scheduled
// notification has fired. Completed is monotonic: it never goes back
// to false once set, and a row is eligible to fire only while it is
// false.
type EventRecord struct {
	ID            int64
	EventID       string
	EventClass    string
	EventPayload  string
	Completed     bool
	IsNotConsumed bool
	Canceled      bool
	ScheduledAt   string
	CreatedAt     time.Time
}

func (r *EventRecord) Complete() {
	r.Completed = true
}

func (r *EventRecord) MarkNotConsumed() {
	r.IsNotConsumed = true
}

func (r *EventRecord) Cancel() {
	r.Completed = true
	r.IsNotConsumed = true
	r.Canceled = true
}

// NotificationPayload is the serialized content of a register-event
// ledger row: everything needed to replay the action after a restart.
type NotificationPayload struct {
	TemplateID      int64     `json:"templateId"`
	TemplateVersion *float32  `json:"templateVersion,omitempty"`
	UserIDs         []int64   `json:"userIds"`
	DueTime         time.Time `json:"dueTime"`
}

// FireMessage is the body published on the fire queue and carried as
// the managed scheduler's target input.
type FireMessage struct {
	EventID         string   `json:"eventId"`
	TemplateID      int64    `json:"templateId"`
	TemplateVersion *float32 `json:"templateVersion,omitempty"`
	UserIDs         []int64  `json:"userIds"`
}

func (p NotificationPayload) FireMessage(eventID string) FireMessage {
	return FireMessage{
		EventID:         eventID,
		TemplateID:      p.TemplateID,
		TemplateVersion: p.TemplateVersion,
		UserIDs:         p.UserIDs,
	}
}

func EncodeFireMessage(m FireMessage) (string, error) {
	b, err := json.Marshal(m)

	if err != nil {
		return "", err
	}

	return string(b), nil
}

// Event is the variant type handled by Dispatcher. Exactly three
// variants exist; Dispatcher.Dispatch switches over all of them.
type Event interface {
	eventID() string
}

// RegisterEvent records the intent to send a notification at
// Payload.DueTime. Handling it is repeatable bookkeeping: it only adds
// a ledger row and an outbox row.
type RegisterEvent struct {
	EventID string
	Payload NotificationPayload
}

func (e RegisterEvent) eventID() string { return e.EventID }

// InvokeEvent is the fire signal. Handling it is side-effecting and
// must happen at most once per event id.
type InvokeEvent struct {
	EventID         string
	TemplateID      int64
	TemplateVersion *float32
	UserIDs         []int64
}

func (e InvokeEvent) eventID() string { return e.EventID }

// CancelEvent drops a pending notification before it fires.
type CancelEvent struct {
	EventID string
}

func (e CancelEvent) eventID() string { return e.EventID }

// Outbox operations relayed to the active scheduler provider.
const (
	OutboxOpArm    = "arm"
	OutboxOpDisarm = "disarm"
)

// OutboxMessage is written in the same transaction as its ledger row,
// so arming or disarming the backend is never lost when the in-process
// call fails. The relay drains pending rows in insertion order.
type OutboxMessage struct {
	ID         int64
	EventID    string
	Op         string
	Payload    string
	DueTime    time.Time
	Dispatched bool
	CreatedAt  time.Time
}
