package core

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestMonitor_DispatchesDueEntries(t *testing.T) {
	ctx := context.Background()

	provider := newMemProvider()
	provider.entries["e1"] = ScheduleEntry{Name: "e1", DueTime: time.Now().Add(-time.Second), Payload: "{}"}
	provider.entries["e2"] = ScheduleEntry{Name: "e2", DueTime: time.Now().Add(time.Hour), Payload: "{}"}

	executor := &capturingExecutor{}
	monitor := NewScheduleMonitor(ctx, provider, executor, time.Second, zerolog.Nop())
	defer monitor.Stop()

	monitor.Tick()

	if len(executor.executed) != 1 || executor.executed[0].Name != "e1" {
		t.Fatalf("Only the due entry must be dispatched, got: %+v\n", executor.executed)
	}

	names, _ := provider.ListSchedules(ctx)

	if len(names) != 1 || names[0] != "e2" {
		t.Fatalf("The dispatched entry must be removed, got: %v\n", names)
	}
}

func TestMonitor_RearmsOnPublishFailure(t *testing.T) {
	ctx := context.Background()

	due := time.Now().Add(-time.Second)

	provider := newMemProvider()
	provider.entries["e1"] = ScheduleEntry{Name: "e1", DueTime: due, Payload: "{}"}

	executor := &capturingExecutor{fail: true}
	monitor := NewScheduleMonitor(ctx, provider, executor, time.Second, zerolog.Nop())
	defer monitor.Stop()

	monitor.Tick()

	entry, ok := provider.entries["e1"]

	if !ok {
		t.Fatalf("A failed publish must leave the entry armed\n")
	}

	if !entry.DueTime.Equal(due) {
		t.Fatalf("The re-armed entry must keep its original due time: expected: %v, got: %v\n", due, entry.DueTime)
	}

	executor.fail = false

	monitor.Tick()

	if len(executor.executed) != 1 {
		t.Fatalf("The re-armed entry must be dispatched on the next tick: expected: 1, got: %d\n", len(executor.executed))
	}
}

func TestMonitor_NoopWhenNothingDue(t *testing.T) {
	ctx := context.Background()

	provider := newMemProvider()
	provider.entries["e1"] = ScheduleEntry{Name: "e1", DueTime: time.Now().Add(time.Hour), Payload: "{}"}

	executor := &capturingExecutor{}
	monitor := NewScheduleMonitor(ctx, provider, executor, time.Second, zerolog.Nop())
	defer monitor.Stop()

	monitor.Tick()

	if len(executor.executed) != 0 {
		t.Fatalf("Nothing is due, nothing must be dispatched, got: %+v\n", executor.executed)
	}
}
