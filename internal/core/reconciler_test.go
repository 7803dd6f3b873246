package core

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestReconciler_RepairsMissingSchedules(t *testing.T) {
	ctx := context.Background()

	ledger := newMemLedger()
	registerLedgerRow(t, ledger, "e1", time.Now().Add(time.Hour))
	registerLedgerRow(t, ledger, "e2", time.Now().Add(time.Hour))

	provider := newMemProvider()
	provider.entries["e2"] = ScheduleEntry{Name: "e2", DueTime: time.Now().Add(time.Hour)}

	reconciler := NewReconciler(ledger, provider, DefaultReconcileSpec, zerolog.Nop())

	repaired := reconciler.Reconcile(ctx)

	if repaired != 1 {
		t.Fatalf("Only the missing schedule must be repaired: expected: 1, got: %d\n", repaired)
	}

	if _, ok := provider.entries["e1"]; !ok {
		t.Fatalf("The missing schedule must be re-armed\n")
	}
}

func TestReconciler_LeavesExpiredRowsAlone(t *testing.T) {
	ctx := context.Background()

	ledger := newMemLedger()
	registerLedgerRow(t, ledger, "e1", time.Now().Add(-time.Hour))

	provider := newMemProvider()
	reconciler := NewReconciler(ledger, provider, DefaultReconcileSpec, zerolog.Nop())

	if repaired := reconciler.Reconcile(ctx); repaired != 0 {
		t.Fatalf("Expired rows must not be re-armed, got: %d\n", repaired)
	}

	if len(provider.entries) != 0 {
		t.Fatalf("Expired rows must not reach the backend, got: %v\n", provider.entries)
	}
}

func TestReconciler_EmptySpecDisables(t *testing.T) {
	reconciler := NewReconciler(newMemLedger(), newMemProvider(), "", zerolog.Nop())

	if err := reconciler.Start(); err != nil {
		t.Fatalf("An empty spec must disable the reconciler, got: %v\n", err)
	}

	reconciler.Stop()
}
