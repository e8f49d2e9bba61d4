package lease

import (
	"testing"

	"github.com/Xuanwo/djos-migrate/internal/kernel"
)

func TestServerTableAllocateAndHasFree(t *testing.T) {
	table := NewServerTable(1)

	if !table.HasFree() {
		t.Fatal("fresh table should have a free entry")
	}
	idx := table.Allocate(10, 20, 1000, 0xdead)
	if idx < 0 {
		t.Fatal("expected allocation to succeed")
	}
	if table.HasFree() {
		t.Fatal("table should be full after one allocation")
	}
	if idx2 := table.Allocate(11, 21, 1000, 0); idx2 != -1 {
		t.Fatalf("expected NoLease (-1), got %d", idx2)
	}

	entry, ok := table.Get(idx)
	if !ok || entry.SrcEID != 10 || entry.DstEID != 20 || entry.Status != SBusy {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestServerTableGCEvictsExpiredBusyEntries(t *testing.T) {
	table := NewServerTable(2)
	table.Allocate(1, 100, 0, 0)
	table.Allocate(2, 200, 5000, 0)

	evicted := table.GC(5000, 1000)
	if len(evicted) != 1 || evicted[0] != 100 {
		t.Fatalf("expected only the stale entry's dst env to be evicted, got %v", evicted)
	}
	if _, ok := table.Get(table.FindBySrc(1)); ok {
		t.Fatal("expired entry should have been destroyed")
	}
	if _, ok := table.Get(table.FindBySrc(2)); !ok {
		t.Fatal("fresh entry should still be present")
	}
}

func TestServerTableSweepCompletedReapsFinishedAliens(t *testing.T) {
	table := NewServerTable(2)
	idx := table.Allocate(1, 100, 0, 0)
	table.SetStatus(idx, SDone)

	table.SweepCompleted(func(id kernel.EnvID) (kernel.Status, bool) {
		return kernel.Free, false
	})

	if _, ok := table.Get(idx); ok {
		t.Fatal("DONE entry whose dst has left alien state should be reaped")
	}
}
