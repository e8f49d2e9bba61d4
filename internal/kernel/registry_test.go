package kernel

import (
	"testing"

	"github.com/Xuanwo/djos-migrate/internal/kernelerr"
)

func TestAllocAssignsDistinctSlotsAndGenerations(t *testing.T) {
	r := NewRegistry(nil)

	first, err := r.Alloc(0)
	if err != nil {
		t.Fatalf("first alloc: %v", err)
	}
	if err := r.Destroy(first); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	second, err := r.Alloc(0)
	if err != nil {
		t.Fatalf("second alloc: %v", err)
	}

	if first.Slot() != second.Slot() {
		t.Fatalf("expected slot reuse, got %d and %d", first.Slot(), second.Slot())
	}
	if first.Generation() == second.Generation() {
		t.Fatal("expected generation to change across slot reuse")
	}
}

func TestSetStatusEnforcesTransitionTable(t *testing.T) {
	r := NewRegistry(nil)
	id, _ := r.Alloc(0)

	if err := r.SetStatus(id, Suspended); err != nil {
		t.Fatalf("RUNNABLE->SUSPENDED should be allowed: %v", err)
	}
	if err := r.SetStatus(id, NotRunnable); err == nil {
		t.Fatal("SUSPENDED->NOT_RUNNABLE should be rejected")
	}
	if err := r.SetStatus(id, Leased); err != nil {
		t.Fatalf("SUSPENDED->LEASED should be allowed: %v", err)
	}
	if err := r.SetStatus(id, Runnable); err == nil {
		t.Fatal("LEASED->RUNNABLE should be rejected")
	}
}

func TestLookupByIDRejectsStaleGeneration(t *testing.T) {
	r := NewRegistry(nil)
	id, _ := r.Alloc(0)
	_ = r.Destroy(id)

	if _, err := r.LookupByID(0, id, false); err != kernelerr.BadEnv {
		t.Fatalf("expected BadEnv for stale id, got %v", err)
	}
}

func TestHandlePageFaultAllocatesAtAlignedVA(t *testing.T) {
	r := NewRegistry(nil)
	id, _ := r.Alloc(0)

	va := uint32(UTEXT + 17)
	if err := r.HandlePageFault(id, va); err != nil {
		t.Fatalf("fault handling: %v", err)
	}
	perm, ok := r.pt.LookupPerm(id, va&^(PageSize-1))
	if !ok {
		t.Fatal("expected a page to be allocated")
	}
	if perm&PermW == 0 {
		t.Fatal("lazily allocated page should be writable")
	}
}

type fakeNotifier struct {
	leaseReqs []EnvID
	ipcs      []IPCPacket
}

func (f *fakeNotifier) ClientLeaseRequest(id EnvID, _ uint32) { f.leaseReqs = append(f.leaseReqs, id) }
func (f *fakeNotifier) ClientLeaseCompleted(EnvID)            {}
func (f *fakeNotifier) ClientSendIPC(pkt IPCPacket)           { f.ipcs = append(f.ipcs, pkt) }

func TestMigrateRequiresRegisteredGateway(t *testing.T) {
	r := NewRegistry(nil)
	id, _ := r.Alloc(0)

	if err := r.Migrate(id, 0); err != kernelerr.BadEnv {
		t.Fatalf("expected BadEnv with no gateway registered, got %v", err)
	}

	gwID, _ := r.Alloc(0)
	_ = r.RegisterGateway(gwID)

	n := &fakeNotifier{}
	r.SetGatewayNotifier(n)

	if err := r.Migrate(id, 0x1000); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e, _ := r.LookupByID(0, id, false)
	if e.Status != Suspended {
		t.Fatalf("expected SUSPENDED after migrate, got %v", e.Status)
	}
	if len(n.leaseReqs) != 1 || n.leaseReqs[0] != id {
		t.Fatalf("expected notifier to be told about %v, got %v", id, n.leaseReqs)
	}
}

func TestIPCTrySendDeliversToRecvingTarget(t *testing.T) {
	r := NewRegistry(nil)
	sender, _ := r.Alloc(0)
	target, _ := r.Alloc(0)

	e, _ := r.lookupLocked(target)
	e.IPC.Recving = true

	if err := r.IPCTrySend(sender, target, 42, 0, 0, false); err != nil {
		t.Fatalf("ipc send: %v", err)
	}
	if e.IPC.Value != 42 || e.IPC.FromID != sender {
		t.Fatalf("target did not receive the packet: %+v", e.IPC)
	}
	if e.Status != Runnable {
		t.Fatalf("target should be woken to RUNNABLE, got %v", e.Status)
	}
}

func TestIPCTrySendRejectsNonRecvingTarget(t *testing.T) {
	r := NewRegistry(nil)
	sender, _ := r.Alloc(0)
	target, _ := r.Alloc(0)

	if err := r.IPCTrySend(sender, target, 1, 0, 0, false); err != kernelerr.IpcNotRecv {
		t.Fatalf("expected IpcNotRecv, got %v", err)
	}
}
