// Package kernel implements the environment state machine, page storage,
// and IPC bridge of spec.md §4.1 and §4.6: the kernel-side primitives the
// migration gateways sit on top of. Exported Registry methods that touch the
// env table take the registry's single mutex, modeling "a trap from user
// mode acquires the kernel lock before any kernel-state mutation" from
// spec.md §5 — there is no finer-grained locking because the lab this is
// drawn from has none either. The mutex is not held for the whole call
// everywhere: CopyMem and SetThisEnv release it before copying page bytes,
// the IPC bridge and Migrate release it while calling the gateway notifier,
// and calls made directly on the PageTable returned by PageTable are not
// guarded by it.
package kernel

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/Xuanwo/djos-migrate/internal/kernelerr"
)

// GatewayNotifier is how the kernel hands off work it cannot itself
// perform to the user-space gateway process, mirroring the IPC edges of
// spec.md §4.6/§4.7 (CLIENT_LEASE_REQUEST, CLIENT_LEASE_COMPLETED,
// CLIENT_SEND_IPC). In the original lab this hand-off is a real IPC
// message into a page at a reserved VA; here, since the gateway and the
// kernel it sits on share a process, the hand-off is a direct method call
// with the same payload the IPC message would have carried.
type GatewayNotifier interface {
	ClientLeaseRequest(envID EnvID, thisEnvAddr uint32)
	ClientLeaseCompleted(envID EnvID)
	ClientSendIPC(pkt IPCPacket)
}

// IPCPacket is the payload of a cross-node IPC delivery (spec.md §4.3,
// ipc_packet).
type IPCPacket struct {
	DstID       EnvID
	SrcID       EnvID
	Value       uint32
	VA          uint32
	Perm        uint32
	FromAlien   bool
}

// Registry is the fixed-size environment table plus the page table and
// clock it is built on. It is the sole authority on lifecycle transitions
// (spec.md §4.1: "every other component must go through it").
type Registry struct {
	mu     sync.Mutex
	logger hclog.Logger
	pt     PageTable
	clock  Clock

	slots      []*Env
	generation []uint32
	notifier   GatewayNotifier
}

// NewRegistry constructs an empty environment table of NEnv slots.
func NewRegistry(logger hclog.Logger) *Registry {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Registry{
		logger:     logger.Named("kernel"),
		pt:         newMemPageTable(),
		clock:      SystemClock,
		slots:      make([]*Env, NEnv),
		generation: make([]uint32, NEnv),
	}
}

// SetClock replaces the registry's clock field. Nothing in this module reads
// that field: lease start times and GC deadlines come from SystemClock.
func (r *Registry) SetClock(c Clock) { r.clock = c }

// PageTable exposes the page-table API collaborator so gateways can stream
// page contents in and out without reaching into Registry internals.
func (r *Registry) PageTable() PageTable { return r.pt }

// SetGatewayNotifier wires the client gateway that the IPC bridge and the
// migrate/lease_complete syscalls hand off to. Must be called once during
// startup before any env reaches SUSPENDED.
func (r *Registry) SetGatewayNotifier(n GatewayNotifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifier = n
}

var transitions = map[Status]map[Status]bool{
	Free:        {Runnable: true},
	Runnable:    {NotRunnable: true, Suspended: true, Dying: true},
	NotRunnable: {Runnable: true},
	Suspended:   {Leased: true, Runnable: true},
	Leased:      {Dying: true},
	Dying:       {Free: true},
}

func (r *Registry) allowedTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return transitions[from][to]
}

// Alloc allocates a fresh env slot for parent, the first available FREE
// slot in table order, bumping that slot's generation so the new id can
// never alias a previously freed occupant (spec.md §3, §8: "reusing a slot
// yields a new generation").
func (r *Registry) Alloc(parent EnvID) (EnvID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allocLocked(parent)
}

func (r *Registry) allocLocked(parent EnvID) (EnvID, error) {
	for slot := 0; slot < NEnv; slot++ {
		if r.slots[slot] != nil {
			continue
		}
		r.generation[slot]++
		id := makeEnvID(r.generation[slot], slot)
		e := &Env{
			ID:       id,
			ParentID: parent,
			Status:   Runnable,
			Type:     TypeUser,
		}
		r.slots[slot] = e
		r.logger.Debug("env allocated", "env_id", hex32(uint32(id)), "parent_id", hex32(uint32(parent)))
		return id, nil
	}
	return 0, kernelerr.NoFreeEnv
}

// lookupLocked returns the live slot for id, or BadEnv if the slot is free
// or the generation is stale.
func (r *Registry) lookupLocked(id EnvID) (*Env, error) {
	slot := id.Slot()
	e := r.slots[slot]
	if e == nil || e.ID != id {
		return nil, kernelerr.BadEnv
	}
	return e, nil
}

// LookupByID resolves id to its slot. If requireRights is set, caller must
// either be id itself or id's parent — the same rule envid2env enforces in
// the original kernel.
func (r *Registry) LookupByID(caller, id EnvID, requireRights bool) (*Env, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	if requireRights && id != caller && e.ParentID != caller {
		return nil, kernelerr.BadEnv
	}
	clone := e.clone()
	return &clone, nil
}

// Destroy frees id's slot whatever its status (RUNNABLE, SUSPENDED, LEASED,
// ...), releasing its pages.
func (r *Registry) Destroy(id EnvID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookupLocked(id)
	if err != nil {
		return err
	}
	if e.Status == Runnable || e.Status == NotRunnable {
		e.Status = Dying
	}
	r.pt.DestroyEnv(id)
	r.slots[id.Slot()] = nil
	r.logger.Debug("env destroyed", "env_id", hex32(uint32(id)))
	return nil
}

// SetStatus enforces the transition table of spec.md §3.
func (r *Registry) SetStatus(id EnvID, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookupLocked(id)
	if err != nil {
		return err
	}
	if !r.allowedTransition(e.Status, status) {
		return kernelerr.Invalid
	}
	e.Status = status
	return nil
}

// SetTrapFrame overwrites id's resume state.
func (r *Registry) SetTrapFrame(id EnvID, tf TrapFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookupLocked(id)
	if err != nil {
		return err
	}
	e.TrapFrame = tf
	return nil
}

// SetPgfaultUpcall records the user-space exception handler address.
func (r *Registry) SetPgfaultUpcall(id EnvID, upcall uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookupLocked(id)
	if err != nil {
		return err
	}
	e.PgfaultUpcall = upcall
	return nil
}

// AllocatedIDs returns every currently live env id. The original lab has no
// enumeration syscall, but both gateways' GC sweeps and tests need some way
// to walk the table without reaching into Registry internals.
func (r *Registry) AllocatedIDs() []EnvID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]EnvID, 0, len(r.slots))
	for _, e := range r.slots {
		if e != nil {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// HandlePageFault is the lazy-allocate fault path both gateways install
// (original_source/user/djosclient.c and djosserv.c pg_handler): on an
// otherwise-unhandled fault at va, allocate a zeroed writable page there.
// This is the ordinary intra-node fault path and is unrelated to the
// migration transfer Non-goal that excludes page-fault-driven lazy
// transfer.
func (r *Registry) HandlePageFault(id EnvID, va uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.lookupLocked(id); err != nil {
		return err
	}
	return r.pt.AllocPage(id, va&^(PageSize-1), PermP|PermU|PermW)
}

func hex32(v uint32) string {
	return fmt.Sprintf("0x%08x", v)
}
