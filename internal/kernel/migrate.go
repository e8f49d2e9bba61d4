package kernel

import "github.com/Xuanwo/djos-migrate/internal/kernelerr"

// EnvRecord is the flat, serializable snapshot of an Env shipped across the
// wire as the START_LEASE payload (spec.md §4.3). It excludes PageRoot,
// which per spec.md §3 is never serialized — the destination builds its
// own address space.
type EnvRecord struct {
	ID            EnvID
	ParentID      EnvID
	Status        Status
	Type          Type
	RunCount      int
	TrapFrame     TrapFrame
	PgfaultUpcall uint32
	IPC           IPCState
	Alien         bool
	HostIP        uint32
	HostPort      uint16
	HostEID       EnvID
}

// Snapshot returns the wire-serializable record for id (used by the client
// gateway's send_lease_req).
func (r *Registry) Snapshot(id EnvID) (EnvRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookupLocked(id)
	if err != nil {
		return EnvRecord{}, err
	}
	return EnvRecord{
		ID:            e.ID,
		ParentID:      e.ParentID,
		Status:        e.Status,
		Type:          e.Type,
		RunCount:      e.RunCount,
		TrapFrame:     e.TrapFrame,
		PgfaultUpcall: e.PgfaultUpcall,
		IPC:           e.IPC,
		Alien:         e.Alien,
		HostIP:        e.HostIP,
		HostPort:      e.HostPort,
		HostEID:       e.HostEID,
	}, nil
}

// Migrate is the self-migrate syscall entry point (spec.md §4.7): suspend
// the caller and hand off a lease request to the client gateway. Returns
// BadEnv immediately, without suspending, if no gateway is registered
// (spec.md §8: "migrate with no client gateway env registered returns
// BadEnv").
func (r *Registry) Migrate(callerID EnvID, thisEnvAddr uint32) error {
	r.mu.Lock()
	gw := r.findGatewayLocked()
	if gw == 0 {
		r.mu.Unlock()
		return kernelerr.BadEnv
	}
	e, err := r.lookupLocked(callerID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if !r.allowedTransition(e.Status, Suspended) {
		r.mu.Unlock()
		return kernelerr.Invalid
	}
	e.Status = Suspended
	notifier := r.notifier
	r.mu.Unlock()

	if notifier != nil {
		notifier.ClientLeaseRequest(callerID, thisEnvAddr)
	}
	return nil
}

// LeaseComplete is the lease_complete syscall (spec.md §4.7): an alien env
// reaching exit suspends itself and asks the local gateway to tell its
// origin to reap the stub.
func (r *Registry) LeaseComplete(callerID EnvID) error {
	r.mu.Lock()
	e, err := r.lookupLocked(callerID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if !r.allowedTransition(e.Status, Suspended) {
		r.mu.Unlock()
		return kernelerr.Invalid
	}
	e.Status = Suspended
	notifier := r.notifier
	r.mu.Unlock()

	if notifier != nil {
		notifier.ClientLeaseCompleted(callerID)
	}
	return nil
}

// Unsuspend is the gateway-only syscall that resumes observability for a
// SUSPENDED slot: it overwrites status and the resume-time return value
// register directly (spec.md §4.7).
func (r *Registry) Unsuspend(id EnvID, status Status, retval uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookupLocked(id)
	if err != nil {
		return err
	}
	e.Status = status
	e.TrapFrame.Return = retval
	return nil
}

// Lease is the server-only syscall that allocates a fresh local env slot
// from a received EnvRecord, marking it alien (spec.md §4.5 START_LEASE,
// §4.7 env_lease).
func (r *Registry) Lease(src EnvRecord) (EnvID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, err := r.allocLocked(src.ParentID)
	if err != nil {
		return 0, err
	}
	e := r.slots[id.Slot()]
	e.TrapFrame = src.TrapFrame
	e.Status = src.Status
	e.Type = src.Type
	e.RunCount = src.RunCount
	e.PgfaultUpcall = src.PgfaultUpcall
	e.IPC = src.IPC
	e.HostIP = src.HostIP
	e.HostPort = src.HostPort
	e.HostEID = src.HostEID
	e.Alien = true
	return id, nil
}

// SetThisEnv is the server-only syscall that fixes the reconstituted env's
// user-level thisenv self-pointer to reference its new local slot
// (spec.md §4.5 DONE_LEASE, §4.7). Since the module has no real pointer
// arithmetic across address spaces, the target's local id is written as
// four little-endian bytes at userAddr, which is what a real thisenv
// pointer rewrite ultimately boils down to: in-place bytes at a known VA.
func (r *Registry) SetThisEnv(id EnvID, userAddr uint32) error {
	r.mu.Lock()
	if _, err := r.lookupLocked(id); err != nil {
		r.mu.Unlock()
		return err
	}
	pt := r.pt
	r.mu.Unlock()

	buf := make([]byte, 4)
	buf[0] = byte(id)
	buf[1] = byte(id >> 8)
	buf[2] = byte(id >> 16)
	buf[3] = byte(id >> 24)
	if err := pt.CopyWindow(id, userAddr, buf, CopyIn); err != nil {
		return kernelerr.Invalid
	}
	return nil
}

// CopyMem is the 1024-byte window copy syscall used by both gateways to
// read/write page contents a chunk at a time (spec.md §4.7 copy_mem).
func (r *Registry) CopyMem(id EnvID, va uint32, buf []byte, perm uint32, fromBuf bool) error {
	r.mu.Lock()
	if _, err := r.lookupLocked(id); err != nil {
		r.mu.Unlock()
		return err
	}
	pt := r.pt
	r.mu.Unlock()

	dir := CopyOut
	if fromBuf {
		dir = CopyIn
	}
	if err := pt.CopyWindow(id, va, buf, dir); err != nil {
		return kernelerr.Invalid
	}
	return nil
}

// Swap exchanges curenv's trap frame with target's and destroys target,
// releasing target's pages; the caller keeps its own pages. spec.md §9 flags this syscall as present
// in the interface surface but unused by the migration path, with its
// interaction with alien envs explicitly left undefined; accordingly
// nothing in gateway/client or gateway/server calls it, and this
// implementation does not special-case Alien at all — callers that need
// that interaction must decide it themselves (see DESIGN.md).
func (r *Registry) Swap(callerID, targetID EnvID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, err := r.lookupLocked(targetID)
	if err != nil {
		return err
	}
	if target.Status != NotRunnable {
		return kernelerr.BadEnv
	}
	caller, err := r.lookupLocked(callerID)
	if err != nil {
		return err
	}
	caller.TrapFrame, target.TrapFrame = target.TrapFrame, caller.TrapFrame
	r.pt.DestroyEnv(targetID)
	r.slots[targetID.Slot()] = nil
	return nil
}
