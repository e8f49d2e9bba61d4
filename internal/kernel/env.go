package kernel

import "fmt"

// Status is an environment's position in the lifecycle state machine of
// spec.md §3: FREE -> RUNNABLE <-> NOT_RUNNABLE; RUNNABLE -> SUSPENDED ->
// LEASED -> DYING -> FREE; SUSPENDED -> RUNNABLE; RUNNABLE -> DYING. The
// transitions table in registry.go is the authoritative list.
type Status int

const (
	Free Status = iota
	Runnable
	NotRunnable
	Suspended
	Leased
	Dying
)

func (s Status) String() string {
	switch s {
	case Free:
		return "FREE"
	case Runnable:
		return "RUNNABLE"
	case NotRunnable:
		return "NOT_RUNNABLE"
	case Suspended:
		return "SUSPENDED"
	case Leased:
		return "LEASED"
	case Dying:
		return "DYING"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Type distinguishes ordinary user environments from the gateway processes
// the IPC bridge looks for by type (spec.md §4.6: "find a process of type
// JDOS_CLIENT in the env table").
type Type int

const (
	TypeUser Type = iota
	TypeJDOSClient
	TypeJDOSServer
)

// slotBits sizes the NENV slot index; the remaining high bits of an EnvID
// are the generation counter that prevents ABA on slot reuse (spec.md §3,
// §9 "generation counters in identifiers prevent ABA").
const slotBits = 12

// NEnv is the fixed environment table size, a power of two as required by
// spec.md §3.
const NEnv = 1 << slotBits

// familyBits is the width of the "node family" prefix compared by the IPC
// bridge's alien short-circuit (spec.md §4.6, step 1: "same remote node
// family"). It is the top familyBits of the generation counter. Nothing
// assigns a per-node value to these bits: every slot's generation starts
// from zero on every node, so ids from different nodes all have family 0
// until a slot's generation reaches 1<<12. See DESIGN.md.
const familyBits = 8

// EnvID is a 32-bit environment identifier: high bits are the generation,
// low bits the slot index.
type EnvID uint32

// Slot returns the slot-table index encoded in the id.
func (id EnvID) Slot() int {
	return int(id) & (NEnv - 1)
}

// Generation returns the reuse counter encoded in the id.
func (id EnvID) Generation() uint32 {
	return uint32(id) >> slotBits
}

// Family returns the node-family prefix used by the IPC bridge's
// same-remote-node short-circuit.
func (id EnvID) Family() uint32 {
	return id.Generation() >> (32 - slotBits - familyBits)
}

func makeEnvID(generation uint32, slot int) EnvID {
	return EnvID(generation<<slotBits) | EnvID(slot&(NEnv-1))
}

// TrapFrame stands in for the CPU register snapshot restored on resume.
// Only the fields exercised by the migration path are modeled: the
// instruction pointer (for logging/round-trip equality) and a single
// return-value register, which is what env_unsuspend overwrites to make a
// failed migrate/lease_complete/ipc syscall observable to the resumed
// caller.
type TrapFrame struct {
	IP     uint32
	SP     uint32
	Return uint32
}

// IPCState is the env's pending-receive bookkeeping (spec.md §3).
type IPCState struct {
	Recving bool
	DstVA   uint32
	Value   uint32
	FromID  EnvID
	Perm    uint32
}

// Env is one slot of the fixed environment table.
type Env struct {
	ID       EnvID
	ParentID EnvID
	Status   Status
	Type     Type
	RunCount int

	TrapFrame       TrapFrame
	PgfaultUpcall   uint32
	IPC             IPCState

	// Alien is true iff this slot was reconstituted on this node from a
	// remote shipment (spec.md §3).
	Alien bool
	// HostIP/HostPort/HostEID are only meaningful when Alien is true:
	// where to route outbound IPC back to the origin. HostIP is a
	// packed big-endian IPv4 address, matching the original lab's
	// env_hostip uint32 field.
	HostIP   uint32
	HostPort uint16
	HostEID  EnvID
}

// clone returns a value copy suitable for serializing onto the wire: it
// deliberately omits nothing reachable from spec.md's EnvRecord layout, but
// callers must not mutate PageRoot-equivalent state through it (there is
// none here — page storage lives in the PageTable, never in the record).
func (e *Env) clone() Env {
	return *e
}
