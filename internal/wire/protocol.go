// Package wire implements the request/reply codec of spec.md §4.3: a
// one-byte type tag followed by a fixed layout per type, little-endian,
// one request/one reply per TCP connection.
package wire

import "github.com/Xuanwo/djos-migrate/internal/kernel"

// Tag identifies a request's wire layout.
type Tag byte

const (
	PageReq        Tag = 0
	StartLease     Tag = 1
	DoneLease      Tag = 2
	AbortLease     Tag = 3
	CompletedLease Tag = 4
	StartIPC       Tag = 5
	DoneIPC        Tag = 6 // reserved, unused
)

func (t Tag) String() string {
	switch t {
	case PageReq:
		return "PAGE_REQ"
	case StartLease:
		return "START_LEASE"
	case DoneLease:
		return "DONE_LEASE"
	case AbortLease:
		return "ABORT_LEASE"
	case CompletedLease:
		return "COMPLETED_LEASE"
	case StartIPC:
		return "START_IPC"
	case DoneIPC:
		return "DONE_IPC"
	default:
		return "UNKNOWN"
	}
}

// ChunkSize is the size of one PAGE_REQ data slice (spec.md §4.3, §9: a
// wire-framing choice distinct from the page-table's PageSize).
const ChunkSize = kernel.ChunkSize

// PageReqBody is the PAGE_REQ payload: one quarter of a page.
type PageReqBody struct {
	SrcEID kernel.EnvID
	VA     uint32
	Perm   uint32
	Chunk  uint8
	Data   [ChunkSize]byte
}

// EnvRecordWire is the wire-safe flat encoding of kernel.EnvRecord: fixed
// width, no pointers, IPv4 packed as uint32.
type EnvRecordWire struct {
	ID            uint32
	ParentID      uint32
	Status        uint8
	Type          uint8
	RunCount      uint32
	TrapIP        uint32
	TrapSP        uint32
	TrapReturn    uint32
	PgfaultUpcall uint32
	IPCRecving    uint8
	IPCDstVA      uint32
	IPCValue      uint32
	IPCFromID     uint32
	IPCPerm       uint32
	Alien         uint8
	HostIP        uint32
	HostPort      uint16
	HostEID       uint32
}

// ToRecord converts the wire encoding to a kernel.EnvRecord.
func (w EnvRecordWire) ToRecord() kernel.EnvRecord {
	return kernel.EnvRecord{
		ID:       kernel.EnvID(w.ID),
		ParentID: kernel.EnvID(w.ParentID),
		Status:   kernel.Status(w.Status),
		Type:     kernel.Type(w.Type),
		RunCount: int(w.RunCount),
		TrapFrame: kernel.TrapFrame{
			IP:     w.TrapIP,
			SP:     w.TrapSP,
			Return: w.TrapReturn,
		},
		PgfaultUpcall: w.PgfaultUpcall,
		IPC: kernel.IPCState{
			Recving: w.IPCRecving != 0,
			DstVA:   w.IPCDstVA,
			Value:   w.IPCValue,
			FromID:  kernel.EnvID(w.IPCFromID),
			Perm:    w.IPCPerm,
		},
		Alien:    w.Alien != 0,
		HostIP:   w.HostIP,
		HostPort: w.HostPort,
		HostEID:  kernel.EnvID(w.HostEID),
	}
}

// EnvRecordToWire converts a kernel.EnvRecord to its wire encoding.
func EnvRecordToWire(r kernel.EnvRecord) EnvRecordWire {
	b := uint8(0)
	if r.IPC.Recving {
		b = 1
	}
	alien := uint8(0)
	if r.Alien {
		alien = 1
	}
	return EnvRecordWire{
		ID:            uint32(r.ID),
		ParentID:      uint32(r.ParentID),
		Status:        uint8(r.Status),
		Type:          uint8(r.Type),
		RunCount:      uint32(r.RunCount),
		TrapIP:        r.TrapFrame.IP,
		TrapSP:        r.TrapFrame.SP,
		TrapReturn:    r.TrapFrame.Return,
		PgfaultUpcall: r.PgfaultUpcall,
		IPCRecving:    b,
		IPCDstVA:      r.IPC.DstVA,
		IPCValue:      r.IPC.Value,
		IPCFromID:     uint32(r.IPC.FromID),
		IPCPerm:       r.IPC.Perm,
		Alien:         alien,
		HostIP:        r.HostIP,
		HostPort:      r.HostPort,
		HostEID:       uint32(r.HostEID),
	}
}

// StartLeaseBody is the START_LEASE payload: origin id, the flat env
// record, and the origin's user-space thisenv pointer.
type StartLeaseBody struct {
	SrcEID     kernel.EnvID
	Env        EnvRecordWire
	ThisEnvPtr uint32
}

// DoneLeaseBody, AbortLeaseBody, CompletedLeaseBody, DoneIPCBody all carry
// just the origin id.
type (
	DoneLeaseBody      struct{ SrcEID kernel.EnvID }
	AbortLeaseBody     struct{ SrcEID kernel.EnvID }
	CompletedLeaseBody struct{ SrcEID kernel.EnvID }
	DoneIPCBody        struct{ SrcEID kernel.EnvID }
)

// IPCPacketWire is the wire encoding of kernel.IPCPacket.
type IPCPacketWire struct {
	DstEID    uint32
	SrcEID    uint32
	Value     uint32
	VA        uint32
	Perm      uint32
	FromAlien uint8
}

// ToPacket converts the wire encoding to a kernel.IPCPacket.
func (w IPCPacketWire) ToPacket() kernel.IPCPacket {
	return kernel.IPCPacket{
		DstID:     kernel.EnvID(w.DstEID),
		SrcID:     kernel.EnvID(w.SrcEID),
		Value:     w.Value,
		VA:        w.VA,
		Perm:      w.Perm,
		FromAlien: w.FromAlien != 0,
	}
}

// IPCPacketToWire converts a kernel.IPCPacket to its wire encoding.
func IPCPacketToWire(p kernel.IPCPacket) IPCPacketWire {
	fa := uint8(0)
	if p.FromAlien {
		fa = 1
	}
	return IPCPacketWire{
		DstEID:    uint32(p.DstID),
		SrcEID:    uint32(p.SrcID),
		Value:     p.Value,
		VA:        p.VA,
		Perm:      p.Perm,
		FromAlien: fa,
	}
}

// StartIPCBody is the START_IPC payload.
type StartIPCBody struct {
	Packet IPCPacketWire
}

// Reply is the fixed reply shape of spec.md §4.3: (int32 status, env_id
// echo).
type Reply struct {
	Status int32
	EnvID  kernel.EnvID
}

// Reply status codes (spec.md §4.3). These mirror kernelerr but are scoped
// to the protocol's own wire representation so the codec package has no
// dependency on which kernelerr sentinel produced them beyond the five error
// statuses the protocol defines.
const (
	StatusOK             int32 = 0
	StatusBadReq         int32 = -200
	StatusNoLease        int32 = -201
	StatusFail           int32 = -202
	StatusNoIPC          int32 = -203
	StatusNoMem          int32 = -204
)
