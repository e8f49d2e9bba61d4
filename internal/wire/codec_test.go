package wire

import (
	"bytes"
	"testing"

	"github.com/Xuanwo/djos-migrate/internal/kernel"
	"github.com/Xuanwo/djos-migrate/internal/kernelerr"
)

func TestRequestRoundTripsStartLease(t *testing.T) {
	rec := kernel.EnvRecord{
		ID:       7,
		ParentID: 3,
		Status:   kernel.Suspended,
		Type:     kernel.TypeUser,
		RunCount: 2,
		TrapFrame: kernel.TrapFrame{
			IP: 0x800020, SP: 0xeebfdfbc, Return: 0,
		},
		HostIP:   0x7f000001,
		HostPort: 7001,
		HostEID:  7,
	}
	body := StartLeaseBody{
		SrcEID:     7,
		Env:        EnvRecordToWire(rec),
		ThisEnvPtr: 0x803000,
	}

	var buf bytes.Buffer
	if err := WriteRequest(&buf, StartLease, body); err != nil {
		t.Fatalf("write: %v", err)
	}

	req, err := ReadRequest(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if req.Tag != StartLease {
		t.Fatalf("expected tag StartLease, got %v", req.Tag)
	}
	got := req.Body.(StartLeaseBody)
	if got != body {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, body)
	}

	rt := got.Env.ToRecord()
	if rt.ID != rec.ID || rt.HostIP != rec.HostIP || rt.TrapFrame != rec.TrapFrame {
		t.Fatalf("record conversion mismatch: got %+v, want %+v", rt, rec)
	}
}

func TestPageReqBodyRoundTrip(t *testing.T) {
	var data [ChunkSize]byte
	for i := range data {
		data[i] = byte(i)
	}
	body := PageReqBody{SrcEID: 1, VA: 0x800000, Perm: kernel.PermP | kernel.PermU | kernel.PermW, Chunk: 2, Data: data}

	var buf bytes.Buffer
	if err := WriteRequest(&buf, PageReq, body); err != nil {
		t.Fatalf("write: %v", err)
	}
	req, err := ReadRequest(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got := req.Body.(PageReqBody)
	if got != body {
		t.Fatal("page request body did not round trip byte-for-byte")
	}
}

func TestReplyRoundTrip(t *testing.T) {
	reply := Reply{Status: StatusNoLease, EnvID: 99}
	var buf bytes.Buffer
	if err := WriteReply(&buf, reply); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadReply(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != reply {
		t.Fatalf("got %+v, want %+v", got, reply)
	}
}

func TestStatusErrConversionsAreInverse(t *testing.T) {
	cases := []error{kernelerr.BadReq, kernelerr.NoLease, kernelerr.Fail, kernelerr.NoIpc, kernelerr.NoMem, nil}
	for _, c := range cases {
		status := StatusFromErr(c)
		back := ErrFromStatus(status)
		if c == nil {
			if back != nil {
				t.Fatalf("expected nil to round trip to nil, got %v", back)
			}
			continue
		}
		if back != c {
			t.Fatalf("%v -> %d -> %v did not round trip", c, status, back)
		}
	}
}

func TestIPCPacketWireRoundTrip(t *testing.T) {
	pkt := kernel.IPCPacket{DstID: 5, SrcID: 9, Value: 0x1234, VA: 0x800000, Perm: kernel.PermP, FromAlien: true}
	w := IPCPacketToWire(pkt)
	back := w.ToPacket()
	if back != pkt {
		t.Fatalf("ipc packet did not round trip: got %+v, want %+v", back, pkt)
	}
}
