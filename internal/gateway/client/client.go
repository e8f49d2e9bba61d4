// Package client implements the migration client gateway of spec.md §4.4:
// it drives a suspended local env through the ship-out protocol with
// retries, and forwards local IPC sends that name a leased destination.
package client

import (
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	uuid "github.com/hashicorp/go-uuid"
	"github.com/pkg/errors"

	"github.com/Xuanwo/djos-migrate/internal/config"
	"github.com/Xuanwo/djos-migrate/internal/kernel"
	"github.com/Xuanwo/djos-migrate/internal/kernelerr"
	"github.com/Xuanwo/djos-migrate/internal/lease"
	"github.com/Xuanwo/djos-migrate/internal/wire"
)

// Client is the client-side gateway process. It holds its own env slot in
// the registry (of type TypeJDOSClient) so the kernel's IPC bridge can find
// it, and is the kernel's GatewayNotifier.
type Client struct {
	logger hclog.Logger
	reg    *kernel.Registry
	table  *lease.ClientTable
	cfg    config.Config

	selfID kernel.EnvID

	// selfIP/selfPort are this node's own server-gateway address,
	// stamped into a migrated env's HostIP/HostPort so the remote node
	// knows where to route IPC and COMPLETED_LEASE back to.
	selfIP   uint32
	selfPort uint16

	// remoteIP/remotePort is the address migrate() ships envs to. The
	// lab this module is drawn from migrates to a single fixed remote
	// node; spec.md names no mechanism for choosing amongst several, so
	// this module keeps that restriction (see DESIGN.md).
	remoteIP   uint32
	remotePort uint16
}

// New constructs a client gateway, allocates its own kernel env, and
// registers it as the JDOS_CLIENT process the IPC bridge looks for.
func New(logger hclog.Logger, reg *kernel.Registry, cfg config.Config, selfAddr, remoteAddr string) (*Client, error) {
	selfHost, selfPortStr, err := net.SplitHostPort(selfAddr)
	if err != nil {
		return nil, err
	}
	remoteHost, remotePortStr, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil, err
	}

	selfPortN, err := strconv.Atoi(selfPortStr)
	if err != nil {
		return nil, errors.Wrap(err, "parse self port")
	}
	remotePortN, err := strconv.Atoi(remotePortStr)
	if err != nil {
		return nil, errors.Wrap(err, "parse remote port")
	}

	id, err := reg.Alloc(0)
	if err != nil {
		return nil, err
	}
	if err := reg.RegisterGateway(id); err != nil {
		return nil, err
	}

	c := &Client{
		logger:     logger.Named("djos-client"),
		reg:        reg,
		table:      lease.NewClientTable(cfg.CLeases),
		cfg:        cfg,
		selfID:     id,
		selfIP:     wire.IPv4ToUint32(net.ParseIP(selfHost)),
		selfPort:   uint16(selfPortN),
		remoteIP:   wire.IPv4ToUint32(net.ParseIP(remoteHost)),
		remotePort: uint16(remotePortN),
	}
	reg.SetGatewayNotifier(c)
	return c, nil
}

func (c *Client) remoteAddr() string {
	return net.JoinHostPort(wire.Uint32ToIPv4(c.remoteIP).String(), strconv.Itoa(int(c.remotePort)))
}

// roundTrip opens a fresh connection per request (spec.md §5: "each
// request opens a fresh connection, writes, reads the reply, closes"),
// retrying connection/IO failures up to Retries times, matching
// send_buff's own retry loop in original_source/user/djosclient.c.
func (c *Client) roundTrip(addr string, tag wire.Tag, body interface{}) (wire.Reply, error) {
	reqID, _ := uuid.GenerateUUID()
	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
		if err != nil {
			lastErr = errors.Wrapf(err, "dial attempt %d", attempt)
			continue
		}
		if err := wire.WriteRequest(conn, tag, body); err != nil {
			conn.Close()
			lastErr = errors.Wrap(err, "write request")
			continue
		}
		reply, err := wire.ReadReply(conn)
		conn.Close()
		if err != nil {
			lastErr = errors.Wrap(err, "read reply")
			continue
		}
		return reply, nil
	}
	c.logger.Warn("round trip exhausted retries", "request_id", reqID, "addr", addr, "tag", tag.String(), "error", lastErr)
	return wire.Reply{}, kernelerr.Fail
}

// TrySendLease is the CLIENT_LEASE_REQUEST handler (spec.md §4.4): verify
// the local env is SUSPENDED, lease-table it, ship it, and unsuspend the
// origin stub with the outcome.
func (c *Client) TrySendLease(envID kernel.EnvID, thisEnvAddr uint32) {
	e, err := c.reg.LookupByID(c.selfID, envID, false)
	status := kernel.Runnable
	retval := uint32(0)
	if err != nil || e.ID != envID {
		c.logger.Error("lease request for unknown env", "env_id", envID)
		return
	}
	if e.Status != kernel.Suspended {
		c.logger.Error("lease refused: env not suspended", "env_id", envID, "status", e.Status)
		status, retval = kernel.Runnable, uint32(kernelerr.Invalid.Int32())
		_ = c.reg.Unsuspend(envID, status, retval)
		return
	}

	if c.table.Put(envID, c.remoteIP, c.remotePort) < 0 {
		c.logger.Error("client lease table full", "env_id", envID)
		_ = c.reg.Unsuspend(envID, kernel.Runnable, uint32(kernelerr.Fail.Int32()))
		return
	}

	rec, err := c.reg.Snapshot(envID)
	if err != nil {
		_ = c.reg.Unsuspend(envID, kernel.Runnable, uint32(kernelerr.BadEnv.Int32()))
		c.table.Delete(envID)
		return
	}
	rec.HostIP = c.selfIP
	rec.HostPort = c.selfPort

	if err := c.sendEnv(rec, thisEnvAddr); err != nil {
		c.logger.Warn("lease to remote failed", "env_id", envID, "error", err)
		c.table.Delete(envID)
		_ = c.reg.Unsuspend(envID, kernel.Runnable, uint32(kernelerr.Invalid.Int32()))
		return
	}
	_ = c.reg.Unsuspend(envID, kernel.Leased, 0)
}

// sendEnv ships one env following spec.md §4.4's algorithm: START_LEASE,
// then every mapped page in ascending VA order, then DONE_LEASE; any abort
// path notifies the server so it can destroy its partial env.
func (c *Client) sendEnv(rec kernel.EnvRecord, thisEnvAddr uint32) error {
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		err := c.sendLeaseReq(rec, thisEnvAddr)
		if err == kernelerr.Fail || err == kernelerr.NoLease {
			continue
		}
		if err != nil {
			c.sendAbortRequest(rec.ID)
			return err
		}

		err = c.sendPages(rec.ID)
		if err == kernelerr.NoMem {
			c.sendAbortRequest(rec.ID)
			return kernelerr.Fail
		}
		if err == kernelerr.Fail {
			continue
		}
		if err != nil {
			c.sendAbortRequest(rec.ID)
			return err
		}

		if err := c.sendDoneRequest(rec.ID); err != nil {
			c.sendAbortRequest(rec.ID)
			return err
		}
		return nil
	}
	return kernelerr.Fail
}

func (c *Client) sendLeaseReq(rec kernel.EnvRecord, thisEnvAddr uint32) error {
	body := wire.StartLeaseBody{
		SrcEID:     rec.ID,
		Env:        wire.EnvRecordToWire(rec),
		ThisEnvPtr: thisEnvAddr,
	}
	reply, err := c.roundTrip(c.remoteAddr(), wire.StartLease, body)
	if err != nil {
		return err
	}
	return wire.ErrFromStatus(reply.Status)
}

func (c *Client) sendPages(envID kernel.EnvID) error {
	addrs := c.reg.PageTable().MappedAddrs(envID, kernel.UTEXT, kernel.UTOP)
	for _, va := range addrs {
		perm, ok := c.reg.PageTable().LookupPerm(envID, va)
		if !ok {
			continue
		}
		if err := c.sendPageReq(envID, va, perm); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) sendPageReq(envID kernel.EnvID, va uint32, perm uint32) error {
	for chunk := uint8(0); chunk < 4; chunk++ {
		var buf [wire.ChunkSize]byte
		if err := c.reg.CopyMem(envID, va+uint32(chunk)*wire.ChunkSize, buf[:], perm, false); err != nil {
			return err
		}
		body := wire.PageReqBody{SrcEID: envID, VA: va, Perm: perm, Chunk: chunk, Data: buf}
		reply, err := c.roundTrip(c.remoteAddr(), wire.PageReq, body)
		if err != nil {
			return err
		}
		if status := wire.ErrFromStatus(reply.Status); status != nil {
			return status
		}
	}
	return nil
}

func (c *Client) sendDoneRequest(envID kernel.EnvID) error {
	reply, err := c.roundTrip(c.remoteAddr(), wire.DoneLease, wire.DoneLeaseBody{SrcEID: envID})
	if err != nil {
		return err
	}
	return wire.ErrFromStatus(reply.Status)
}

func (c *Client) sendAbortRequest(envID kernel.EnvID) {
	_, _ = c.roundTrip(c.remoteAddr(), wire.AbortLease, wire.AbortLeaseBody{SrcEID: envID})
}

// TrySendLeaseCompleted is the CLIENT_LEASE_COMPLETED handler (spec.md
// §4.4): tell the remote origin of an alien env that just finished here,
// then release the local alien stub so normal exit frees it.
func (c *Client) TrySendLeaseCompleted(envID kernel.EnvID) {
	e, err := c.reg.LookupByID(c.selfID, envID, false)
	if err != nil || e.ID != envID {
		return
	}
	if e.Status != kernel.Suspended {
		_ = c.reg.Unsuspend(envID, kernel.Runnable, uint32(kernelerr.Fail.Int32()))
		return
	}

	addr := net.JoinHostPort(wire.Uint32ToIPv4(e.HostIP).String(), strconv.Itoa(int(e.HostPort)))
	reply, err := c.roundTrip(addr, wire.CompletedLease, wire.CompletedLeaseBody{SrcEID: e.HostEID})
	if err != nil {
		_ = c.reg.Unsuspend(envID, kernel.Runnable, uint32(kernelerr.Invalid.Int32()))
		return
	}
	// The origin replies OK whether or not it still held a LEASED stub; a
	// BadReq reply is treated the same way, and the local alien slot is done.
	if status := wire.ErrFromStatus(reply.Status); status != nil && status != kernelerr.BadReq {
		_ = c.reg.Unsuspend(envID, kernel.Runnable, uint32(kernelerr.Invalid.Int32()))
		return
	}
	_ = c.reg.Unsuspend(envID, kernel.Runnable, 0)
}

// TrySendIPC is the CLIENT_SEND_IPC handler (spec.md §4.4): resolve the
// destination's hosting node and forward the IPC over the wire.
func (c *Client) TrySendIPC(pkt kernel.IPCPacket) {
	var addr string

	sender, err := c.reg.LookupByID(c.selfID, pkt.SrcID, false)
	if err == nil && sender.Alien {
		pkt.SrcID = sender.HostEID
		pkt.FromAlien = true
		addr = net.JoinHostPort(wire.Uint32ToIPv4(sender.HostIP).String(), strconv.Itoa(int(sender.HostPort)))
	} else {
		idx := c.table.Find(pkt.DstID)
		if idx < 0 {
			_ = c.reg.Unsuspend(pkt.SrcID, kernel.Runnable, uint32(kernelerr.BadEnv.Int32()))
			return
		}
		addr = net.JoinHostPort(wire.Uint32ToIPv4(c.remoteIP).String(), strconv.Itoa(int(c.remotePort)))
		if e, ok := c.lesseeAddr(pkt.DstID); ok {
			addr = e
		}
	}

	err = c.sendIPCReq(addr, pkt)
	if err != nil {
		_ = c.reg.Unsuspend(pkt.SrcID, kernel.Runnable, uint32(toRetval(err)))
		return
	}
	_ = c.reg.Unsuspend(pkt.SrcID, kernel.Runnable, 0)
}

func (c *Client) lesseeAddr(dstID kernel.EnvID) (string, bool) {
	for _, e := range c.table.Entries() {
		if e.EnvID == dstID {
			return net.JoinHostPort(wire.Uint32ToIPv4(e.LesseeIP).String(), strconv.Itoa(int(e.LesseePort))), true
		}
	}
	return "", false
}

func toRetval(err error) int32 {
	switch err {
	case kernelerr.NoIpc:
		return kernelerr.IpcNotRecv.Int32()
	case kernelerr.BadReq:
		return kernelerr.Invalid.Int32()
	case kernelerr.Fail:
		return kernelerr.BadEnv.Int32()
	default:
		return kernelerr.Invalid.Int32()
	}
}

func (c *Client) sendIPCReq(addr string, pkt kernel.IPCPacket) error {
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		reply, err := c.roundTrip(addr, wire.StartIPC, wire.StartIPCBody{Packet: wire.IPCPacketToWire(pkt)})
		if err != nil {
			continue
		}
		switch reply.Status {
		case wire.StatusNoIPC:
			return kernelerr.NoIpc
		case wire.StatusBadReq:
			return kernelerr.BadReq
		case wire.StatusFail:
			return kernelerr.Fail
		case wire.StatusOK:
			return nil
		default:
			continue
		}
	}
	return kernelerr.Invalid
}

// ClientSendIPC satisfies kernel.GatewayNotifier; it spawns the actual
// network round trip on its own goroutine so the kernel call that invoked
// it never blocks on the network (spec.md §5: "the kernel proper never
// blocks on the network").
func (c *Client) ClientSendIPC(pkt kernel.IPCPacket) {
	go c.TrySendIPC(pkt)
}

// ClientLeaseRequest satisfies kernel.GatewayNotifier.
func (c *Client) ClientLeaseRequest(envID kernel.EnvID, thisEnvAddr uint32) {
	go c.TrySendLease(envID, thisEnvAddr)
}

// ClientLeaseCompleted satisfies kernel.GatewayNotifier.
func (c *Client) ClientLeaseCompleted(envID kernel.EnvID) {
	go c.TrySendLeaseCompleted(envID)
}

// Sweep releases client lease entries whose local slot has left LEASED
// (spec.md §4.2 ClientTable.sweep), driven by the caller on a timer.
func (c *Client) Sweep() {
	c.table.Sweep(func(id kernel.EnvID) kernel.Status {
		e, err := c.reg.LookupByID(c.selfID, id, false)
		if err != nil {
			return kernel.Free
		}
		return e.Status
	})
}
