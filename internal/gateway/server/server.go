// Package server implements the migration server gateway of spec.md §4.5:
// it accepts incoming lease requests, reconstructs envs page by page, and
// periodically reaps abandoned transfers.
package server

import (
	"net"
	"time"

	"github.com/hashicorp/go-hclog"
	uuid "github.com/hashicorp/go-uuid"

	"github.com/Xuanwo/djos-migrate/internal/config"
	"github.com/Xuanwo/djos-migrate/internal/kernel"
	"github.com/Xuanwo/djos-migrate/internal/lease"
	"github.com/Xuanwo/djos-migrate/internal/wire"
)

// Server is the server-side gateway process: a TCP listener plus the lease
// table that tracks transfers in flight.
type Server struct {
	logger hclog.Logger
	reg    *kernel.Registry
	table  *lease.ServerTable
	cfg    config.Config

	selfID kernel.EnvID
	ln     net.Listener

	closeCh chan struct{}
}

// New constructs a server gateway and allocates its own kernel env slot (an
// ordinary TypeUser slot). It does not bind an address; ListenAndServe does.
func New(logger hclog.Logger, reg *kernel.Registry, cfg config.Config) (*Server, error) {
	id, err := reg.Alloc(0)
	if err != nil {
		return nil, err
	}

	return &Server{
		logger:  logger.Named("djos-server"),
		reg:     reg,
		table:   lease.NewServerTable(cfg.SLeases),
		cfg:     cfg,
		selfID:  id,
		closeCh: make(chan struct{}),
	}, nil
}

// ListenAndServe binds listenAddr, starts the periodic GC loop, and runs the
// accept loop until Close is called or the listener errors.
func (s *Server) ListenAndServe(listenAddr string) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.logger.Info("server gateway listening", "addr", listenAddr, "gc_ttl", s.cfg.GCTime, "lease_capacity", s.cfg.SLeases)

	go s.gcLoop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return nil
			default:
				return err
			}
		}
		go s.handleConn(conn)
	}
}

// Close stops the accept loop and the GC ticker.
func (s *Server) Close() error {
	close(s.closeCh)
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) gcLoop() {
	ticker := time.NewTicker(s.cfg.GCTime / 10)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			s.runGC()
		}
	}
}

// runGC implements spec.md §4.5's periodic sweep: evict BUSY leases that
// have outlived GCTIME, destroying their half-built destination env, and
// reap DONE leases whose destination has left the alien state entirely.
func (s *Server) runGC() {
	now := kernel.SystemClock.NowMillis()
	evicted := s.table.GC(now, int64(s.cfg.GCTime/time.Millisecond))
	for _, id := range evicted {
		s.logger.Warn("lease GC'd", "env_id", id)
		_ = s.reg.Destroy(id)
	}
	s.table.SweepCompleted(func(id kernel.EnvID) (kernel.Status, bool) {
		e, err := s.reg.LookupByID(s.selfID, id, false)
		if err != nil {
			return kernel.Free, false
		}
		return e.Status, e.Alien
	})
}

// handleConn implements the one-request-per-connection protocol discipline
// of spec.md §5: read exactly one request, dispatch it, write exactly one
// reply, close.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	reqID, _ := uuid.GenerateUUID()
	logger := s.logger.With("request_id", reqID, "remote_addr", conn.RemoteAddr().String())

	req, err := wire.ReadRequest(conn)
	if err != nil {
		logger.Debug("malformed request", "error", err)
		return
	}

	logger.Trace("request received", "tag", req.Tag.String())
	reply := s.dispatch(req)
	if err := wire.WriteReply(conn, reply); err != nil {
		logger.Debug("reply write failed", "error", err)
	}
}

func (s *Server) dispatch(req wire.Request) wire.Reply {
	switch req.Tag {
	case wire.StartLease:
		return s.processStartLease(req.Body.(wire.StartLeaseBody))
	case wire.PageReq:
		return s.processPageReq(req.Body.(wire.PageReqBody))
	case wire.DoneLease:
		return s.processDoneLease(req.Body.(wire.DoneLeaseBody))
	case wire.AbortLease:
		return s.processAbortLease(req.Body.(wire.AbortLeaseBody))
	case wire.CompletedLease:
		return s.processCompletedLease(req.Body.(wire.CompletedLeaseBody))
	case wire.StartIPC:
		return s.processStartIPC(req.Body.(wire.StartIPCBody))
	default:
		return wire.Reply{Status: wire.StatusBadReq}
	}
}

// processStartLease admits a new incoming transfer (spec.md §4.5): reject
// with NoLease unless the server lease table has a free entry, then
// allocate a local env slot from the shipped record.
func (s *Server) processStartLease(body wire.StartLeaseBody) wire.Reply {
	if !s.table.HasFree() {
		s.logger.Warn("lease table full, rejecting", "src_env_id", body.SrcEID)
		return wire.Reply{Status: wire.StatusNoLease, EnvID: body.SrcEID}
	}

	rec := body.Env.ToRecord()
	rec.HostEID = body.SrcEID
	dstID, err := s.reg.Lease(rec)
	if err != nil {
		return wire.Reply{Status: wire.StatusFromErr(err), EnvID: body.SrcEID}
	}

	now := kernel.SystemClock.NowMillis()
	if s.table.Allocate(body.SrcEID, dstID, now, body.ThisEnvPtr) < 0 {
		_ = s.reg.Destroy(dstID)
		return wire.Reply{Status: wire.StatusNoLease, EnvID: body.SrcEID}
	}

	s.logger.Info("lease started", "src_env_id", body.SrcEID, "dst_env_id", dstID)
	return wire.Reply{Status: wire.StatusOK, EnvID: dstID}
}

// processPageReq writes one quarter-page chunk into the destination env,
// allocating the page on the first chunk and rewriting COW permission to
// plain writable — the original lab's chunk==0 allocate-and-rewrite rule
// (original_source/user/djosserv.c process_page_req).
func (s *Server) processPageReq(body wire.PageReqBody) wire.Reply {
	idx := s.table.FindBySrc(body.SrcEID)
	entry, ok := s.table.Get(idx)
	if !ok {
		return wire.Reply{Status: wire.StatusFail, EnvID: body.SrcEID}
	}
	if entry.Status != lease.SBusy {
		return wire.Reply{Status: wire.StatusBadReq, EnvID: body.SrcEID}
	}

	perm := body.Perm
	if perm&kernel.PermCOW != 0 {
		perm = (perm &^ kernel.PermCOW) | kernel.PermW
	}

	if body.Chunk == 0 {
		if err := s.reg.PageTable().AllocPage(entry.DstEID, body.VA, perm); err != nil {
			return wire.Reply{Status: wire.StatusNoMem, EnvID: body.SrcEID}
		}
	}

	if err := s.reg.CopyMem(entry.DstEID, body.VA+uint32(body.Chunk)*wire.ChunkSize, body.Data[:], perm, true); err != nil {
		return wire.Reply{Status: wire.StatusFromErr(err), EnvID: body.SrcEID}
	}
	return wire.Reply{Status: wire.StatusOK, EnvID: body.SrcEID}
}

// processDoneLease finishes admitting a transfer: fix up the reconstituted
// env's thisenv self-pointer and mark it RUNNABLE (spec.md §4.5 DONE_LEASE,
// §4.7 set_thisenv).
func (s *Server) processDoneLease(body wire.DoneLeaseBody) wire.Reply {
	idx := s.table.FindBySrc(body.SrcEID)
	entry, ok := s.table.Get(idx)
	if !ok || entry.Status != lease.SBusy {
		return wire.Reply{Status: wire.StatusBadReq, EnvID: body.SrcEID}
	}

	if err := s.reg.SetThisEnv(entry.DstEID, entry.ThisEnvPtr); err != nil {
		return wire.Reply{Status: wire.StatusFromErr(err), EnvID: body.SrcEID}
	}
	if err := s.reg.SetStatus(entry.DstEID, kernel.Runnable); err != nil {
		return wire.Reply{Status: wire.StatusFromErr(err), EnvID: body.SrcEID}
	}
	s.table.SetStatus(idx, lease.SDone)

	s.logger.Info("lease armed", "src_env_id", body.SrcEID, "dst_env_id", entry.DstEID)
	return wire.Reply{Status: wire.StatusOK, EnvID: entry.DstEID}
}

// processAbortLease destroys a partially-built destination env and frees
// its lease entry.
func (s *Server) processAbortLease(body wire.AbortLeaseBody) wire.Reply {
	idx := s.table.FindBySrc(body.SrcEID)
	entry, ok := s.table.Get(idx)
	if !ok {
		return wire.Reply{Status: wire.StatusBadReq, EnvID: body.SrcEID}
	}
	_ = s.reg.Destroy(entry.DstEID)
	s.table.Destroy(idx)
	s.logger.Warn("lease aborted", "src_env_id", body.SrcEID)
	return wire.Reply{Status: wire.StatusOK, EnvID: body.SrcEID}
}

// processCompletedLease is the origin-side reaping path (spec.md §4.5): the
// named env is one this node migrated *out*, tracked as a LEASED stub in
// its own registry (and the client lease table), never in this node's
// server table. Destroy it if it is still LEASED; otherwise there is
// nothing to do (original_source/user/djosserv.c process_completed_lease:
// only destroys when env_status == ENV_LEASED, and treats every other case
// as success).
func (s *Server) processCompletedLease(body wire.CompletedLeaseBody) wire.Reply {
	e, err := s.reg.LookupByID(s.selfID, body.SrcEID, false)
	if err != nil {
		return wire.Reply{Status: wire.StatusOK, EnvID: body.SrcEID}
	}
	if e.Status == kernel.Leased {
		if err := s.reg.Destroy(body.SrcEID); err != nil {
			return wire.Reply{Status: wire.StatusBadReq, EnvID: body.SrcEID}
		}
		s.logger.Info("lease completed, origin stub destroyed", "env_id", body.SrcEID)
	}
	return wire.Reply{Status: wire.StatusOK, EnvID: body.SrcEID}
}

// processStartIPC delivers a forwarded IPC send into the local env table.
// The syscall that actually performs the delivery is issued by the server
// gateway process itself (original_source/user/djosserv.c process_ipc_start
// calls sys_ipc_try_send with no explicit sender — the caller is always
// curenv), never by the remote id named in the packet, which may not exist
// as a local slot at all. For a non-alien send the destination is still the
// *origin* id the sender knew, and must be translated through the server
// lease table to the local alien slot it was reconstituted as; for an
// alien-forwarded send the destination is already a local id, since this is
// the alien env's home node.
func (s *Server) processStartIPC(body wire.StartIPCBody) wire.Reply {
	pkt := body.Packet.ToPacket()

	dst := pkt.DstID
	if !pkt.FromAlien {
		entry, ok := s.table.Get(s.table.FindBySrc(pkt.DstID))
		if !ok {
			return wire.Reply{Status: wire.StatusFail, EnvID: pkt.DstID}
		}
		dst = entry.DstEID
	}

	err := s.reg.IPCTrySend(s.selfID, dst, pkt.Value, pkt.VA, pkt.Perm, pkt.VA != 0)
	if err != nil {
		return wire.Reply{Status: wire.StatusFromErr(err), EnvID: dst}
	}
	return wire.Reply{Status: wire.StatusOK, EnvID: dst}
}
