package kernel

import "github.com/Xuanwo/djos-migrate/internal/kernelerr"

// IPCTrySend implements the IPC bridge decision tree of spec.md §4.6.
//
//  1. If the caller is alien and the target's node family matches the
//     caller's host, divert to the gateway immediately.
//  2. Resolve the target. Unknown -> BadEnv. SUSPENDED -> IpcNotRecv.
//     LEASED -> gateway path.
//  3. Gateway path: find a JDOS_CLIENT env; none -> BadEnv. Suspend the
//     caller, hand the packet to the gateway notifier, return.
//  4. Normal path: target must be Recving; remap the optional page
//     honoring the writable rule, stamp the target's IPC fields, wake it.
func (r *Registry) IPCTrySend(callerID, targetID EnvID, value uint32, srcVA uint32, perm uint32, hasPage bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	caller, err := r.lookupLocked(callerID)
	if err != nil {
		return kernelerr.BadEnv
	}

	if caller.Alien && targetID.Family() == caller.HostEID.Family() {
		return r.divertToGatewayLocked(caller, targetID, value, srcVA, perm)
	}

	target, err := r.lookupLocked(targetID)
	if err != nil {
		return kernelerr.BadEnv
	}
	switch target.Status {
	case Suspended:
		return kernelerr.IpcNotRecv
	case Leased:
		return r.divertToGatewayLocked(caller, targetID, value, srcVA, perm)
	}

	if !target.IPC.Recving {
		return kernelerr.IpcNotRecv
	}
	if hasPage && target.IPC.DstVA != 0 {
		if err := r.pt.MapPage(callerID, srcVA, targetID, target.IPC.DstVA, perm); err != nil {
			return kernelerr.Invalid
		}
	} else {
		perm = 0
	}
	target.IPC.Value = value
	target.IPC.FromID = callerID
	target.IPC.Perm = perm
	target.IPC.Recving = false
	target.Status = Runnable
	return nil
}

// divertToGatewayLocked implements step 3 of the IPC bridge: suspend the
// caller and hand the send off to whichever local env is the client
// gateway.
func (r *Registry) divertToGatewayLocked(caller *Env, targetID EnvID, value uint32, srcVA uint32, perm uint32) error {
	if r.findGatewayLocked() == 0 {
		return kernelerr.BadEnv
	}
	if !r.allowedTransition(caller.Status, Suspended) {
		return kernelerr.Invalid
	}
	caller.Status = Suspended

	pkt := IPCPacket{
		DstID: targetID,
		SrcID: caller.ID,
		Value: value,
		VA:    srcVA,
		Perm:  perm,
	}
	if caller.Alien {
		pkt.SrcID = caller.HostEID
		pkt.FromAlien = true
	}

	if r.notifier != nil {
		n := r.notifier
		r.mu.Unlock()
		n.ClientSendIPC(pkt)
		r.mu.Lock()
	}
	return nil
}

// findGatewayLocked returns the id of a JDOS_CLIENT env, or 0 if none is
// registered (spec.md §4.6 step 3).
func (r *Registry) findGatewayLocked() EnvID {
	for _, e := range r.slots {
		if e != nil && e.Type == TypeJDOSClient {
			return e.ID
		}
	}
	return 0
}

// RegisterGateway marks id as the local JDOS_CLIENT process the IPC bridge
// and migrate/lease_complete syscalls look for.
func (r *Registry) RegisterGateway(id EnvID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookupLocked(id)
	if err != nil {
		return err
	}
	e.Type = TypeJDOSClient
	return nil
}
