// Package ipc implements the synchronous message-passing subsystem: server
// creation, connections, and scalar/memory message delivery.
//
// Every exported Registry method is a single synchronous state transition;
// none of them block the calling goroutine. A call that the sender's
// thread must wait on (a reply not yet available) is reported back via
// SendResult.Blocks, leaving the actual thread-parking decision to the
// scheduler (internal/kernel/sched) the way a real syscall handler returns
// control to the scheduler rather than spinning in the kernel.
package ipc

import (
	"golang.org/x/sync/semaphore"

	"github.com/xous-go/xous/internal/kernel/mem/pmm"
	"github.com/xous-go/xous/internal/kernel/mem/vmm"
)

// maxConnectionsPerProcess bounds the CID table: this is the kernel's
// answer to a process connecting in an unbounded loop rather than a table
// size limit imposed for its own sake.
const maxConnectionsPerProcess = 256

// AddressSpaceResolver looks up a live process's address space by PID, so
// the registry can move or lend memory pages during Send without importing
// the process table package (that would create an import cycle, since proc
// does not depend on ipc but the kernel facade wires both together).
type AddressSpaceResolver func(pid pmm.PID) *vmm.AddressSpace

// Registry is the kernel-global IPC state: every server, every process's
// connection table, keyed by SID and (PID,CID) respectively.
type Registry struct {
	resolveAS   AddressSpaceResolver
	alloc       *pmm.Allocator
	servers     map[SID]*Server
	connections map[pmm.PID]map[CID]SID
	nextCID     map[pmm.PID]CID
	connSlots   map[pmm.PID]*semaphore.Weighted
}

// NewRegistry creates an empty registry. resolveAS must return the live
// address space for any PID with an active process, or nil if the process
// is gone. alloc is the kernel's physical allocator, used to keep a page's
// recorded owner in step with a plain send's ownership transfer.
func NewRegistry(resolveAS AddressSpaceResolver, alloc *pmm.Allocator) *Registry {
	return &Registry{
		resolveAS:   resolveAS,
		alloc:       alloc,
		servers:     make(map[SID]*Server),
		connections: make(map[pmm.PID]map[CID]SID),
		nextCID:     make(map[pmm.PID]CID),
		connSlots:   make(map[pmm.PID]*semaphore.Weighted),
	}
}

// CreateServer registers a new server owned by owner, under a freshly
// generated SID.
func (r *Registry) CreateServer(owner pmm.PID) (SID, error) {
	sid, err := NewSID()
	if err != nil {
		return SID{}, err
	}
	r.servers[sid] = newServer(sid, owner)
	return sid, nil
}

// LookupServer returns the server for sid, or nil.
func (r *Registry) LookupServer(sid SID) *Server { return r.servers[sid] }

// Connect allocates a fresh CID in pid's connection table pointing at sid
//. CIDs are private to the owning process
// (P5); two processes connecting to the same server get independent CIDs.
func (r *Registry) Connect(pid pmm.PID, sid SID) (CID, error) {
	if _, ok := r.servers[sid]; !ok {
		return 0, errOf("connect", "ServerNotFound")
	}
	slots := r.connSlots[pid]
	if slots == nil {
		slots = semaphore.NewWeighted(maxConnectionsPerProcess)
		r.connSlots[pid] = slots
	}
	if !slots.TryAcquire(1) {
		return 0, errOf("connect", "ConnectionLimitReached")
	}
	table := r.connections[pid]
	if table == nil {
		table = make(map[CID]SID)
		r.connections[pid] = table
	}
	cid := r.nextCID[pid] + 1
	r.nextCID[pid] = cid
	table[cid] = sid
	return cid, nil
}

// Disconnect removes cid from pid's connection table, freeing the slot for
// a future Connect.
func (r *Registry) Disconnect(pid pmm.PID, cid CID) error {
	table := r.connections[pid]
	if table == nil {
		return errOf("disconnect", "BadAddress")
	}
	if _, ok := table[cid]; !ok {
		return errOf("disconnect", "BadAddress")
	}
	delete(table, cid)
	if slots := r.connSlots[pid]; slots != nil {
		slots.Release(1)
	}
	return nil
}

func (r *Registry) lookupConn(pid pmm.PID, cid CID) (*Server, error) {
	table := r.connections[pid]
	if table == nil {
		return nil, errOf("send", "BadAddress")
	}
	sid, ok := table[cid]
	if !ok {
		return nil, errOf("send", "BadAddress")
	}
	srv, ok := r.servers[sid]
	if !ok {
		return nil, errOf("send", "ServerNotFound")
	}
	return srv, nil
}

// pendingMemory records the lender-side state of an in-flight memory
// message, so ReturnMemory can finish the transfer or reclaim.
type pendingMemory struct {
	senderAS   *vmm.AddressSpace
	receiverAS *vmm.AddressSpace
	lenderVirt vmm.VAddr
	size       uint32
	kind       Kind
}

// SendResult reports how Send resolved a message.
type SendResult struct {
	// WokeReceiver, if non-nil, is the thread a blocked Receive handed this
	// message to directly; the scheduler should direct-switch to it
	//.
	WokeReceiver *waiter
	// Blocks reports whether the sending thread must transition to
	// WaitingReply and wait for a later ReturnScalar/ReturnMemory.
	Blocks bool
	// Token identifies this call for a later Return*, valid only if Blocks.
	Token Token
}

// Send delivers msg over cid. If a thread is already
// blocked in Receive on the target server, the message is handed to it
// directly (P4 FIFO, earliest-blocked receiver wins) and the scheduler
// should direct-switch to it; otherwise the message is queued in the
// server's pending ring for the next Receive call.
func (r *Registry) Send(senderPID pmm.PID, senderTID uint32, senderAS *vmm.AddressSpace, cid CID, msg Message) (SendResult, error) {
	srv, err := r.lookupConn(senderPID, cid)
	if err != nil {
		return SendResult{}, err
	}

	var receiverAS *vmm.AddressSpace
	if msg.Kind.IsMemory() {
		receiverAS = r.resolveAS(srv.Owner)
		if receiverAS == nil {
			return SendResult{}, errOf("send", "ProcessNotFound")
		}
	}

	var token Token
	if msg.Kind.Blocks() {
		token = srv.allocToken()
	}

	lenderVirt := msg.Virt
	if msg.Kind.IsMemory() {
		if msg.Size == 0 || msg.Size%vmm.PageSize != 0 {
			return SendResult{}, errOf("send", "BadAlignment")
		}
		switch msg.Kind {
		case KindSendMemory:
			phys, flags, ok := senderAS.Translate(msg.Virt)
			if !ok {
				return SendResult{}, errOf("send", "BadAddress")
			}
			if err := senderAS.Unmap(msg.Virt); err != nil {
				return SendResult{}, err
			}
			if err := receiverAS.Map(msg.Virt, phys, flags); err != nil {
				return SendResult{}, err
			}
			if err := r.alloc.Transfer(senderPID, srv.Owner, phys); err != nil {
				return SendResult{}, err
			}
		case KindLendMemory, KindLendMutMemory:
			virtTo, err := senderAS.Lend(receiverAS, msg.Virt, msg.Size, msg.Kind == KindLendMutMemory)
			if err != nil {
				return SendResult{}, err
			}
			msg.Virt = virtTo
		}
	}

	env := Envelope{Msg: msg, Sender: senderPID, SenderTID: senderTID, Token: token}
	if msg.Kind.Blocks() {
		srv.outstanding[token] = &outstanding{Envelope: env}
		if msg.Kind == KindLendMemory || msg.Kind == KindLendMutMemory {
			srv.lends[token] = pendingMemory{
				senderAS: senderAS, receiverAS: receiverAS,
				lenderVirt: lenderVirt, size: msg.Size, kind: msg.Kind,
			}
		}
	}

	if w, ok := srv.popReceiver(); ok {
		// A receiver is already waiting: deliver directly and report it so
		// the scheduler can direct-switch.
		return SendResult{WokeReceiver: &w, Blocks: msg.Kind.Blocks(), Token: token}, nil
	}

	srv.enqueuePending(env)
	return SendResult{Blocks: msg.Kind.Blocks(), Token: token}, nil
}

// ReceiveResult reports how Receive resolved.
type ReceiveResult struct {
	// Delivered is true if a message was available immediately.
	Delivered bool
	Envelope  Envelope
}

// Receive dequeues the oldest pending message for sid, or blocks the
// caller (by reporting Delivered=false) until one of: another thread that
// just blocked in Receive is handed a message via Send above, or a later
// Send on this same server finds this thread on the receiver queue.
func (r *Registry) Receive(pid pmm.PID, tid uint32, sid SID) (ReceiveResult, error) {
	srv, ok := r.servers[sid]
	if !ok {
		return ReceiveResult{}, errOf("receive", "ServerNotFound")
	}
	if srv.Owner != pid {
		return ReceiveResult{}, errOf("receive", "Access")
	}
	if env, ok := srv.popPending(); ok {
		return ReceiveResult{Delivered: true, Envelope: env}, nil
	}
	srv.enqueueReceiver(pid, tid)
	return ReceiveResult{}, nil
}

// ReturnScalar completes a blocking-scalar call, handing vals back to the
// original sender.
func (r *Registry) ReturnScalar(sid SID, token Token, vals [2]uint32) (waiter, error) {
	srv, ok := r.servers[sid]
	if !ok {
		return waiter{}, errOf("return_scalar", "ServerNotFound")
	}
	out, ok := srv.outstanding[token]
	if !ok || out.Replied {
		return waiter{}, errOf("return_scalar", "BadAddress")
	}
	out.Replied = true
	delete(srv.outstanding, token)
	out.Envelope.Msg.Args[0], out.Envelope.Msg.Args[1] = vals[0], vals[1]
	return waiter{PID: out.Envelope.Sender, TID: out.Envelope.SenderTID}, nil
}

// ReturnMemory completes a lend: it reclaims the borrowed range
// bit-for-bit before waking the sender. A plain move is final as of Send
// and gets no reply token, so it never reaches here.
func (r *Registry) ReturnMemory(sid SID, token Token, offset, valid uint32) (waiter, error) {
	srv, ok := r.servers[sid]
	if !ok {
		return waiter{}, errOf("return_memory", "ServerNotFound")
	}
	out, ok := srv.outstanding[token]
	if !ok || out.Replied {
		return waiter{}, errOf("return_memory", "BadAddress")
	}
	if pm, ok := srv.lends[token]; ok {
		if err := pm.senderAS.Reclaim(pm.receiverAS, pm.lenderVirt, out.Envelope.Msg.Virt, pm.size); err != nil {
			return waiter{}, err
		}
		delete(srv.lends, token)
	}
	out.Replied = true
	delete(srv.outstanding, token)
	out.Envelope.Msg.Offset, out.Envelope.Msg.Valid = offset, valid
	return waiter{PID: out.Envelope.Sender, TID: out.Envelope.SenderTID}, nil
}

// Teardown releases every IPC resource pid held: its own servers are destroyed, waking every blocked
// receiver and unreplied sender with ServerNotFound; any thread of pid
// still blocked in someone else's Receive queue is dropped; any lend pid
// was borrowing but never replied to is restored to its lender
// bit-for-bit; and its connection table is cleared. It returns every
// waiter on a surviving process that must be woken as a result.
func (r *Registry) Teardown(pid pmm.PID) []waiter {
	var woken []waiter
	for sid, srv := range r.servers {
		if srv.Owner == pid {
			for _, w := range srv.receivers {
				if w.PID != pid {
					woken = append(woken, w)
				}
			}
			for _, out := range srv.outstanding {
				if pm, ok := srv.lends[out.Envelope.Token]; ok {
					pm.senderAS.ReclaimOnDeath(pm.lenderVirt, pm.size)
				}
				if out.Envelope.Sender != pid {
					woken = append(woken, waiter{PID: out.Envelope.Sender, TID: out.Envelope.SenderTID})
				}
			}
			delete(r.servers, sid)
			continue
		}
		srv.removeReceiversForProcess(pid)
		for token, out := range srv.outstanding {
			if out.Envelope.Sender == pid {
				delete(srv.outstanding, token)
				delete(srv.lends, token)
			}
		}
	}
	delete(r.connections, pid)
	delete(r.nextCID, pid)
	delete(r.connSlots, pid)
	return woken
}

// DestroyServer tears down sid: every outstanding reply and every blocked
// receiver must be woken with ServerNotFound so no thread waits forever,
// and every range still lent to the server is reclaimed for its lender.
func (r *Registry) DestroyServer(owner pmm.PID, sid SID) ([]waiter, error) {
	srv, ok := r.servers[sid]
	if !ok {
		return nil, errOf("destroy_server", "ServerNotFound")
	}
	if srv.Owner != owner {
		return nil, errOf("destroy_server", "Access")
	}
	var woken []waiter
	woken = append(woken, srv.receivers...)
	for token, out := range srv.outstanding {
		if pm, ok := srv.lends[token]; ok {
			pm.senderAS.Reclaim(pm.receiverAS, pm.lenderVirt, out.Envelope.Msg.Virt, pm.size)
		}
		woken = append(woken, waiter{PID: out.Envelope.Sender, TID: out.Envelope.SenderTID})
	}
	delete(r.servers, sid)
	return woken, nil
}
