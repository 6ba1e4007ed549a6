package kernel

import (
	"github.com/xous-go/xous/internal/kernel/ipc"
	"github.com/xous-go/xous/internal/kernel/mem/pmm"
	"github.com/xous-go/xous/internal/kernel/proc"
	"github.com/xous-go/xous/internal/kernel/sched"
)

// CreateServer registers a new server owned by pid.
func (k *Kernel) CreateServer(pid pmm.PID) (ipc.SID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.IPC.CreateServer(pid)
}

// Connect allocates a CID in pid's connection table for sid.
func (k *Kernel) Connect(pid pmm.PID, sid ipc.SID) (ipc.CID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.IPC.Connect(pid, sid)
}

// Disconnect drops cid from pid's connection table.
func (k *Kernel) Disconnect(pid pmm.PID, cid ipc.CID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.IPC.Disconnect(pid, cid)
}

// DestroyServer tears down sid, waking every blocked receiver and
// unreplied sender with ServerNotFound and returning every range still
// lent to the server to its lender.
func (k *Kernel) DestroyServer(pid pmm.PID, sid ipc.SID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	woken, err := k.IPC.DestroyServer(pid, sid)
	if err != nil {
		return err
	}
	for _, w := range woken {
		k.failWaiter(w.PID, w.TID, "ServerNotFound")
	}
	k.trace("destroy_server pid=%d woken=%d", pid, len(woken))
	return nil
}

// failWaiter wakes a thread that was blocked on IPC with a terminal error
// instead of a normal reply, stashing the code where the syscall layer can
// retrieve it once the thread runs again.
func (k *Kernel) failWaiter(pid pmm.PID, tid uint32, code string) {
	p := k.Procs.Lookup(pid)
	if p == nil {
		return
	}
	th := p.Thread(proc.TID(tid))
	if th == nil {
		return
	}
	th.PendingMessage = &Error{Op: "ipc", Code: code}
	th.State = proc.ThreadReady
	k.Sched.Enqueue(sched.Elem{PID: pid, TID: tid})
}

// Send delivers msg to cid. If the message reaches an
// already-waiting receiver, the scheduler direct-switches straight to it
//; otherwise the calling thread keeps running
// only if the send doesn't block (a non-blocking scalar).
func (k *Kernel) Send(pid pmm.PID, tid uint32, cid ipc.CID, msg ipc.Message) (ipc.SendResult, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p := k.Procs.Lookup(pid)
	if p == nil {
		return ipc.SendResult{}, errOf("send", "ProcessNotFound")
	}
	sr, err := k.IPC.Send(pid, tid, p.AS, cid, msg)
	if err != nil {
		return ipc.SendResult{}, err
	}

	if th := p.Thread(proc.TID(tid)); th != nil && sr.Blocks {
		th.State = proc.ThreadWaitingReply
		th.WaitingOn = uint64(sr.Token)
		k.Sched.Remove(sched.Elem{PID: pid, TID: tid})
		if cur, ok := k.Sched.Current(); ok && cur == (sched.Elem{PID: pid, TID: tid}) {
			k.Sched.Block()
		}
	}

	if sr.WokeReceiver != nil {
		if rp := k.Procs.Lookup(sr.WokeReceiver.PID); rp != nil {
			if rth := rp.Thread(proc.TID(sr.WokeReceiver.TID)); rth != nil {
				rth.State = proc.ThreadRunning
			}
		}
		k.Sched.DirectSwitch(sched.Elem{PID: sr.WokeReceiver.PID, TID: sr.WokeReceiver.TID})
		k.recordSwitch()
	}
	return sr, nil
}

// Receive dequeues the next message for sid, or parks tid on the server's
// receiver queue.
func (k *Kernel) Receive(pid pmm.PID, tid uint32, sid ipc.SID) (ipc.ReceiveResult, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	rr, err := k.IPC.Receive(pid, tid, sid)
	if err != nil {
		return ipc.ReceiveResult{}, err
	}
	if !rr.Delivered {
		k.Sched.Remove(sched.Elem{PID: pid, TID: tid})
		if cur, ok := k.Sched.Current(); ok && cur == (sched.Elem{PID: pid, TID: tid}) {
			k.Sched.Block()
		}
		if p := k.Procs.Lookup(pid); p != nil {
			if th := p.Thread(proc.TID(tid)); th != nil {
				th.State = proc.ThreadWaitingReceive
				th.WaitingOn = sidHash(sid)
			}
		}
	}
	return rr, nil
}

// ReturnScalar completes a blocking-scalar call and wakes its sender,
// direct-switching to it.
func (k *Kernel) ReturnScalar(sid ipc.SID, token ipc.Token, vals [2]uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	w, err := k.IPC.ReturnScalar(sid, token, vals)
	if err != nil {
		return err
	}
	k.wakeWithReply(w.PID, w.TID, ipc.Reply{Vals: vals})
	return nil
}

// ReturnMemory completes a memory message, reclaiming a lend if needed,
// and wakes its sender.
func (k *Kernel) ReturnMemory(sid ipc.SID, token ipc.Token, offset, valid uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	w, err := k.IPC.ReturnMemory(sid, token, offset, valid)
	if err != nil {
		return err
	}
	k.wakeWithReply(w.PID, w.TID, ipc.Reply{Offset: offset, Valid: valid})
	return nil
}

func (k *Kernel) wakeWithReply(pid pmm.PID, tid uint32, reply ipc.Reply) {
	p := k.Procs.Lookup(pid)
	if p == nil {
		return
	}
	th := p.Thread(proc.TID(tid))
	if th == nil {
		return
	}
	th.PendingMessage = reply
	th.State = proc.ThreadReady
	k.Sched.DirectSwitch(sched.Elem{PID: pid, TID: tid})
	k.recordSwitch()
}

// sidHash folds a 128-bit SID down to the 64 bits Thread.WaitingOn holds;
// it is only ever compared against itself, never reconstructed, so a
// lossy, order-preserving fold is fine.
func sidHash(sid ipc.SID) uint64 {
	var h uint64
	for _, b := range sid {
		h = h<<8 | uint64(b)
	}
	return h
}
