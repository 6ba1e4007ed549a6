package kernel

import (
	"github.com/xous-go/xous/internal/kernel/mem/pmm"
	"github.com/xous-go/xous/internal/kernel/proc"
	"github.com/xous-go/xous/internal/kernel/sched"
)

// InterruptEvent is what a handler thread finds in PendingMessage after
// being woken by PostInterrupt: just which line fired, since the kernel's
// top-half does no decoding of its own.
type InterruptEvent struct {
	Line uint32
}

// ClaimInterrupt registers tid as the handler for line").
func (k *Kernel) ClaimInterrupt(pid pmm.PID, tid uint32, line uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.IRQ.Claim(pid, tid, line)
}

// FreeInterrupt releases pid's claim on line.
func (k *Kernel) FreeInterrupt(pid pmm.PID, line uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.IRQ.Free(pid, line)
}

// PostInterrupt is the kernel's top-half: it wakes line's registered
// handler thread with an InterruptEvent and nothing more. In a hosted
// simulation this is invoked by whatever stands in for hardware; on real
// RV32 it would be the trap handler. Either way no handler logic runs here.
func (k *Kernel) PostInterrupt(line uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	h, ok := k.IRQ.Handler(line)
	if !ok {
		return errOf("post_interrupt", "InterruptLineNotClaimed")
	}
	p := k.Procs.Lookup(h.PID)
	if p == nil {
		return errOf("post_interrupt", "ProcessNotFound")
	}
	th := p.Thread(proc.TID(h.TID))
	if th == nil {
		return errOf("post_interrupt", "ProcessNotFound")
	}
	th.PendingMessage = InterruptEvent{Line: line}
	if th.State != proc.ThreadRunning {
		th.State = proc.ThreadReady
		k.Sched.Enqueue(sched.Elem{PID: h.PID, TID: h.TID})
	}
	k.trace("post_interrupt line=%d pid=%d tid=%d", line, h.PID, h.TID)
	return nil
}
