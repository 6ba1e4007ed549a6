// Package kernel wires the physical allocator, address-space manager,
// process/thread table, scheduler, and IPC registry into a single kernel
// instance, implementing the operations that cross subsystem boundaries:
// process/thread lifecycle, page faults, and the full IPC call path
// including the scheduler's direct-switch optimization.
package kernel

import (
	"io"

	"github.com/xous-go/xous/internal/kernel/ipc"
	"github.com/xous-go/xous/internal/kernel/irq"
	"github.com/xous-go/xous/internal/kernel/mem/pmm"
	"github.com/xous-go/xous/internal/kernel/mem/vmm"
	"github.com/xous-go/xous/internal/kernel/proc"
	"github.com/xous-go/xous/internal/kernel/sched"
	"github.com/xous-go/xous/internal/timeslice"
	gsync "gvisor.dev/gvisor/pkg/sync"
)

// Kernel is the top-level, single-instance kernel state. Every exported
// method takes the global lock before touching shared state: a single
// degenerate lock that leaves room for a future fine-grained locking
// regime.
type Kernel struct {
	mu gsync.Mutex

	PMM   *pmm.Allocator
	Mem   *vmm.PhysMem
	Procs *proc.Table
	Sched *sched.Scheduler
	IPC   *ipc.Registry
	IRQ   *irq.Registry

	sharedWindow []pmm.PPN
	recorder     *timeslice.Recorder

	// Trace receives one line of text per notable kernel event (process
	// creation and start, process termination, server destruction,
	// interrupt delivery). Nil disables tracing.
	Trace io.Writer
}

// New builds a kernel over the given whitelisted physical memory ranges,
// with the given scheduler quantum in ticks (0 selects sched.DefaultQuantum).
func New(ranges []pmm.Range, quantumTicks uint32) (*Kernel, error) {
	alloc, err := pmm.New(ranges)
	if err != nil {
		return nil, err
	}
	mem := newArena(ranges)

	k := &Kernel{
		PMM:   alloc,
		Mem:   mem,
		Procs: proc.NewTable(),
		Sched: sched.New(quantumTicks),
		IRQ:   irq.NewRegistry(),
	}
	k.IPC = ipc.NewRegistry(func(pid pmm.PID) *vmm.AddressSpace {
		if p := k.Procs.Lookup(pid); p != nil {
			return p.AS
		}
		return nil
	}, alloc)
	return k, nil
}

// newArena sizes a PhysMem arena to cover every declared range, even if
// they are not contiguous; gaps between ranges simply go unused.
func newArena(ranges []pmm.Range) *vmm.PhysMem {
	var base, end pmm.PPN
	for i, r := range ranges {
		rEnd := pmm.PPN(uint32(r.BasePPN) + r.PageCount)
		if i == 0 || r.BasePPN < base {
			base = r.BasePPN
		}
		if rEnd > end {
			end = rEnd
		}
	}
	return vmm.NewPhysMem(base, uint32(end-base))
}

func (k *Kernel) trace(format string, args ...any) {
	if k.Trace == nil {
		return
	}
	fmtTrace(k.Trace, format, args...)
}

// NewAddressSpace allocates a fresh address space for owner and installs
// the shared kernel window into it, so the invariant that kernel pages map
// identically in every process holds from the moment a process is born.
func (k *Kernel) NewAddressSpace(owner pmm.PID) (*vmm.AddressSpace, error) {
	as, err := vmm.New(k.Mem, k.PMM, owner)
	if err != nil {
		return nil, err
	}
	if len(k.sharedWindow) > 0 {
		if err := as.InstallSharedWindow(k.sharedWindow); err != nil {
			return nil, err
		}
	}
	return as, nil
}

// InstallSharedWindow records the physical pages mapped into every
// process's shared kernel window; it does not retroactively
// map them into processes that already exist.
func (k *Kernel) InstallSharedWindow(pages []pmm.PPN) {
	k.sharedWindow = pages
}

// CreateProcess allocates a PID and a fresh address space.
func (k *Kernel) CreateProcess(parent pmm.PID) (*proc.Process, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	as, err := k.NewAddressSpace(parent)
	if err != nil {
		return nil, err
	}
	p, err := k.Procs.CreateProcess(parent, as)
	if err != nil {
		return nil, err
	}
	as.Owner = p.PID
	k.trace("create_process pid=%d parent=%d", p.PID, parent)
	return p, nil
}

// StartProcess installs thread 0 and makes it
// schedulable.
func (k *Kernel) StartProcess(p *proc.Process, entry, stack vmm.VAddr) *proc.Thread {
	k.mu.Lock()
	defer k.mu.Unlock()
	th := p.CreateThread0(entry, stack)
	k.Sched.Enqueue(sched.Elem{PID: p.PID, TID: uint32(th.TID)})
	k.trace("start_process pid=%d entry=%#x", p.PID, entry)
	return th
}

// CreateThread adds a new thread to an existing process.
func (k *Kernel) CreateThread(p *proc.Process, entry, stack vmm.VAddr, args [4]uint32) (*proc.Thread, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	th, err := p.CreateThread(entry, stack, args)
	if err != nil {
		return nil, err
	}
	k.Sched.Enqueue(sched.Elem{PID: p.PID, TID: uint32(th.TID)})
	return th, nil
}

// TerminateThread ends one thread. If
// it was the process's main thread, the whole process is torn down:
// every page it owns is released, every server it owns is destroyed
// (waking blocked peers with ServerNotFound), and any lend it was still
// holding is returned to its lender.
func (k *Kernel) TerminateThread(pid pmm.PID, tid uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	p := k.Procs.Lookup(pid)
	if p == nil {
		return errOf("terminate_thread", "ProcessNotFound")
	}
	k.Sched.Remove(sched.Elem{PID: pid, TID: tid})
	died := p.TerminateThread(proc.TID(tid))
	if !died {
		return nil
	}
	k.teardownProcess(p)
	return nil
}

// teardownProcess releases every resource pid holds. Callers must hold mu.
func (k *Kernel) teardownProcess(p *proc.Process) {
	for _, th := range p.Threads() {
		k.Sched.Remove(sched.Elem{PID: p.PID, TID: uint32(th.TID)})
	}
	n := k.PMM.ReleaseAll(p.PID)
	k.IRQ.ReleaseAll(p.PID)
	woken := k.IPC.Teardown(p.PID)
	for _, w := range woken {
		k.failWaiter(w.PID, w.TID, "ServerNotFound")
	}
	k.Procs.DestroyProcess(p.PID)
	k.trace("terminate_process pid=%d pages_released=%d", p.PID, n)
}

// HandleFault resolves a page fault for tid in process pid.
func (k *Kernel) HandleFault(pid pmm.PID, tid uint32, virt vmm.VAddr) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	p := k.Procs.Lookup(pid)
	if p == nil {
		return errOf("fault", "ProcessNotFound")
	}
	th := p.Thread(proc.TID(tid))
	if th == nil {
		return errOf("fault", "ProcessNotFound")
	}
	sp := vmm.VAddr(th.Regs.X[2])
	return p.AS.HandleFault(virt, sp)
}
