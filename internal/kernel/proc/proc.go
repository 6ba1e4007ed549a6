// Package proc implements the process/thread table: PID/TID allocation,
// per-thread register files, and process/thread lifecycle.
package proc

import (
	"fmt"

	"github.com/xous-go/xous/internal/kernel/mem/pmm"
	"github.com/xous-go/xous/internal/kernel/mem/vmm"
)

// MaxThreadsPerProcess fixes the per-process thread count at 32 (TID
// 0..31). It is a package variable rather than a const so a boot manifest
// can override it (see internal/kernel/boot).
var MaxThreadsPerProcess uint32 = 32

// TID identifies a thread within its owning process. TID 0 is the
// process's initial/main thread.
type TID uint32

// ProcState is a process's lifecycle state.
type ProcState int

const (
	ProcSetup ProcState = iota
	ProcReady
	ProcRunning
	ProcSleeping
	ProcFree
)

func (s ProcState) String() string {
	switch s {
	case ProcSetup:
		return "Setup"
	case ProcReady:
		return "Ready"
	case ProcRunning:
		return "Running"
	case ProcSleeping:
		return "Sleeping"
	case ProcFree:
		return "Free"
	default:
		return "Unknown"
	}
}

// ThreadState is a thread's lifecycle / blocking state.
type ThreadState int

const (
	ThreadFree ThreadState = iota
	ThreadReady
	ThreadRunning
	ThreadWaitingReceive
	ThreadWaitingReply
	ThreadBlockingSend
	ThreadSleeping
)

func (s ThreadState) String() string {
	switch s {
	case ThreadFree:
		return "Free"
	case ThreadReady:
		return "Ready"
	case ThreadRunning:
		return "Running"
	case ThreadWaitingReceive:
		return "WaitingReceive"
	case ThreadWaitingReply:
		return "WaitingReply"
	case ThreadBlockingSend:
		return "BlockingSend"
	case ThreadSleeping:
		return "Sleeping"
	default:
		return "Unknown"
	}
}

// Registers is a thread's saved register file: 32 general-purpose
// registers plus PC and a status word, sized for the 32-bit RV32 target
// this kernel runs on.
type Registers struct {
	X      [32]uint32
	PC     uint32
	Status uint32
}

// Thread is one schedulable unit within a process.
type Thread struct {
	TID     TID
	Process pmm.PID
	Regs    Registers
	State   ThreadState

	// WaitingOn is the SID a thread in WaitingReceive is blocked on, or the
	// sender token a thread in WaitingReply is blocked on. Its meaning is
	// state-dependent, matching the tagged-union shape of the original
	// thread state.
	WaitingOn uint64

	// PendingMessage holds what the thread finds on waking: an ipc.Reply,
	// a kernel *Error for a failed wait, or an InterruptEvent.
	PendingMessage any
}

// Process groups threads under one address space and PID.
type Process struct {
	PID     pmm.PID
	Parent  pmm.PID
	AS      *vmm.AddressSpace
	ExcSP   vmm.VAddr
	State   ProcState
	threads []*Thread // indexed by TID; nil entries are Free slots
}

func newProcess(pid, parent pmm.PID, as *vmm.AddressSpace) *Process {
	return &Process{
		PID:     pid,
		Parent:  parent,
		AS:      as,
		State:   ProcSetup,
		threads: make([]*Thread, MaxThreadsPerProcess),
	}
}

// Thread returns the thread at tid, or nil if the slot is Free.
func (p *Process) Thread(tid TID) *Thread {
	if uint32(tid) >= uint32(len(p.threads)) {
		return nil
	}
	return p.threads[tid]
}

// Threads returns every live thread in TID order.
func (p *Process) Threads() []*Thread {
	out := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

// allocTID returns the smallest free TID, or ok=false if the table is full.
func (p *Process) allocTID() (TID, bool) {
	for i, t := range p.threads {
		if t == nil {
			return TID(i), true
		}
	}
	return 0, false
}

// Error mirrors the kernel's fixed error code enumeration.
type Error struct {
	Op   string
	Code string
}

func (e *Error) Error() string { return fmt.Sprintf("proc: %s: %s", e.Op, e.Code) }

func errOf(op, code string) error { return &Error{Op: op, Code: code} }

// Table is the global process/thread table.
type Table struct {
	procs map[pmm.PID]*Process
	next  pmm.PID
}

// NewTable creates an empty process table. PID 1 (the kernel sentinel) is
// reserved and never handed out by CreateProcess.
func NewTable() *Table {
	return &Table{procs: make(map[pmm.PID]*Process), next: 2}
}

// Lookup returns the process for pid, or nil if none exists.
func (t *Table) Lookup(pid pmm.PID) *Process { return t.procs[pid] }

// CreateProcess allocates a fresh PID (smallest unused) and registers a new
// process rooted at as.
func (t *Table) CreateProcess(parent pmm.PID, as *vmm.AddressSpace) (*Process, error) {
	pid, ok := t.allocPID()
	if !ok {
		return nil, errOf("create_process", "OutOfMemory")
	}
	p := newProcess(pid, parent, as)
	t.procs[pid] = p
	return p, nil
}

func (t *Table) allocPID() (pmm.PID, bool) {
	for pid := pmm.PID(2); pid < pmm.Reserved; pid++ {
		if _, used := t.procs[pid]; !used {
			return pid, true
		}
	}
	return 0, false
}

// CreateThread0 installs TID 0 in state Ready with the given entry point
// and stack pointer, completing process creation.
func (p *Process) CreateThread0(entry, stack vmm.VAddr) *Thread {
	th := &Thread{TID: 0, Process: p.PID, State: ThreadReady}
	th.Regs.PC = uint32(entry)
	th.Regs.X[2] = uint32(stack) // x2 is the RISC-V stack-pointer register
	p.threads[0] = th
	p.State = ProcReady
	return th
}

// CreateThread allocates a new TID within an existing process, with a fresh
// stack and PC/arguments set in the saved registers, in Ready state.
func (p *Process) CreateThread(entry, stack vmm.VAddr, args [4]uint32) (*Thread, error) {
	tid, ok := p.allocTID()
	if !ok {
		return nil, errOf("create_thread", "OutOfMemory")
	}
	th := &Thread{TID: tid, Process: p.PID, State: ThreadReady}
	th.Regs.PC = uint32(entry)
	th.Regs.X[2] = uint32(stack)
	th.Regs.X[10] = args[0] // a0..a3, the RISC-V argument registers
	th.Regs.X[11] = args[1]
	th.Regs.X[12] = args[2]
	th.Regs.X[13] = args[3]
	p.threads[tid] = th
	return th, nil
}

// TerminateThread frees tid's slot. If tid is 0, the whole process
// terminates; the caller (internal/kernel) is responsible for the
// wider teardown (releasing pages, servers, connections) since that spans
// packages this one doesn't import.
func (p *Process) TerminateThread(tid TID) (processDied bool) {
	if uint32(tid) >= uint32(len(p.threads)) {
		return false
	}
	p.threads[tid] = nil
	if tid == 0 {
		p.State = ProcFree
		return true
	}
	return false
}

// Processes returns every live process, for iteration by the scheduler and
// IPC registry during global operations like shutdown.
func (t *Table) Processes() []*Process {
	out := make([]*Process, 0, len(t.procs))
	for _, p := range t.procs {
		out = append(out, p)
	}
	return out
}

// DestroyProcess removes pid from the table entirely. Pages, servers, and
// connections are torn down by the caller before this is invoked; this
// only removes the bookkeeping entry once that's done.
func (t *Table) DestroyProcess(pid pmm.PID) {
	delete(t.procs, pid)
}
