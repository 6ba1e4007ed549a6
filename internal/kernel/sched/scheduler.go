// Package sched implements the process/thread scheduler: a single FIFO
// ready queue shared by every process, quantum accounting for the
// currently running thread, and the direct-switch optimization that lets a
// blocking IPC rendezvous hand the CPU straight to its counterpart instead
// of round-robining through the whole ready queue.
package sched

import "github.com/xous-go/xous/internal/kernel/mem/pmm"

// Elem identifies one schedulable thread.
type Elem struct {
	PID pmm.PID
	TID uint32
}

// DefaultQuantum is the number of ticks a thread runs before being
// preempted back to the ready queue, absent a manifest override.
const DefaultQuantum = 10000

// Scheduler holds the kernel-global ready queue and the currently running
// thread. Every method is a synchronous, lock-free state transition; the
// caller (internal/kernel) is responsible for serializing access with the
// kernel's global lock, a single degenerate lock rather than fine-grained
// per-structure locking.
type Scheduler struct {
	ready   []Elem
	running *Elem
	left    uint32
	quantum uint32

	// switches counts every context switch (Next or DirectSwitch that
	// actually changes the running thread), for instrumentation and tests.
	switches uint64
}

// New creates a scheduler with the given quantum length, in ticks.
func New(quantum uint32) *Scheduler {
	if quantum == 0 {
		quantum = DefaultQuantum
	}
	return &Scheduler{quantum: quantum}
}

// Switches returns the running count of context switches since creation.
func (s *Scheduler) Switches() uint64 { return s.switches }

// Current returns the currently running thread, if any.
func (s *Scheduler) Current() (Elem, bool) {
	if s.running == nil {
		return Elem{}, false
	}
	return *s.running, true
}

// Enqueue appends e to the back of the ready queue (a thread transitioning
// from Waiting/Sleeping to Ready). It does not itself cause a switch; the
// scheduler only switches on Next, DirectSwitch, or a quantum expiry that
// the caller turns into a Next call.
func (s *Scheduler) Enqueue(e Elem) {
	s.ready = append(s.ready, e)
}

// Remove drops e from the ready queue without running it, for when a
// thread or its whole process is terminated while still Ready.
func (s *Scheduler) Remove(e Elem) {
	for i, r := range s.ready {
		if r == e {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			return
		}
	}
}

// Next pops the front of the ready queue and makes it the running thread,
// resetting its quantum. ok is false if the ready queue is empty (the
// kernel should idle).
func (s *Scheduler) Next() (Elem, bool) {
	if len(s.ready) == 0 {
		return Elem{}, false
	}
	e := s.ready[0]
	s.ready = s.ready[1:]
	s.switchTo(e)
	return e, true
}

// DirectSwitch makes target the running thread immediately, bypassing the
// ready queue, without requeuing whatever was running (the caller has
// already decided the previous thread is now blocked, not ready). This is
// the IPC fast path: a blocking send or a reply hands the CPU straight to
// its counterpart.
func (s *Scheduler) DirectSwitch(target Elem) {
	s.switchTo(target)
}

func (s *Scheduler) switchTo(e Elem) {
	if s.running == nil || *s.running != e {
		s.switches++
	}
	s.running = &e
	s.left = s.quantum
}

// Yield voluntarily gives up the remainder of the current quantum: the
// running thread (if any) is requeued at the back and the next ready
// thread, if any, becomes current.
func (s *Scheduler) Yield() (Elem, bool) {
	if s.running != nil {
		s.ready = append(s.ready, *s.running)
		s.running = nil
	}
	return s.Next()
}

// Tick consumes one unit of the running thread's quantum. It reports true
// once the quantum is exhausted, at which point the caller should requeue
// the running thread and call Next. Tick
// is a no-op if no thread is running.
func (s *Scheduler) Tick() bool {
	if s.running == nil {
		return false
	}
	if s.left == 0 {
		return true
	}
	s.left--
	return s.left == 0
}

// Block removes the running thread from the CPU without requeuing it (the
// caller has put it in a Waiting state elsewhere); the scheduler is left
// idle until Next or DirectSwitch is called again.
func (s *Scheduler) Block() {
	s.running = nil
}

// Len reports the number of threads currently waiting to run.
func (s *Scheduler) Len() int { return len(s.ready) }
