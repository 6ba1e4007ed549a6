// Package irq tracks which userspace thread owns each interrupt line: the
// kernel's own top-half never runs handler logic itself, it only records
// who to wake.
package irq

import (
	"golang.org/x/time/rate"

	"github.com/xous-go/xous/internal/kernel/mem/pmm"
)

// Error is an irq-package failure, shaped like every other subsystem's
// fixed (Op, Code) error.
type Error struct {
	Op   string
	Code string
}

func (e *Error) Error() string { return e.Op + ": " + e.Code }

func errOf(op, code string) error { return &Error{Op: op, Code: code} }

// Handler identifies the thread that owns an interrupt line.
type Handler struct {
	PID pmm.PID
	TID uint32
}

// claimChurnRate bounds how many times per second a single line can be
// freed, and so how often its ownership can change hands, so a driver
// thread claiming and freeing the same line in a tight loop can't
// monopolize the kernel lock.
const claimChurnRate = 100

type claim struct {
	handler Handler
}

// Registry tracks interrupt line ownership. A line's churn limiter outlives
// any single claim, so it keeps counting across a claim/free loop.
type Registry struct {
	claims   map[uint32]*claim
	limiters map[uint32]*rate.Limiter
}

// NewRegistry builds an empty interrupt registry.
func NewRegistry() *Registry {
	return &Registry{claims: make(map[uint32]*claim), limiters: make(map[uint32]*rate.Limiter)}
}

// Claim registers (pid, tid) as the handler thread for line. Only one
// thread may own a line at a time.
func (r *Registry) Claim(pid pmm.PID, tid uint32, line uint32) error {
	if _, ok := r.claims[line]; ok {
		return errOf("claim_interrupt", "InterruptLineClaimed")
	}
	r.claims[line] = &claim{handler: Handler{PID: pid, TID: tid}}
	return nil
}

// Free releases pid's claim on line. Only the owner may free it.
func (r *Registry) Free(pid pmm.PID, line uint32) error {
	c, ok := r.claims[line]
	if !ok {
		return errOf("free_interrupt", "InterruptLineNotClaimed")
	}
	if c.handler.PID != pid {
		return errOf("free_interrupt", "NotOwner")
	}
	lim := r.limiters[line]
	if lim == nil {
		lim = rate.NewLimiter(rate.Limit(claimChurnRate), 1)
		r.limiters[line] = lim
	}
	if !lim.Allow() {
		return errOf("free_interrupt", "InterruptLineBusy")
	}
	delete(r.claims, line)
	return nil
}

// Handler returns the thread currently registered for line.
func (r *Registry) Handler(line uint32) (Handler, bool) {
	c, ok := r.claims[line]
	if !ok {
		return Handler{}, false
	}
	return c.handler, true
}

// ReleaseAll frees every line pid owns, for process teardown.
func (r *Registry) ReleaseAll(pid pmm.PID) {
	for line, c := range r.claims {
		if c.handler.PID == pid {
			delete(r.claims, line)
		}
	}
}
