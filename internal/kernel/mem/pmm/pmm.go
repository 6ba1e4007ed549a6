// Package pmm implements the physical page allocator: the authoritative
// mapping from physical page number to owning process.
package pmm

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	gsync "gvisor.dev/gvisor/pkg/sync"
)

// PageSize is the fixed page size in bytes.
const PageSize = 4096

// PID identifies an owning process. 0 is unallocated, 1 is the kernel
// sentinel, 2..254 are userspace, 255 is reserved.
type PID uint8

const (
	// Unowned marks a physical page with no owner.
	Unowned PID = 0
	// Kernel is the PID of the kernel sentinel process.
	Kernel PID = 1
	// Reserved is a PID value that may never be allocated to a process.
	Reserved PID = 255
)

// PPN is a physical page number (physical address >> 12).
type PPN uint32

// Range describes one whitelisted physical memory region declared at boot.
// Ranges must not overlap and allocation never crosses a range boundary.
type Range struct {
	Name      string
	BasePPN   PPN
	PageCount uint32
}

func (r Range) contains(p PPN) bool {
	return p >= r.BasePPN && uint32(p-r.BasePPN) < r.PageCount
}

// Flags requested at allocation time. Allocate does not consult them, so no
// flag affects placement.
type Flags uint32

const (
	// FlagNone requests no special placement.
	FlagNone Flags = 0
)

type pageEntry struct {
	owner atomicbitops.Uint32
}

func (e *pageEntry) load() PID   { return PID(e.owner.Load()) }
func (e *pageEntry) store(p PID) { e.owner.Store(uint32(p)) }

// Error is returned by Allocator operations. It carries one of the
// kernel's fixed error codes.
type Error struct {
	Op   string
	Code string
}

func (e *Error) Error() string { return fmt.Sprintf("pmm: %s: %s", e.Op, e.Code) }

func errOf(op, code string) error { return &Error{Op: op, Code: code} }

// Allocator owns every physical page in the whitelisted ranges declared at
// boot. All mutation is serialized behind a single kernel
// lock; on the single-CPU target this is simply interrupt-disable, but we
// keep the real lock so a future SMP port only needs to change the lock
// implementation.
type Allocator struct {
	mu     gsync.Mutex
	ranges []Range
	// pages is indexed by a dense index across all ranges, in range order.
	pages []pageEntry
	// rangeStart[i] is the dense index of the first page of ranges[i].
	rangeStart []uint32
	// rotate[i] is the next candidate offset within ranges[i] to scan from.
	rotate []uint32
}

// New builds an Allocator over the given whitelisted ranges. Ranges must be
// non-overlapping; the allocator table length covers exactly their union.
func New(ranges []Range) (*Allocator, error) {
	a := &Allocator{ranges: append([]Range(nil), ranges...)}
	a.rangeStart = make([]uint32, len(ranges))
	a.rotate = make([]uint32, len(ranges))
	var total uint32
	for i, r := range a.ranges {
		for j, other := range a.ranges {
			if i == j {
				continue
			}
			if overlaps(r, other) {
				return nil, fmt.Errorf("pmm: range %q overlaps range %q", r.Name, other.Name)
			}
		}
		a.rangeStart[i] = total
		total += r.PageCount
	}
	a.pages = make([]pageEntry, total)
	return a, nil
}

func overlaps(a, b Range) bool {
	aEnd := a.BasePPN + PPN(a.PageCount)
	bEnd := b.BasePPN + PPN(b.PageCount)
	return a.BasePPN < bEnd && b.BasePPN < aEnd
}

func (a *Allocator) findRange(p PPN) (idx int, ok bool) {
	for i, r := range a.ranges {
		if r.contains(p) {
			return i, true
		}
	}
	return 0, false
}

func (a *Allocator) denseIndex(rangeIdx int, p PPN) uint32 {
	return a.rangeStart[rangeIdx] + uint32(p-a.ranges[rangeIdx].BasePPN)
}

// Allocate finds a free page and marks it owned by pid. If hint is non-nil,
// that exact page must be free and within a whitelisted range. Otherwise the
// primary (first-declared) range is scanned starting from a rotating
// pointer so repeated allocation/release cycles don't always return the
// same page.
func (a *Allocator) Allocate(pid PID, hint *PPN, _ Flags) (PPN, error) {
	if pid == Unowned || pid == Reserved {
		return 0, errOf("allocate", "Access")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if hint != nil {
		ri, ok := a.findRange(*hint)
		if !ok {
			return 0, errOf("allocate", "BadAddress")
		}
		idx := a.denseIndex(ri, *hint)
		if a.pages[idx].load() != Unowned {
			return 0, errOf("allocate", "MemoryInUse")
		}
		a.pages[idx].store(pid)
		return *hint, nil
	}

	if len(a.ranges) == 0 {
		return 0, errOf("allocate", "OutOfMemory")
	}
	ri := 0
	r := a.ranges[ri]
	start := a.rotate[ri]
	for i := uint32(0); i < r.PageCount; i++ {
		off := (start + i) % r.PageCount
		idx := a.rangeStart[ri] + off
		if a.pages[idx].load() == Unowned {
			a.pages[idx].store(pid)
			a.rotate[ri] = (off + 1) % r.PageCount
			return r.BasePPN + PPN(off), nil
		}
	}
	return 0, errOf("allocate", "OutOfMemory")
}

// Release returns a page to the free pool. Only the current owner (or the
// kernel acting on its behalf) may release a page.
func (a *Allocator) Release(pid PID, p PPN) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ri, ok := a.findRange(p)
	if !ok {
		return errOf("release", "BadAddress")
	}
	idx := a.denseIndex(ri, p)
	owner := a.pages[idx].load()
	if owner == Unowned {
		return errOf("release", "DoubleFree")
	}
	if owner != pid && pid != Kernel {
		return errOf("release", "Access")
	}
	a.pages[idx].store(Unowned)
	return nil
}

// Transfer atomically changes a page's owner, used during memory-message
// send and lending. The caller is responsible for
// verifying from_pid is the true owner before the page table side-effects
// of a lend/send are applied.
func (a *Allocator) Transfer(fromPID, toPID PID, p PPN) error {
	if toPID == Unowned || toPID == Reserved {
		return errOf("transfer", "Access")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	ri, ok := a.findRange(p)
	if !ok {
		return errOf("transfer", "BadAddress")
	}
	idx := a.denseIndex(ri, p)
	if a.pages[idx].load() != fromPID {
		return errOf("transfer", "Access")
	}
	a.pages[idx].store(toPID)
	return nil
}

// OwnerOf reports the current owning PID of a physical page, or Unowned if
// it is free or outside any whitelisted range.
func (a *Allocator) OwnerOf(p PPN) PID {
	a.mu.Lock()
	defer a.mu.Unlock()
	ri, ok := a.findRange(p)
	if !ok {
		return Unowned
	}
	return a.pages[a.denseIndex(ri, p)].load()
}

// CountOwnedBy returns the number of pages currently owned by pid, used by
// process teardown to reconcile with the process's own bookkeeping (P1).
func (a *Allocator) CountOwnedBy(pid PID) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for i := range a.pages {
		if a.pages[i].load() == pid {
			n++
		}
	}
	return n
}

// ReleaseAll frees every page owned by pid, used on process termination
//. Returns the number of pages freed.
func (a *Allocator) ReleaseAll(pid PID) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for i := range a.pages {
		if a.pages[i].load() == pid {
			a.pages[i].store(Unowned)
			n++
		}
	}
	return n
}

// Ranges returns a copy of the whitelisted ranges this allocator covers.
func (a *Allocator) Ranges() []Range {
	return append([]Range(nil), a.ranges...)
}
