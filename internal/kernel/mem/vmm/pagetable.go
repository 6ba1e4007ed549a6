// Package vmm implements the per-process address space manager: a
// two-level 10/10/12 RV32 page table with lazy allocation and the
// S/P software-bit lend/reclaim protocol.
package vmm

import (
	"unsafe"

	"github.com/xous-go/xous/internal/kernel/mem/pmm"
)

// VAddr is a 32-bit virtual address.
type VAddr uint32

// PageSize is the fixed page size in bytes. Any address not
// aligned to this fails with BadAlignment.
const PageSize = 4096

// PtesPerTable is the number of entries in one level of the two-level RV32
// page table (10 index bits per level).
const PtesPerTable = 1024

// PTE is a single page-table entry. It follows the real RV32 Sv32 layout
// (bits 0-7 standard, bits 8-9 "reserved for software", bits 10-31 PPN) so
// that the S/P bits the lend/reclaim protocol repurposes are genuine RSW
// bits rather than an invented field.
type PTE uint32

const (
	pteV = 1 << 0 // Valid
	pteR = 1 << 1 // Readable
	pteW = 1 << 2 // Writable
	pteX = 1 << 3 // Executable
	pteU = 1 << 4 // User accessible
	pteS = 1 << 8 // Shared/borrowed (RSW bit 0)
	pteP = 1 << 9 // Was-writable-before-lend (RSW bit 1)

	ppnShift = 10
)

// Flags is the caller-facing subset of PTE bits relevant to map/reserve
// requests: R, W, X, U.
type Flags uint32

const (
	FlagR Flags = pteR
	FlagW Flags = pteW
	FlagX Flags = pteX
	FlagU Flags = pteU
)

func makePTE(ppn pmm.PPN, flags Flags, v, s, p bool) PTE {
	e := PTE(uint32(ppn) << ppnShift)
	e |= PTE(flags)
	if v {
		e |= pteV
	}
	if s {
		e |= pteS
	}
	if p {
		e |= pteP
	}
	return e
}

func (e PTE) PPN() pmm.PPN  { return pmm.PPN(uint32(e) >> ppnShift) }
func (e PTE) Flags() Flags { return Flags(uint32(e) & (pteR | pteW | pteX | pteU)) }
func (e PTE) V() bool      { return uint32(e)&pteV != 0 }
func (e PTE) R() bool      { return uint32(e)&pteR != 0 }
func (e PTE) W() bool      { return uint32(e)&pteW != 0 }
func (e PTE) X() bool      { return uint32(e)&pteX != 0 }
func (e PTE) U() bool      { return uint32(e)&pteU != 0 }
func (e PTE) S() bool      { return uint32(e)&pteS != 0 }
func (e PTE) P() bool      { return uint32(e)&pteP != 0 }

// Empty reports whether the entry is entirely unallocated (V=0, all other
// bits clear).
func (e PTE) Empty() bool { return e == 0 }

// Reserved reports whether the entry is a lazy reservation: V=0, S=0, with
// some R/W/X bit set, meaning the next fault should allocate and zero a
// page with those permissions. A lent page also has V=0 with flags set
// (the lender's original R/W bits, kept for Reclaim) but carries S=1, so
// it is excluded here: a fault on a lent range is not a lazy reservation.
func (e PTE) Reserved() bool { return !e.V() && !e.S() && uint32(e.Flags()) != 0 }

// split breaks a virtual address into its two 10-bit table indices and
// 12-bit page offset.
func split(v VAddr) (l1, l2, off uint32) {
	u := uint32(v)
	return u >> 22, (u >> 12) & 0x3ff, u & 0xfff
}

// Aligned reports whether v is page-aligned.
func Aligned(v VAddr) bool { return uint32(v)&(PageSize-1) == 0 }

// PhysMem is the kernel's flat physical memory arena: every physical page,
// including the pages backing page tables themselves, lives in one
// contiguous byte slice indexed by physical page number. Address-space
// code never follows a language-level pointer graph to reach a page table
// node: it always looks a PPN up in this arena and reinterprets the bytes.
type PhysMem struct {
	data []byte
	base pmm.PPN
}

// NewPhysMem allocates an arena big enough to back pageCount pages starting
// at physical page number base.
func NewPhysMem(base pmm.PPN, pageCount uint32) *PhysMem {
	return &PhysMem{data: make([]byte, uint64(pageCount)*PageSize), base: base}
}

func (m *PhysMem) page(ppn pmm.PPN) []byte {
	idx := uint64(ppn - m.base)
	off := idx * PageSize
	return m.data[off : off+PageSize : off+PageSize]
}

// Table reinterprets the page at ppn as a table of page-table entries.
func (m *PhysMem) Table(ppn pmm.PPN) *[PtesPerTable]PTE {
	pg := m.page(ppn)
	return (*[PtesPerTable]PTE)(unsafe.Pointer(&pg[0]))
}

// Bytes returns the raw contents of the page at ppn, used for the data
// pages moved or lent by memory messages.
func (m *PhysMem) Bytes(ppn pmm.PPN) []byte { return m.page(ppn) }

// Zero clears a page to all zeroes, for on-demand zeroing of fresh pages.
func (m *PhysMem) Zero(ppn pmm.PPN) {
	pg := m.page(ppn)
	for i := range pg {
		pg[i] = 0
	}
}
