package vmm

import (
	"fmt"

	"github.com/xous-go/xous/internal/kernel/mem/pmm"
)

// Error mirrors the kernel's fixed error code enumeration.
type Error struct {
	Op   string
	Code string
}

func (e *Error) Error() string { return fmt.Sprintf("vmm: %s: %s", e.Op, e.Code) }

func errOf(op, code string) error { return &Error{Op: op, Code: code} }

// AddressSpace is the per-process virtual memory: a two-level page table
// rooted at a physical page the kernel owns on the process's behalf.
type AddressSpace struct {
	mem     *PhysMem
	alloc   *pmm.Allocator
	Owner   pmm.PID
	RootPPN pmm.PPN

	// lendFree holds freed virtual ranges in the lend window, keyed by
	// page count, for reuse by later lends (avoids unbounded growth of
	// nextLendVirt across many lend/reclaim cycles).
	lendFree     map[uint32][]VAddr
	nextLendVirt VAddr
}

// New creates a fresh address space for owner, allocating and zeroing its
// root page table. The shared kernel window is
// installed identically in every address space by the caller via
// InstallSharedWindow so that invariant holds without this package needing
// to know the kernel's own layout.
func New(mem *PhysMem, alloc *pmm.Allocator, owner pmm.PID) (*AddressSpace, error) {
	root, err := alloc.Allocate(pmm.Kernel, nil, pmm.FlagNone)
	if err != nil {
		return nil, err
	}
	mem.Zero(root)
	return &AddressSpace{
		mem:          mem,
		alloc:        alloc,
		Owner:        owner,
		RootPPN:      root,
		lendFree:     make(map[uint32][]VAddr),
		nextLendVirt: LendWindowBase,
	}, nil
}

// walk returns a pointer to the leaf PTE for v, allocating the L2 table
// (owned by the kernel) if it does not exist and alloc is true.
func (as *AddressSpace) walk(v VAddr, allocL2 bool) (*PTE, error) {
	l1i, l2i, _ := split(v)
	root := as.mem.Table(as.RootPPN)
	l1e := &root[l1i]
	if !l1e.V() {
		if !allocL2 {
			return nil, nil
		}
		l2ppn, err := as.alloc.Allocate(pmm.Kernel, nil, pmm.FlagNone)
		if err != nil {
			return nil, err
		}
		as.mem.Zero(l2ppn)
		*l1e = makePTE(l2ppn, FlagR|FlagW|FlagX, true, false, false)
	}
	l2 := as.mem.Table(l1e.PPN())
	return &l2[l2i], nil
}

func checkAligned(op string, vs ...VAddr) error {
	for _, v := range vs {
		if !Aligned(v) {
			return errOf(op, "BadAlignment")
		}
	}
	return nil
}

// Map installs a direct mapping of virt to phys with the given permissions
//. The physical page is not touched; callers that need a
// freshly zeroed page should allocate via Reserve+fault or zero it
// themselves first.
func (as *AddressSpace) Map(virt VAddr, phys pmm.PPN, flags Flags) error {
	if err := checkAligned("map", virt); err != nil {
		return err
	}
	pte, err := as.walk(virt, true)
	if err != nil {
		return err
	}
	if pte.V() {
		return errOf("map", "MemoryInUse")
	}
	*pte = makePTE(phys, flags, true, false, false)
	return nil
}

// Unmap clears a mapping, returning the address-space side to the
// unallocated state. It does not release the physical page; the caller
// must separately call the allocator if the page was owned by this
// process, so a map/unmap round trip restores both the mapping and the
// page's ownership exactly as they were.
func (as *AddressSpace) Unmap(virt VAddr) error {
	if err := checkAligned("unmap", virt); err != nil {
		return err
	}
	pte, err := as.walk(virt, false)
	if err != nil {
		return err
	}
	if pte == nil || !pte.V() {
		return errOf("unmap", "BadAddress")
	}
	*pte = 0
	return nil
}

// Reserve marks virt for on-demand allocation: V=0 with the requested
// permissions preserved, so the next faulting access lazily allocates a
// fresh zeroed page.
func (as *AddressSpace) Reserve(virt VAddr, flags Flags) error {
	if err := checkAligned("reserve", virt); err != nil {
		return err
	}
	pte, err := as.walk(virt, true)
	if err != nil {
		return err
	}
	if pte.V() {
		return errOf("reserve", "MemoryInUse")
	}
	*pte = PTE(flags)
	return nil
}

// Translate resolves virt to a physical page and its flags, without
// side-effects. ok is false if the page is unmapped.
func (as *AddressSpace) Translate(virt VAddr) (phys pmm.PPN, flags Flags, ok bool) {
	pte, err := as.walk(virt, false)
	if err != nil || pte == nil || !pte.V() {
		return 0, 0, false
	}
	return pte.PPN(), pte.Flags(), true
}

// PTEAt exposes the raw PTE for a mapped or reserved address, for fault
// handling and tests; it never allocates an L2 table.
func (as *AddressSpace) PTEAt(virt VAddr) (PTE, bool) {
	pte, err := as.walk(virt, false)
	if err != nil || pte == nil {
		return 0, false
	}
	return *pte, true
}

// HandleFault resolves a page fault at virt for a thread whose stack
// pointer is sp. If virt falls within the stack auto-growth band below sp
// (and at or above UserBase), a fresh zeroed page is mapped with R+W and the
// fault is resolved transparently. A fault on an Empty PTE outside that
// band, or on a page currently lent out (S=1), is fatal to the caller:
// a lent page is not a lazy reservation, it is merely inaccessible to
// this side until the borrower replies.
func (as *AddressSpace) HandleFault(virt, sp VAddr) error {
	page := VAddr(uint32(virt) &^ (PageSize - 1))

	pte, err := as.walk(page, false)
	if err != nil {
		return err
	}
	if pte != nil && pte.Reserved() {
		return as.populate(page, pte.Flags())
	}
	if pte != nil && pte.V() {
		return nil // already mapped; nothing to do
	}
	if pte != nil && pte.S() {
		return errOf("fault", "BadAddress") // lent out until the borrower replies
	}

	if page <= sp && uint32(sp-page) <= StackGrowBand && page >= UserBase {
		if err := as.Reserve(page, FlagR|FlagW); err != nil {
			return err
		}
		pte, err = as.walk(page, false)
		if err != nil {
			return err
		}
		return as.populate(page, pte.Flags())
	}
	return errOf("fault", "BadAddress")
}

func (as *AddressSpace) populate(virt VAddr, flags Flags) error {
	phys, err := as.alloc.Allocate(as.Owner, nil, pmm.FlagNone)
	if err != nil {
		return err
	}
	as.mem.Zero(phys)
	pte, err := as.walk(virt, true)
	if err != nil {
		return err
	}
	*pte = makePTE(phys, flags, true, false, false)
	return nil
}

// InstallSharedWindow maps the kernel's shared window pages identically
// into this address space.
func (as *AddressSpace) InstallSharedWindow(pages []pmm.PPN) error {
	base := SharedKernelWindowBase
	for i, p := range pages {
		v := VAddr(uint32(base) + uint32(i)*PageSize)
		if err := as.Map(v, p, FlagR|FlagW); err != nil {
			return err
		}
	}
	return nil
}

func (as *AddressSpace) allocLendVirt(pages uint32) VAddr {
	if free := as.lendFree[pages]; len(free) > 0 {
		v := free[len(free)-1]
		as.lendFree[pages] = free[:len(free)-1]
		return v
	}
	v := as.nextLendVirt
	as.nextLendVirt = VAddr(uint32(v) + pages*PageSize)
	return v
}

func (as *AddressSpace) freeLendVirt(v VAddr, pages uint32) {
	as.lendFree[pages] = append(as.lendFree[pages], v)
}

// Lend implements the borrow half of the memory-message protocol: for each page in [virtFrom, virtFrom+size) in the lender's space,
// clear V (retaining the old W permission in P and setting S), then map the
// same physical page into the borrower at a freshly chosen virtual address
// with S=1 and R[+W]. Physical ownership never changes.
func (as *AddressSpace) Lend(borrower *AddressSpace, virtFrom VAddr, size uint32, mutable bool) (VAddr, error) {
	if err := checkAligned("lend", virtFrom); err != nil {
		return 0, err
	}
	if size == 0 || size%PageSize != 0 {
		return 0, errOf("lend", "BadAlignment")
	}
	pages := size / PageSize

	// Verify every page first so a failure never leaves a partial lend.
	type pageInfo struct {
		pte  *PTE
		phys pmm.PPN
		w    bool
	}
	infos := make([]pageInfo, pages)
	for i := uint32(0); i < pages; i++ {
		v := VAddr(uint32(virtFrom) + i*PageSize)
		pte, err := as.walk(v, false)
		if err != nil {
			return 0, err
		}
		if pte == nil || !pte.V() {
			return 0, errOf("lend", "BadAddress")
		}
		infos[i] = pageInfo{pte: pte, phys: pte.PPN(), w: pte.W()}
	}

	virtTo := borrower.allocLendVirt(pages)
	borrowFlags := FlagR | FlagU
	if mutable {
		borrowFlags |= FlagW
	}
	for i, info := range infos {
		vTo := VAddr(uint32(virtTo) + uint32(i)*PageSize)
		bpte, err := borrower.walk(vTo, true)
		if err != nil {
			return 0, err
		}
		*bpte = makePTE(info.phys, borrowFlags, true, true, false)
	}
	for _, info := range infos {
		*info.pte = makePTE(info.phys, info.pte.Flags(), false, true, info.w)
	}
	return virtTo, nil
}

// Reclaim reverses a prior Lend: every page in the borrower's range must
// still carry S=1 (no intervening process death or double-reclaim), after
// which the borrower's mapping is torn down and the lender's original V/W
// state is restored bit-for-bit.
func (as *AddressSpace) Reclaim(borrower *AddressSpace, virtFrom, virtTo VAddr, size uint32) error {
	if err := checkAligned("reclaim", virtFrom, virtTo); err != nil {
		return err
	}
	if size == 0 || size%PageSize != 0 {
		return errOf("reclaim", "BadAlignment")
	}
	pages := size / PageSize

	for i := uint32(0); i < pages; i++ {
		vFrom := VAddr(uint32(virtFrom) + i*PageSize)
		vTo := VAddr(uint32(virtTo) + i*PageSize)

		lpte, err := as.walk(vFrom, false)
		if err != nil {
			return err
		}
		if lpte == nil || lpte.V() || !lpte.S() {
			return errOf("reclaim", "BadAddress")
		}
		bpte, err := borrower.walk(vTo, false)
		if err != nil {
			return err
		}
		if bpte == nil || !bpte.V() || !bpte.S() {
			return errOf("reclaim", "BadAddress")
		}
		if bpte.PPN() != lpte.PPN() {
			return errOf("reclaim", "InternalError")
		}

		*lpte = makePTE(lpte.PPN(), lpte.Flags()|boolFlag(lpte.P(), FlagW), true, false, false)
		*bpte = 0
	}
	borrower.freeLendVirt(virtTo, pages)
	return nil
}

func boolFlag(b bool, f Flags) Flags {
	if b {
		return f
	}
	return 0
}

// ReclaimOnDeath restores every lent page a now-dead borrower held back to
// its lender without requiring the borrower's cooperation. Callers pass the exact ranges outstanding at
// time of death.
func (as *AddressSpace) ReclaimOnDeath(virtFrom VAddr, size uint32) error {
	pages := size / PageSize
	for i := uint32(0); i < pages; i++ {
		v := VAddr(uint32(virtFrom) + i*PageSize)
		pte, err := as.walk(v, false)
		if err != nil {
			return err
		}
		if pte == nil || pte.V() || !pte.S() {
			continue
		}
		*pte = makePTE(pte.PPN(), pte.Flags()|boolFlag(pte.P(), FlagW), true, false, false)
	}
	return nil
}
