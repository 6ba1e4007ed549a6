package vmm

// Virtual address layout for a 32-bit process address space.
//
//	0x0000_1000 .. StackTop        user code/data, growing up from UserBase
//	StackGrowBand below SP          lazily-mapped, auto-growing stack
//	LendWindowBase..LendWindowEnd   virtual addresses where memory lent by
//	                                 other processes is mapped
//	ProcessKernelBase..             per-process kernel bookkeeping: root page
//	                                 table physical pointer, saved-register page
//	SharedKernelWindowBase..top     identity-shared across every address space;
//	                                 never accessible from user mode
const (
	// UserBase is the lowest valid user virtual address.
	UserBase VAddr = 0x0000_1000

	// StackTop is the initial stack pointer for a freshly created thread;
	// the stack grows down from here.
	StackTop VAddr = 0x7fff_f000

	// StackGrowBand is how far below the current stack pointer a fault is
	// still considered ordinary stack growth rather than fatal.
	StackGrowBand = 0x0010_0000 // 1 MiB

	// LendWindowBase..LendWindowEnd is the region a receiving process's
	// lent memory messages are mapped into. Moved (sent) pages are mapped at
	// the same virtual address they had in the sender instead.
	LendWindowBase VAddr = 0xc000_0000
	LendWindowEnd  VAddr = 0xff80_0000

	// ProcessKernelBase begins the per-process kernel bookkeeping region:
	// the root page table's physical pointer and the thread
	// context/register page. Not accessible from user mode.
	ProcessKernelBase VAddr = 0xff80_0000

	// SharedKernelWindowBase begins the top 4 MiB identity-shared window,
	// mapped identically in every address space.
	SharedKernelWindowBase VAddr = 0xffc0_0000
	SharedKernelWindowSize       = 0x0040_0000 // 4 MiB
)
