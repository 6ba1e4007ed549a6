package kernel

import (
	"fmt"
	"io"

	"github.com/xous-go/xous/internal/kernel/ipc"
	"github.com/xous-go/xous/internal/kernel/irq"
	"github.com/xous-go/xous/internal/kernel/mem/pmm"
	"github.com/xous-go/xous/internal/kernel/mem/vmm"
	"github.com/xous-go/xous/internal/kernel/proc"
)

// Error is the kernel package's own error type, carrying one of a fixed set
// of error codes. Subsystems return their own {Op, Code} error types, which
// Code reads alike; no recoverable failure panics. The codes are
// BadAlignment, BadAddress, OutOfMemory, ServerExists, ServerNotFound,
// ProcessNotFound, ProcessNotChild, ProcessTerminated, Timeout, MemoryInUse,
// InternalError, Access, DoubleFree, Unimplemented, and additionally
// ConnectionLimitReached, InterruptLineClaimed, InterruptLineBusy,
// InterruptLineNotClaimed and NotOwner.
type Error struct {
	Op   string
	Code string
}

func (e *Error) Error() string { return fmt.Sprintf("kernel: %s: %s", e.Op, e.Code) }

func errOf(op, code string) error { return &Error{Op: op, Code: code} }

// Code extracts the fixed error code carried by err, across every
// subsystem's own {Op, Code} error type, so the syscall transport always
// has a single fixed code to put on the wire regardless of which layer
// raised it. Unrecognized errors map to "InternalError".
func Code(err error) string {
	switch e := err.(type) {
	case nil:
		return ""
	case *Error:
		return e.Code
	case *pmm.Error:
		return e.Code
	case *vmm.Error:
		return e.Code
	case *proc.Error:
		return e.Code
	case *ipc.Error:
		return e.Code
	case *irq.Error:
		return e.Code
	default:
		return "InternalError"
	}
}

func fmtTrace(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format+"\n", args...)
}
