package kernel

import (
	"testing"

	"github.com/xous-go/xous/internal/kernel/mem/pmm"
)

func TestInterruptClaimPostFree(t *testing.T) {
	k := testKernel(t)
	driver, _ := k.CreateProcess(pmm.Kernel)
	th := k.StartProcess(driver, 0x1000, 0x7fff0000)

	if err := k.ClaimInterrupt(driver.PID, uint32(th.TID), 3); err != nil {
		t.Fatalf("ClaimInterrupt: %v", err)
	}

	other, _ := k.CreateProcess(pmm.Kernel)
	otherTh := k.StartProcess(other, 0x2000, 0x7ffe0000)
	if err := k.ClaimInterrupt(other.PID, uint32(otherTh.TID), 3); err == nil {
		t.Fatalf("expected claiming an already-owned line to fail")
	}

	if err := k.PostInterrupt(3); err != nil {
		t.Fatalf("PostInterrupt: %v", err)
	}
	ev, ok := th.PendingMessage.(InterruptEvent)
	if !ok || ev.Line != 3 {
		t.Fatalf("PendingMessage = %+v, want InterruptEvent{Line:3}", th.PendingMessage)
	}

	if err := k.FreeInterrupt(driver.PID, 3); err != nil {
		t.Fatalf("FreeInterrupt: %v", err)
	}
	if err := k.PostInterrupt(3); err == nil {
		t.Fatalf("expected PostInterrupt on a freed line to fail")
	}
}
