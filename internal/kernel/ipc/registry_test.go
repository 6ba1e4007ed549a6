package ipc

import (
	"testing"

	"github.com/xous-go/xous/internal/kernel/mem/pmm"
	"github.com/xous-go/xous/internal/kernel/mem/vmm"
)

type testSystem struct {
	alloc *pmm.Allocator
	mem   *vmm.PhysMem
	as    map[pmm.PID]*vmm.AddressSpace
	reg   *Registry
}

func newTestSystem(t *testing.T) *testSystem {
	t.Helper()
	alloc, err := pmm.New([]pmm.Range{{Name: "ram", BasePPN: 0, PageCount: 64}})
	if err != nil {
		t.Fatalf("pmm.New: %v", err)
	}
	ts := &testSystem{alloc: alloc, mem: vmm.NewPhysMem(0, 64), as: make(map[pmm.PID]*vmm.AddressSpace)}
	ts.reg = NewRegistry(func(pid pmm.PID) *vmm.AddressSpace { return ts.as[pid] }, alloc)
	return ts
}

func (ts *testSystem) process(t *testing.T, pid pmm.PID) *vmm.AddressSpace {
	t.Helper()
	as, err := vmm.New(ts.mem, ts.alloc, pid)
	if err != nil {
		t.Fatalf("vmm.New: %v", err)
	}
	ts.as[pid] = as
	return as
}

// TestScalarRendezvous implements scenario S1: A connects to B's server, B
// is already blocked in Receive, A's blocking scalar send is delivered
// directly and A is unblocked once B replies.
func TestScalarRendezvous(t *testing.T) {
	ts := newTestSystem(t)
	const serverPID, clientPID = pmm.PID(2), pmm.PID(3)
	ts.process(t, serverPID)
	ts.process(t, clientPID)

	sid, err := ts.reg.CreateServer(serverPID)
	if err != nil {
		t.Fatalf("CreateServer: %v", err)
	}
	cid, err := ts.reg.Connect(clientPID, sid)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	rr, err := ts.reg.Receive(serverPID, 0, sid)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if rr.Delivered {
		t.Fatalf("expected Receive to block with no pending messages")
	}

	msg := Message{Kind: KindBlockingScalar, Opcode: 1, Args: [4]uint32{41, 0, 0, 0}}
	sr, err := ts.reg.Send(clientPID, 0, nil, cid, msg)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sr.WokeReceiver == nil || sr.WokeReceiver.PID != serverPID {
		t.Fatalf("expected direct delivery to the waiting server thread, got %+v", sr)
	}
	if !sr.Blocks {
		t.Fatalf("blocking scalar send must report Blocks=true")
	}

	w, err := ts.reg.ReturnScalar(sid, sr.Token, [2]uint32{7, 0})
	if err != nil {
		t.Fatalf("ReturnScalar: %v", err)
	}
	if w.PID != clientPID {
		t.Fatalf("ReturnScalar woke %+v, want client %d", w, clientPID)
	}
}

// TestQueuedThenReceived implements scenario S2: a scalar send arrives
// before anyone is receiving; it sits in the pending ring until Receive is
// called.
func TestQueuedThenReceived(t *testing.T) {
	ts := newTestSystem(t)
	const serverPID, clientPID = pmm.PID(2), pmm.PID(3)
	sid, _ := ts.reg.CreateServer(serverPID)
	cid, _ := ts.reg.Connect(clientPID, sid)

	sr, err := ts.reg.Send(clientPID, 0, nil, cid, Message{Kind: KindScalar, Opcode: 9})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sr.WokeReceiver != nil {
		t.Fatalf("expected message to queue with no receiver waiting")
	}
	if sr.Blocks {
		t.Fatalf("non-blocking scalar must not block the sender")
	}

	rr, err := ts.reg.Receive(serverPID, 0, sid)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !rr.Delivered || rr.Envelope.Msg.Opcode != 9 {
		t.Fatalf("Receive = %+v, want delivered opcode 9", rr)
	}
}

// TestLendRoundTripThroughRegistry implements scenario S3: a lend message
// delivers a borrower-side virtual address, and replying reclaims the
// range back to the lender bit-for-bit.
func TestLendRoundTripThroughRegistry(t *testing.T) {
	ts := newTestSystem(t)
	const serverPID, clientPID = pmm.PID(2), pmm.PID(3)
	serverAS := ts.process(t, serverPID)
	clientAS := ts.process(t, clientPID)

	phys, err := ts.alloc.Allocate(clientPID, nil, pmm.FlagNone)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	const virt = vmm.VAddr(0x2000)
	if err := clientAS.Map(virt, phys, vmm.FlagR|vmm.FlagW); err != nil {
		t.Fatalf("Map: %v", err)
	}
	before, _ := clientAS.PTEAt(virt)

	sid, _ := ts.reg.CreateServer(serverPID)
	cid, _ := ts.reg.Connect(clientPID, sid)

	msg := Message{Kind: KindLendMutMemory, Virt: virt, Size: vmm.PageSize}
	sr, err := ts.reg.Send(clientPID, 0, clientAS, cid, msg)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !sr.Blocks {
		t.Fatalf("lend must block the sender")
	}
	if sr.WokeReceiver != nil {
		t.Fatalf("no receiver was waiting yet")
	}

	rr, err := ts.reg.Receive(serverPID, 0, sid)
	if err != nil || !rr.Delivered {
		t.Fatalf("Receive = %+v, err=%v", rr, err)
	}
	borrowerVirt := rr.Envelope.Msg.Virt
	bpte, ok := serverAS.PTEAt(borrowerVirt)
	if !ok || !bpte.V() || !bpte.W() {
		t.Fatalf("borrower PTE = %+v, want mapped R+W", bpte)
	}

	if _, err := ts.reg.ReturnMemory(sid, rr.Envelope.Token, 0, 1); err != nil {
		t.Fatalf("ReturnMemory: %v", err)
	}
	after, _ := clientAS.PTEAt(virt)
	if after != before {
		t.Fatalf("lender PTE after reclaim = %+v, want %+v", after, before)
	}
	if _, ok := serverAS.PTEAt(borrowerVirt); ok {
		if pte, _ := serverAS.PTEAt(borrowerVirt); pte.V() {
			t.Fatalf("borrower mapping still valid after reply")
		}
	}
}

// TestSendMemoryDoesNotBlockAndTransfersOwnership covers a plain move send:
// the sender returns immediately (no reply expected) and the physical
// page's recorded owner follows the page table mapping to the receiver.
func TestSendMemoryDoesNotBlockAndTransfersOwnership(t *testing.T) {
	ts := newTestSystem(t)
	const serverPID, clientPID = pmm.PID(2), pmm.PID(3)
	serverAS := ts.process(t, serverPID)
	clientAS := ts.process(t, clientPID)

	phys, err := ts.alloc.Allocate(clientPID, nil, pmm.FlagNone)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	const virt = vmm.VAddr(0x2000)
	if err := clientAS.Map(virt, phys, vmm.FlagR|vmm.FlagW); err != nil {
		t.Fatalf("Map: %v", err)
	}

	sid, _ := ts.reg.CreateServer(serverPID)
	cid, _ := ts.reg.Connect(clientPID, sid)

	msg := Message{Kind: KindSendMemory, Virt: virt, Size: vmm.PageSize}
	sr, err := ts.reg.Send(clientPID, 0, clientAS, cid, msg)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sr.Blocks {
		t.Fatalf("a plain send must not block the sender")
	}
	if got := ts.alloc.OwnerOf(phys); got != serverPID {
		t.Fatalf("OwnerOf(phys) = %v, want %v (receiver)", got, serverPID)
	}

	if _, ok := clientAS.PTEAt(virt); ok {
		if pte, _ := clientAS.PTEAt(virt); pte.V() {
			t.Fatalf("sender mapping still valid after send")
		}
	}
	rpte, ok := serverAS.PTEAt(virt)
	if !ok || !rpte.V() {
		t.Fatalf("receiver PTE = %+v, want mapped", rpte)
	}
}

// TestServerDestructionWakesBlockedSender implements scenario S5: a client
// blocked waiting for a reply is woken with ServerNotFound once the server
// it called is destroyed.
func TestServerDestructionWakesBlockedSender(t *testing.T) {
	ts := newTestSystem(t)
	const serverPID, clientPID = pmm.PID(2), pmm.PID(3)
	sid, _ := ts.reg.CreateServer(serverPID)
	cid, _ := ts.reg.Connect(clientPID, sid)

	sr, err := ts.reg.Send(clientPID, 0, nil, cid, Message{Kind: KindBlockingScalar})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !sr.Blocks || sr.WokeReceiver != nil {
		t.Fatalf("expected the send to queue and block, got %+v", sr)
	}

	woken, err := ts.reg.DestroyServer(serverPID, sid)
	if err != nil {
		t.Fatalf("DestroyServer: %v", err)
	}
	found := false
	for _, w := range woken {
		if w.PID == clientPID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the blocked client to be among the woken waiters, got %+v", woken)
	}
	if _, err := ts.reg.Receive(serverPID, 0, sid); err == nil {
		t.Fatalf("expected ServerNotFound after destruction")
	}
}

// TestConnectionIDsArePerProcess implements P5: two processes connecting
// to the same server get independently-scoped CIDs.
func TestConnectionIDsArePerProcess(t *testing.T) {
	ts := newTestSystem(t)
	const serverPID, aPID, bPID = pmm.PID(2), pmm.PID(3), pmm.PID(4)
	sid, _ := ts.reg.CreateServer(serverPID)
	ts.reg.Connect(aPID, sid)
	cidA, _ := ts.reg.Connect(aPID, sid) // aPID holds CIDs 1 and 2
	cidB, _ := ts.reg.Connect(bPID, sid) // bPID holds only CID 1

	if _, err := ts.reg.Send(bPID, 0, nil, cidA, Message{Kind: KindScalar}); err == nil {
		t.Fatalf("expected BadAddress: cidA is not valid in bPID's connection table")
	}
	if _, err := ts.reg.Send(bPID, 0, nil, cidB, Message{Kind: KindScalar}); err != nil {
		t.Fatalf("bPID's own CID should work: %v", err)
	}
}

// TestFIFOReceiverOrder implements P4's tie-break: when two threads are
// blocked in Receive, the earliest-blocked one is woken first.
func TestFIFOReceiverOrder(t *testing.T) {
	ts := newTestSystem(t)
	const serverPID, clientPID = pmm.PID(2), pmm.PID(3)
	sid, _ := ts.reg.CreateServer(serverPID)
	cid, _ := ts.reg.Connect(clientPID, sid)

	ts.reg.Receive(serverPID, 10, sid)
	ts.reg.Receive(serverPID, 20, sid)

	sr, err := ts.reg.Send(clientPID, 0, nil, cid, Message{Kind: KindScalar})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sr.WokeReceiver == nil || sr.WokeReceiver.TID != 10 {
		t.Fatalf("expected the earliest-blocked receiver (TID 10) to be woken, got %+v", sr.WokeReceiver)
	}
}

// TestProcessTeardownReclaimsOutstandingLend exercises the dying-borrower
// path: if a receiver dies while still holding a lend, the
// pages return to the lender without the receiver's cooperation.
func TestProcessTeardownReclaimsOutstandingLend(t *testing.T) {
	ts := newTestSystem(t)
	const serverPID, clientPID = pmm.PID(2), pmm.PID(3)
	ts.process(t, serverPID) // borrower; dies holding the lend below
	lenderAS := ts.process(t, clientPID)

	phys, _ := ts.alloc.Allocate(clientPID, nil, pmm.FlagNone)
	const virt = vmm.VAddr(0x3000)
	lenderAS.Map(virt, phys, vmm.FlagR|vmm.FlagW)
	before, _ := lenderAS.PTEAt(virt)

	sid, _ := ts.reg.CreateServer(serverPID)
	cid, _ := ts.reg.Connect(clientPID, sid)
	ts.reg.Send(clientPID, 0, lenderAS, cid, Message{Kind: KindLendMemory, Virt: virt, Size: vmm.PageSize})
	ts.reg.Receive(serverPID, 0, sid)

	ts.reg.Teardown(serverPID)

	after, _ := lenderAS.PTEAt(virt)
	if after != before {
		t.Fatalf("lender PTE after borrower death = %+v, want restored %+v", after, before)
	}
}

// TestConnectionLimitIsEnforcedAndReleased checks a process can't exceed
// its connection-table slot count, and that Disconnect frees a slot for
// reuse.
func TestConnectionLimitIsEnforcedAndReleased(t *testing.T) {
	ts := newTestSystem(t)
	const serverPID, clientPID = pmm.PID(2), pmm.PID(3)
	ts.process(t, serverPID)
	ts.process(t, clientPID)

	sid, err := ts.reg.CreateServer(serverPID)
	if err != nil {
		t.Fatalf("CreateServer: %v", err)
	}

	var last CID
	for i := 0; i < maxConnectionsPerProcess; i++ {
		cid, err := ts.reg.Connect(clientPID, sid)
		if err != nil {
			t.Fatalf("Connect #%d: %v", i, err)
		}
		last = cid
	}
	if _, err := ts.reg.Connect(clientPID, sid); err == nil {
		t.Fatalf("expected exceeding the connection limit to fail")
	}

	if err := ts.reg.Disconnect(clientPID, last); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if _, err := ts.reg.Connect(clientPID, sid); err != nil {
		t.Fatalf("Connect after Disconnect: %v", err)
	}
}
