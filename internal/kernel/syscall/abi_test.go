package syscall

import (
	"testing"

	"github.com/xous-go/xous/internal/kernel"
	"github.com/xous-go/xous/internal/kernel/ipc"
	"github.com/xous-go/xous/internal/kernel/mem/pmm"
)

func testKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	k, err := kernel.New([]pmm.Range{{Name: "ram", BasePPN: 0x1000, PageCount: 256}}, 20)
	if err != nil {
		t.Fatalf("kernel.New: %v", err)
	}
	return k
}

func TestDispatchServerLifecycle(t *testing.T) {
	k := testKernel(t)
	server, _ := k.CreateProcess(pmm.Kernel)
	k.StartProcess(server, 0x1000, 0x7fff0000)

	resp, code := Dispatch(k, server.PID, 0, Request{uint32(SysCreateServer)})
	if code != "" {
		t.Fatalf("SysCreateServer failed: %s", code)
	}
	sid := sidFromWords(resp[1:5])

	client, _ := k.CreateProcess(pmm.Kernel)
	k.StartProcess(client, 0x2000, 0x7ffe0000)

	connReq := Request{uint32(SysConnect)}
	copy(connReq[1:5], sidToWords(sid))
	resp, code = Dispatch(k, client.PID, 0, connReq)
	if code != "" {
		t.Fatalf("SysConnect failed: %s", code)
	}
	_ = resp[1] // cid, unused beyond establishing the connection here

	destroyReq := Request{uint32(SysDestroyServer)}
	copy(destroyReq[1:5], sidToWords(sid))
	_, code = Dispatch(k, server.PID, 0, destroyReq)
	if code != "" {
		t.Fatalf("SysDestroyServer failed: %s", code)
	}

	_, code = Dispatch(k, server.PID, 0, destroyReq)
	if code != "ServerNotFound" {
		t.Fatalf("expected ServerNotFound destroying twice, got %q", code)
	}
}

func TestDispatchScalarRoundTrip(t *testing.T) {
	k := testKernel(t)
	server, _ := k.CreateProcess(pmm.Kernel)
	sTh := k.StartProcess(server, 0x1000, 0x7fff0000)
	client, _ := k.CreateProcess(pmm.Kernel)
	cTh := k.StartProcess(client, 0x2000, 0x7ffe0000)

	resp, _ := Dispatch(k, server.PID, uint32(sTh.TID), Request{uint32(SysCreateServer)})
	sid := sidFromWords(resp[1:5])

	connReq := Request{uint32(SysConnect)}
	copy(connReq[1:5], sidToWords(sid))
	resp, _ = Dispatch(k, client.PID, uint32(cTh.TID), connReq)
	cid := resp[1]

	recvReq := Request{uint32(SysReceive)}
	copy(recvReq[1:5], sidToWords(sid))
	if _, code := Dispatch(k, server.PID, uint32(sTh.TID), recvReq); code != "" {
		t.Fatalf("SysReceive: %s", code)
	}

	sendReq := Request{uint32(SysSend), cid, uint32(ipc.KindBlockingScalar), 5, 41}
	resp, code := Dispatch(k, client.PID, uint32(cTh.TID), sendReq)
	if code != "" {
		t.Fatalf("SysSend: %s", code)
	}
	token := resp[1]
	if resp[2] != 1 {
		t.Fatalf("expected Blocks=1 for a blocking scalar send")
	}

	replyReq := Request{uint32(SysReturnScalar)}
	copy(replyReq[1:5], sidToWords(sid))
	replyReq[5] = token
	replyReq[6] = 7
	if _, code := Dispatch(k, server.PID, uint32(sTh.TID), replyReq); code != "" {
		t.Fatalf("SysReturnScalar: %s", code)
	}

	reply, ok := cTh.PendingMessage.(ipc.Reply)
	if !ok || reply.Vals[0] != 7 {
		t.Fatalf("client PendingMessage = %+v, want Reply{Vals:[7,0]}", cTh.PendingMessage)
	}
}
