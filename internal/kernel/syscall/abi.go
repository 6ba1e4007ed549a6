// Package syscall implements the kernel's external syscall ABI: a fixed
// eight-word request maps to a fixed eight-word response, with the first
// request word selecting the operation and the first response word
// carrying a result code. Pointer-sized arguments are always 32 bits on
// the wire regardless of the host's own width, matching the RV32 target
// this kernel runs on.
package syscall

import (
	"github.com/xous-go/xous/internal/kernel"
	"github.com/xous-go/xous/internal/kernel/ipc"
	"github.com/xous-go/xous/internal/kernel/mem/pmm"
	"github.com/xous-go/xous/internal/kernel/mem/vmm"
)

// Number identifies a syscall operation, carried in Request[0].
type Number uint32

const (
	SysCreateServer Number = iota + 1
	SysConnect
	SysDisconnect
	SysDestroyServer
	SysSend
	SysReceive
	SysReturnScalar
	SysReturnMemory
	SysMap
	SysUnmap
	SysClaimInterrupt
	SysFreeInterrupt

	// SysSimulateInterrupt exists only for the hosted simulation: it stands
	// in for a real RV32 target's trap handler firing the kernel's
	// top-half, since this host has no actual interrupt controller to wire
	// up. A real boot target would never expose this over the wire.
	SysSimulateInterrupt
)

// ResultCode is carried in Response[0]: ResultOK (0) means success and
// ResultErr (1) marks a failure. The error code itself is not in the frame;
// Dispatch returns it alongside (see errFrame).
type ResultCode uint32

const (
	ResultOK  ResultCode = 0
	ResultErr ResultCode = 1
)

// Request is one raw 8-word syscall frame as received over the wire.
type Request [8]uint32

// Response is one raw 8-word syscall reply frame.
type Response [8]uint32

// errFrame is the reply frame for any failed syscall: Response[0] is
// ResultErr so a caller can distinguish it from an all-zero success
// without needing the accompanying error-code string, which travels
// out-of-band as Dispatch's second return value.
func errFrame() Response {
	return Response{uint32(ResultErr)}
}

// Dispatch interprets one request against the kernel on behalf of (pid,
// tid), returning the reply frame and, on failure, the fixed kernel error
// code as a string.
func Dispatch(k *kernel.Kernel, pid pmm.PID, tid uint32, req Request) (Response, string) {
	switch Number(req[0]) {
	case SysCreateServer:
		sid, err := k.CreateServer(pid)
		if err != nil {
			return errFrame(), kernel.Code(err)
		}
		return sidResponse(sid), ""

	case SysConnect:
		sid := sidFromWords(req[1:5])
		cid, err := k.Connect(pid, sid)
		if err != nil {
			return errFrame(), kernel.Code(err)
		}
		return Response{0, uint32(cid)}, ""

	case SysDisconnect:
		cid := ipc.CID(req[1])
		if err := k.Disconnect(pid, cid); err != nil {
			return errFrame(), kernel.Code(err)
		}
		return Response{}, ""

	case SysDestroyServer:
		sid := sidFromWords(req[1:5])
		if err := k.DestroyServer(pid, sid); err != nil {
			return errFrame(), kernel.Code(err)
		}
		return Response{}, ""

	case SysSend:
		cid := ipc.CID(req[1])
		msg := decodeMessage(req[2:8])
		sr, err := k.Send(pid, tid, cid, msg)
		if err != nil {
			return errFrame(), kernel.Code(err)
		}
		var resp Response
		resp[1] = uint32(sr.Token)
		if sr.Blocks {
			resp[2] = 1
		}
		return resp, ""

	case SysReceive:
		sid := sidFromWords(req[1:5])
		rr, err := k.Receive(pid, tid, sid)
		if err != nil {
			return errFrame(), kernel.Code(err)
		}
		if !rr.Delivered {
			return Response{0, 0}, "" // caller must poll again once woken
		}
		return encodeEnvelope(rr.Envelope), ""

	case SysReturnScalar:
		sid := sidFromWords(req[1:5])
		token := ipc.Token(req[5])
		vals := [2]uint32{req[6], req[7]}
		if err := k.ReturnScalar(sid, token, vals); err != nil {
			return errFrame(), kernel.Code(err)
		}
		return Response{}, ""

	case SysReturnMemory:
		sid := sidFromWords(req[1:5])
		token := ipc.Token(req[5])
		if err := k.ReturnMemory(sid, token, req[6], req[7]); err != nil {
			return errFrame(), kernel.Code(err)
		}
		return Response{}, ""

	case SysMap:
		if err := k.HandleFault(pid, tid, vmm.VAddr(req[1])); err != nil {
			return errFrame(), kernel.Code(err)
		}
		return Response{}, ""

	case SysClaimInterrupt:
		if err := k.ClaimInterrupt(pid, tid, req[1]); err != nil {
			return errFrame(), kernel.Code(err)
		}
		return Response{}, ""

	case SysFreeInterrupt:
		if err := k.FreeInterrupt(pid, req[1]); err != nil {
			return errFrame(), kernel.Code(err)
		}
		return Response{}, ""

	case SysSimulateInterrupt:
		if err := k.PostInterrupt(req[1]); err != nil {
			return errFrame(), kernel.Code(err)
		}
		return Response{}, ""

	default:
		return errFrame(), "Unimplemented"
	}
}

func sidResponse(sid ipc.SID) Response {
	var r Response
	copy(r[1:5], sidToWords(sid))
	return r
}

func sidToWords(sid ipc.SID) []uint32 {
	words := make([]uint32, 4)
	for i := 0; i < 4; i++ {
		words[i] = uint32(sid[i*4]) | uint32(sid[i*4+1])<<8 | uint32(sid[i*4+2])<<16 | uint32(sid[i*4+3])<<24
	}
	return words
}

func sidFromWords(words []uint32) ipc.SID {
	var sid ipc.SID
	for i := 0; i < 4 && i < len(words); i++ {
		w := words[i]
		sid[i*4] = byte(w)
		sid[i*4+1] = byte(w >> 8)
		sid[i*4+2] = byte(w >> 16)
		sid[i*4+3] = byte(w >> 24)
	}
	return sid
}

// decodeMessage reads a Message out of req[2:8]: [kind, opcode, then
// either four scalar words or (virt, size, offset, valid) for a memory
// kind], the layout an 8-word frame allows once syscall number and CID
// have claimed the first two words.
func decodeMessage(words []uint32) ipc.Message {
	kind := ipc.Kind(words[0])
	msg := ipc.Message{Kind: kind, Opcode: words[1]}
	if kind.IsMemory() {
		msg.Virt = vmm.VAddr(words[2])
		msg.Size = words[3]
		msg.Offset = words[4]
		msg.Valid = words[5]
	} else {
		msg.Args = [4]uint32{words[2], words[3], words[4], words[5]}
	}
	return msg
}

// encodeEnvelope mirrors decodeMessage's layout for the Receive reply.
func encodeEnvelope(env ipc.Envelope) Response {
	r := Response{0, uint32(env.Msg.Kind), env.Msg.Opcode}
	if env.Msg.Kind.IsMemory() {
		r[3] = uint32(env.Msg.Virt)
		r[4] = env.Msg.Size
		r[5] = env.Msg.Offset
		r[6] = env.Msg.Valid
	} else {
		r[3], r[4], r[5], r[6] = env.Msg.Args[0], env.Msg.Args[1], env.Msg.Args[2], env.Msg.Args[3]
	}
	r[7] = uint32(env.Token)
	return r
}
