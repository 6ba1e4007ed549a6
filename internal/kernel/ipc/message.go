package ipc

import (
	"github.com/xous-go/xous/internal/kernel/mem/pmm"
	"github.com/xous-go/xous/internal/kernel/mem/vmm"
)

// Kind tags the variant of a Message.
type Kind int

const (
	// KindScalar is a non-blocking scalar send: up to four words, fire and
	// forget, no reply.
	KindScalar Kind = iota
	// KindBlockingScalar blocks the sender until the receiver replies with
	// up to two result words.
	KindBlockingScalar
	// KindSendMemory transfers page ownership to the receiver; the sender
	// does not block at all.
	KindSendMemory
	// KindLendMemory temporarily lends a read-only range; the sender blocks
	// until the receiver replies (implicitly, via Reclaim).
	KindLendMemory
	// KindLendMutMemory is KindLendMemory with the borrower additionally
	// granted write access.
	KindLendMutMemory
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "Scalar"
	case KindBlockingScalar:
		return "BlockingScalar"
	case KindSendMemory:
		return "SendMemory"
	case KindLendMemory:
		return "LendMemory"
	case KindLendMutMemory:
		return "LendMutMemory"
	default:
		return "Unknown"
	}
}

// Blocks reports whether the sending thread must wait for the receiver to
// respond before it can proceed. A plain send transfers ownership and
// returns immediately; only a blocking scalar or a lend needs the
// receiver's acknowledgement before the sender can continue.
func (k Kind) Blocks() bool {
	return k == KindBlockingScalar || k == KindLendMemory || k == KindLendMutMemory
}

// IsMemory reports whether the message carries a memory range rather than
// pure scalar words.
func (k Kind) IsMemory() bool {
	return k == KindSendMemory || k == KindLendMemory || k == KindLendMutMemory
}

// Message is one IPC payload, addressed to a server opcode. Opcode is an
// application-defined dispatch number, opaque to the kernel.
type Message struct {
	Kind   Kind
	Opcode uint32
	Args   [4]uint32

	// Memory fields, meaningful only when Kind.IsMemory().
	Virt   vmm.VAddr
	Size   uint32
	Offset uint32
	Valid  uint32
}

// Envelope is a Message plus its provenance, as handed to a Receive call or
// held in a server's pending ring.
type Envelope struct {
	Msg       Message
	Sender    pmm.PID
	SenderTID uint32
	// Token is nonzero for messages that expect a reply (Kind.Blocks()),
	// identifying the later ReturnScalar/ReturnMemory call.
	Token Token
}

// Reply is the result delivered back to a blocked sender.
type Reply struct {
	// Scalar reply words, meaningful for KindBlockingScalar.
	Vals [2]uint32
	// Memory reply fields, meaningful for the lend kinds: the offset/valid
	// words the receiver returned alongside the reclaimed range.
	Offset uint32
	Valid  uint32
}
