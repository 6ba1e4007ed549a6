package ipc

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SID is a 128-bit server identifier, generated from an
// entropy source so a connecting process cannot guess another server's SID
// by scanning small integers.
type SID [16]byte

func (s SID) String() string {
	return fmt.Sprintf("%x", [16]byte(s))
}

// NewSID draws a fresh random SID straight from the kernel's CSPRNG via
// getrandom(2), rather than going through the blocking-until-seeded
// crypto/rand device file path.
func NewSID() (SID, error) {
	var sid SID
	n, err := unix.Getrandom(sid[:], 0)
	if err != nil || n != len(sid) {
		return SID{}, errOf("new_sid", "InternalError")
	}
	return sid, nil
}

// CID is a per-process connection identifier: an opaque small integer
// valid only within the address space of the process that holds it.
type CID uint32

// Token identifies one outstanding blocking call (a blocking scalar send or
// any lend) so a later ReturnScalar/ReturnMemory can be routed back to the
// thread that is waiting on it.
type Token uint32
