package ipc

import "github.com/xous-go/xous/internal/kernel/mem/pmm"

// waiter identifies a thread blocked in Receive on a server, in the order
// it arrived.
type waiter struct {
	PID pmm.PID
	TID uint32
}

// outstanding is a message that has been delivered to a receiver (directly
// or via the pending ring) and is now awaiting a reply, if Kind.Blocks().
type outstanding struct {
	Envelope Envelope
	Replied  bool
}

// Server is a message-passing endpoint: a pending ring
// of undelivered messages, a FIFO queue of receivers blocked waiting for
// one, and a table of calls awaiting reply.
type Server struct {
	SID   SID
	Owner pmm.PID

	pending     []Envelope
	receivers   []waiter
	outstanding map[Token]*outstanding
	lends       map[Token]pendingMemory
	nextToken   Token
}

func newServer(sid SID, owner pmm.PID) *Server {
	return &Server{
		SID:         sid,
		Owner:       owner,
		outstanding: make(map[Token]*outstanding),
		lends:       make(map[Token]pendingMemory),
		nextToken:   1,
	}
}

func (s *Server) allocToken() Token {
	t := s.nextToken
	s.nextToken++
	return t
}

// enqueueReceiver appends a newly blocked receiver to the FIFO wait list.
func (s *Server) enqueueReceiver(pid pmm.PID, tid uint32) {
	s.receivers = append(s.receivers, waiter{PID: pid, TID: tid})
}

// popReceiver removes and returns the earliest-blocked receiver, if any.
func (s *Server) popReceiver() (waiter, bool) {
	if len(s.receivers) == 0 {
		return waiter{}, false
	}
	w := s.receivers[0]
	s.receivers = s.receivers[1:]
	return w, true
}

// removeReceiver drops a specific waiting receiver (used when its thread
// dies while blocked in Receive but its process survives).
func (s *Server) removeReceiver(pid pmm.PID, tid uint32) bool {
	for i, w := range s.receivers {
		if w.PID == pid && w.TID == tid {
			s.receivers = append(s.receivers[:i], s.receivers[i+1:]...)
			return true
		}
	}
	return false
}

// removeReceiversForProcess drops every receiver belonging to pid (used
// when the whole process dies while one or more of its threads were
// blocked in Receive on someone else's server).
func (s *Server) removeReceiversForProcess(pid pmm.PID) {
	kept := s.receivers[:0]
	for _, w := range s.receivers {
		if w.PID != pid {
			kept = append(kept, w)
		}
	}
	s.receivers = kept
}

// enqueuePending appends an envelope to the undelivered-message ring.
func (s *Server) enqueuePending(e Envelope) {
	s.pending = append(s.pending, e)
}

// popPending removes and returns the oldest pending envelope, if any.
func (s *Server) popPending() (Envelope, bool) {
	if len(s.pending) == 0 {
		return Envelope{}, false
	}
	e := s.pending[0]
	s.pending = s.pending[1:]
	return e, true
}
