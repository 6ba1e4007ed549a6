package syscall

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/xous-go/xous/internal/kernel"
	"github.com/xous-go/xous/internal/kernel/mem/pmm"
	"github.com/xous-go/xous/internal/kernel/mem/vmm"
)

// defaultMaxConnections bounds how many client connections (and therefore
// processes) this transport will service at once; a manifest's process
// table has its own cap, but the semaphore keeps a flood of connection
// attempts from creating processes faster than they can be torn down.
const defaultMaxConnections = 256

// Transport hosts the syscall ABI over a Unix domain socket: each accepted
// connection becomes one freshly created process (single-threaded, TID 0),
// the way the hosted simulation stands in for a real RV32 target booting a
// new process per connecting client. One goroutine per connection runs a
// blocking read/handle/write loop over fixed 8-word frames.
type Transport struct {
	k          *kernel.Kernel
	listener   net.Listener
	socketPath string
	sem        *semaphore.Weighted

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	conns  map[net.Conn]struct{}
}

// Listen opens a Unix socket transport in front of k, accepting at most
// defaultMaxConnections connections at once.
func Listen(k *kernel.Kernel, socketPath string) (*Transport, error) {
	return ListenWithLimit(k, socketPath, defaultMaxConnections)
}

// ListenWithLimit is Listen with an explicit concurrent-connection cap.
func ListenWithLimit(k *kernel.Kernel, socketPath string, maxConnections int64) (*Transport, error) {
	os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("syscall: listen on %s: %w", socketPath, err)
	}
	return &Transport{
		k:          k,
		listener:   ln,
		socketPath: socketPath,
		sem:        semaphore.NewWeighted(maxConnections),
		conns:      make(map[net.Conn]struct{}),
	}, nil
}

// SocketPath returns the Unix socket path this transport listens on.
func (t *Transport) SocketPath() string { return t.socketPath }

// Serve accepts connections until Close is called. At most the transport's
// configured concurrent-connection limit run at once; once that many
// connections are live, new arrivals wait in the listen backlog until one
// finishes.
func (t *Transport) Serve() error {
	ctx := context.Background()
	for {
		if err := t.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("syscall: acquire connection slot: %w", err)
		}
		conn, err := t.listener.Accept()
		if err != nil {
			t.sem.Release(1)
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("syscall: accept: %w", err)
		}
		t.mu.Lock()
		t.conns[conn] = struct{}{}
		t.mu.Unlock()
		t.wg.Add(1)
		go t.handleConn(conn)
	}
}

func (t *Transport) handleConn(conn net.Conn) {
	defer t.wg.Done()
	defer t.sem.Release(1)
	defer func() {
		conn.Close()
		t.mu.Lock()
		delete(t.conns, conn)
		t.mu.Unlock()
	}()

	p, err := t.k.CreateProcess(pmm.Kernel)
	if err != nil {
		return
	}
	th := t.k.StartProcess(p, vmm.UserBase, vmm.StackTop)
	defer t.k.TerminateThread(p.PID, uint32(th.TID))

	for {
		var req Request
		if err := binary.Read(conn, binary.LittleEndian, &req); err != nil {
			if err == io.EOF {
				return
			}
			return
		}
		resp, _ := Dispatch(t.k, p.PID, uint32(th.TID), req)
		if err := binary.Write(conn, binary.LittleEndian, &resp); err != nil {
			return
		}
	}
}

// Close stops accepting connections, closes every live one, and waits for
// their handler goroutines to finish.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.listener.Close()
	for conn := range t.conns {
		conn.Close()
	}
	t.mu.Unlock()

	t.wg.Wait()
	if t.socketPath != "" {
		os.Remove(t.socketPath)
	}
	return nil
}
