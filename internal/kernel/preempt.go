package kernel

import (
	"context"

	"github.com/xous-go/xous/internal/kernel/proc"
	"github.com/xous-go/xous/internal/kernel/sched"
)

// RunPreemptionLoop drives quantum expiry from wall-clock time at
// ticksPerSecond, standing in for the periodic timer interrupt a real RV32
// target takes. It blocks until ctx is cancelled. A quantum expiry
// round-robins: the running thread is requeued and the next ready thread,
// if any, becomes current.
func (k *Kernel) RunPreemptionLoop(ctx context.Context, ticksPerSecond float64) error {
	ticker := sched.NewTicker(ticksPerSecond)
	return ticker.Run(ctx, func() {
		k.mu.Lock()
		defer k.mu.Unlock()
		if !k.Sched.Tick() {
			return
		}
		cur, hadRunning := k.Sched.Current()
		if hadRunning {
			k.Sched.Enqueue(cur)
			k.setThreadState(cur, proc.ThreadReady)
		}
		k.Sched.Block()
		if next, ok := k.Sched.Next(); ok {
			k.setThreadState(next, proc.ThreadRunning)
		}
		k.recordSwitch()
	})
}

func (k *Kernel) setThreadState(e sched.Elem, state proc.ThreadState) {
	p := k.Procs.Lookup(e.PID)
	if p == nil {
		return
	}
	if th := p.Thread(proc.TID(e.TID)); th != nil {
		th.State = state
	}
}
