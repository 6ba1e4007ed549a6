package kernel

import (
	"io"

	"github.com/xous-go/xous/internal/timeslice"
)

// timesliceKindRun is the one timeslice kind this kernel records: the
// wall-clock gap between two threads becoming "current", i.e. one
// scheduler run whether it ended via a direct-switch IPC rendezvous or a
// quantum expiry.
var timesliceKindRun = timeslice.RegisterKind("thread_run", 0)

// EnableExecutionTrace starts recording one timeslice record per scheduler
// switch to w, in the tagged binary timeslice format. The returned closer
// must be closed to flush the trailing record and release the underlying
// writer.
func (k *Kernel) EnableExecutionTrace(w io.Writer) (io.Closer, error) {
	closer, err := timeslice.Open(w)
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	k.recorder = timeslice.NewRecorder()
	k.mu.Unlock()
	return closer, nil
}

// recordSwitch marks one scheduler switch for the execution trace. Callers
// must hold mu.
func (k *Kernel) recordSwitch() {
	if k.recorder != nil {
		k.recorder.Record(timesliceKindRun)
	}
}
