package boot

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/xous-go/xous/internal/kernel"
	"github.com/xous-go/xous/internal/kernel/mem/pmm"
	"github.com/xous-go/xous/internal/kernel/mem/vmm"
	"github.com/xous-go/xous/internal/kernel/proc"
)

// Started describes one Init process the kernel brought up at boot.
type Started struct {
	Name    string
	Process *proc.Process
}

// Boot builds a fresh kernel from a manifest and starts every declared
// Init process. Each Init's address space is built concurrently via
// errgroup, since address space construction touches only that process's
// own state; the kernel's single global lock still serializes the moment
// each one registers itself in the process table.
func Boot(ctx context.Context, m *Manifest) (*kernel.Kernel, []Started, error) {
	if m.MaxThreadsPerProcess != 0 {
		proc.MaxThreadsPerProcess = m.MaxThreadsPerProcess
	}
	k, err := kernel.New(m.PMMRanges(), m.QuantumTicks)
	if err != nil {
		return nil, nil, fmt.Errorf("boot: %w", err)
	}

	started := make([]Started, len(m.Init))
	g, _ := errgroup.WithContext(ctx)
	for i, initSpec := range m.Init {
		i, initSpec := i, initSpec
		g.Go(func() error {
			p, err := k.CreateProcess(pmm.Kernel)
			if err != nil {
				return fmt.Errorf("boot: create process %q: %w", initSpec.Name, err)
			}
			stackBottom := vmm.VAddr(initSpec.StackTop - vmm.StackGrowBand)
			if err := p.AS.Reserve(stackBottom, vmm.FlagR|vmm.FlagW); err != nil {
				return fmt.Errorf("boot: reserve stack for %q: %w", initSpec.Name, err)
			}
			k.StartProcess(p, vmm.VAddr(initSpec.EntryPoint), vmm.VAddr(initSpec.StackTop))
			started[i] = Started{Name: initSpec.Name, Process: p}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return k, started, nil
}
