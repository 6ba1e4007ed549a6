// Package boot parses the boot manifest that describes a kernel instance
// before any process exists: the whitelisted physical memory ranges, the
// scheduler quantum, and the set of Init processes to start.
package boot

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/xous-go/xous/internal/kernel/mem/pmm"
)

// RangeSpec is one whitelisted physical memory range, as declared in the
// human-edited manifest (binary boot images instead carry this as an MREx
// tagged block, decoded in image.go).
type RangeSpec struct {
	Name      string `yaml:"name"`
	BasePPN   uint32 `yaml:"base_ppn"`
	PageCount uint32 `yaml:"page_count"`
}

// InitSpec describes one process the kernel starts at boot.
type InitSpec struct {
	Name       string `yaml:"name"`
	EntryPoint uint32 `yaml:"entry"`
	StackTop   uint32 `yaml:"stack"`
}

// Manifest is the full boot configuration.
type Manifest struct {
	Ranges               []RangeSpec `yaml:"ranges"`
	MaxThreadsPerProcess uint32      `yaml:"max_threads_per_process"`
	QuantumTicks         uint32      `yaml:"quantum_ticks"`
	Init                 []InitSpec  `yaml:"init"`
}

// ParseManifest decodes a YAML boot manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("boot: parse manifest: %w", err)
	}
	if len(m.Ranges) == 0 {
		return nil, fmt.Errorf("boot: manifest declares no physical memory ranges")
	}
	return &m, nil
}

// PMMRanges converts the manifest's range specs to the allocator's own
// Range type.
func (m *Manifest) PMMRanges() []pmm.Range {
	out := make([]pmm.Range, len(m.Ranges))
	for i, r := range m.Ranges {
		out[i] = pmm.Range{Name: r.Name, BasePPN: pmm.PPN(r.BasePPN), PageCount: r.PageCount}
	}
	return out
}
