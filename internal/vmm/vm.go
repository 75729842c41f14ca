package vmm

import (
	"context"
	"fmt"

	"github.com/virtcore/vmm/internal/console"
	"github.com/virtcore/vmm/internal/hv"
)

// State is a VM's position in its lifecycle.
type State int

const (
	StateCreated State = iota
	StateInitialized
	StateRunning
	StatePaused
	StateStopped
	StateDestroyed
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateDestroyed:
		return "destroyed"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Machine is the backend-specific execution context behind a VM. The
// concrete type wraps a VMX, SVM or EL2 guest.
type Machine interface {
	Translator() hv.MemoryTranslator
	SetEntry(pc, sp uint64) error
	Run(ctx context.Context) error
	Halted() bool
	Destroy()
}

// Factory builds machines for the detected backend.
type Factory interface {
	Backend() hv.Backend
	NewMachine(vmID uint64) (Machine, error)
}

// GuestRAMBase is where guest memory starts in the guest physical
// space.
const GuestRAMBase = 0x0

// VM is one guest under management.
type VM struct {
	ID      uint64
	Name    string
	MemSize uint64

	state   State
	mem     []byte
	machine Machine
	console *console.Console

	cancel context.CancelFunc
	done   chan struct{}
}

// State returns the lifecycle state. Callers outside the hypervisor
// lock get a snapshot that may already be stale.
func (vm *VM) State() State { return vm.state }

// Info is the externally visible VM description.
type Info struct {
	ID      uint64
	Name    string
	State   string
	MemSize uint64
}

func (vm *VM) info() Info {
	return Info{ID: vm.ID, Name: vm.Name, State: vm.state.String(), MemSize: vm.MemSize}
}

// translateRange resolves a contiguous guest physical range to offsets
// in the VM's memory, page by page so permission checks apply to every
// page crossed.
func (vm *VM) translateRange(gpa, size uint64, access hv.Access) (uint64, error) {
	if vm.machine == nil {
		return 0, fmt.Errorf("vmm: vm %d has no translator yet: %w", vm.ID, hv.ErrInvalidState)
	}
	if size == 0 {
		return 0, fmt.Errorf("vmm: zero-length access: %w", hv.ErrInvalidConfiguration)
	}

	tr := vm.machine.Translator()
	first, err := tr.Translate(gpa, access)
	if err != nil {
		return 0, err
	}

	const page = 0x1000
	for p := (gpa &^ (page - 1)) + page; p < gpa+size; p += page {
		if _, err := tr.Translate(p, access); err != nil {
			return 0, err
		}
	}

	if first+size > uint64(len(vm.mem)) {
		return 0, fmt.Errorf("vmm: access past end of guest memory: %w", hv.ErrInvalidConfiguration)
	}
	return first, nil
}
