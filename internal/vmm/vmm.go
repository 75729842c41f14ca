// Package vmm is the virtual machine lifecycle manager: it owns the VM
// table, drives state transitions, and allocates guest memory against
// a budget.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/virtcore/vmm/internal/console"
	"github.com/virtcore/vmm/internal/event"
	"github.com/virtcore/vmm/internal/guest"
	"github.com/virtcore/vmm/internal/hv"
)

// Config configures a hypervisor context.
type Config struct {
	Factory Factory
	Catalog *guest.Catalog
	Bus     *event.Bus
	Logger  *slog.Logger

	// MemoryBudget caps the total guest memory in bytes. Zero means
	// 4GiB.
	MemoryBudget uint64
}

const defaultMemoryBudget = 4 << 30

// Hypervisor is the explicit context object every operation goes
// through. There is no package-level state: embedding code decides how
// many of these exist.
type Hypervisor struct {
	backend hv.Backend
	factory Factory
	catalog *guest.Catalog
	bus     *event.Bus
	logger  *slog.Logger

	mu       sync.Mutex
	vms      map[uint64]*VM
	nextID   uint64
	memUsed  uint64
	memLimit uint64
}

// New builds a hypervisor context. A host with no virtualization
// support gets an error and no context at all.
func New(cfg Config) (*Hypervisor, error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("vmm: no backend factory: %w", hv.ErrInvalidConfiguration)
	}
	backend := cfg.Factory.Backend()
	if backend == hv.BackendUnsupported {
		return nil, fmt.Errorf("vmm: %w", hv.ErrNoVirtualizationSupport)
	}

	if cfg.Catalog == nil {
		cfg.Catalog = guest.NewCatalog()
	}
	if cfg.Bus == nil {
		cfg.Bus = event.NewBus()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MemoryBudget == 0 {
		cfg.MemoryBudget = defaultMemoryBudget
	}

	cfg.Logger.Info("vmm: hypervisor ready", "backend", backend)

	return &Hypervisor{
		backend:  backend,
		factory:  cfg.Factory,
		catalog:  cfg.Catalog,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		vms:      make(map[uint64]*VM),
		memLimit: cfg.MemoryBudget,
	}, nil
}

// Backend reports which virtualization extension is in use.
func (h *Hypervisor) Backend() hv.Backend { return h.backend }

// Events exposes the event bus for subscriptions.
func (h *Hypervisor) Events() *event.Bus { return h.bus }

// VMCount returns the number of VMs that have not been destroyed.
func (h *Hypervisor) VMCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.vms)
}

// List describes every live VM.
func (h *Hypervisor) List() []Info {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Info, 0, len(h.vms))
	for _, vm := range h.vms {
		out = append(out, vm.info())
	}
	return out
}

// CreateVM allocates a VM record and its memory. IDs are handed out
// monotonically and never reused, even after the VM is destroyed.
func (h *Hypervisor) CreateVM(name string, memMB uint64) (uint64, error) {
	if name == "" || memMB == 0 {
		return 0, fmt.Errorf("vmm: name and memory size required: %w", hv.ErrInvalidConfiguration)
	}
	size := memMB << 20

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.memUsed+size > h.memLimit {
		return 0, fmt.Errorf("vmm: memory budget exceeded (%d of %d bytes used): %w",
			h.memUsed, h.memLimit, hv.ErrOutOfMemory)
	}

	mem, err := allocGuestMemory(size)
	if err != nil {
		return 0, fmt.Errorf("vmm: %v: %w", err, hv.ErrOutOfMemory)
	}

	id := h.nextID
	h.nextID++
	h.memUsed += size

	h.vms[id] = &VM{
		ID:      id,
		Name:    name,
		MemSize: size,
		state:   StateCreated,
		mem:     mem,
		console: console.New(),
	}

	h.logger.Debug("vmm: created vm", "id", id, "name", name, "mem_mb", memMB)
	h.bus.Emit(event.VmCreated, id, name)
	return id, nil
}

func (h *Hypervisor) vm(id uint64) (*VM, error) {
	vm, ok := h.vms[id]
	if !ok {
		return nil, fmt.Errorf("vmm: vm %d: %w", id, hv.ErrVMNotFound)
	}
	return vm, nil
}

// InitializeVM builds the backend machine and maps guest RAM.
func (h *Hypervisor) InitializeVM(id uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	vm, err := h.vm(id)
	if err != nil {
		return err
	}
	if vm.state != StateCreated {
		// Initialization is one-shot.
		return fmt.Errorf("vmm: vm %d is %s, already initialized: %w", id, vm.state, hv.ErrInvalidConfiguration)
	}

	machine, err := h.factory.NewMachine(id)
	if err != nil {
		return fmt.Errorf("vmm: build machine for vm %d: %w", id, err)
	}
	if err := machine.Translator().Map(GuestRAMBase, 0, vm.MemSize, hv.PermRWX); err != nil {
		machine.Destroy()
		return fmt.Errorf("vmm: map guest ram for vm %d: %w", id, err)
	}

	vm.machine = machine
	vm.state = StateInitialized
	h.bus.Emit(event.VmInitialized, id, "")
	return nil
}

// StartVM runs an initialized or paused VM. Starting from any other
// state fails without touching the VM.
func (h *Hypervisor) StartVM(id uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	vm, err := h.vm(id)
	if err != nil {
		return err
	}

	switch vm.state {
	case StateRunning:
		return fmt.Errorf("vmm: vm %d: %w", id, hv.ErrAlreadyRunning)
	case StateInitialized, StatePaused:
	default:
		return fmt.Errorf("vmm: vm %d is %s, cannot start: %w", id, vm.state, hv.ErrInvalidState)
	}

	resumed := vm.state == StatePaused
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	vm.cancel = cancel
	vm.done = done
	vm.state = StateRunning

	go h.runVM(ctx, vm, done)

	if resumed {
		h.bus.Emit(event.VmResumed, id, "")
	} else {
		h.bus.Emit(event.VmStarted, id, "")
	}
	return nil
}

// runVM drives the machine until it halts, is paused or stopped, or
// crashes.
func (h *Hypervisor) runVM(ctx context.Context, vm *VM, done chan struct{}) {
	defer close(done)

	err := vm.machine.Run(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()

	// Pause and Stop cancel the context and set the state themselves;
	// leave their transition in place.
	if vm.state != StateRunning {
		return
	}

	switch {
	case err == nil:
		vm.state = StateStopped
		h.bus.Emit(event.VmStopped, vm.ID, "guest halted")
	case errors.Is(err, context.Canceled):
		vm.state = StateStopped
		h.bus.Emit(event.VmStopped, vm.ID, "")
	default:
		vm.state = StateCrashed
		h.logger.Error("vmm: vm crashed", "id", vm.ID, "err", err)
		h.bus.Emit(event.VmCrashed, vm.ID, err.Error())

		var ept *hv.EptViolation
		var npt *hv.NptViolation
		var s2 *hv.Stage2Fault
		if errors.As(err, &ept) || errors.As(err, &npt) || errors.As(err, &s2) {
			h.bus.Emit(event.TranslationFault, vm.ID, err.Error())
		}
	}
}

// StartVMWithGuest loads a catalog image into guest memory, points the
// machine at its entry, and starts the VM.
func (h *Hypervisor) StartVMWithGuest(id uint64, imageName string) error {
	img, ok := h.catalog.Lookup(imageName)
	if !ok {
		return fmt.Errorf("vmm: unknown guest image %q: %w", imageName, hv.ErrInvalidConfiguration)
	}

	// Validate everything before the first byte lands in guest memory,
	// so a rejected start leaves the VM untouched.
	h.mu.Lock()
	vm, err := h.vm(id)
	if err == nil && vm.state != StateInitialized {
		err = fmt.Errorf("vmm: vm %d is %s, expected initialized: %w", id, vm.state, hv.ErrInvalidState)
	}
	var off uint64
	if err == nil {
		off, err = vm.translateRange(img.LoadAddr, uint64(len(img.Bytes)), hv.AccessWrite)
	}
	if err == nil {
		err = vm.machine.SetEntry(img.Entry, img.LoadAddr)
	}
	if err == nil {
		copy(vm.mem[off:], img.Bytes)
	}
	h.mu.Unlock()
	if err != nil {
		return err
	}

	return h.StartVM(id)
}

// PauseVM suspends a running VM.
func (h *Hypervisor) PauseVM(id uint64) error {
	h.mu.Lock()
	vm, err := h.vm(id)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if vm.state != StateRunning {
		h.mu.Unlock()
		return fmt.Errorf("vmm: vm %d is %s, cannot pause: %w", id, vm.state, hv.ErrInvalidState)
	}

	vm.state = StatePaused
	cancel, done := vm.cancel, vm.done
	h.mu.Unlock()

	cancel()
	<-done

	h.bus.Emit(event.VmPaused, id, "")
	return nil
}

// StopVM halts a running or paused VM.
func (h *Hypervisor) StopVM(id uint64) error {
	h.mu.Lock()
	vm, err := h.vm(id)
	if err != nil {
		h.mu.Unlock()
		return err
	}

	switch vm.state {
	case StateRunning:
		vm.state = StateStopped
		cancel, done := vm.cancel, vm.done
		h.mu.Unlock()
		cancel()
		<-done
	case StatePaused:
		vm.state = StateStopped
		h.mu.Unlock()
	default:
		state := vm.state
		h.mu.Unlock()
		return fmt.Errorf("vmm: vm %d is %s, cannot stop: %w", id, state, hv.ErrInvalidState)
	}

	h.bus.Emit(event.VmStopped, id, "")
	return nil
}

// DestroyVM releases a VM's resources and removes it from the table.
// A running VM must be stopped first.
func (h *Hypervisor) DestroyVM(id uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyLocked(id)
}

func (h *Hypervisor) destroyLocked(id uint64) error {
	vm, err := h.vm(id)
	if err != nil {
		return err
	}
	if vm.state == StateRunning {
		return fmt.Errorf("vmm: vm %d is running, stop it first: %w", id, hv.ErrInvalidState)
	}

	if vm.machine != nil {
		vm.machine.Destroy()
	}
	if err := vm.console.Close(); err != nil {
		h.logger.Error("vmm: close console", "id", id, "err", err)
	}
	if err := freeGuestMemory(vm.mem); err != nil {
		h.logger.Error("vmm: release guest memory", "id", id, "err", err)
	}
	h.memUsed -= vm.MemSize
	vm.mem = nil
	vm.state = StateDestroyed
	delete(h.vms, id)

	h.bus.Emit(event.VmDestroyed, id, "")
	return nil
}

// Shutdown tears the hypervisor down. With force unset it refuses
// while any VM runs; with force set it stops everything in parallel
// first.
func (h *Hypervisor) Shutdown(force bool) error {
	h.mu.Lock()
	var running []uint64
	ids := make([]uint64, 0, len(h.vms))
	for id, vm := range h.vms {
		ids = append(ids, id)
		if vm.state == StateRunning {
			running = append(running, id)
		}
	}
	h.mu.Unlock()

	if len(running) > 0 {
		if !force {
			return fmt.Errorf("vmm: %d vm(s) still running: %w", len(running), hv.ErrInvalidState)
		}
		var g errgroup.Group
		for _, id := range running {
			g.Go(func() error { return h.StopVM(id) })
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("vmm: stop all: %w", err)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		if _, ok := h.vms[id]; ok {
			if err := h.destroyLocked(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteGuestMemory copies into guest physical memory through the
// translator, so permissions and mapping holes apply.
func (h *Hypervisor) WriteGuestMemory(id uint64, gpa uint64, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	vm, err := h.vm(id)
	if err != nil {
		return err
	}
	off, err := vm.translateRange(gpa, uint64(len(data)), hv.AccessWrite)
	if err != nil {
		return err
	}
	copy(vm.mem[off:], data)
	return nil
}

// ReadGuestMemory copies out of guest physical memory.
func (h *Hypervisor) ReadGuestMemory(id uint64, gpa uint64, size uint64) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	vm, err := h.vm(id)
	if err != nil {
		return nil, err
	}
	off, err := vm.translateRange(gpa, size, hv.AccessRead)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, vm.mem[off:off+size])
	return out, nil
}

// InjectConsoleInput types into a VM's console.
func (h *Hypervisor) InjectConsoleInput(id uint64, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	vm, err := h.vm(id)
	if err != nil {
		return err
	}
	vm.console.InjectInput(text)
	return nil
}

// ConsoleScreen renders a VM's console contents.
func (h *Hypervisor) ConsoleScreen(id uint64) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	vm, err := h.vm(id)
	if err != nil {
		return "", err
	}
	return vm.console.Screen(), nil
}

// Console returns the VM's console for direct wiring to a UART model.
func (h *Hypervisor) Console(id uint64) (*console.Console, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	vm, err := h.vm(id)
	if err != nil {
		return nil, err
	}
	return vm.console, nil
}
