package vmx

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/virtcore/vmm/internal/cpuid"
	"github.com/virtcore/vmm/internal/hv"
)

// RootPort executes the privileged instructions of VMX root-mode
// entry. The embedding kernel supplies the real implementation, tests
// script one.
type RootPort interface {
	SetCR4Vmxe() error
	Vmxon(region uint64) error
	Vmxoff() error
}

// Root is the processor-wide VMX state: root mode entered once, shared
// VPID space, the revision every VMCS must carry.
type Root struct {
	mu      sync.Mutex
	port    RootPort
	caps    Capabilities
	vpids   *VPIDAllocator
	enabled bool
}

// EnableRoot probes the processor and enters VMX root operation. The
// order is fixed: feature control check, CR4.VMXE, then VMXON. No
// per-VM structure may be touched before this succeeds.
func EnableRoot(msr MSRReader, port RootPort, vmxonRegion uint64) (*Root, error) {
	caps, err := CheckSupport(msr)
	if err != nil {
		return nil, err
	}

	if err := port.SetCR4Vmxe(); err != nil {
		return nil, fmt.Errorf("vmx: set cr4.vmxe: %w", err)
	}
	if err := port.Vmxon(vmxonRegion); err != nil {
		return nil, fmt.Errorf("vmx: enter root operation: %w", hv.ErrVmxonFailed)
	}

	slog.Debug("vmx: entered root operation",
		"revision", caps.RevisionID, "ept", caps.EPT, "vpid", caps.VPID)

	return &Root{
		port:    port,
		caps:    caps,
		vpids:   NewVPIDAllocator(),
		enabled: true,
	}, nil
}

// Capabilities returns the probed feature set.
func (r *Root) Capabilities() Capabilities { return r.caps }

// Disable leaves root operation. All machines must be destroyed first.
func (r *Root) Disable() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return nil
	}
	r.enabled = false
	return r.port.Vmxoff()
}

// GuestRegs is the general-purpose register state not held in the
// VMCS.
type GuestRegs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
}

// Exit is what the entry stub reports back after a VM exit.
type Exit struct {
	Reason        uint32
	Qualification uint64
	GuestPhysAddr uint64
	InstrLen      uint32
}

// VCPUPort enters the guest. launch selects VMLAUNCH over VMRESUME.
type VCPUPort interface {
	Enter(vmcs *VMCS, regs *GuestRegs, launch bool) (Exit, error)
}

// IOPort handles trapped port IO.
type IOPort interface {
	ReadIO(port uint16, size uint8) (uint32, error)
	WriteIO(port uint16, size uint8, value uint32) error
}

// Stats counts VM exits by reason.
type Stats struct {
	Exits         uint64
	Cpuid         uint64
	Hlt           uint64
	IoAccesses    uint64
	MsrAccesses   uint64
	Hypercalls    uint64
	EptViolations uint64
}

// Machine is one Intel guest: its control structure, nested page
// tables, tagged TLB id and register file.
type Machine struct {
	root *Root
	vmcs *VMCS
	ept  *EPT
	vpid uint16
	regs GuestRegs

	vcpu  VCPUPort
	io    IOPort
	msrs  map[uint32]uint64
	stats Stats

	halted bool
}

// NewMachine builds a guest context. Root mode must be entered first;
// the processor rejects every VMCS operation outside it.
func NewMachine(root *Root, vcpu VCPUPort, io IOPort, eptTableBase uint64) (*Machine, error) {
	root.mu.Lock()
	enabled := root.enabled
	root.mu.Unlock()
	if !enabled {
		return nil, fmt.Errorf("vmx: root operation not entered: %w", hv.ErrVmxonFailed)
	}

	m := &Machine{
		root: root,
		vmcs: NewVMCS(root.caps.RevisionID),
		ept:  NewEPT(eptTableBase),
		vcpu: vcpu,
		io:   io,
		msrs: make(map[uint32]uint64),
	}

	if root.caps.VPID {
		vpid, err := root.vpids.Alloc()
		if err != nil {
			return nil, err
		}
		m.vpid = vpid
		if err := m.vmcs.Write(FieldVpid, uint64(vpid)); err != nil {
			return nil, err
		}
	}
	if err := m.vmcs.Write(FieldEptPointer, m.ept.Pointer()); err != nil {
		return nil, err
	}
	return m, nil
}

// VMCS exposes the control structure for state setup.
func (m *Machine) VMCS() *VMCS { return m.vmcs }

// EPT exposes the nested tables.
func (m *Machine) EPT() *EPT { return m.ept }

// VPID returns the tagged-TLB id, zero when the processor has none.
func (m *Machine) VPID() uint16 { return m.vpid }

// Regs exposes the register file.
func (m *Machine) Regs() *GuestRegs { return &m.regs }

// Stats returns a copy of the exit counters.
func (m *Machine) Stats() Stats { return m.stats }

// Halted reports whether the guest executed HLT.
func (m *Machine) Halted() bool { return m.halted }

// SetEntryPoint programs the initial instruction and stack pointers.
func (m *Machine) SetEntryPoint(rip, rsp uint64) error {
	if err := m.vmcs.Write(FieldGuestRip, rip); err != nil {
		return err
	}
	return m.vmcs.Write(FieldGuestRsp, rsp)
}

// Destroy clears the VMCS and releases the VPID.
func (m *Machine) Destroy() {
	m.vmcs.Clear()
	if m.vpid != 0 {
		m.root.vpids.Free(m.vpid)
		m.vpid = 0
	}
}

// Run enters the guest repeatedly until it halts, the context is
// cancelled, or an exit cannot be handled.
func (m *Machine) Run(ctx context.Context) error {
	for !m.halted {
		if err := ctx.Err(); err != nil {
			return err
		}

		launch := !m.vmcs.Launched()
		exit, err := m.vcpu.Enter(m.vmcs, &m.regs, launch)
		if err != nil {
			if launch {
				return fmt.Errorf("vmx: %v: %w", err, hv.ErrVmlaunchFailed)
			}
			return fmt.Errorf("vmx: %v: %w", err, hv.ErrVmresumeFailed)
		}
		m.vmcs.markLaunched()

		m.vmcs.setExit(FieldVmExitReason, uint64(exit.Reason))
		m.vmcs.setExit(FieldExitQualification, exit.Qualification)
		m.vmcs.setExit(FieldGuestPhysAddr, exit.GuestPhysAddr)
		m.vmcs.setExit(FieldVmExitInstrLen, uint64(exit.InstrLen))

		if err := m.handleExit(exit); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) handleExit(exit Exit) error {
	m.stats.Exits++

	switch exit.Reason {
	case ExitCpuid:
		m.stats.Cpuid++
		m.emulateCpuid()
		return m.skip(exit)

	case ExitHlt:
		m.stats.Hlt++
		m.halted = true
		return nil

	case ExitVmcall:
		m.stats.Hypercalls++
		// No hypervisor services on this side; SMCCC-style failure.
		m.regs.RAX = ^uint64(0)
		return m.skip(exit)

	case ExitIoInstruction:
		m.stats.IoAccesses++
		if err := m.handleIO(exit.Qualification); err != nil {
			return err
		}
		return m.skip(exit)

	case ExitRdmsr:
		m.stats.MsrAccesses++
		val := m.msrs[uint32(m.regs.RCX)]
		m.regs.RAX = val & 0xFFFF_FFFF
		m.regs.RDX = val >> 32
		return m.skip(exit)

	case ExitWrmsr:
		m.stats.MsrAccesses++
		m.msrs[uint32(m.regs.RCX)] = m.regs.RDX<<32 | m.regs.RAX&0xFFFF_FFFF
		return m.skip(exit)

	case ExitEptViolation:
		m.stats.EptViolations++
		access := hv.AccessRead
		if exit.Qualification&0x2 != 0 {
			access = hv.AccessWrite
		} else if exit.Qualification&0x4 != 0 {
			access = hv.AccessExec
		}
		return &hv.EptViolation{GPA: exit.GuestPhysAddr, Access: access}

	case ExitTripleFault:
		return fmt.Errorf("vmx: guest triple fault: %w", hv.ErrInvalidState)

	case ExitInvalidGuestState:
		return fmt.Errorf("vmx: invalid guest state: %w", hv.ErrVmlaunchFailed)

	default:
		return fmt.Errorf("vmx: unhandled exit reason %d: %w", exit.Reason, hv.ErrInvalidState)
	}
}

// emulateCpuid answers with the host's leaves, hiding the VMX bit so
// the guest does not try to nest.
func (m *Machine) emulateCpuid() {
	r := cpuid.Query(uint32(m.regs.RAX), uint32(m.regs.RCX))
	if uint32(m.regs.RAX) == 1 {
		r.ECX &^= 1 << 5
	}
	m.regs.RAX = uint64(r.EAX)
	m.regs.RBX = uint64(r.EBX)
	m.regs.RCX = uint64(r.ECX)
	m.regs.RDX = uint64(r.EDX)
}

// handleIO decodes the exit qualification of an IO instruction and
// forwards it to the port bus.
func (m *Machine) handleIO(qual uint64) error {
	size := uint8(qual&0x7) + 1
	in := qual&0x8 != 0
	port := uint16(qual >> 16)

	if in {
		val, err := m.io.ReadIO(port, size)
		if err != nil {
			return fmt.Errorf("vmx: io read port %#x: %w", port, err)
		}
		mask := uint64(1)<<(8*uint(size)) - 1
		m.regs.RAX = m.regs.RAX&^mask | uint64(val)&mask
		return nil
	}

	val := uint32(m.regs.RAX & (1<<(8*uint(size)) - 1))
	if err := m.io.WriteIO(port, size, val); err != nil {
		return fmt.Errorf("vmx: io write port %#x: %w", port, err)
	}
	return nil
}

// skip advances the guest instruction pointer past the exiting
// instruction.
func (m *Machine) skip(exit Exit) error {
	rip, err := m.vmcs.Read(FieldGuestRip)
	if err != nil {
		return err
	}
	length := uint64(exit.InstrLen)
	if length == 0 {
		length = 2
	}
	return m.vmcs.Write(FieldGuestRip, rip+length)
}
