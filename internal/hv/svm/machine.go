package svm

import (
	"context"
	"fmt"

	"github.com/virtcore/vmm/internal/cpuid"
	"github.com/virtcore/vmm/internal/hv"
)

// HostPort executes the privileged host-side setup: setting EFER.SVME
// and programming the host save area.
type HostPort interface {
	SetEferSvme() error
	SetHsave(pa uint64) error
}

// EnableHost turns on SVM for the host processor. Unlike the Intel
// side there is no root-mode entry to sequence against: control blocks
// can be built before or after this, the processor only checks SVME at
// VMRUN time.
func EnableHost(port HostPort, hsavePa uint64) error {
	if err := port.SetEferSvme(); err != nil {
		return fmt.Errorf("svm: set efer.svme: %w", hv.ErrSvmInitFailed)
	}
	if err := port.SetHsave(hsavePa); err != nil {
		return fmt.Errorf("svm: set host save area: %w", hv.ErrSvmInitFailed)
	}
	return nil
}

// GuestRegs is the register state not held in the VMCB. RAX, RSP and
// RIP live in the state save area.
type GuestRegs struct {
	RBX, RCX, RDX      uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
}

// VCPUPort runs the guest. The processor writes exit information into
// the control block before returning.
type VCPUPort interface {
	Vmrun(vmcb *VMCB, regs *GuestRegs) error
}

// IOPort handles trapped port IO.
type IOPort interface {
	ReadIO(port uint16, size uint8) (uint32, error)
	WriteIO(port uint16, size uint8, value uint32) error
}

// Stats counts VM exits by class.
type Stats struct {
	Exits         uint64
	Cpuid         uint64
	Hlt           uint64
	IoAccesses    uint64
	MsrAccesses   uint64
	Hypercalls    uint64
	NptViolations uint64
}

// Machine is one AMD guest: its control block, nested tables,
// permission maps, address space identifier and register file.
type Machine struct {
	vmcb  *VMCB
	npt   *NPT
	asids *ASIDAllocator
	asid  uint32
	regs  GuestRegs

	iopm  []byte
	msrpm []byte

	vcpu  VCPUPort
	io    IOPort
	msrs  map[uint32]uint64
	stats Stats

	halted bool
}

// NewMachine builds a guest context with a fresh ASID and nested
// tables.
func NewMachine(asids *ASIDAllocator, vcpu VCPUPort, io IOPort, nptTableBase uint64) (*Machine, error) {
	asid, err := asids.Alloc()
	if err != nil {
		return nil, err
	}

	npt := NewNPT(nptTableBase)
	iopm, msrpm := NewPermissionMaps()

	// The permission map base addresses are modelled as opaque
	// handles; the embedding kernel translates them when it pins the
	// maps for the processor.
	vmcb, err := NewVMCB(asid, npt.Cr3(), 0, 0)
	if err != nil {
		asids.Free(asid)
		return nil, err
	}

	return &Machine{
		vmcb:  vmcb,
		npt:   npt,
		asids: asids,
		asid:  asid,
		iopm:  iopm,
		msrpm: msrpm,
		vcpu:  vcpu,
		io:    io,
		msrs:  make(map[uint32]uint64),
	}, nil
}

// VMCB exposes the control block for state setup.
func (m *Machine) VMCB() *VMCB { return m.vmcb }

// NPT exposes the nested tables.
func (m *Machine) NPT() *NPT { return m.npt }

// Asid returns the guest address space identifier.
func (m *Machine) Asid() uint32 { return m.asid }

// Regs exposes the register file.
func (m *Machine) Regs() *GuestRegs { return &m.regs }

// Stats returns a copy of the exit counters.
func (m *Machine) Stats() Stats { return m.stats }

// Halted reports whether the guest executed HLT.
func (m *Machine) Halted() bool { return m.halted }

// Destroy unloads the control block and releases the ASID.
func (m *Machine) Destroy() {
	m.vmcb.Unload()
	if m.asid != 0 {
		m.asids.Free(m.asid)
		m.asid = 0
	}
}

// Run enters the guest repeatedly until it halts, the context is
// cancelled, or an exit cannot be handled.
func (m *Machine) Run(ctx context.Context) error {
	for !m.halted {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := m.vcpu.Vmrun(m.vmcb, &m.regs); err != nil {
			return fmt.Errorf("svm: vmrun: %v: %w", err, hv.ErrSvmInitFailed)
		}
		if err := m.handleExit(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) handleExit() error {
	m.stats.Exits++

	code, err := m.vmcb.ExitCode()
	if err != nil {
		return err
	}
	info1, info2, err := m.vmcb.ExitInfo()
	if err != nil {
		return err
	}

	switch code {
	case ExitIntr:
		// Host interrupt during guest execution; nothing to do.
		return nil

	case ExitCpuid:
		m.stats.Cpuid++
		if err := m.emulateCpuid(); err != nil {
			return err
		}
		return m.skip()

	case ExitHlt:
		m.stats.Hlt++
		m.halted = true
		return nil

	case ExitVmmcall:
		m.stats.Hypercalls++
		if err := m.vmcb.SetRax(^uint64(0)); err != nil {
			return err
		}
		return m.skip()

	case ExitIoioIn, ExitIoioOut:
		m.stats.IoAccesses++
		if err := m.handleIO(info1); err != nil {
			return err
		}
		// EXITINFO2 holds the return address for IO intercepts.
		return m.vmcb.SetRip(info2)

	case ExitMsrRead, ExitMsrWrite:
		m.stats.MsrAccesses++
		if err := m.handleMSR(info1 == 1); err != nil {
			return err
		}
		return m.skip()

	case ExitNpf:
		m.stats.NptViolations++
		access := hv.AccessRead
		if info1&(1<<1) != 0 {
			access = hv.AccessWrite
		} else if info1&(1<<4) != 0 {
			access = hv.AccessExec
		}
		return &hv.NptViolation{GPA: info2, Access: access}

	case ExitShutdown:
		return fmt.Errorf("svm: guest shutdown: %w", hv.ErrInvalidState)

	default:
		return fmt.Errorf("svm: unhandled exit code %#x: %w", code, hv.ErrInvalidState)
	}
}

// emulateCpuid answers with the host's leaves, hiding the SVM bit so
// the guest does not try to nest.
func (m *Machine) emulateCpuid() error {
	leaf, err := m.vmcb.Rax()
	if err != nil {
		return err
	}
	r := cpuid.Query(uint32(leaf), uint32(m.regs.RCX))
	if uint32(leaf) == 0x8000_0001 {
		r.ECX &^= 1 << 2
	}
	if err := m.vmcb.SetRax(uint64(r.EAX)); err != nil {
		return err
	}
	m.regs.RBX = uint64(r.EBX)
	m.regs.RCX = uint64(r.ECX)
	m.regs.RDX = uint64(r.EDX)
	return nil
}

// handleIO decodes EXITINFO1 of an IO intercept.
func (m *Machine) handleIO(info1 uint64) error {
	in := info1&0x1 != 0
	port := uint16(info1 >> 16)

	var size uint8 = 1
	switch {
	case info1&(1<<5) != 0:
		size = 2
	case info1&(1<<6) != 0:
		size = 4
	}

	rax, err := m.vmcb.Rax()
	if err != nil {
		return err
	}

	if in {
		val, err := m.io.ReadIO(port, size)
		if err != nil {
			return fmt.Errorf("svm: io read port %#x: %w", port, err)
		}
		mask := uint64(1)<<(8*uint(size)) - 1
		return m.vmcb.SetRax(rax&^mask | uint64(val)&mask)
	}

	val := uint32(rax & (uint64(1)<<(8*uint(size)) - 1))
	if err := m.io.WriteIO(port, size, val); err != nil {
		return fmt.Errorf("svm: io write port %#x: %w", port, err)
	}
	return nil
}

func (m *Machine) handleMSR(write bool) error {
	index := uint32(m.regs.RCX)
	if write {
		rax, err := m.vmcb.Rax()
		if err != nil {
			return err
		}
		m.msrs[index] = m.regs.RDX<<32 | rax&0xFFFF_FFFF
		return nil
	}

	val := m.msrs[index]
	m.regs.RDX = val >> 32
	return m.vmcb.SetRax(val & 0xFFFF_FFFF)
}

// skip advances past the intercepted instruction using the decoded
// next RIP.
func (m *Machine) skip() error {
	next, err := m.vmcb.NextRip()
	if err != nil {
		return err
	}
	if next != 0 {
		return m.vmcb.SetRip(next)
	}

	// No nRIP save on this processor; fall back to the common
	// two-byte opcode length.
	rip, err := m.vmcb.Rip()
	if err != nil {
		return err
	}
	return m.vmcb.SetRip(rip + 2)
}
