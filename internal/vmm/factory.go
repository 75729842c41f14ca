package vmm

import (
	"context"
	"log/slog"

	"github.com/virtcore/vmm/internal/hv"
	"github.com/virtcore/vmm/internal/hv/el2"
	"github.com/virtcore/vmm/internal/hv/svm"
	"github.com/virtcore/vmm/internal/hv/vmx"
	"github.com/virtcore/vmm/internal/mmiolog"
)

// Per-VM page table frames live in their own window of the table
// arena.
const tableArenaBase = 0x1_0000_0000

func tableBase(vmID uint64) uint64 {
	return tableArenaBase + vmID<<24
}

// VmxFactory builds Intel machines. Root mode must already be entered.
type VmxFactory struct {
	Root *vmx.Root
	VCPU vmx.VCPUPort
	IO   vmx.IOPort
}

func (f *VmxFactory) Backend() hv.Backend { return hv.BackendIntelVmx }

func (f *VmxFactory) NewMachine(vmID uint64) (Machine, error) {
	m, err := vmx.NewMachine(f.Root, f.VCPU, f.IO, tableBase(vmID))
	if err != nil {
		return nil, err
	}
	return &vmxMachine{m: m}, nil
}

type vmxMachine struct {
	m *vmx.Machine
}

func (v *vmxMachine) Translator() hv.MemoryTranslator { return v.m.EPT() }
func (v *vmxMachine) SetEntry(pc, sp uint64) error    { return v.m.SetEntryPoint(pc, sp) }
func (v *vmxMachine) Run(ctx context.Context) error   { return v.m.Run(ctx) }
func (v *vmxMachine) Halted() bool                    { return v.m.Halted() }
func (v *vmxMachine) Destroy()                        { v.m.Destroy() }

// SvmFactory builds AMD machines from a shared ASID pool.
type SvmFactory struct {
	Asids *svm.ASIDAllocator
	VCPU  svm.VCPUPort
	IO    svm.IOPort
}

func (f *SvmFactory) Backend() hv.Backend { return hv.BackendAmdSvm }

func (f *SvmFactory) NewMachine(vmID uint64) (Machine, error) {
	m, err := svm.NewMachine(f.Asids, f.VCPU, f.IO, tableBase(vmID))
	if err != nil {
		return nil, err
	}
	return &svmMachine{m: m}, nil
}

type svmMachine struct {
	m *svm.Machine
}

func (s *svmMachine) Translator() hv.MemoryTranslator { return s.m.NPT() }

func (s *svmMachine) SetEntry(pc, sp uint64) error {
	if err := s.m.VMCB().SetRip(pc); err != nil {
		return err
	}
	return s.m.VMCB().SetRsp(sp)
}

func (s *svmMachine) Run(ctx context.Context) error { return s.m.Run(ctx) }
func (s *svmMachine) Halted() bool                  { return s.m.Halted() }
func (s *svmMachine) Destroy()                      { s.m.Destroy() }

// TrapSource delivers EL2 traps from the low-level exception vector
// and carries the resume action back.
type TrapSource interface {
	// Next blocks until the guest traps. The register file stays valid
	// until Resume is called.
	Next(ctx context.Context) (el2.Trap, *el2.RegisterFile, error)
	Resume(action hv.TrapAction) error
}

// El2Factory builds ARM machines: stage-2 tables, a vGIC and the trap
// dispatcher around a trap source.
type El2Factory struct {
	Traps  TrapSource
	Bus    el2.BusPort
	Slots  el2.SlotPort
	GIC    el2.GICPort
	Spy    *mmiolog.Log
	Logger *slog.Logger
}

func (f *El2Factory) Backend() hv.Backend { return hv.BackendArmEl2 }

func (f *El2Factory) NewMachine(vmID uint64) (Machine, error) {
	spy := f.Spy
	if spy == nil {
		spy = mmiolog.New()
	}

	m := &el2Machine{
		stage2: el2.NewStage2(el2.NewFrameAllocator(tableBase(vmID)), uint16(vmID+1)),
		vgic:   el2.NewVGIC(f.Slots, f.GIC, f.Logger),
		disp:   &el2.Dispatcher{Bus: f.Bus, Spy: spy, Logger: f.Logger},
		traps:  f.Traps,
	}
	return m, nil
}

type el2Machine struct {
	stage2 *el2.Stage2
	vgic   *el2.VGIC
	disp   *el2.Dispatcher
	traps  TrapSource

	entryPC uint64
	entrySP uint64
}

func (m *el2Machine) Translator() hv.MemoryTranslator { return m.stage2 }

func (m *el2Machine) SetEntry(pc, sp uint64) error {
	m.entryPC, m.entrySP = pc, sp
	return nil
}

// Run services traps until the guest halts or the context ends.
func (m *el2Machine) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.vgic.DrainPending(); err != nil {
			return err
		}

		trap, regs, err := m.traps.Next(ctx)
		if err != nil {
			return err
		}

		action := m.disp.Handle(trap, regs)
		if err := m.traps.Resume(action); err != nil {
			return err
		}
		if action == hv.TrapGuestHalt {
			return nil
		}
	}
}

func (m *el2Machine) Halted() bool { return m.disp.Halted() }

func (m *el2Machine) Destroy() {}

// VGIC exposes the interrupt controller for physical IRQ forwarding.
func (m *el2Machine) VGIC() *el2.VGIC { return m.vgic }

// EntryPoint reports the programmed boot state. The exception vector
// loads it into ELR_EL2 and SP_EL1 before the first entry.
func (m *el2Machine) EntryPoint() (pc, sp uint64) {
	return m.entryPC, m.entrySP
}
