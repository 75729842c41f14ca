package svm

import (
	"encoding/binary"
	"fmt"

	"github.com/virtcore/vmm/internal/hv"
)

// Control area offsets within the 4KiB VMCB.
const (
	offInterceptCr    = 0x000
	offInterceptDr    = 0x004
	offInterceptExc   = 0x008
	offInterceptMisc1 = 0x00C
	offInterceptMisc2 = 0x010

	offIopmBasePa  = 0x040
	offMsrpmBasePa = 0x048
	offGuestAsid   = 0x058
	offTlbControl  = 0x05C
	offExitCode    = 0x070
	offExitInfo1   = 0x078
	offExitInfo2   = 0x080
	offEventInj    = 0x0A8
	offNpEnable    = 0x090
	offNCr3        = 0x0B0
	offVmcbClean   = 0x0C0
	offNextRip     = 0x0C8

	stateSaveBase = 0x400

	offCsSelector = stateSaveBase + 0x010
	offEfer       = stateSaveBase + 0x0D0
	offCr4        = stateSaveBase + 0x148
	offCr3        = stateSaveBase + 0x150
	offCr0        = stateSaveBase + 0x158
	offRflags     = stateSaveBase + 0x170
	offRip        = stateSaveBase + 0x178
	offRsp        = stateSaveBase + 0x1D8
	offRax        = stateSaveBase + 0x1F8
)

// Intercept bits in the third and fourth vectors.
const (
	interceptIntr  = uint32(1) << 0
	interceptCpuid = uint32(1) << 18
	interceptHlt   = uint32(1) << 24
	interceptIoio  = uint32(1) << 27
	interceptMsr   = uint32(1) << 28

	interceptVmrun   = uint32(1) << 0
	interceptVmmcall = uint32(1) << 1
)

// Exit codes reported in the VMCB.
const (
	ExitIntr     = 0x60
	ExitCpuid    = 0x72
	ExitIoioOut  = 0x7B
	ExitIoioIn   = 0x7C
	ExitMsrRead  = 0x7D
	ExitMsrWrite = 0x7E
	ExitHlt      = 0x78
	ExitShutdown = 0x81
	ExitVmmcall  = 0x83
	ExitNpf      = 0x400
)

// Permission map sizes. The processor requires the IO permission map
// to span three pages and the MSR map two.
const (
	IopmSize  = 3 * 0x1000
	MsrpmSize = 2 * 0x1000
	vmcbSize  = 0x1000
)

// VMCB is one virtual machine control block in its architectural
// in-memory layout. Accessors read and write the raw little-endian
// region so the block can be handed to VMRUN as-is.
type VMCB struct {
	raw    [vmcbSize]byte
	loaded bool
}

// NewVMCB builds a control block with the baseline intercept set: all
// the exits the run loop knows how to handle, nested paging on, and a
// guest ASID. ASID zero is the host's and is rejected.
func NewVMCB(asid uint32, nCr3, iopmBase, msrpmBase uint64) (*VMCB, error) {
	if asid == 0 {
		return nil, fmt.Errorf("svm: guest asid must be non-zero: %w", hv.ErrInvalidConfiguration)
	}

	v := &VMCB{loaded: true}
	v.put32(offInterceptMisc1, interceptIntr|interceptCpuid|interceptHlt|interceptIoio|interceptMsr)
	v.put32(offInterceptMisc2, interceptVmrun|interceptVmmcall)
	v.put32(offGuestAsid, asid)
	v.put64(offNpEnable, 1)
	v.put64(offNCr3, nCr3)
	v.put64(offIopmBasePa, iopmBase)
	v.put64(offMsrpmBasePa, msrpmBase)
	return v, nil
}

// NewPermissionMaps allocates the IO and MSR permission maps with
// every bit set, so every access exits.
func NewPermissionMaps() (iopm, msrpm []byte) {
	iopm = make([]byte, IopmSize)
	msrpm = make([]byte, MsrpmSize)
	for i := range iopm {
		iopm[i] = 0xFF
	}
	for i := range msrpm {
		msrpm[i] = 0xFF
	}
	return iopm, msrpm
}

func (v *VMCB) put32(off int, val uint32) {
	binary.LittleEndian.PutUint32(v.raw[off:], val)
}

func (v *VMCB) put64(off int, val uint64) {
	binary.LittleEndian.PutUint64(v.raw[off:], val)
}

func (v *VMCB) get32(off int) uint32 {
	return binary.LittleEndian.Uint32(v.raw[off:])
}

func (v *VMCB) get64(off int) uint64 {
	return binary.LittleEndian.Uint64(v.raw[off:])
}

// Raw exposes the backing region for VMRUN.
func (v *VMCB) Raw() []byte { return v.raw[:] }

// Unload marks the block unusable, the teardown step.
func (v *VMCB) Unload() { v.loaded = false }

func (v *VMCB) check() error {
	if !v.loaded {
		return fmt.Errorf("svm: %w", hv.ErrVmcbNotLoaded)
	}
	return nil
}

// Guest state accessors. Each checks the block is still loaded since a
// destroyed guest's VMCB may linger in caller hands.

func (v *VMCB) SetRip(rip uint64) error {
	if err := v.check(); err != nil {
		return err
	}
	v.put64(offRip, rip)
	return nil
}

func (v *VMCB) Rip() (uint64, error) {
	if err := v.check(); err != nil {
		return 0, err
	}
	return v.get64(offRip), nil
}

func (v *VMCB) SetRsp(rsp uint64) error {
	if err := v.check(); err != nil {
		return err
	}
	v.put64(offRsp, rsp)
	return nil
}

func (v *VMCB) Rsp() (uint64, error) {
	if err := v.check(); err != nil {
		return 0, err
	}
	return v.get64(offRsp), nil
}

func (v *VMCB) SetRax(rax uint64) error {
	if err := v.check(); err != nil {
		return err
	}
	v.put64(offRax, rax)
	return nil
}

func (v *VMCB) Rax() (uint64, error) {
	if err := v.check(); err != nil {
		return 0, err
	}
	return v.get64(offRax), nil
}

// SetRealMode programs the reset-like state a firmware-less guest
// boots with.
func (v *VMCB) SetRealMode() error {
	if err := v.check(); err != nil {
		return err
	}
	v.put64(offCr0, 0x10) // ET only
	v.put64(offCr3, 0)
	v.put64(offCr4, 0)
	v.put64(offEfer, eferSvme)
	v.put64(offRflags, 0x2)
	binary.LittleEndian.PutUint16(v.raw[offCsSelector:], 0)
	return nil
}

// SetLongMode programs 64-bit guest state with paging rooted at cr3.
func (v *VMCB) SetLongMode(cr3 uint64) error {
	if err := v.check(); err != nil {
		return err
	}
	v.put64(offCr0, 0x8000_0031) // PG, PE, ET, NE
	v.put64(offCr3, cr3)
	v.put64(offCr4, 0x20) // PAE
	v.put64(offEfer, eferSvme|1<<8|1<<10) // LME, LMA
	v.put64(offRflags, 0x2)
	binary.LittleEndian.PutUint16(v.raw[offCsSelector:], 0x8)
	return nil
}

// Exit information, written by the processor.

func (v *VMCB) ExitCode() (uint64, error) {
	if err := v.check(); err != nil {
		return 0, err
	}
	return v.get64(offExitCode), nil
}

func (v *VMCB) ExitInfo() (info1, info2 uint64, err error) {
	if err := v.check(); err != nil {
		return 0, 0, err
	}
	return v.get64(offExitInfo1), v.get64(offExitInfo2), nil
}

// NextRip returns the decoded next instruction pointer, valid for the
// instruction intercepts on processors with nRIP save.
func (v *VMCB) NextRip() (uint64, error) {
	if err := v.check(); err != nil {
		return 0, err
	}
	return v.get64(offNextRip), nil
}

// Asid returns the guest address space identifier.
func (v *VMCB) Asid() (uint32, error) {
	if err := v.check(); err != nil {
		return 0, err
	}
	return v.get32(offGuestAsid), nil
}

// setExit records processor-written exit state. Only the run loop and
// tests use this.
func (v *VMCB) setExit(code, info1, info2, nextRip uint64) {
	v.put64(offExitCode, code)
	v.put64(offExitInfo1, info1)
	v.put64(offExitInfo2, info2)
	v.put64(offNextRip, nextRip)
}
