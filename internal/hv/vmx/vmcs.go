package vmx

import (
	"fmt"

	"github.com/virtcore/vmm/internal/hv"
)

// VMCS field encodings, Intel SDM volume 3 appendix B.
const (
	// 16-bit control and guest-state fields.
	FieldVpid             = 0x0000
	FieldGuestEsSelector  = 0x0800
	FieldGuestCsSelector  = 0x0802
	FieldGuestSsSelector  = 0x0804
	FieldGuestDsSelector  = 0x0806
	FieldGuestFsSelector  = 0x0808
	FieldGuestGsSelector  = 0x080A
	FieldGuestTrSelector  = 0x080E
	FieldHostCsSelector   = 0x0C02
	FieldHostTrSelector   = 0x0C0C

	// 64-bit fields.
	FieldIoBitmapA        = 0x2000
	FieldIoBitmapB        = 0x2002
	FieldMsrBitmap        = 0x2004
	FieldEptPointer       = 0x201A
	FieldGuestPhysAddr    = 0x2400
	FieldVmcsLinkPointer  = 0x2800
	FieldGuestIa32Efer    = 0x2806

	// 32-bit fields.
	FieldPinBasedControls    = 0x4000
	FieldCpuBasedControls    = 0x4002
	FieldExceptionBitmap     = 0x4004
	FieldVmExitControls      = 0x400C
	FieldVmEntryControls     = 0x4012
	FieldSecondaryControls   = 0x401E
	FieldVmInstructionError  = 0x4400
	FieldVmExitReason        = 0x4402
	FieldExitIntrInfo        = 0x4404
	FieldVmExitInstrLen      = 0x440C
	FieldGuestCsLimit        = 0x4802
	FieldGuestCsAccessRights = 0x4816
	FieldGuestInterruptState = 0x4824

	// Natural-width fields.
	FieldExitQualification = 0x6400
	FieldGuestCr0          = 0x6800
	FieldGuestCr3          = 0x6802
	FieldGuestCr4          = 0x6804
	FieldGuestEsBase       = 0x6806
	FieldGuestCsBase       = 0x6808
	FieldGuestGdtrBase     = 0x6816
	FieldGuestIdtrBase     = 0x6818
	FieldGuestRsp          = 0x681C
	FieldGuestRip          = 0x681E
	FieldGuestRflags       = 0x6820
	FieldHostCr0           = 0x6C00
	FieldHostCr3           = 0x6C02
	FieldHostCr4           = 0x6C04
	FieldHostRsp           = 0x6C14
	FieldHostRip           = 0x6C16
)

// Basic exit reasons.
const (
	ExitExceptionNmi      = 0
	ExitExternalInterrupt = 1
	ExitTripleFault       = 2
	ExitCpuid             = 10
	ExitHlt               = 12
	ExitVmcall            = 18
	ExitIoInstruction     = 30
	ExitRdmsr             = 31
	ExitWrmsr             = 32
	ExitInvalidGuestState = 33
	ExitEptViolation      = 48
	ExitEptMisconfig      = 49
)

// validFields is the closed set of encodings this implementation
// knows. VMREAD and VMWRITE against anything else fail the same way
// the hardware would.
var validFields = map[uint32]bool{
	FieldVpid: true, FieldGuestEsSelector: true, FieldGuestCsSelector: true,
	FieldGuestSsSelector: true, FieldGuestDsSelector: true,
	FieldGuestFsSelector: true, FieldGuestGsSelector: true,
	FieldGuestTrSelector: true, FieldHostCsSelector: true,
	FieldHostTrSelector: true,
	FieldIoBitmapA: true, FieldIoBitmapB: true, FieldMsrBitmap: true,
	FieldEptPointer: true, FieldGuestPhysAddr: true,
	FieldVmcsLinkPointer: true, FieldGuestIa32Efer: true,
	FieldPinBasedControls: true, FieldCpuBasedControls: true,
	FieldExceptionBitmap: true, FieldVmExitControls: true,
	FieldVmEntryControls: true, FieldSecondaryControls: true,
	FieldVmInstructionError: true, FieldVmExitReason: true,
	FieldExitIntrInfo: true, FieldVmExitInstrLen: true,
	FieldGuestCsLimit: true, FieldGuestCsAccessRights: true,
	FieldGuestInterruptState: true,
	FieldExitQualification: true, FieldGuestCr0: true, FieldGuestCr3: true,
	FieldGuestCr4: true, FieldGuestEsBase: true, FieldGuestCsBase: true,
	FieldGuestGdtrBase: true, FieldGuestIdtrBase: true,
	FieldGuestRsp: true, FieldGuestRip: true, FieldGuestRflags: true,
	FieldHostCr0: true, FieldHostCr3: true, FieldHostCr4: true,
	FieldHostRsp: true, FieldHostRip: true,
}

// readOnlyFields may only be written by the processor on VM exit.
var readOnlyFields = map[uint32]bool{
	FieldVmInstructionError: true,
	FieldVmExitReason:       true,
	FieldExitIntrInfo:       true,
	FieldVmExitInstrLen:     true,
	FieldExitQualification:  true,
	FieldGuestPhysAddr:      true,
}

// VMCS is one virtual machine control structure. The region carries
// the revision identifier of the processor that formatted it; loading
// a VMCS formatted for a different revision fails.
type VMCS struct {
	revision uint32
	fields   map[uint32]uint64
	launched bool
}

// NewVMCS formats a fresh control structure for the given revision.
func NewVMCS(revision uint32) *VMCS {
	return &VMCS{
		revision: revision,
		fields:   make(map[uint32]uint64),
	}
}

// Revision returns the revision identifier the region was formatted
// with.
func (v *VMCS) Revision() uint32 { return v.revision }

// Launched reports whether the VMCS has gone through VMLAUNCH and must
// be entered with VMRESUME.
func (v *VMCS) Launched() bool { return v.launched }

// Clear resets the launch state, the VMCLEAR step of the teardown and
// migration paths.
func (v *VMCS) Clear() { v.launched = false }

func (v *VMCS) markLaunched() { v.launched = true }

// Read performs a VMREAD.
func (v *VMCS) Read(field uint32) (uint64, error) {
	if !validFields[field] {
		return 0, fmt.Errorf("vmx: vmread of unknown field %#x: %w", field, hv.ErrVmreadFailed)
	}
	return v.fields[field], nil
}

// Write performs a VMWRITE. Exit information fields are read-only to
// software.
func (v *VMCS) Write(field uint32, value uint64) error {
	if !validFields[field] {
		return fmt.Errorf("vmx: vmwrite of unknown field %#x: %w", field, hv.ErrVmwriteFailed)
	}
	if readOnlyFields[field] {
		return fmt.Errorf("vmx: vmwrite of read-only field %#x: %w", field, hv.ErrVmwriteFailed)
	}
	v.fields[field] = value
	return nil
}

// setExit stores processor-written exit information. Only the run loop
// uses this.
func (v *VMCS) setExit(field uint32, value uint64) {
	v.fields[field] = value
}
