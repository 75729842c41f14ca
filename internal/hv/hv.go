// Package hv holds the types shared by every virtualization backend:
// the backend tag, the error taxonomy, trap descriptors and the
// second-level address translation interface.
package hv

import (
	"errors"
	"fmt"
)

var (
	ErrVmxNotSupported         = errors.New("vmx not supported on this processor")
	ErrSvmNotSupported         = errors.New("svm not supported on this processor")
	ErrNoVirtualizationSupport = errors.New("no hardware virtualization support")
	ErrOutOfMemory             = errors.New("out of hypervisor memory")
	ErrVMNotFound              = errors.New("virtual machine not found")
	ErrInvalidConfiguration    = errors.New("invalid configuration")
	ErrInvalidState            = errors.New("invalid state for operation")
	ErrAlreadyRunning          = errors.New("virtual machine already running")
	ErrVmxonFailed             = errors.New("vmxon failed")
	ErrVmlaunchFailed          = errors.New("vmlaunch failed")
	ErrVmresumeFailed          = errors.New("vmresume failed")
	ErrVmreadFailed            = errors.New("vmread failed")
	ErrVmwriteFailed           = errors.New("vmwrite failed")
	ErrSvmInitFailed           = errors.New("svm initialization failed")
	ErrVmcbNotLoaded           = errors.New("vmcb not loaded")
)

// Backend identifies which virtualization extension the host processor
// provides. Exactly one backend is selected at startup and never changes
// for the lifetime of the process.
type Backend int

const (
	BackendUnsupported Backend = iota
	BackendIntelVmx
	BackendAmdSvm
	BackendArmEl2
)

func (b Backend) String() string {
	switch b {
	case BackendIntelVmx:
		return "intel-vmx"
	case BackendAmdSvm:
		return "amd-svm"
	case BackendArmEl2:
		return "arm-el2"
	default:
		return "unsupported"
	}
}

// Access describes the kind of guest memory access that caused a fault.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
	AccessExec
)

func (a Access) String() string {
	switch a {
	case AccessWrite:
		return "write"
	case AccessExec:
		return "exec"
	default:
		return "read"
	}
}

// Perm is a second-level mapping permission mask.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec

	PermRW  = PermRead | PermWrite
	PermRWX = PermRead | PermWrite | PermExec
)

// EptViolation reports a guest-physical access that missed or was denied
// by the extended page tables.
type EptViolation struct {
	GPA    uint64
	Access Access
}

func (e *EptViolation) Error() string {
	return fmt.Sprintf("ept violation: %s at gpa %#x", e.Access, e.GPA)
}

// NptViolation is the AMD nested paging equivalent of EptViolation.
type NptViolation struct {
	GPA    uint64
	Access Access
}

func (e *NptViolation) Error() string {
	return fmt.Sprintf("npt violation: %s at gpa %#x", e.Access, e.GPA)
}

// Stage2Fault reports a missed or denied IPA access through the ARM
// stage-2 tables.
type Stage2Fault struct {
	IPA    uint64
	Access Access
}

func (e *Stage2Fault) Error() string {
	return fmt.Sprintf("stage-2 fault: %s at ipa %#x", e.Access, e.IPA)
}

// MemoryTranslator is the second-level address translation surface every
// backend provides. Map installs guest-physical to host-physical mappings
// and Translate walks them the way the hardware would.
//
// Remapping an already mapped page with different permissions fails with
// ErrInvalidConfiguration. Changing permissions requires an explicit
// Unmap first.
type MemoryTranslator interface {
	Map(gpa, hpa, size uint64, perm Perm) error
	Unmap(gpa, size uint64) error
	Translate(gpa uint64, access Access) (uint64, error)
}

// TrapAction tells the low-level exit stub what to do after a trap has
// been considered.
type TrapAction int

const (
	// TrapHandled means the trap was fully absorbed and the guest
	// resumes at the next instruction.
	TrapHandled TrapAction = iota
	// TrapForwardSmc asks the stub to re-issue the trapped secure call
	// to the real firmware and hand the result back to the guest.
	TrapForwardSmc
	// TrapInjectFault asks the stub to inject a synchronous exception
	// into the guest.
	TrapInjectFault
	// TrapGuestHalt terminates the guest.
	TrapGuestHalt
)

func (a TrapAction) String() string {
	switch a {
	case TrapForwardSmc:
		return "forward-smc"
	case TrapInjectFault:
		return "inject-fault"
	case TrapGuestHalt:
		return "guest-halt"
	default:
		return "handled"
	}
}
