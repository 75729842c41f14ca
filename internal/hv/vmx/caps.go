// Package vmx implements the Intel VT-x backend: capability probing,
// the virtual machine control structure, extended page tables and the
// per-VM exit loop.
package vmx

import (
	"fmt"

	"github.com/virtcore/vmm/internal/cpuid"
	"github.com/virtcore/vmm/internal/hv"
)

// Model-specific registers consulted during the capability probe.
const (
	MsrFeatureControl    = 0x3A
	MsrVmxBasic          = 0x480
	MsrVmxProcbasedCtls  = 0x482
	MsrVmxProcbasedCtls2 = 0x48B
	MsrVmxEptVpidCap     = 0x48C
)

// IA32_FEATURE_CONTROL bits.
const (
	featureControlLock       = 1 << 0
	featureControlVmxOutside = 1 << 2
)

// Secondary processor-based control allowed-1 bits (high word of
// IA32_VMX_PROCBASED_CTLS2).
const (
	ctls2EnableEpt         = 1 << 1
	ctls2EnableVpid        = 1 << 5
	ctls2UnrestrictedGuest = 1 << 7
)

// CR4.VMXE.
const Cr4Vmxe = 1 << 13

// MSRReader reads host model-specific registers. The production
// implementation goes through the msr device, tests script the values.
type MSRReader interface {
	ReadMSR(msr uint32) (uint64, error)
}

// Capabilities is the digested result of the VMX probe.
type Capabilities struct {
	RevisionID        uint32
	EPT               bool
	VPID              bool
	UnrestrictedGuest bool
}

// CheckSupport verifies the processor can enter VMX root mode and
// reports what it offers. The BIOS may lock VMX off through the
// feature control MSR, which is indistinguishable from missing
// hardware as far as callers are concerned.
func CheckSupport(msr MSRReader) (Capabilities, error) {
	if cpuid.HostVendor() != cpuid.VendorIntel {
		return Capabilities{}, fmt.Errorf("vmx: not an intel processor: %w", hv.ErrVmxNotSupported)
	}
	if !cpuid.HasVmx() {
		return Capabilities{}, fmt.Errorf("vmx: cpuid feature bit clear: %w", hv.ErrVmxNotSupported)
	}
	return probe(msr)
}

// probe is the vendor-independent half, separated so tests can feed it
// scripted MSR values.
func probe(msr MSRReader) (Capabilities, error) {
	fc, err := msr.ReadMSR(MsrFeatureControl)
	if err != nil {
		return Capabilities{}, fmt.Errorf("vmx: read feature control: %w", err)
	}
	if fc&featureControlLock != 0 && fc&featureControlVmxOutside == 0 {
		return Capabilities{}, fmt.Errorf("vmx: disabled by firmware: %w", hv.ErrVmxNotSupported)
	}

	basic, err := msr.ReadMSR(MsrVmxBasic)
	if err != nil {
		return Capabilities{}, fmt.Errorf("vmx: read vmx basic: %w", err)
	}

	caps := Capabilities{RevisionID: uint32(basic) & 0x7FFF_FFFF}

	ctls2, err := msr.ReadMSR(MsrVmxProcbasedCtls2)
	if err != nil {
		return Capabilities{}, fmt.Errorf("vmx: read secondary controls: %w", err)
	}
	allowed1 := uint32(ctls2 >> 32)
	caps.EPT = allowed1&ctls2EnableEpt != 0
	caps.VPID = allowed1&ctls2EnableVpid != 0
	caps.UnrestrictedGuest = allowed1&ctls2UnrestrictedGuest != 0

	return caps, nil
}
