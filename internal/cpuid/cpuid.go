// Package cpuid queries processor identification and virtualization
// capability leaves on x86 hosts.
package cpuid

// Leaves and feature bits used by the backend detector.
const (
	leafVendor      = 0x0
	leafFeatures    = 0x1
	leafExtFeatures = 0x80000001
	leafSvmFeatures = 0x8000000A

	featureVmxBit = 1 << 5 // CPUID.1:ECX
	featureSvmBit = 1 << 2 // CPUID.8000_0001:ECX
)

// Regs holds the four output registers of a CPUID invocation.
type Regs struct {
	EAX, EBX, ECX, EDX uint32
}

// Vendor is the processor manufacturer as reported by leaf 0.
type Vendor int

const (
	VendorUnknown Vendor = iota
	VendorIntel
	VendorAmd
)

func (v Vendor) String() string {
	switch v {
	case VendorIntel:
		return "GenuineIntel"
	case VendorAmd:
		return "AuthenticAMD"
	default:
		return "unknown"
	}
}

// ClassifyVendor decodes the vendor string returned in EBX:EDX:ECX of
// leaf 0. The comparison is against the exact architectural byte
// patterns, not a string round-trip.
func ClassifyVendor(r Regs) Vendor {
	switch {
	case r.EBX == 0x756E6547 && r.EDX == 0x49656E69 && r.ECX == 0x6C65746E:
		return VendorIntel
	case r.EBX == 0x68747541 && r.EDX == 0x69746E65 && r.ECX == 0x444D4163:
		return VendorAmd
	default:
		return VendorUnknown
	}
}

// HostVendor classifies the processor this code is running on.
func HostVendor() Vendor {
	return ClassifyVendor(Query(leafVendor, 0))
}

// HasVmx reports whether CPUID advertises the VMX extension.
func HasVmx() bool {
	return Query(leafFeatures, 0).ECX&featureVmxBit != 0
}

// HasSvm reports whether CPUID advertises the SVM extension.
func HasSvm() bool {
	return Query(leafExtFeatures, 0).ECX&featureSvmBit != 0
}

// SvmFeatures describes the AMD-V capability leaf 0x8000_000A.
type SvmFeatures struct {
	Revision      uint8
	NumASIDs      uint32
	NestedPaging  bool
	NRIPSave      bool
	FlushByASID   bool
	DecodeAssists bool
	AVIC          bool
}

// DecodeSvmFeatures extracts the SVM feature set from a raw leaf
// 0x8000_000A result.
func DecodeSvmFeatures(r Regs) SvmFeatures {
	return SvmFeatures{
		Revision:      uint8(r.EAX & 0xFF),
		NumASIDs:      r.EBX,
		NestedPaging:  r.EDX&(1<<0) != 0,
		NRIPSave:      r.EDX&(1<<3) != 0,
		FlushByASID:   r.EDX&(1<<6) != 0,
		DecodeAssists: r.EDX&(1<<7) != 0,
		AVIC:          r.EDX&(1<<13) != 0,
	}
}

// HostSvmFeatures queries and decodes leaf 0x8000_000A.
func HostSvmFeatures() SvmFeatures {
	return DecodeSvmFeatures(Query(leafSvmFeatures, 0))
}
