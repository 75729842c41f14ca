// Package el2 implements the ARM hypervisor trap path: exception
// syndrome decoding, the trap dispatcher, the virtual interrupt
// controller and stage-2 translation tables.
package el2

// Exception classes from ESR_EL2.EC that the dispatcher cares about.
const (
	EcWfx            = 0x01
	EcSvc64          = 0x15
	EcHvc64          = 0x16
	EcSmc64          = 0x17
	EcMsrMrs         = 0x18
	EcInstAbortLower = 0x20
	EcDataAbortLower = 0x24
)

// Syndrome is a decoded ESR_EL2 value.
type Syndrome struct {
	EC  uint32
	IL  bool
	ISS uint32
}

// DecodeSyndrome splits a raw ESR_EL2 value into class, instruction
// length and the class-specific syndrome field.
func DecodeSyndrome(esr uint64) Syndrome {
	return Syndrome{
		EC:  uint32(esr>>26) & 0x3F,
		IL:  esr&(1<<25) != 0,
		ISS: uint32(esr) & 0x1FFFFFF,
	}
}

// DataAbort is the decoded ISS of a lower-EL data abort. The fields are
// only meaningful when Valid is set; without a valid syndrome the
// faulting instruction must be decoded from guest memory, which the
// dispatcher refuses to do.
type DataAbort struct {
	Valid      bool
	Size       uint8 // access width in bytes
	SignExtend bool
	Reg        uint8 // transfer register Xn, 31 means XZR
	Sixtyfour  bool  // 64-bit destination register
	Write      bool
}

// DecodeDataAbort interprets a data abort ISS.
func DecodeDataAbort(iss uint32) DataAbort {
	return DataAbort{
		Valid:      iss&(1<<24) != 0,
		Size:       1 << ((iss >> 22) & 0x3),
		SignExtend: iss&(1<<21) != 0,
		Reg:        uint8((iss >> 16) & 0x1F),
		Sixtyfour:  iss&(1<<15) != 0,
		Write:      iss&(1<<6) != 0,
	}
}

// FaultIPA reconstructs the intermediate physical address of an abort
// from HPFAR_EL2 (page frame) and FAR_EL2 (page offset).
func FaultIPA(hpfar, far uint64) uint64 {
	return (hpfar&0xFFFFFFF0)<<8 | far&0xFFF
}
