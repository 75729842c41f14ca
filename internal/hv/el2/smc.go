package el2

// SMCCC owning-entity numbers, from bits [29:24] of the function id.
type SmcOwner int

const (
	SmcOwnerArch SmcOwner = iota
	SmcOwnerSecureService
	SmcOwnerOem
	SmcOwnerPsci
	SmcOwnerHypService
	SmcOwnerUnknown
)

func (o SmcOwner) String() string {
	switch o {
	case SmcOwnerArch:
		return "arch"
	case SmcOwnerSecureService:
		return "secure-service"
	case SmcOwnerOem:
		return "oem"
	case SmcOwnerPsci:
		return "psci"
	case SmcOwnerHypService:
		return "hyp-service"
	default:
		return "unknown"
	}
}

// PSCI 1.x function ids (SMC64 calling convention where both exist).
const (
	PsciVersion       = 0x84000000
	PsciCpuSuspend    = 0xC4000001
	PsciCpuOff        = 0x84000002
	PsciCpuOn         = 0xC4000003
	PsciAffinityInfo  = 0xC4000004
	PsciMigrate       = 0xC4000005
	PsciSystemOff     = 0x84000008
	PsciSystemReset   = 0x84000009
	PsciFeatures      = 0x8400000A
	PsciSystemSuspend = 0xC400000E
)

// ClassifySmc maps a function id to its owning entity.
func ClassifySmc(fid uint64) SmcOwner {
	switch owner := (fid >> 24) & 0x3F; {
	case owner == 0x00:
		return SmcOwnerArch
	case owner >= 0x01 && owner <= 0x03:
		return SmcOwnerSecureService
	case owner == 0x04:
		return SmcOwnerPsci
	case owner == 0x05:
		return SmcOwnerHypService
	case owner >= 0x30 && owner <= 0x31:
		return SmcOwnerOem
	default:
		return SmcOwnerUnknown
	}
}

// PsciName returns a readable name for a PSCI function id.
func PsciName(fid uint64) string {
	switch fid {
	case PsciVersion:
		return "PSCI_VERSION"
	case PsciCpuSuspend:
		return "CPU_SUSPEND"
	case PsciCpuOff:
		return "CPU_OFF"
	case PsciCpuOn:
		return "CPU_ON"
	case PsciAffinityInfo:
		return "AFFINITY_INFO"
	case PsciMigrate:
		return "MIGRATE"
	case PsciSystemOff:
		return "SYSTEM_OFF"
	case PsciSystemReset:
		return "SYSTEM_RESET"
	case PsciFeatures:
		return "PSCI_FEATURES"
	case PsciSystemSuspend:
		return "SYSTEM_SUSPEND"
	default:
		return "PSCI_UNKNOWN"
	}
}
