package cpuid

// Query executes the CPUID instruction with the given leaf and subleaf.
func Query(leaf, subleaf uint32) Regs {
	a, b, c, d := rawCPUID(leaf, subleaf)
	return Regs{EAX: a, EBX: b, ECX: c, EDX: d}
}

// rawCPUID is implemented in cpuid_amd64.s.
func rawCPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)
