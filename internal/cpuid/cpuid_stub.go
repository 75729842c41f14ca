//go:build !amd64

package cpuid

// Query returns zeroes on processors without the CPUID instruction.
func Query(leaf, subleaf uint32) Regs {
	return Regs{}
}
