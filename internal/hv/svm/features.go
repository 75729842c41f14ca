// Package svm implements the AMD-V backend: capability probing, the
// virtual machine control block, nested page tables and the per-VM
// exit loop.
package svm

import (
	"fmt"
	"sync"

	"github.com/virtcore/vmm/internal/cpuid"
	"github.com/virtcore/vmm/internal/hv"
)

// Model-specific registers used by the probe and enable path.
const (
	MsrEfer     = 0xC000_0080
	MsrVmCr     = 0xC001_0114
	MsrVmHsave  = 0xC001_0117

	eferSvme = 1 << 12

	vmCrSvmLock = 1 << 3
	vmCrSvmDis  = 1 << 4
)

// MSRReader reads host model-specific registers.
type MSRReader interface {
	ReadMSR(msr uint32) (uint64, error)
}

// CheckSupport verifies the processor offers SVM and the firmware has
// not locked it off.
func CheckSupport(msr MSRReader) (cpuid.SvmFeatures, error) {
	if cpuid.HostVendor() != cpuid.VendorAmd {
		return cpuid.SvmFeatures{}, fmt.Errorf("svm: not an amd processor: %w", hv.ErrSvmNotSupported)
	}
	if !cpuid.HasSvm() {
		return cpuid.SvmFeatures{}, fmt.Errorf("svm: cpuid feature bit clear: %w", hv.ErrSvmNotSupported)
	}
	return probe(msr, cpuid.HostSvmFeatures())
}

// probe is the vendor-independent half, split out for tests.
func probe(msr MSRReader, feat cpuid.SvmFeatures) (cpuid.SvmFeatures, error) {
	vmcr, err := msr.ReadMSR(MsrVmCr)
	if err != nil {
		return cpuid.SvmFeatures{}, fmt.Errorf("svm: read vm_cr: %w", err)
	}
	if vmcr&vmCrSvmDis != 0 {
		if vmcr&vmCrSvmLock != 0 {
			return cpuid.SvmFeatures{}, fmt.Errorf("svm: disabled and locked by firmware: %w", hv.ErrSvmNotSupported)
		}
		return cpuid.SvmFeatures{}, fmt.Errorf("svm: disabled by firmware, unlockable: %w", hv.ErrSvmNotSupported)
	}
	if feat.NumASIDs == 0 {
		return cpuid.SvmFeatures{}, fmt.Errorf("svm: no address space identifiers: %w", hv.ErrSvmInitFailed)
	}
	return feat, nil
}

// ASIDAllocator hands out address space identifiers. ASID zero belongs
// to the host, so guests get 1 onward. A live id is never reused.
type ASIDAllocator struct {
	mu    sync.Mutex
	max   uint32
	next  uint32
	freed []uint32
	live  map[uint32]bool
}

func NewASIDAllocator(max uint32) *ASIDAllocator {
	return &ASIDAllocator{max: max, next: 1, live: make(map[uint32]bool)}
}

func (a *ASIDAllocator) Alloc() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.freed); n > 0 {
		id := a.freed[n-1]
		a.freed = a.freed[:n-1]
		a.live[id] = true
		return id, nil
	}
	if a.next >= a.max {
		return 0, fmt.Errorf("svm: asid space exhausted: %w", hv.ErrOutOfMemory)
	}
	id := a.next
	a.next++
	a.live[id] = true
	return id, nil
}

func (a *ASIDAllocator) Free(id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.live[id] {
		return
	}
	delete(a.live, id)
	a.freed = append(a.freed, id)
}

func (a *ASIDAllocator) Live(id uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live[id]
}
