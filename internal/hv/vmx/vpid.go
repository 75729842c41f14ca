package vmx

import (
	"fmt"
	"sync"

	"github.com/virtcore/vmm/internal/hv"
)

// VPIDAllocator hands out virtual processor identifiers. VPID zero is
// reserved for the hypervisor itself, so guests get 1 onward. A live
// id is never handed out twice; freed ids return to the pool.
type VPIDAllocator struct {
	mu    sync.Mutex
	next  uint16
	freed []uint16
	live  map[uint16]bool
}

func NewVPIDAllocator() *VPIDAllocator {
	return &VPIDAllocator{next: 1, live: make(map[uint16]bool)}
}

// Alloc returns a fresh VPID.
func (a *VPIDAllocator) Alloc() (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.freed); n > 0 {
		id := a.freed[n-1]
		a.freed = a.freed[:n-1]
		a.live[id] = true
		return id, nil
	}
	if a.next == 0 {
		return 0, fmt.Errorf("vmx: vpid space exhausted: %w", hv.ErrOutOfMemory)
	}
	id := a.next
	a.next++
	a.live[id] = true
	return id, nil
}

// Free returns an id to the pool. The caller must have invalidated the
// TLB entries tagged with it first.
func (a *VPIDAllocator) Free(id uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.live[id] {
		return
	}
	delete(a.live, id)
	a.freed = append(a.freed, id)
}

// Live reports whether an id is currently assigned.
func (a *VPIDAllocator) Live(id uint16) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live[id]
}
