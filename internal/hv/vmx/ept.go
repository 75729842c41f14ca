package vmx

import (
	"fmt"

	"github.com/virtcore/vmm/internal/hv"
)

// EPT entry bits.
const (
	eptRead      = uint64(1) << 0
	eptWrite     = uint64(1) << 1
	eptExec      = uint64(1) << 2
	eptLargePage = uint64(1) << 7

	eptMemTypeWB = uint64(6) << 3

	eptAddrMask = 0x000F_FFFF_FFFF_F000
)

const (
	eptPageSize  = 0x1000
	eptLargeSize = 0x20_0000
)

// EPT is a four-level extended page table. Table frames come from a
// frame pool so Translate can walk exactly what the hardware would.
type EPT struct {
	frames *framePool
	pml4   uint64
}

type framePool struct {
	next   uint64
	frames map[uint64]*[512]uint64
}

func newFramePool(base uint64) *framePool {
	return &framePool{next: base, frames: make(map[uint64]*[512]uint64)}
}

func (p *framePool) alloc() (uint64, *[512]uint64) {
	pa := p.next
	p.next += eptPageSize
	f := &[512]uint64{}
	p.frames[pa] = f
	return pa, f
}

func (p *framePool) frame(pa uint64) (*[512]uint64, bool) {
	f, ok := p.frames[pa]
	return f, ok
}

// NewEPT allocates the PML4.
func NewEPT(tableBase uint64) *EPT {
	pool := newFramePool(tableBase)
	pml4, _ := pool.alloc()
	return &EPT{frames: pool, pml4: pml4}
}

// Pointer builds the EPTP value: write-back memory type and a
// four-level walk.
func (e *EPT) Pointer() uint64 {
	return e.pml4 | (4-1)<<3 | 6
}

func eptPermBits(perm hv.Perm) uint64 {
	var bits uint64
	if perm&hv.PermRead != 0 {
		bits |= eptRead
	}
	if perm&hv.PermWrite != 0 {
		bits |= eptWrite
	}
	if perm&hv.PermExec != 0 {
		bits |= eptExec
	}
	return bits
}

// Map installs guest-physical to host-physical mappings, using 2MiB
// pages where alignment allows. Remapping a page with different
// permissions is rejected.
func (e *EPT) Map(gpa, hpa, size uint64, perm hv.Perm) error {
	if gpa%eptPageSize != 0 || hpa%eptPageSize != 0 || size%eptPageSize != 0 || size == 0 {
		return fmt.Errorf("vmx: unaligned ept mapping gpa=%#x hpa=%#x size=%#x: %w",
			gpa, hpa, size, hv.ErrInvalidConfiguration)
	}

	bits := eptPermBits(perm) | eptMemTypeWB
	for off := uint64(0); off < size; {
		if (gpa+off)%eptLargeSize == 0 && (hpa+off)%eptLargeSize == 0 && size-off >= eptLargeSize {
			if err := e.set(gpa+off, 3, hpa+off|bits|eptLargePage); err != nil {
				return err
			}
			off += eptLargeSize
			continue
		}
		if err := e.set(gpa+off, 4, hpa+off|bits); err != nil {
			return err
		}
		off += eptPageSize
	}
	return nil
}

func eptIndex(gpa uint64, level int) int {
	shift := uint(12 + 9*(4-level))
	return int((gpa >> shift) & 0x1FF)
}

func (e *EPT) set(gpa uint64, level int, entry uint64) error {
	frame, _ := e.frames.frame(e.pml4)
	for l := 1; l < level; l++ {
		idx := eptIndex(gpa, l)
		cur := frame[idx]
		if cur&(eptRead|eptWrite|eptExec) == 0 {
			pa, next := e.frames.alloc()
			frame[idx] = pa | eptRead | eptWrite | eptExec
			frame = next
			continue
		}
		if cur&eptLargePage != 0 {
			return fmt.Errorf("vmx: large page already mapped at gpa %#x: %w",
				gpa, hv.ErrInvalidConfiguration)
		}
		next, ok := e.frames.frame(cur & eptAddrMask)
		if !ok {
			return fmt.Errorf("vmx: dangling ept table at level %d: %w", l, hv.ErrInvalidConfiguration)
		}
		frame = next
	}

	idx := eptIndex(gpa, level)
	if old := frame[idx]; old&(eptRead|eptWrite|eptExec) != 0 && old != entry {
		return fmt.Errorf("vmx: ept remap with different permissions at gpa %#x: %w",
			gpa, hv.ErrInvalidConfiguration)
	}
	frame[idx] = entry
	return nil
}

// Unmap clears leaf entries covering the range.
func (e *EPT) Unmap(gpa, size uint64) error {
	if gpa%eptPageSize != 0 || size%eptPageSize != 0 {
		return fmt.Errorf("vmx: unaligned ept unmap: %w", hv.ErrInvalidConfiguration)
	}
	for off := uint64(0); off < size; off += eptPageSize {
		e.clear(gpa + off)
	}
	return nil
}

func (e *EPT) clear(gpa uint64) {
	frame, _ := e.frames.frame(e.pml4)
	for l := 1; l < 4; l++ {
		idx := eptIndex(gpa, l)
		cur := frame[idx]
		if cur&(eptRead|eptWrite|eptExec) == 0 {
			return
		}
		if cur&eptLargePage != 0 {
			frame[idx] = 0
			return
		}
		next, ok := e.frames.frame(cur & eptAddrMask)
		if !ok {
			return
		}
		frame = next
	}
	frame[eptIndex(gpa, 4)] = 0
}

// Translate walks the tables, returning the host-physical address or
// an EptViolation.
func (e *EPT) Translate(gpa uint64, access hv.Access) (uint64, error) {
	fault := &hv.EptViolation{GPA: gpa, Access: access}

	var need uint64
	switch access {
	case hv.AccessWrite:
		need = eptWrite
	case hv.AccessExec:
		need = eptExec
	default:
		need = eptRead
	}

	frame, _ := e.frames.frame(e.pml4)
	for l := 1; l <= 4; l++ {
		entry := frame[eptIndex(gpa, l)]
		if entry&(eptRead|eptWrite|eptExec) == 0 {
			return 0, fault
		}

		isLeaf := l == 4 || entry&eptLargePage != 0
		if isLeaf {
			if entry&need == 0 {
				return 0, fault
			}
			base := entry & eptAddrMask
			if l == 4 {
				return base | gpa&(eptPageSize-1), nil
			}
			return base | gpa&(eptLargeSize-1), nil
		}

		next, ok := e.frames.frame(entry & eptAddrMask)
		if !ok {
			return 0, fault
		}
		frame = next
	}
	return 0, fault
}

var _ hv.MemoryTranslator = &EPT{}
