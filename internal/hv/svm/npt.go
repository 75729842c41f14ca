package svm

import (
	"fmt"

	"github.com/virtcore/vmm/internal/hv"
)

// Nested page table entry bits. Nested tables use the regular
// long-mode format; the user bit must be set for every guest access.
const (
	nptPresent  = uint64(1) << 0
	nptWritable = uint64(1) << 1
	nptUser     = uint64(1) << 2
	nptHugePage = uint64(1) << 7
	nptNx       = uint64(1) << 63

	nptAddrMask = 0x000F_FFFF_FFFF_F000
)

const (
	nptPageSize = 0x1000
	nptHugeSize = 0x20_0000
)

// NPT is a four-level nested page table.
type NPT struct {
	frames map[uint64]*[512]uint64
	next   uint64
	pml4   uint64
}

// NewNPT allocates the root table.
func NewNPT(tableBase uint64) *NPT {
	n := &NPT{frames: make(map[uint64]*[512]uint64), next: tableBase}
	n.pml4 = n.alloc()
	return n
}

func (n *NPT) alloc() uint64 {
	pa := n.next
	n.next += nptPageSize
	n.frames[pa] = &[512]uint64{}
	return pa
}

// Cr3 returns the value for the VMCB nested CR3 field.
func (n *NPT) Cr3() uint64 { return n.pml4 }

func nptPermBits(perm hv.Perm) uint64 {
	bits := nptUser
	if perm&hv.PermWrite != 0 {
		bits |= nptWritable
	}
	if perm&hv.PermExec == 0 {
		bits |= nptNx
	}
	return bits
}

// Map installs guest-physical mappings, using 2MiB pages where
// alignment allows. Conflicting remaps are rejected.
func (n *NPT) Map(gpa, hpa, size uint64, perm hv.Perm) error {
	if gpa%nptPageSize != 0 || hpa%nptPageSize != 0 || size%nptPageSize != 0 || size == 0 {
		return fmt.Errorf("svm: unaligned npt mapping gpa=%#x hpa=%#x size=%#x: %w",
			gpa, hpa, size, hv.ErrInvalidConfiguration)
	}

	bits := nptPermBits(perm) | nptPresent
	for off := uint64(0); off < size; {
		if (gpa+off)%nptHugeSize == 0 && (hpa+off)%nptHugeSize == 0 && size-off >= nptHugeSize {
			if err := n.set(gpa+off, 3, hpa+off|bits|nptHugePage); err != nil {
				return err
			}
			off += nptHugeSize
			continue
		}
		if err := n.set(gpa+off, 4, hpa+off|bits); err != nil {
			return err
		}
		off += nptPageSize
	}
	return nil
}

func nptIndex(gpa uint64, level int) int {
	shift := uint(12 + 9*(4-level))
	return int((gpa >> shift) & 0x1FF)
}

func (n *NPT) set(gpa uint64, level int, entry uint64) error {
	frame := n.frames[n.pml4]
	for l := 1; l < level; l++ {
		idx := nptIndex(gpa, l)
		cur := frame[idx]
		if cur&nptPresent == 0 {
			pa := n.alloc()
			frame[idx] = pa | nptPresent | nptWritable | nptUser
			frame = n.frames[pa]
			continue
		}
		if cur&nptHugePage != 0 {
			return fmt.Errorf("svm: huge page already mapped at gpa %#x: %w",
				gpa, hv.ErrInvalidConfiguration)
		}
		next, ok := n.frames[cur&nptAddrMask]
		if !ok {
			return fmt.Errorf("svm: dangling npt table at level %d: %w", l, hv.ErrInvalidConfiguration)
		}
		frame = next
	}

	idx := nptIndex(gpa, level)
	if old := frame[idx]; old&nptPresent != 0 && old != entry {
		return fmt.Errorf("svm: npt remap with different permissions at gpa %#x: %w",
			gpa, hv.ErrInvalidConfiguration)
	}
	frame[idx] = entry
	return nil
}

// Unmap clears leaf entries covering the range.
func (n *NPT) Unmap(gpa, size uint64) error {
	if gpa%nptPageSize != 0 || size%nptPageSize != 0 {
		return fmt.Errorf("svm: unaligned npt unmap: %w", hv.ErrInvalidConfiguration)
	}
	for off := uint64(0); off < size; off += nptPageSize {
		n.clear(gpa + off)
	}
	return nil
}

func (n *NPT) clear(gpa uint64) {
	frame := n.frames[n.pml4]
	for l := 1; l < 4; l++ {
		idx := nptIndex(gpa, l)
		cur := frame[idx]
		if cur&nptPresent == 0 {
			return
		}
		if cur&nptHugePage != 0 {
			frame[idx] = 0
			return
		}
		next, ok := n.frames[cur&nptAddrMask]
		if !ok {
			return
		}
		frame = next
	}
	frame[nptIndex(gpa, 4)] = 0
}

// Translate walks the tables, returning the host-physical address or
// an NptViolation.
func (n *NPT) Translate(gpa uint64, access hv.Access) (uint64, error) {
	fault := &hv.NptViolation{GPA: gpa, Access: access}

	frame := n.frames[n.pml4]
	for l := 1; l <= 4; l++ {
		entry := frame[nptIndex(gpa, l)]
		if entry&nptPresent == 0 {
			return 0, fault
		}

		isLeaf := l == 4 || entry&nptHugePage != 0
		if isLeaf {
			if access == hv.AccessWrite && entry&nptWritable == 0 {
				return 0, fault
			}
			if access == hv.AccessExec && entry&nptNx != 0 {
				return 0, fault
			}
			base := entry & nptAddrMask
			if l == 4 {
				return base | gpa&(nptPageSize-1), nil
			}
			return base | gpa&(nptHugeSize-1), nil
		}

		next, ok := n.frames[entry&nptAddrMask]
		if !ok {
			return 0, fault
		}
		frame = next
	}
	return 0, fault
}

var _ hv.MemoryTranslator = &NPT{}
