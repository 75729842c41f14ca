package el2

import (
	"fmt"

	"github.com/virtcore/vmm/internal/hv"
)

// Stage-2 descriptor bits, VMSAv8-64 4KiB granule.
const (
	s2Valid = uint64(1) << 0
	s2Table = uint64(1) << 1 // at non-leaf levels
	s2AF    = uint64(1) << 10

	s2ApRead  = uint64(1) << 6
	s2ApWrite = uint64(2) << 6

	s2XN = uint64(2) << 53

	s2AttrDevice   = uint64(0b0000) << 2 // Device-nGnRnE
	s2AttrNormalWB = uint64(0b1111) << 2
	s2ShInner      = uint64(0b11) << 8

	s2AddrMask = 0x0000_FFFF_FFFF_F000
)

const (
	s2PageSize  = 0x1000
	s2BlockSize = 0x20_0000 // level-2 block
)

// Stage2 builds and walks a 3-level stage-2 translation table for a
// 40-bit IPA space. Table frames come from the shared frame allocator
// so the walker sees the same memory layout the MMU would.
type Stage2 struct {
	frames *FrameAllocator
	root   uint64
	vmid   uint16
}

// FrameAllocator hands out 4KiB table frames. Frames are modelled as
// host memory indexed by an opaque physical address.
type FrameAllocator struct {
	next   uint64
	frames map[uint64]*[512]uint64
}

func NewFrameAllocator(base uint64) *FrameAllocator {
	return &FrameAllocator{next: base, frames: make(map[uint64]*[512]uint64)}
}

// Alloc returns a zeroed table frame and its physical address.
func (a *FrameAllocator) Alloc() (uint64, *[512]uint64) {
	pa := a.next
	a.next += s2PageSize
	f := &[512]uint64{}
	a.frames[pa] = f
	return pa, f
}

// Frame resolves a previously allocated frame by address.
func (a *FrameAllocator) Frame(pa uint64) (*[512]uint64, bool) {
	f, ok := a.frames[pa]
	return f, ok
}

// NewStage2 allocates the level-1 table.
func NewStage2(frames *FrameAllocator, vmid uint16) *Stage2 {
	root, _ := frames.Alloc()
	return &Stage2{frames: frames, root: root, vmid: vmid}
}

// VTTBR returns the value to program into VTTBR_EL2.
func (s *Stage2) VTTBR() uint64 {
	return s.root | uint64(s.vmid)<<48
}

// VMID returns the VM identifier carried in the VTTBR.
func (s *Stage2) VMID() uint16 { return s.vmid }

func permBits(perm hv.Perm) uint64 {
	var bits uint64
	if perm&hv.PermRead != 0 {
		bits |= s2ApRead
	}
	if perm&hv.PermWrite != 0 {
		bits |= s2ApWrite
	}
	if perm&hv.PermExec == 0 {
		bits |= s2XN
	}
	return bits
}

// MapRAM maps normal write-back cacheable memory.
func (s *Stage2) MapRAM(ipa, pa, size uint64, perm hv.Perm) error {
	return s.mapRange(ipa, pa, size, permBits(perm)|s2AttrNormalWB|s2ShInner)
}

// MapDevice maps a device window. Device memory is never executable.
func (s *Stage2) MapDevice(ipa, pa, size uint64) error {
	return s.mapRange(ipa, pa, size, s2ApRead|s2ApWrite|s2XN|s2AttrDevice)
}

// Map implements hv.MemoryTranslator with normal memory attributes.
func (s *Stage2) Map(ipa, pa, size uint64, perm hv.Perm) error {
	return s.MapRAM(ipa, pa, size, perm)
}

func (s *Stage2) mapRange(ipa, pa, size uint64, attrs uint64) error {
	if ipa%s2PageSize != 0 || pa%s2PageSize != 0 || size%s2PageSize != 0 || size == 0 {
		return fmt.Errorf("el2: unaligned stage-2 mapping ipa=%#x pa=%#x size=%#x: %w",
			ipa, pa, size, hv.ErrInvalidConfiguration)
	}

	for off := uint64(0); off < size; {
		if (ipa+off)%s2BlockSize == 0 && (pa+off)%s2BlockSize == 0 && size-off >= s2BlockSize {
			if err := s.mapBlock(ipa+off, pa+off, attrs); err != nil {
				return err
			}
			off += s2BlockSize
			continue
		}
		if err := s.mapPage(ipa+off, pa+off, attrs); err != nil {
			return err
		}
		off += s2PageSize
	}
	return nil
}

func indexAt(ipa uint64, level int) int {
	shift := uint(12 + 9*(3-level))
	return int((ipa >> shift) & 0x1FF)
}

// table walks to the table at the given level, allocating intermediate
// tables as needed.
func (s *Stage2) table(ipa uint64, level int) (*[512]uint64, error) {
	frame, _ := s.frames.Frame(s.root)
	for l := 1; l < level; l++ {
		idx := indexAt(ipa, l)
		entry := frame[idx]
		if entry&s2Valid == 0 {
			pa, next := s.frames.Alloc()
			frame[idx] = pa | s2Valid | s2Table
			frame = next
			continue
		}
		if entry&s2Table == 0 {
			return nil, fmt.Errorf("el2: stage-2 block already mapped at ipa %#x: %w",
				ipa, hv.ErrInvalidConfiguration)
		}
		next, ok := s.frames.Frame(entry & s2AddrMask)
		if !ok {
			return nil, fmt.Errorf("el2: dangling table pointer at level %d: %w",
				l, hv.ErrInvalidConfiguration)
		}
		frame = next
	}
	return frame, nil
}

func (s *Stage2) mapBlock(ipa, pa uint64, attrs uint64) error {
	tbl, err := s.table(ipa, 2)
	if err != nil {
		return err
	}
	idx := indexAt(ipa, 2)
	entry := pa | attrs | s2AF | s2Valid
	if old := tbl[idx]; old&s2Valid != 0 && old != entry {
		return fmt.Errorf("el2: stage-2 remap with different attributes at ipa %#x: %w",
			ipa, hv.ErrInvalidConfiguration)
	}
	tbl[idx] = entry
	return nil
}

func (s *Stage2) mapPage(ipa, pa uint64, attrs uint64) error {
	tbl, err := s.table(ipa, 3)
	if err != nil {
		return err
	}
	idx := indexAt(ipa, 3)
	entry := pa | attrs | s2AF | s2Valid | s2Table
	if old := tbl[idx]; old&s2Valid != 0 && old != entry {
		return fmt.Errorf("el2: stage-2 remap with different attributes at ipa %#x: %w",
			ipa, hv.ErrInvalidConfiguration)
	}
	tbl[idx] = entry
	return nil
}

// Unmap clears leaf entries covering the range.
func (s *Stage2) Unmap(ipa, size uint64) error {
	if ipa%s2PageSize != 0 || size%s2PageSize != 0 {
		return fmt.Errorf("el2: unaligned stage-2 unmap: %w", hv.ErrInvalidConfiguration)
	}
	for off := uint64(0); off < size; off += s2PageSize {
		s.clearPage(ipa + off)
	}
	return nil
}

func (s *Stage2) clearPage(ipa uint64) {
	frame, _ := s.frames.Frame(s.root)
	for l := 1; l < 3; l++ {
		entry := frame[indexAt(ipa, l)]
		if entry&s2Valid == 0 {
			return
		}
		if entry&s2Table == 0 {
			// Block mapping. Clearing part of a block is not supported,
			// drop the whole block.
			frame[indexAt(ipa, l)] = 0
			return
		}
		next, ok := s.frames.Frame(entry & s2AddrMask)
		if !ok {
			return
		}
		frame = next
	}
	frame[indexAt(ipa, 3)] = 0
}

// Translate walks the tables the way the MMU would, returning the
// output address or a Stage2Fault.
func (s *Stage2) Translate(ipa uint64, access hv.Access) (uint64, error) {
	fault := &hv.Stage2Fault{IPA: ipa, Access: access}

	frame, _ := s.frames.Frame(s.root)
	for l := 1; l <= 3; l++ {
		entry := frame[indexAt(ipa, l)]
		if entry&s2Valid == 0 {
			return 0, fault
		}

		isLeaf := l == 3 || entry&s2Table == 0
		if isLeaf {
			if err := checkAccess(entry, access); err != nil {
				return 0, fault
			}
			base := entry & s2AddrMask
			if l == 3 {
				return base | ipa&(s2PageSize-1), nil
			}
			return base | ipa&(s2BlockSize-1), nil
		}

		next, ok := s.frames.Frame(entry & s2AddrMask)
		if !ok {
			return 0, fault
		}
		frame = next
	}
	return 0, fault
}

func checkAccess(entry uint64, access hv.Access) error {
	switch access {
	case hv.AccessRead:
		if entry&s2ApRead == 0 {
			return hv.ErrInvalidConfiguration
		}
	case hv.AccessWrite:
		if entry&s2ApWrite == 0 {
			return hv.ErrInvalidConfiguration
		}
	case hv.AccessExec:
		if entry&s2XN != 0 {
			return hv.ErrInvalidConfiguration
		}
	}
	return nil
}

var _ hv.MemoryTranslator = &Stage2{}
