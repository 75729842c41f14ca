package el2

import (
	"fmt"
	"log/slog"
)

// List register layout.
const (
	lrVintidMask   = 0xFFFF_FFFF
	lrPintidShift  = 32
	lrPintidMask   = 0x1FFF
	lrPrioShift    = 48
	lrStateShift   = 60
	lrStateMask    = 0b11
	lrStatePending = 0b01
	lrGroup1       = uint64(1) << 62
	lrHw           = uint64(1) << 63
)

const (
	maxListRegs     = 16
	pendingCapacity = 64
	spuriousIntid   = 1020
	defaultPriority = 0xA0
)

// SlotPort is the indexed accessor over the hardware list registers
// ICH_LR<n>_EL2 and the capability register ICH_VTR_EL2.
type SlotPort interface {
	ReadSlot(n int) (uint64, error)
	WriteSlot(n int, value uint64) error
	VTR() uint64
}

// GICPort is the physical distributor CPU interface used when taking a
// physical interrupt on the guest's behalf.
type GICPort interface {
	Ack() uint32
	EOI(intid uint32)
	Deactivate(intid uint32)
}

type pendingIRQ struct {
	vintid uint32
	pintid uint32
}

// VGIC multiplexes virtual interrupts onto the finite set of hardware
// list registers, spilling into a bounded FIFO when all slots are busy.
type VGIC struct {
	slots  SlotPort
	gic    GICPort
	logger *slog.Logger

	capacity int
	pending  []pendingIRQ
	dropped  uint64
	injected uint64
}

// NewVGIC reads the slot capacity from ICH_VTR_EL2 and clamps it to the
// architectural maximum.
func NewVGIC(slots SlotPort, gic GICPort, logger *slog.Logger) *VGIC {
	if logger == nil {
		logger = slog.Default()
	}
	capacity := int(slots.VTR()&0x1F) + 1
	if capacity > maxListRegs {
		capacity = maxListRegs
	}
	return &VGIC{
		slots:    slots,
		gic:      gic,
		logger:   logger,
		capacity: capacity,
	}
}

// Capacity returns the number of usable list registers.
func (v *VGIC) Capacity() int { return v.capacity }

// PendingCount returns the depth of the software overflow queue.
func (v *VGIC) PendingCount() int { return len(v.pending) }

// Stats returns the lifetime injection and overflow-drop counters.
func (v *VGIC) Stats() (injected, dropped uint64) {
	return v.injected, v.dropped
}

func makeLR(vintid, pintid uint32, priority uint8) uint64 {
	lr := uint64(vintid) & lrVintidMask
	lr |= (uint64(pintid) & lrPintidMask) << lrPintidShift
	lr |= uint64(priority) << lrPrioShift
	lr |= lrStatePending << lrStateShift
	lr |= lrGroup1
	if pintid != 0 {
		lr |= lrHw
	}
	return lr
}

// Inject places a virtual interrupt into the first free list register,
// scanning in index order. When every slot is occupied the interrupt
// goes to the overflow queue and Inject reports false.
func (v *VGIC) Inject(vintid, pintid uint32, priority uint8) (bool, error) {
	for i := 0; i < v.capacity; i++ {
		lr, err := v.slots.ReadSlot(i)
		if err != nil {
			return false, fmt.Errorf("el2: read list register %d: %w", i, err)
		}
		if (lr>>lrStateShift)&lrStateMask != 0 {
			continue
		}
		if err := v.slots.WriteSlot(i, makeLR(vintid, pintid, priority)); err != nil {
			return false, fmt.Errorf("el2: write list register %d: %w", i, err)
		}
		v.injected++
		return true, nil
	}

	v.enqueue(pendingIRQ{vintid: vintid, pintid: pintid})
	return false, nil
}

func (v *VGIC) enqueue(irq pendingIRQ) {
	if len(v.pending) >= pendingCapacity {
		v.pending = v.pending[1:]
		v.dropped++
		v.logger.Debug("el2: vgic overflow queue full, dropping oldest")
	}
	v.pending = append(v.pending, irq)
}

// DrainPending retries queued interrupts in FIFO order until the list
// registers fill up again. Called on every guest entry.
func (v *VGIC) DrainPending() error {
	for len(v.pending) > 0 {
		irq := v.pending[0]
		v.pending = v.pending[1:]

		ok, err := v.Inject(irq.vintid, irq.pintid, defaultPriority)
		if err != nil {
			return err
		}
		if !ok {
			// Inject re-queued it at the tail. Restore FIFO order and
			// stop, the slots are full.
			v.pending = append([]pendingIRQ{irq}, v.pending[:len(v.pending)-1]...)
			return nil
		}
	}
	return nil
}

// HandlePhysicalIRQ acknowledges a physical interrupt and forwards it
// to the guest. Spurious ids are completed and discarded.
func (v *VGIC) HandlePhysicalIRQ() error {
	intid := v.gic.Ack()
	if intid >= spuriousIntid {
		return nil
	}

	if _, err := v.Inject(intid, intid, defaultPriority); err != nil {
		return err
	}

	// Priority drop now, deactivate once the guest EOIs its virtual
	// copy. Deactivating here keeps the model simple: the hardware bit
	// in the list register ties the two lifetimes together.
	v.gic.EOI(intid)
	v.gic.Deactivate(intid)
	return nil
}
