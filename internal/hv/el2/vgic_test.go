package el2

import "testing"

type fakeSlots struct {
	vtr uint64
	lrs [maxListRegs]uint64
}

func (s *fakeSlots) ReadSlot(n int) (uint64, error)  { return s.lrs[n], nil }
func (s *fakeSlots) WriteSlot(n int, v uint64) error { s.lrs[n] = v; return nil }
func (s *fakeSlots) VTR() uint64                     { return s.vtr }

type fakeGIC struct {
	ackQueue    []uint32
	eois        []uint32
	deactivated []uint32
}

func (g *fakeGIC) Ack() uint32 {
	if len(g.ackQueue) == 0 {
		return 1023
	}
	id := g.ackQueue[0]
	g.ackQueue = g.ackQueue[1:]
	return id
}

func (g *fakeGIC) EOI(id uint32)        { g.eois = append(g.eois, id) }
func (g *fakeGIC) Deactivate(id uint32) { g.deactivated = append(g.deactivated, id) }

func newTestVGIC(listRegs int) (*VGIC, *fakeSlots, *fakeGIC) {
	slots := &fakeSlots{vtr: uint64(listRegs - 1)}
	gic := &fakeGIC{}
	return NewVGIC(slots, gic, nil), slots, gic
}

func TestCapacityFromVTR(t *testing.T) {
	v, _, _ := newTestVGIC(4)
	if v.Capacity() != 4 {
		t.Errorf("capacity = %d, want 4", v.Capacity())
	}

	// VTR advertising more than the architecture allows is clamped.
	big := NewVGIC(&fakeSlots{vtr: 0x1F}, &fakeGIC{}, nil)
	if big.Capacity() != maxListRegs {
		t.Errorf("capacity = %d, want %d", big.Capacity(), maxListRegs)
	}
}

func TestInjectFillsSlotsInOrder(t *testing.T) {
	v, slots, _ := newTestVGIC(4)

	for i := uint32(0); i < 4; i++ {
		ok, err := v.Inject(32+i, 0, 0x80)
		if err != nil || !ok {
			t.Fatalf("inject %d: ok=%v err=%v", i, ok, err)
		}
	}

	for i := 0; i < 4; i++ {
		lr := slots.lrs[i]
		if lr&lrVintidMask != uint64(32+i) {
			t.Errorf("slot %d vintid = %d, want %d", i, lr&lrVintidMask, 32+i)
		}
		if (lr>>lrStateShift)&lrStateMask != lrStatePending {
			t.Errorf("slot %d not pending", i)
		}
		if lr&lrGroup1 == 0 {
			t.Errorf("slot %d missing group 1", i)
		}
		if lr&lrHw != 0 {
			t.Errorf("slot %d is software, HW bit must be clear", i)
		}
	}
}

func TestInjectHardwareInterrupt(t *testing.T) {
	v, slots, _ := newTestVGIC(4)

	if _, err := v.Inject(27, 27, 0xA0); err != nil {
		t.Fatal(err)
	}
	lr := slots.lrs[0]
	if lr&lrHw == 0 {
		t.Errorf("HW bit should be set for a physical interrupt")
	}
	if (lr>>lrPintidShift)&lrPintidMask != 27 {
		t.Errorf("pintid = %d, want 27", (lr>>lrPintidShift)&lrPintidMask)
	}
	if (lr>>lrPrioShift)&0xFF != 0xA0 {
		t.Errorf("priority = %#x, want 0xa0", (lr>>lrPrioShift)&0xFF)
	}
}

func TestInjectOverflowQueues(t *testing.T) {
	v, _, _ := newTestVGIC(2)

	v.Inject(32, 0, 0x80)
	v.Inject(33, 0, 0x80)

	ok, err := v.Inject(34, 0, 0x80)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("third inject should overflow into the queue")
	}
	if v.PendingCount() != 1 {
		t.Errorf("pending = %d, want 1", v.PendingCount())
	}
}

func TestPendingQueueBounded(t *testing.T) {
	v, _, _ := newTestVGIC(2)
	v.Inject(32, 0, 0x80)
	v.Inject(33, 0, 0x80)

	for i := uint32(0); i < pendingCapacity+8; i++ {
		v.Inject(40+i, 0, 0x80)
	}

	if v.PendingCount() != pendingCapacity {
		t.Errorf("pending = %d, want bound %d", v.PendingCount(), pendingCapacity)
	}
	if _, dropped := v.Stats(); dropped != 8 {
		t.Errorf("dropped = %d, want 8", dropped)
	}
}

func TestDrainPendingFIFO(t *testing.T) {
	v, slots, _ := newTestVGIC(2)
	v.Inject(32, 0, 0x80)
	v.Inject(33, 0, 0x80)
	v.Inject(34, 0, 0x80) // queued
	v.Inject(35, 0, 0x80) // queued

	// Guest EOIs both slots.
	slots.lrs[0] = 0
	slots.lrs[1] = 0

	if err := v.DrainPending(); err != nil {
		t.Fatal(err)
	}
	if v.PendingCount() != 0 {
		t.Errorf("pending = %d, want 0", v.PendingCount())
	}
	if slots.lrs[0]&lrVintidMask != 34 || slots.lrs[1]&lrVintidMask != 35 {
		t.Errorf("drain order wrong: slot0=%d slot1=%d",
			slots.lrs[0]&lrVintidMask, slots.lrs[1]&lrVintidMask)
	}
}

func TestDrainStopsWhenSlotsFull(t *testing.T) {
	v, slots, _ := newTestVGIC(2)
	v.Inject(32, 0, 0x80)
	v.Inject(33, 0, 0x80)
	v.Inject(34, 0, 0x80)
	v.Inject(35, 0, 0x80)

	// Only one slot frees up.
	slots.lrs[1] = 0

	if err := v.DrainPending(); err != nil {
		t.Fatal(err)
	}
	if slots.lrs[1]&lrVintidMask != 34 {
		t.Errorf("slot1 = %d, want 34", slots.lrs[1]&lrVintidMask)
	}
	if v.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", v.PendingCount())
	}

	// 35 must still be next in line.
	slots.lrs[0] = 0
	v.DrainPending()
	if slots.lrs[0]&lrVintidMask != 35 {
		t.Errorf("slot0 = %d, want 35", slots.lrs[0]&lrVintidMask)
	}
}

func TestHandlePhysicalIRQ(t *testing.T) {
	v, slots, gic := newTestVGIC(4)
	gic.ackQueue = []uint32{27}

	if err := v.HandlePhysicalIRQ(); err != nil {
		t.Fatal(err)
	}

	lr := slots.lrs[0]
	if lr&lrVintidMask != 27 || (lr>>lrPintidShift)&lrPintidMask != 27 {
		t.Errorf("physical irq not forwarded: lr=%#x", lr)
	}
	if len(gic.eois) != 1 || gic.eois[0] != 27 {
		t.Errorf("eois = %v, want [27]", gic.eois)
	}
	if len(gic.deactivated) != 1 || gic.deactivated[0] != 27 {
		t.Errorf("deactivated = %v, want [27]", gic.deactivated)
	}
}

func TestSpuriousInterruptDiscarded(t *testing.T) {
	v, slots, gic := newTestVGIC(4)
	gic.ackQueue = []uint32{1023}

	if err := v.HandlePhysicalIRQ(); err != nil {
		t.Fatal(err)
	}
	if slots.lrs[0] != 0 {
		t.Errorf("spurious interrupt must not be injected")
	}
	if len(gic.eois) != 0 {
		t.Errorf("spurious interrupt must not be EOIed")
	}
}
