package el2

import (
	"testing"

	"github.com/virtcore/vmm/internal/hv"
	"github.com/virtcore/vmm/internal/mmiolog"
)

type fakeBus struct {
	mem        map[uint64]uint64
	lastWrite  uint64
	writeCount int
}

func newFakeBus() *fakeBus {
	return &fakeBus{mem: make(map[uint64]uint64)}
}

func (b *fakeBus) ReadMMIO(ipa uint64, size uint8) (uint64, error) {
	return b.mem[ipa], nil
}

func (b *fakeBus) WriteMMIO(ipa uint64, size uint8, value uint64) error {
	b.mem[ipa] = value
	b.lastWrite = value
	b.writeCount++
	return nil
}

func newTestDispatcher() (*Dispatcher, *fakeBus, *mmiolog.Log) {
	bus := newFakeBus()
	spy := mmiolog.New()
	return &Dispatcher{Bus: bus, Spy: spy}, bus, spy
}

// dataAbortTrap builds the trap registers for an abort at the given
// IPA.
func dataAbortTrap(esr, ipa uint64) Trap {
	return Trap{
		ESR:   esr,
		FAR:   ipa & 0xFFF,
		HPFAR: ipa >> 12 << 4,
	}
}

func TestMMIOWriteTrap(t *testing.T) {
	d, bus, spy := newTestDispatcher()

	regs := &RegisterFile{PC: 0x4000_1000}
	regs.X[5] = 0xDEAD_BEEF

	esr := buildDataAbortESR(4, true, 5, false, false)
	act := d.Handle(dataAbortTrap(esr, 0x0900_0000), regs)

	if act != hv.TrapHandled {
		t.Fatalf("action = %v, want handled", act)
	}
	if bus.lastWrite != 0xDEAD_BEEF {
		t.Errorf("bus saw %#x, want 0xdeadbeef", bus.lastWrite)
	}
	if regs.PC != 0x4000_1004 {
		t.Errorf("PC = %#x, want advance by 4", regs.PC)
	}

	mmio, _ := spy.Totals()
	if mmio != 1 {
		t.Errorf("spy mmio total = %d, want 1", mmio)
	}
	rec := spy.RecentAccesses(1)
	if rec[0].Device != "PL011-UART" || !rec[0].Write || rec[0].Size != 4 {
		t.Errorf("unexpected spy record: %+v", rec[0])
	}
}

func TestMMIOWriteMasksToAccessSize(t *testing.T) {
	d, bus, _ := newTestDispatcher()

	regs := &RegisterFile{}
	regs.X[2] = 0x1122_3344_5566_7788

	esr := buildDataAbortESR(1, true, 2, false, false)
	if act := d.Handle(dataAbortTrap(esr, 0x0900_0000), regs); act != hv.TrapHandled {
		t.Fatalf("action = %v", act)
	}
	if bus.lastWrite != 0x88 {
		t.Errorf("byte store wrote %#x, want 0x88", bus.lastWrite)
	}
}

func TestMMIOReadTrap(t *testing.T) {
	d, bus, _ := newTestDispatcher()
	bus.mem[0x0A00_0000] = 0x74726976 // virtio magic

	regs := &RegisterFile{}
	esr := buildDataAbortESR(4, false, 7, false, false)
	if act := d.Handle(dataAbortTrap(esr, 0x0A00_0000), regs); act != hv.TrapHandled {
		t.Fatalf("action = %v", act)
	}
	if regs.X[7] != 0x74726976 {
		t.Errorf("X7 = %#x, want virtio magic", regs.X[7])
	}
}

func TestMMIOReadSignExtends(t *testing.T) {
	d, bus, _ := newTestDispatcher()
	bus.mem[0x0900_0000] = 0x80

	regs := &RegisterFile{}
	esr := buildDataAbortESR(1, false, 3, true, true)
	if act := d.Handle(dataAbortTrap(esr, 0x0900_0000), regs); act != hv.TrapHandled {
		t.Fatalf("action = %v", act)
	}
	if regs.X[3] != 0xFFFF_FFFF_FFFF_FF80 {
		t.Errorf("X3 = %#x, want sign-extended 0x80", regs.X[3])
	}
}

func TestWriteFromXZRStoresZero(t *testing.T) {
	d, bus, _ := newTestDispatcher()
	bus.mem[0x0900_0000] = 0xFF

	regs := &RegisterFile{}
	esr := buildDataAbortESR(4, true, 31, false, false)
	if act := d.Handle(dataAbortTrap(esr, 0x0900_0000), regs); act != hv.TrapHandled {
		t.Fatalf("action = %v", act)
	}
	if bus.lastWrite != 0 {
		t.Errorf("XZR store wrote %#x, want 0", bus.lastWrite)
	}
}

func TestInvalidSyndromeLeavesRegistersUntouched(t *testing.T) {
	d, _, spy := newTestDispatcher()

	regs := &RegisterFile{PC: 0x1000}
	for i := range regs.X {
		regs.X[i] = uint64(i) * 0x1111
	}
	before := *regs

	// ISV clear: no instruction syndrome at all.
	esr := uint64(EcDataAbortLower)<<26 | 1<<25
	act := d.Handle(dataAbortTrap(esr, 0x0900_0000), regs)

	if act != hv.TrapHandled {
		t.Fatalf("action = %v, want handled", act)
	}
	if regs.X != before.X || regs.SP != before.SP {
		t.Errorf("register file mutated on undecodable syndrome")
	}
	if regs.PC != 0x1004 {
		t.Errorf("PC = %#x, want skip past the undecodable instruction", regs.PC)
	}

	rec := spy.RecentAccesses(1)
	if len(rec) != 1 || rec[0].Size != 0 {
		t.Errorf("expected a zero-width spy marker, got %+v", rec)
	}
}

func TestInstructionAbortInjectsFault(t *testing.T) {
	d, _, spy := newTestDispatcher()

	regs := &RegisterFile{}
	esr := uint64(EcInstAbortLower)<<26 | 1<<25
	if act := d.Handle(dataAbortTrap(esr, 0x0B00_0000), regs); act != hv.TrapInjectFault {
		t.Fatalf("action = %v, want inject-fault", act)
	}
	mmio, _ := spy.Totals()
	if mmio != 1 {
		t.Errorf("instruction abort should be logged")
	}
	rec := spy.RecentAccesses(1)
	if len(rec) != 1 || !rec[0].Fetch || rec[0].Size != 4 {
		t.Errorf("expected a fetch marker, got %+v", rec)
	}
}

func TestPsciSystemOffHaltsGuest(t *testing.T) {
	d, _, spy := newTestDispatcher()

	regs := &RegisterFile{}
	regs.X[0] = PsciSystemOff

	esr := uint64(EcSmc64)<<26 | 1<<25
	if act := d.Handle(Trap{ESR: esr}, regs); act != hv.TrapGuestHalt {
		t.Fatalf("action = %v, want guest-halt", act)
	}
	if !d.Halted() {
		t.Errorf("dispatcher should latch the halt")
	}

	calls := spy.RecentSecureCalls(1)
	if len(calls) != 1 || calls[0].Name != "SYSTEM_OFF" {
		t.Errorf("unexpected secure call record: %+v", calls)
	}
}

func TestPsciCpuOnForwards(t *testing.T) {
	d, _, _ := newTestDispatcher()

	regs := &RegisterFile{}
	regs.X[0] = PsciCpuOn
	regs.X[1] = 1 // target cpu

	esr := uint64(EcSmc64)<<26 | 1<<25
	if act := d.Handle(Trap{ESR: esr}, regs); act != hv.TrapForwardSmc {
		t.Fatalf("action = %v, want forward-smc", act)
	}
}

func TestNonPsciSmcForwardsToFirmware(t *testing.T) {
	d, _, spy := newTestDispatcher()

	for _, fid := range []uint64{
		0x8500_0001, // hyp service
		0x8200_0010, // secure service
		0xB000_0042, // oem service
	} {
		regs := &RegisterFile{PC: 0x3000}
		regs.X[0] = fid

		esr := uint64(EcSmc64)<<26 | 1<<25
		if act := d.Handle(Trap{ESR: esr}, regs); act != hv.TrapForwardSmc {
			t.Errorf("fid %#x: action = %v, want forward-smc", fid, act)
		}
		if regs.X[0] != fid {
			t.Errorf("fid %#x: X0 rewritten to %#x before forwarding", fid, regs.X[0])
		}
		if regs.PC != 0x3000 {
			t.Errorf("fid %#x: PC moved to %#x, firmware return path re-issues", fid, regs.PC)
		}
	}

	_, smc := spy.Totals()
	if smc != 3 {
		t.Errorf("spy smc total = %d, want 3", smc)
	}
}

func TestIntrospectionHypercall(t *testing.T) {
	d, _, spy := newTestDispatcher()
	spy.RecordAccess(0x0900_0000, 0, 4, true)
	spy.RecordAccess(0x0900_0000, 0, 4, true)

	regs := &RegisterFile{PC: 0x2000}
	regs.X[0] = hvcIntrospect

	esr := uint64(EcHvc64)<<26 | 1<<25
	if act := d.Handle(Trap{ESR: esr}, regs); act != hv.TrapHandled {
		t.Fatalf("action = %v, want handled", act)
	}
	if regs.X[0] != 0 {
		t.Errorf("X0 = %#x, want success", regs.X[0])
	}
	if regs.X[1] != 2 {
		t.Errorf("X1 = %d, want mmio count 2", regs.X[1])
	}
	if regs.PC != 0x2004 {
		t.Errorf("PC = %#x, want advance past the hvc", regs.PC)
	}
}

func TestUnknownHypercallNotSupported(t *testing.T) {
	d, _, _ := newTestDispatcher()

	regs := &RegisterFile{PC: 0x2000}
	regs.X[0] = 0xFF00_0001

	esr := uint64(EcHvc64)<<26 | 1<<25
	if act := d.Handle(Trap{ESR: esr}, regs); act != hv.TrapHandled {
		t.Fatalf("action = %v, want handled", act)
	}
	if regs.X[0] != smcccNotSupported {
		t.Errorf("X0 = %#x, want SMCCC not-supported", regs.X[0])
	}
	if regs.PC != 0x2004 {
		t.Errorf("PC = %#x, want advance past the hvc", regs.PC)
	}
}

func TestWfxResumes(t *testing.T) {
	d, _, _ := newTestDispatcher()

	regs := &RegisterFile{PC: 0x2000}
	esr := uint64(EcWfx)<<26 | 1<<25
	if act := d.Handle(Trap{ESR: esr}, regs); act != hv.TrapHandled {
		t.Fatalf("action = %v, want handled", act)
	}
	if regs.PC != 0x2004 {
		t.Errorf("PC = %#x, want advance past wfi", regs.PC)
	}
}

func TestRegisterFileBounds(t *testing.T) {
	regs := &RegisterFile{}
	if err := regs.Set(32, 1); err == nil {
		t.Errorf("Set(32) should fail")
	}
	if _, err := regs.Get(40); err == nil {
		t.Errorf("Get(40) should fail")
	}
	if v, err := regs.Get(31); err != nil || v != 0 {
		t.Errorf("Get(31) = %d, %v; want XZR semantics", v, err)
	}
}
