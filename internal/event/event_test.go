package event

import "testing"

type recordingSink struct {
	got []Event
}

func (s *recordingSink) Emit(ev Event) { s.got = append(s.got, ev) }

func TestEmitAndRecent(t *testing.T) {
	b := NewBus()
	b.Emit(VmCreated, 0, "test")
	b.Emit(VmStarted, 0, "")

	recent := b.Recent(10)
	if len(recent) != 2 {
		t.Fatalf("recent = %d events, want 2", len(recent))
	}
	if recent[0].Type != VmStarted || recent[1].Type != VmCreated {
		t.Errorf("wrong order: %v, %v", recent[0].Type, recent[1].Type)
	}
}

func TestLogBounded(t *testing.T) {
	b := NewBus()
	for i := 0; i < logCapacity+50; i++ {
		b.Emit(Hypercall, uint64(i), "")
	}

	recent := b.Recent(logCapacity + 50)
	if len(recent) != logCapacity {
		t.Errorf("log holds %d, want bound %d", len(recent), logCapacity)
	}
	if recent[0].VM != logCapacity+49 {
		t.Errorf("newest vm = %d, want %d", recent[0].VM, logCapacity+49)
	}
}

func TestFilteredSubscription(t *testing.T) {
	b := NewBus()
	all := &recordingSink{}
	faults := &recordingSink{}
	b.Subscribe(all)
	b.Subscribe(faults, TranslationFault)

	b.Emit(VmCreated, 1, "")
	b.Emit(TranslationFault, 1, "gpa 0x5000")
	b.Emit(VmStopped, 1, "")

	if len(all.got) != 3 {
		t.Errorf("unfiltered sink got %d events, want 3", len(all.got))
	}
	if len(faults.got) != 1 || faults.got[0].Type != TranslationFault {
		t.Errorf("filtered sink got %+v", faults.got)
	}
}
