package el2

import (
	"errors"
	"testing"

	"github.com/virtcore/vmm/internal/hv"
)

func newTestStage2(t *testing.T) *Stage2 {
	t.Helper()
	return NewStage2(NewFrameAllocator(0x8000_0000), 1)
}

func TestStage2MapTranslate(t *testing.T) {
	s := newTestStage2(t)

	if err := s.MapRAM(0x4000_0000, 0x9000_0000, 0x4000, hv.PermRWX); err != nil {
		t.Fatal(err)
	}

	pa, err := s.Translate(0x4000_1234, hv.AccessRead)
	if err != nil {
		t.Fatal(err)
	}
	if pa != 0x9000_1234 {
		t.Errorf("pa = %#x, want 0x9000_1234", pa)
	}
}

func TestStage2BlockMapping(t *testing.T) {
	s := newTestStage2(t)

	// 2MiB-aligned 4MiB range uses block descriptors.
	if err := s.MapRAM(0x4000_0000, 0x8000_0000, 2*s2BlockSize, hv.PermRW); err != nil {
		t.Fatal(err)
	}

	pa, err := s.Translate(0x4020_0abc, hv.AccessWrite)
	if err != nil {
		t.Fatal(err)
	}
	if pa != 0x8020_0abc {
		t.Errorf("pa = %#x, want 0x8020_0abc", pa)
	}
}

func TestStage2UnmappedFaults(t *testing.T) {
	s := newTestStage2(t)

	_, err := s.Translate(0x0900_0000, hv.AccessWrite)
	var fault *hv.Stage2Fault
	if !errors.As(err, &fault) {
		t.Fatalf("want Stage2Fault, got %v", err)
	}
	if fault.IPA != 0x0900_0000 || fault.Access != hv.AccessWrite {
		t.Errorf("fault = %+v", fault)
	}
}

func TestStage2PermissionFaults(t *testing.T) {
	s := newTestStage2(t)
	if err := s.MapRAM(0x4000_0000, 0x9000_0000, 0x1000, hv.PermRead); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Translate(0x4000_0000, hv.AccessRead); err != nil {
		t.Errorf("read should be allowed: %v", err)
	}

	var fault *hv.Stage2Fault
	if _, err := s.Translate(0x4000_0000, hv.AccessWrite); !errors.As(err, &fault) {
		t.Errorf("write should fault, got %v", err)
	}
	if _, err := s.Translate(0x4000_0000, hv.AccessExec); !errors.As(err, &fault) {
		t.Errorf("exec should fault, got %v", err)
	}
}

func TestStage2DeviceNeverExecutable(t *testing.T) {
	s := newTestStage2(t)
	if err := s.MapDevice(0x0900_0000, 0x0900_0000, 0x1000); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Translate(0x0900_0018, hv.AccessWrite); err != nil {
		t.Errorf("device write should be allowed: %v", err)
	}
	if _, err := s.Translate(0x0900_0000, hv.AccessExec); err == nil {
		t.Errorf("device exec must fault")
	}
}

func TestStage2RemapConflictRejected(t *testing.T) {
	s := newTestStage2(t)
	if err := s.MapRAM(0x4000_0000, 0x9000_0000, 0x1000, hv.PermRW); err != nil {
		t.Fatal(err)
	}

	// Identical remap is idempotent.
	if err := s.MapRAM(0x4000_0000, 0x9000_0000, 0x1000, hv.PermRW); err != nil {
		t.Errorf("identical remap should succeed: %v", err)
	}

	// Different permissions are a configuration error.
	err := s.MapRAM(0x4000_0000, 0x9000_0000, 0x1000, hv.PermRWX)
	if !errors.Is(err, hv.ErrInvalidConfiguration) {
		t.Errorf("conflicting remap: got %v, want ErrInvalidConfiguration", err)
	}
}

func TestStage2Unmap(t *testing.T) {
	s := newTestStage2(t)
	if err := s.MapRAM(0x4000_0000, 0x9000_0000, 0x2000, hv.PermRW); err != nil {
		t.Fatal(err)
	}
	if err := s.Unmap(0x4000_0000, 0x1000); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Translate(0x4000_0000, hv.AccessRead); err == nil {
		t.Errorf("unmapped page should fault")
	}
	if _, err := s.Translate(0x4000_1000, hv.AccessRead); err != nil {
		t.Errorf("neighbour page should stay mapped: %v", err)
	}
}

func TestStage2UnalignedRejected(t *testing.T) {
	s := newTestStage2(t)
	err := s.MapRAM(0x4000_0100, 0x9000_0000, 0x1000, hv.PermRW)
	if !errors.Is(err, hv.ErrInvalidConfiguration) {
		t.Errorf("unaligned map: got %v, want ErrInvalidConfiguration", err)
	}
}

func TestVTTBREncodesVMID(t *testing.T) {
	frames := NewFrameAllocator(0x8000_0000)
	s := NewStage2(frames, 7)

	vttbr := s.VTTBR()
	if vttbr>>48 != 7 {
		t.Errorf("vmid field = %d, want 7", vttbr>>48)
	}
	if vttbr&s2AddrMask == 0 {
		t.Errorf("vttbr missing table base")
	}
}
