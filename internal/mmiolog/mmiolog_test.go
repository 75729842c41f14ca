package mmiolog

import "testing"

func TestIdentifyDevice(t *testing.T) {
	tests := []struct {
		ipa  uint64
		want string
	}{
		{0x0800_0000, "GIC-Dist"},
		{0x0800_FFFF, "GIC-Dist"},
		{0x0900_0018, "PL011-UART"},
		{0x0A00_0000, "VirtIO-0"},
		{0x0A00_0250, "VirtIO-1"},
		{0x0A00_0600, "VirtIO-3"},
		{0x4000_0000, "Unknown-MMIO"},
		{0x0, "Unknown-MMIO"},
	}

	for _, tt := range tests {
		if got := IdentifyDevice(tt.ipa); got != tt.want {
			t.Errorf("IdentifyDevice(%#x) = %q, want %q", tt.ipa, got, tt.want)
		}
	}
}

func TestRingEviction(t *testing.T) {
	l := New()
	for i := 0; i < mmioCapacity+10; i++ {
		l.RecordAccess(0x0900_0000, uint64(i), 4, true)
	}

	mmio, _ := l.Totals()
	if mmio != mmioCapacity+10 {
		t.Errorf("mmio total = %d, want %d", mmio, mmioCapacity+10)
	}

	recent := l.RecentAccesses(mmioCapacity + 10)
	if len(recent) != mmioCapacity {
		t.Fatalf("ring holds %d entries, want %d", len(recent), mmioCapacity)
	}
	if recent[0].Value != mmioCapacity+9 {
		t.Errorf("newest value = %d, want %d", recent[0].Value, mmioCapacity+9)
	}
	if recent[len(recent)-1].Value != 10 {
		t.Errorf("oldest value = %d, want 10", recent[len(recent)-1].Value)
	}
}

func TestDeviceStats(t *testing.T) {
	l := New()
	l.RecordAccess(0x0900_0000, 0x41, 1, true)
	l.RecordAccess(0x0900_0018, 0, 4, false)
	l.RecordAccess(0x0A00_0000, 1, 4, false)

	st := l.Devices()
	if uart := st["PL011-UART"]; uart.Reads != 1 || uart.Writes != 1 {
		t.Errorf("uart stats = %+v, want 1 read 1 write", uart)
	}
	if vio := st["VirtIO-0"]; vio.Reads != 1 || vio.Writes != 0 {
		t.Errorf("virtio stats = %+v, want 1 read", vio)
	}
}

func TestSecureCallRecording(t *testing.T) {
	l := New()
	l.RecordSecureCall(0x84000008, "SYSTEM_OFF", "psci", 0, 0)

	_, smc := l.Totals()
	if smc != 1 {
		t.Fatalf("smc total = %d, want 1", smc)
	}
	calls := l.RecentSecureCalls(4)
	if len(calls) != 1 || calls[0].Name != "SYSTEM_OFF" {
		t.Errorf("unexpected calls: %+v", calls)
	}
}
