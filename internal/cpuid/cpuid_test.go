package cpuid

import "testing"

func TestClassifyVendor(t *testing.T) {
	tests := []struct {
		name string
		regs Regs
		want Vendor
	}{
		{"intel", Regs{EBX: 0x756E6547, EDX: 0x49656E69, ECX: 0x6C65746E}, VendorIntel},
		{"amd", Regs{EBX: 0x68747541, EDX: 0x69746E65, ECX: 0x444D4163}, VendorAmd},
		{"zero", Regs{}, VendorUnknown},
		{"swapped", Regs{EBX: 0x6C65746E, EDX: 0x49656E69, ECX: 0x756E6547}, VendorUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyVendor(tt.regs); got != tt.want {
				t.Errorf("ClassifyVendor() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecodeSvmFeatures(t *testing.T) {
	// Revision 1, 32768 ASIDs, nested paging + nrip save + flush by
	// ASID + decode assists, no AVIC.
	feat := DecodeSvmFeatures(Regs{
		EAX: 0x01,
		EBX: 0x8000,
		EDX: 1<<0 | 1<<3 | 1<<6 | 1<<7,
	})

	if feat.Revision != 1 {
		t.Errorf("Revision = %d, want 1", feat.Revision)
	}
	if feat.NumASIDs != 0x8000 {
		t.Errorf("NumASIDs = %d, want %d", feat.NumASIDs, 0x8000)
	}
	if !feat.NestedPaging || !feat.NRIPSave || !feat.FlushByASID || !feat.DecodeAssists {
		t.Errorf("missing expected features: %+v", feat)
	}
	if feat.AVIC {
		t.Errorf("AVIC should not be set")
	}
}
