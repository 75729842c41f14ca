package guest

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBuiltinLookup(t *testing.T) {
	c := NewCatalog()

	img, ok := c.Lookup("test")
	if !ok {
		t.Fatalf("built-in test image missing")
	}
	if len(img.Bytes) == 0 || img.Bytes[0] != 0xF4 {
		t.Errorf("test image should start with hlt, got %#x", img.Bytes)
	}
	if img.Mode != ModeReal {
		t.Errorf("mode = %q, want real", img.Mode)
	}

	if _, ok := c.Lookup("missing"); ok {
		t.Errorf("unknown name should not resolve")
	}
}

func TestManifestHexPayload(t *testing.T) {
	c := NewCatalog()
	data := []byte(`
images:
  - name: spin
    hex: ebfe
    load_addr: 0x7c00
    mode: real
`)
	if err := c.loadManifestBytes(data, ""); err != nil {
		t.Fatal(err)
	}

	img, ok := c.Lookup("spin")
	if !ok {
		t.Fatalf("manifest image missing")
	}
	if len(img.Bytes) != 2 || img.Bytes[0] != 0xEB || img.Bytes[1] != 0xFE {
		t.Errorf("payload = %#x", img.Bytes)
	}
	if img.Entry != 0x7C00 {
		t.Errorf("entry should default to load_addr, got %#x", img.Entry)
	}
}

func TestManifestFilePayload(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "guest.bin"), []byte{0x90, 0xF4}, 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewCatalog()
	data := []byte(`
images:
  - name: from-file
    file: guest.bin
    load_addr: 0x100000
    entry: 0x100000
    mode: long
`)
	if err := c.loadManifestBytes(data, dir); err != nil {
		t.Fatal(err)
	}

	img, _ := c.Lookup("from-file")
	if len(img.Bytes) != 2 || img.Mode != ModeLong {
		t.Errorf("image = %+v", img)
	}
}

func TestManifestRejectsEmptyEntries(t *testing.T) {
	c := NewCatalog()
	if err := c.loadManifestBytes([]byte("images:\n  - name: broken\n"), ""); err == nil {
		t.Errorf("entry without payload should fail")
	}
	if err := c.loadManifestBytes([]byte("images:\n  - hex: f4\n"), ""); err == nil {
		t.Errorf("entry without name should fail")
	}
}
