// Package guest holds the catalog of bootable guest images: a few
// built-in payloads plus whatever a YAML manifest contributes.
package guest

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Mode selects the processor state the image boots in.
type Mode string

const (
	ModeReal  Mode = "real"  // x86 16-bit, unrestricted guest
	ModeLong  Mode = "long"  // x86 64-bit
	ModeArm64 Mode = "arm64" // EL1 AArch64
)

// Image is one bootable guest payload.
type Image struct {
	Name     string
	Bytes    []byte
	LoadAddr uint64
	Entry    uint64
	Mode     Mode
}

// Built-in payloads used by the smoke paths: each immediately halts.
var builtins = map[string]Image{
	"test": {
		Name:     "test",
		Bytes:    []byte{0xF4}, // hlt
		LoadAddr: 0x1000,
		Entry:    0x1000,
		Mode:     ModeReal,
	},
	"test-arm64": {
		Name:     "test-arm64",
		Bytes:    []byte{0x7F, 0x20, 0x03, 0xD5}, // wfi
		LoadAddr: 0x4008_0000,
		Entry:    0x4008_0000,
		Mode:     ModeArm64,
	},
}

// Catalog resolves image names to payloads.
type Catalog struct {
	images map[string]Image
}

// NewCatalog starts with the built-in images.
func NewCatalog() *Catalog {
	c := &Catalog{images: make(map[string]Image, len(builtins))}
	for name, img := range builtins {
		c.images[name] = img
	}
	return c
}

// Lookup finds an image by name.
func (c *Catalog) Lookup(name string) (Image, bool) {
	img, ok := c.images[name]
	return img, ok
}

// Names lists every registered image.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.images))
	for name := range c.images {
		out = append(out, name)
	}
	return out
}

// manifestEntry is the YAML shape of one catalog entry. Either file or
// hex supplies the payload.
type manifestEntry struct {
	Name     string `yaml:"name"`
	File     string `yaml:"file"`
	Hex      string `yaml:"hex"`
	LoadAddr uint64 `yaml:"load_addr"`
	Entry    uint64 `yaml:"entry"`
	Mode     Mode   `yaml:"mode"`
}

type manifest struct {
	Images []manifestEntry `yaml:"images"`
}

// LoadManifest merges a YAML manifest into the catalog. Relative file
// paths resolve against the manifest's directory.
func (c *Catalog) LoadManifest(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("guest: read manifest: %w", err)
	}
	return c.loadManifestBytes(data, filepath.Dir(path))
}

func (c *Catalog) loadManifestBytes(data []byte, baseDir string) error {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("guest: parse manifest: %w", err)
	}

	for _, e := range m.Images {
		if e.Name == "" {
			return fmt.Errorf("guest: manifest entry without a name")
		}

		img := Image{
			Name:     e.Name,
			LoadAddr: e.LoadAddr,
			Entry:    e.Entry,
			Mode:     e.Mode,
		}
		if img.Mode == "" {
			img.Mode = ModeLong
		}
		if img.Entry == 0 {
			img.Entry = img.LoadAddr
		}

		switch {
		case e.Hex != "":
			b, err := hex.DecodeString(e.Hex)
			if err != nil {
				return fmt.Errorf("guest: image %q: decode hex: %w", e.Name, err)
			}
			img.Bytes = b
		case e.File != "":
			p := e.File
			if !filepath.IsAbs(p) {
				p = filepath.Join(baseDir, p)
			}
			b, err := os.ReadFile(p)
			if err != nil {
				return fmt.Errorf("guest: image %q: %w", e.Name, err)
			}
			img.Bytes = b
		default:
			return fmt.Errorf("guest: image %q has neither file nor hex payload", e.Name)
		}

		c.images[img.Name] = img
	}
	return nil
}
