// hvctl is the operator front end for the hypervisor control core:
// create and drive VMs, inspect lifecycle events and the MMIO spy, and
// attach to guest consoles.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/virtcore/vmm/internal/event"
	"github.com/virtcore/vmm/internal/guest"
	"github.com/virtcore/vmm/internal/hv"
	"github.com/virtcore/vmm/internal/mmiolog"
	"github.com/virtcore/vmm/internal/vmm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hvctl: %v\n", err)
		os.Exit(1)
	}
}

// options is the YAML config file shape.
type options struct {
	MemoryBudgetMB uint64 `yaml:"memory_budget_mb"`
	Manifest       string `yaml:"manifest"`
	Debug          bool   `yaml:"debug"`
}

func loadOptions(path string) (options, error) {
	var opts options
	if path == "" {
		return opts, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parse config: %w", err)
	}
	return opts, nil
}

func run() error {
	configPath := flag.String("config", "", "YAML config file")
	memory := flag.Uint64("memory", 64, "Guest memory in MB")
	image := flag.String("image", "test-arm64", "Guest image name")
	banner := flag.String("banner", "virtcore boot\r\n", "Simulated guest console banner")
	attach := flag.Bool("attach", false, "Attach to the guest console after boot")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <command>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  run      Boot a guest and show its console\n")
		fmt.Fprintf(os.Stderr, "  detect   Print the detected virtualization backend\n")
		fmt.Fprintf(os.Stderr, "  images   List the guest image catalog\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	opts, err := loadOptions(*configPath)
	if err != nil {
		return err
	}
	if *debug || opts.Debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	catalog := guest.NewCatalog()
	if opts.Manifest != "" {
		if err := catalog.LoadManifest(opts.Manifest); err != nil {
			return err
		}
	}

	switch flag.Arg(0) {
	case "detect":
		fmt.Println(hv.DetectBackend())
		return nil
	case "images":
		for _, name := range catalog.Names() {
			fmt.Println(name)
		}
		return nil
	case "run", "":
		return runGuest(catalog, opts, *memory, *image, *banner, *attach)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", flag.Arg(0))
	}
}

func runGuest(catalog *guest.Catalog, opts options, memoryMB uint64, image, banner string, attach bool) error {
	spy := mmiolog.New()
	factory, bus := newSimFactory(banner, spy)

	h, err := vmm.New(vmm.Config{
		Factory:      factory,
		Catalog:      catalog,
		MemoryBudget: opts.MemoryBudgetMB << 20,
	})
	if err != nil {
		return err
	}
	defer h.Shutdown(true)

	h.Events().Subscribe(event.SlogSink{})

	id, err := h.CreateVM("guest", memoryMB)
	if err != nil {
		return err
	}
	if err := h.InitializeVM(id); err != nil {
		return err
	}

	img, ok := catalog.Lookup(image)
	if !ok {
		return fmt.Errorf("unknown image %q", image)
	}
	if err := loadImage(h, id, img); err != nil {
		return err
	}

	if err := h.StartVM(id); err != nil {
		return err
	}

	// Pump simulated UART output into the console until the banner has
	// flowed through.
	console, err := h.Console(id)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if out := bus.Output(); len(out) > 0 {
			if _, err := console.WriteOutput(out); err != nil {
				return err
			}
		}
		time.Sleep(20 * time.Millisecond)
	}

	if attach {
		if err := attachConsole(h, id); err != nil {
			return err
		}
	}

	printStatus(h, spy)

	if err := h.StopVM(id); err != nil {
		return err
	}
	return h.DestroyVM(id)
}

// loadImage copies the guest payload into memory with progress
// feedback, chunked so large images show movement.
func loadImage(h *vmm.Hypervisor, id uint64, img guest.Image) error {
	bar := progressbar.DefaultBytes(int64(len(img.Bytes)), "loading "+img.Name)
	defer bar.Close()

	const chunk = 1 << 20
	for off := 0; off < len(img.Bytes); off += chunk {
		end := off + chunk
		if end > len(img.Bytes) {
			end = len(img.Bytes)
		}
		if err := h.WriteGuestMemory(id, img.LoadAddr+uint64(off), img.Bytes[off:end]); err != nil {
			return err
		}
		_ = bar.Add(end - off)
	}
	return nil
}

// attachConsole puts the host terminal in raw mode and forwards
// keystrokes to the guest console until ctrl-] is pressed.
func attachConsole(h *vmm.Hypervisor, id uint64) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("attach requires a terminal")
	}

	old, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	defer term.Restore(fd, old)

	fmt.Print("attached, ctrl-] to detach\r\n")

	buf := make([]byte, 64)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return err
		}
		for _, b := range buf[:n] {
			if b == 0x1D { // ctrl-]
				return nil
			}
		}
		if err := h.InjectConsoleInput(id, string(buf[:n])); err != nil {
			return err
		}
	}
}

func printStatus(h *vmm.Hypervisor, spy *mmiolog.Log) {
	bold := func(s string) string {
		return ansi.Style{}.Bold().Styled(s)
	}

	fmt.Println(bold("virtual machines"))
	for _, info := range h.List() {
		fmt.Printf("  %3d  %-12s %-10s %4d MB\n", info.ID, info.Name, info.State, info.MemSize>>20)
	}

	screen, err := h.ConsoleScreen(0)
	if err == nil && screen != "" {
		fmt.Println(bold("console"))
		fmt.Println(screen)
	}

	mmio, smc := spy.Totals()
	fmt.Println(bold("introspection"))
	fmt.Printf("  mmio accesses: %d  secure calls: %d\n", mmio, smc)
	for _, a := range spy.RecentAccesses(8) {
		fmt.Printf("  %s\n", a)
	}
	for dev, st := range spy.Devices() {
		fmt.Printf("  %-12s reads=%d writes=%d\n", dev, st.Reads, st.Writes)
	}
}
