// Package console bridges guest serial output to a terminal emulator,
// one per VM. The emulator keeps a renderable screen and turns
// injected host input into the byte stream the guest UART reads.
package console

import (
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/x/vt"
)

const (
	defaultCols = 80
	defaultRows = 24
)

// Console is one VM's serial console.
type Console struct {
	mu  sync.Mutex
	emu *vt.SafeEmulator

	// Bytes the guest has not consumed yet: emulator-generated input
	// plus anything injected directly.
	pending []byte
	done    chan struct{}
}

func New() *Console {
	c := &Console{
		emu:  vt.NewSafeEmulator(defaultCols, defaultRows),
		done: make(chan struct{}),
	}

	// The emulator emits input bytes (keys, query replies) through its
	// read side. Collect them into the guest-facing buffer.
	go func() {
		buf := make([]byte, 512)
		for {
			n, err := c.emu.Read(buf)
			if n > 0 {
				c.mu.Lock()
				c.pending = append(c.pending, buf[:n]...)
				c.mu.Unlock()
			}
			if err != nil {
				close(c.done)
				return
			}
		}
	}()
	return c
}

// WriteOutput feeds guest UART output into the emulator.
func (c *Console) WriteOutput(p []byte) (int, error) {
	return c.emu.Write(p)
}

// InjectInput types text into the console as if entered on the host.
func (c *Console) InjectInput(text string) {
	c.emu.SendText(text)
}

// ReadInput hands the guest up to len(p) buffered input bytes.
func (c *Console) ReadInput(p []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n
}

// Screen renders the current emulator contents as plain text, one line
// per row, trailing blanks trimmed.
func (c *Console) Screen() string {
	var sb strings.Builder
	for y := 0; y < c.emu.Height(); y++ {
		var line strings.Builder
		for x := 0; x < c.emu.Width(); {
			w := 1
			content := " "
			if cell := c.emu.CellAt(x, y); cell != nil {
				content = cell.Content
				if cell.Width > 1 {
					w = cell.Width
				}
			}
			line.WriteString(content)
			x += w
		}
		sb.WriteString(strings.TrimRight(line.String(), " "))
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Resize changes the emulator grid.
func (c *Console) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("console: invalid size %dx%d", cols, rows)
	}
	c.emu.Resize(cols, rows)
	return nil
}

// Close shuts the emulator down.
func (c *Console) Close() error {
	err := c.emu.Close()
	<-c.done
	return err
}
