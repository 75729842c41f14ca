package console

import (
	"strings"
	"testing"
	"time"
)

func TestOutputRendersOnScreen(t *testing.T) {
	c := New()
	defer c.Close()

	if _, err := c.WriteOutput([]byte("hello guest\r\n")); err != nil {
		t.Fatal(err)
	}

	screen := c.Screen()
	if !strings.Contains(screen, "hello guest") {
		t.Errorf("screen missing output:\n%s", screen)
	}
}

func TestInjectedInputReachesGuest(t *testing.T) {
	c := New()
	defer c.Close()

	c.InjectInput("ls\r")

	// Input flows through the emulator asynchronously.
	buf := make([]byte, 64)
	var got []byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n := c.ReadInput(buf); n > 0 {
			got = append(got, buf[:n]...)
			if strings.Contains(string(got), "ls") {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("guest never received injected input, got %q", got)
}

func TestResizeRejectsBadSizes(t *testing.T) {
	c := New()
	defer c.Close()

	if err := c.Resize(0, 24); err == nil {
		t.Errorf("zero columns should be rejected")
	}
	if err := c.Resize(132, 50); err != nil {
		t.Errorf("valid resize failed: %v", err)
	}
}
