//go:build linux

package vmx

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// DevMSR reads model-specific registers through /dev/cpu/N/msr.
type DevMSR struct {
	fd int
}

// OpenDevMSR opens the msr device for one CPU. Requires the msr kernel
// module and CAP_SYS_RAWIO.
func OpenDevMSR(cpu int) (*DevMSR, error) {
	path := fmt.Sprintf("/dev/cpu/%d/msr", cpu)
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("vmx: open %s: %w", path, err)
	}
	return &DevMSR{fd: fd}, nil
}

func (d *DevMSR) ReadMSR(msr uint32) (uint64, error) {
	var buf [8]byte
	n, err := unix.Pread(d.fd, buf[:], int64(msr))
	if err != nil {
		return 0, fmt.Errorf("vmx: read msr %#x: %w", msr, err)
	}
	if n != 8 {
		return 0, fmt.Errorf("vmx: short msr read: %d bytes", n)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (d *DevMSR) Close() error {
	return unix.Close(d.fd)
}

var _ MSRReader = &DevMSR{}
