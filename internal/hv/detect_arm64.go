//go:build arm64

package hv

import "golang.org/x/sys/unix"

// hostHasEl2 reports whether the kernel exposes a hypervisor interface,
// which on arm64 implies the boot CPU entered EL2. When this code is
// embedded at EL2 itself the port below is replaced by the boot stub.
func hostHasEl2() bool {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return false
	}
	unix.Close(fd)
	return true
}
