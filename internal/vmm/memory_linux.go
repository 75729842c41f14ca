//go:build linux

package vmm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocGuestMemory maps anonymous zeroed pages for guest RAM.
func allocGuestMemory(size uint64) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("vmm: mmap %d bytes: %w", size, err)
	}
	return mem, nil
}

func freeGuestMemory(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}
