//go:build unix

package rdma

import (
	"golang.org/x/sys/unix"
)

// mapArena returns page-aligned anonymous memory outside the Go heap, so the
// device can hold its address for as long as the registration lives.
func mapArena(size int) ([]byte, func() error, error) {
	page := unix.Getpagesize()
	size = (size + page - 1) &^ (page - 1)

	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}

	return buf, func() error { return unix.Munmap(buf) }, nil
}
