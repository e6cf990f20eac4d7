//go:build unix

package platform

import "golang.org/x/sys/unix"

func mmapSegment(size int) ([]byte, error) {
	// Anonymous as this is not an actual file, private as this is
	// in-process memory. Mapped writable first; the final protection is
	// applied after fixup.
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func munmapSegment(b []byte) error {
	return unix.Munmap(b)
}

func mprotectRX(b []byte) error {
	return unix.Mprotect(b, unix.PROT_READ|unix.PROT_EXEC)
}

func mprotectRO(b []byte) error {
	return unix.Mprotect(b, unix.PROT_READ)
}
