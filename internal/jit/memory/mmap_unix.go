//go:build unix

package memory

import "golang.org/x/sys/unix"

func pageSize() int {
	return unix.Getpagesize()
}

// mapRegion 映射可读写的匿名内存
func mapRegion(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func unmapRegion(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return unix.Munmap(mem)
}

func protect(mem []byte, p Protection) error {
	if len(mem) == 0 {
		return nil
	}
	var prot int
	switch p {
	case ProtNone:
		prot = unix.PROT_NONE
	case ProtReadWrite:
		prot = unix.PROT_READ | unix.PROT_WRITE
	case ProtReadExec:
		prot = unix.PROT_READ | unix.PROT_EXEC
	case ProtRead:
		prot = unix.PROT_READ
	}
	return unix.Mprotect(mem, prot)
}
