//go:build windows

package memory

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

func pageSize() int {
	return windows.Getpagesize()
}

// mapRegion 提交可读写内存
func mapRegion(size int) ([]byte, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func unmapRegion(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return windows.VirtualFree(uintptrOf(mem), 0, windows.MEM_RELEASE)
}

func protect(mem []byte, p Protection) error {
	if len(mem) == 0 {
		return nil
	}
	var prot uint32
	switch p {
	case ProtNone:
		prot = windows.PAGE_NOACCESS
	case ProtReadWrite:
		prot = windows.PAGE_READWRITE
	case ProtReadExec:
		prot = windows.PAGE_EXECUTE_READ
	case ProtRead:
		prot = windows.PAGE_READONLY
	}
	var old uint32
	return windows.VirtualProtect(uintptrOf(mem), uintptr(len(mem)), prot, &old)
}

func uintptrOf(mem []byte) uintptr {
	return uintptr(unsafe.Pointer(&mem[0]))
}
