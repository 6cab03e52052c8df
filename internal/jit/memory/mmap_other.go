//go:build !unix && !windows

package memory

func pageSize() int {
	return 4096
}

func mapRegion(size int) ([]byte, error) {
	return nil, ErrUnsupportedPlatform
}

func unmapRegion(mem []byte) error {
	return nil
}

func protect(mem []byte, p Protection) error {
	return ErrUnsupportedPlatform
}
