//go:build !linux && !darwin

package device

func allocPages(size int64) ([]byte, func() error, error) {
	buf, release := allocHeap(size)
	return buf, release, nil
}
