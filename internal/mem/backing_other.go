//go:build !unix

package mem

func newBacking(size uint64) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}
