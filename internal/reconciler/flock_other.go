//go:build !unix

package reconciler

func FlockCheck(path string) (bool, error) {
	return false, ErrFlockUnsupported
}
